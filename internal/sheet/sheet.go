// Package sheet holds spreadsheet layout helpers: URL parsing, column
// addressing, header detection and work item extraction.
package sheet

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sheetarchiver/api/internal/model"
)

// Header titles written by the archiver
const (
	HeaderArchiveStatus = "Archive Status"
	HeaderArchiveURL    = "Archive URL"
)

// ExtraHeaders are the result columns the remote archiver fills in
var ExtraHeaders = []string{
	"Archive Date", "Upload Timestamp", "Upload Title", "Text Content",
	"Screenshot", "Hash", "WACZ", "ReplayWebpage",
}

var (
	ErrInvalidSheetURL = errors.New("invalid spreadsheet URL, expected https://docs.google.com/spreadsheets/d/{SPREADSHEET_ID}/edit#gid={SHEET_ID}")
	ErrNoURLColumn     = errors.New("no URL column found in the sheet")
	ErrNoData          = errors.New("no data found in the sheet")
)

var gidPattern = regexp.MustCompile(`gid=(\d+)`)

// Ref identifies one sheet of a spreadsheet
type Ref struct {
	SpreadsheetID string
	GID           *int
}

// ParseURL extracts the spreadsheet id and optional gid from a sheet URL.
// The gid is read from the query first, then from the fragment.
func ParseURL(raw string) (Ref, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !strings.Contains(u.Host, "docs.google.com") || !strings.Contains(u.Path, "/spreadsheets/d/") {
		return Ref{}, ErrInvalidSheetURL
	}

	segments := strings.Split(u.Path, "/")
	id := ""
	for i, seg := range segments {
		if seg == "d" && i+1 < len(segments) {
			id = segments[i+1]
			break
		}
	}
	if id == "" {
		return Ref{}, ErrInvalidSheetURL
	}

	ref := Ref{SpreadsheetID: id}
	if v := u.Query().Get("gid"); v != "" {
		if gid, err := strconv.Atoi(v); err == nil {
			ref.GID = &gid
		}
	}
	if ref.GID == nil && u.Fragment != "" {
		if m := gidPattern.FindStringSubmatch(u.Fragment); m != nil {
			if gid, err := strconv.Atoi(m[1]); err == nil {
				ref.GID = &gid
			}
		}
	}
	return ref, nil
}

// SheetID returns the numeric sheet id used by formatting requests
func (r Ref) SheetID() int {
	if r.GID == nil {
		return 0
	}
	return *r.GID
}

// ColumnLetter converts a 0-based column index to A1 letters (0 -> A, 26 -> AA)
func ColumnLetter(index int) string {
	if index < 0 {
		return ""
	}
	var b []byte
	for index >= 0 {
		b = append([]byte{byte('A' + index%26)}, b...)
		index = index/26 - 1
	}
	return string(b)
}

// CellRange returns the A1 range of one cell; row is the 0-based row index
func CellRange(sheetName string, column, row int) string {
	return fmt.Sprintf("%s!%s%d", quoteSheetName(sheetName), ColumnLetter(column), row+1)
}

func quoteSheetName(name string) string {
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return "'" + strings.ReplaceAll(name, "'", "''") + "'"
		}
	}
	return name
}

// Layout holds the indices of the columns the archiver reads and writes; -1 when missing
type Layout struct {
	URLColumn        int
	StatusColumn     int
	ArchiveURLColumn int
}

// DetectLayout finds the URL, Archive Status and Archive URL columns.
// Matching is case-insensitive; the last matching header wins.
func DetectLayout(headers []string) (Layout, error) {
	l := Layout{URLColumn: -1, StatusColumn: -1, ArchiveURLColumn: -1}
	for i, h := range headers {
		h = strings.ToLower(h)
		switch {
		case strings.Contains(h, "url") && !strings.Contains(h, "archive"):
			l.URLColumn = i
		case strings.Contains(h, "archive") && strings.Contains(h, "status"):
			l.StatusColumn = i
		case strings.Contains(h, "archive") && strings.Contains(h, "url"):
			l.ArchiveURLColumn = i
		}
	}
	if l.URLColumn < 0 {
		return l, ErrNoURLColumn
	}
	return l, nil
}

// HeaderCell is one header value to write into row 1
type HeaderCell struct {
	Column int
	Value  string
}

// HeaderPlan describes the header changes needed before results can be written
type HeaderPlan struct {
	// InsertColumnAt is the index where a blank column must be inserted first, or -1
	InsertColumnAt int
	Cells          []HeaderCell
	Layout         Layout
}

// Empty reports whether the sheet already has every result column
func (p HeaderPlan) Empty() bool {
	return p.InsertColumnAt < 0 && len(p.Cells) == 0
}

// PlanHeaders adds missing Archive Status / Archive URL headers. Status is
// inserted before Archive URL when only Archive URL exists. Archive URL goes
// right after Status when only Status exists, inserting a column if that one
// is taken. Both are appended when neither exists. When anything was missing,
// the absent ExtraHeaders follow.
func PlanHeaders(headers []string, layout Layout) HeaderPlan {
	plan := HeaderPlan{InsertColumnAt: -1, Layout: layout}
	if layout.StatusColumn >= 0 && layout.ArchiveURLColumn >= 0 {
		return plan
	}

	width := len(headers)
	switch {
	case layout.StatusColumn < 0 && layout.ArchiveURLColumn >= 0:
		plan.InsertColumnAt = layout.ArchiveURLColumn
		plan.Layout.StatusColumn = layout.ArchiveURLColumn
		plan.Layout.ArchiveURLColumn = layout.ArchiveURLColumn + 1
		if plan.Layout.URLColumn >= plan.InsertColumnAt {
			plan.Layout.URLColumn++
		}
		width++
		plan.Cells = append(plan.Cells, HeaderCell{Column: plan.Layout.StatusColumn, Value: HeaderArchiveStatus})
	case layout.StatusColumn < 0 && layout.ArchiveURLColumn < 0:
		plan.Layout.StatusColumn = width
		plan.Layout.ArchiveURLColumn = width + 1
		plan.Cells = append(plan.Cells,
			HeaderCell{Column: width, Value: HeaderArchiveStatus},
			HeaderCell{Column: width + 1, Value: HeaderArchiveURL},
		)
	default:
		plan.Layout.ArchiveURLColumn = layout.StatusColumn + 1
		if plan.Layout.ArchiveURLColumn < width {
			plan.InsertColumnAt = plan.Layout.ArchiveURLColumn
			if plan.Layout.URLColumn >= plan.InsertColumnAt {
				plan.Layout.URLColumn++
			}
			width++
		}
		plan.Cells = append(plan.Cells, HeaderCell{Column: plan.Layout.ArchiveURLColumn, Value: HeaderArchiveURL})
	}

	next := plan.Layout.ArchiveURLColumn + 1
	if width > next {
		next = width
	}
	for _, name := range ExtraHeaders {
		if hasHeader(headers, name) {
			continue
		}
		plan.Cells = append(plan.Cells, HeaderCell{Column: next, Value: name})
		next++
	}
	return plan
}

func hasHeader(headers []string, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// Items returns one work item per data row that has a URL and no archive URL
// yet. Positions are 0-based row indices, the header being row 0. The second
// return value is the number of data rows.
func Items(rows [][]string, layout Layout) ([]model.WorkItem, int) {
	if len(rows) <= 1 {
		return nil, 0
	}

	items := make([]model.WorkItem, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		u := strings.TrimSpace(cell(rows[i], layout.URLColumn))
		archived := strings.TrimSpace(cell(rows[i], layout.ArchiveURLColumn))
		if u == "" || archived != "" {
			continue
		}
		items = append(items, model.WorkItem{Position: i, Payload: u})
	}
	return items, len(rows) - 1
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

// CountURLs counts non-empty URL cells and how many of them look like videos
func CountURLs(rows [][]string, urlColumn int) (total, video int) {
	for i := 1; i < len(rows); i++ {
		u := strings.TrimSpace(cell(rows[i], urlColumn))
		if u == "" {
			continue
		}
		total++
		if IsVideoURL(u) {
			video++
		}
	}
	return total, video
}

// IsVideoURL reports whether the URL likely points at a video page
func IsVideoURL(u string) bool {
	l := strings.ToLower(u)
	return strings.Contains(l, "video") || strings.Contains(l, "watch")
}

// Per-URL processing time ranges used for estimates
const (
	videoMinSeconds   = 120
	videoMaxSeconds   = 300
	regularMinSeconds = 15
	regularMaxSeconds = 30
)

// Estimate computes a non-authoritative processing time range. overhead is
// added to both ends, e.g. the container image pull for remote jobs.
func Estimate(total, video int, overhead time.Duration) model.Estimate {
	if video > total {
		video = total
	}
	regular := total - video
	extra := int(overhead / time.Second)
	return model.Estimate{
		URLCount:     total,
		VideoCount:   video,
		RegularCount: regular,
		MinSeconds:   video*videoMinSeconds + regular*regularMinSeconds + extra,
		MaxSeconds:   video*videoMaxSeconds + regular*regularMaxSeconds + extra,
	}
}

// FormatEstimate renders an estimate as "4.5-9 minutes", or "Unknown" without URLs
func FormatEstimate(e model.Estimate) string {
	if e.URLCount == 0 {
		return "Unknown"
	}
	return fmt.Sprintf("%s-%s minutes", minutes(e.MinSeconds), minutes(e.MaxSeconds))
}

func minutes(seconds int) string {
	m := math.Round(float64(seconds)/60*10) / 10
	return strconv.FormatFloat(m, 'f', -1, 64)
}
