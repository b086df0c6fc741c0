package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sheetarchiver/api/internal/config"
	"github.com/sheetarchiver/api/internal/sheet"
)

// SheetsClient talks to the Google Sheets v4 REST API with a bearer token
type SheetsClient struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
}

type sheetProperties struct {
	SheetID int    `json:"sheetId"`
	Title   string `json:"title"`
}

type spreadsheetMetadata struct {
	Sheets []struct {
		Properties sheetProperties `json:"properties"`
	} `json:"sheets"`
}

type valueRange struct {
	Range  string  `json:"range,omitempty"`
	Values [][]any `json:"values"`
}

type batchUpdateValuesRequest struct {
	ValueInputOption string       `json:"valueInputOption"`
	Data             []valueRange `json:"data"`
}

type gridRange struct {
	SheetID          int `json:"sheetId"`
	StartRowIndex    int `json:"startRowIndex"`
	EndRowIndex      int `json:"endRowIndex"`
	StartColumnIndex int `json:"startColumnIndex"`
	EndColumnIndex   int `json:"endColumnIndex"`
}

type dimensionRange struct {
	SheetID    int    `json:"sheetId"`
	Dimension  string `json:"dimension"`
	StartIndex int    `json:"startIndex"`
	EndIndex   int    `json:"endIndex"`
}

type repeatCellRequest struct {
	Range  gridRange `json:"range"`
	Cell   cellData  `json:"cell"`
	Fields string    `json:"fields"`
}

type cellData struct {
	UserEnteredFormat struct {
		TextFormat struct {
			ForegroundColor sheet.Color `json:"foregroundColor"`
		} `json:"textFormat"`
	} `json:"userEnteredFormat"`
}

type insertDimensionRequest struct {
	Range             dimensionRange `json:"range"`
	InheritFromBefore bool           `json:"inheritFromBefore"`
}

type sheetRequest struct {
	RepeatCell      *repeatCellRequest      `json:"repeatCell,omitempty"`
	InsertDimension *insertDimensionRequest `json:"insertDimension,omitempty"`
}

type batchUpdateRequest struct {
	Requests []sheetRequest `json:"requests"`
}

// NewSheetsClient creates a new Sheets API client
func NewSheetsClient(cfg *config.SheetsConfig) *SheetsClient {
	return &SheetsClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
	}
}

// SheetName returns the title of the sheet with the given gid, or of the
// first sheet when gid is nil
func (c *SheetsClient) SheetName(ctx context.Context, spreadsheetID string, gid *int) (string, error) {
	endpoint := fmt.Sprintf("%s/spreadsheets/%s?fields=sheets.properties", c.baseURL, url.PathEscape(spreadsheetID))

	var meta spreadsheetMetadata
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &meta); err != nil {
		return "", err
	}
	if len(meta.Sheets) == 0 {
		return "", fmt.Errorf("spreadsheet %s has no sheets", spreadsheetID)
	}
	if gid == nil {
		return meta.Sheets[0].Properties.Title, nil
	}
	for _, s := range meta.Sheets {
		if s.Properties.SheetID == *gid {
			return s.Properties.Title, nil
		}
	}
	return "", fmt.Errorf("sheet with gid %d not found", *gid)
}

// Values reads every populated cell of a sheet as strings
func (c *SheetsClient) Values(ctx context.Context, spreadsheetID, sheetName string) ([][]string, error) {
	endpoint := fmt.Sprintf("%s/spreadsheets/%s/values/%s", c.baseURL, url.PathEscape(spreadsheetID), url.PathEscape(sheetName))

	var vr valueRange
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &vr); err != nil {
		return nil, err
	}

	rows := make([][]string, len(vr.Values))
	for i, row := range vr.Values {
		rows[i] = make([]string, len(row))
		for j, v := range row {
			if v != nil {
				rows[i][j] = fmt.Sprint(v)
			}
		}
	}
	return rows, nil
}

// BatchUpdateValues writes all updates in one values:batchUpdate call
func (c *SheetsClient) BatchUpdateValues(ctx context.Context, spreadsheetID string, updates []sheet.CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	body := batchUpdateValuesRequest{ValueInputOption: "RAW", Data: make([]valueRange, len(updates))}
	for i, u := range updates {
		values := make([][]any, len(u.Values))
		for r, row := range u.Values {
			values[r] = make([]any, len(row))
			for col, v := range row {
				values[r][col] = v
			}
		}
		body.Data[i] = valueRange{Range: u.Range, Values: values}
	}

	endpoint := fmt.Sprintf("%s/spreadsheets/%s/values:batchUpdate", c.baseURL, url.PathEscape(spreadsheetID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// BatchFormat sets text colours in one batchUpdate call
func (c *SheetsClient) BatchFormat(ctx context.Context, spreadsheetID string, updates []sheet.FormatUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	reqs := make([]sheetRequest, len(updates))
	for i, u := range updates {
		rc := &repeatCellRequest{
			Range: gridRange{
				SheetID:          u.SheetID,
				StartRowIndex:    u.StartRow,
				EndRowIndex:      u.EndRow,
				StartColumnIndex: u.StartColumn,
				EndColumnIndex:   u.EndColumn,
			},
			Fields: "userEnteredFormat.textFormat.foregroundColor",
		}
		rc.Cell.UserEnteredFormat.TextFormat.ForegroundColor = u.Foreground
		reqs[i] = sheetRequest{RepeatCell: rc}
	}
	return c.batchUpdate(ctx, spreadsheetID, reqs)
}

// InsertColumn inserts a blank column
func (c *SheetsClient) InsertColumn(ctx context.Context, spreadsheetID string, ins sheet.InsertColumn) error {
	return c.batchUpdate(ctx, spreadsheetID, []sheetRequest{{
		InsertDimension: &insertDimensionRequest{
			Range: dimensionRange{
				SheetID:    ins.SheetID,
				Dimension:  "COLUMNS",
				StartIndex: ins.Index,
				EndIndex:   ins.Index + 1,
			},
		},
	}})
}

// IsConfigured returns true if the client has valid configuration
func (c *SheetsClient) IsConfigured() bool {
	return c.accessToken != "" && c.baseURL != ""
}

func (c *SheetsClient) batchUpdate(ctx context.Context, spreadsheetID string, reqs []sheetRequest) error {
	endpoint := fmt.Sprintf("%s/spreadsheets/%s:batchUpdate", c.baseURL, url.PathEscape(spreadsheetID))
	return c.do(ctx, http.MethodPost, endpoint, batchUpdateRequest{Requests: reqs}, nil)
}

func (c *SheetsClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sheets API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
