// Package sink writes batch results back into the spreadsheet.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/sheet"
)

// StatusSuccess is written to the status column of archived rows
const StatusSuccess = "Success"

// Writer is the spreadsheet write surface the sink needs
type Writer interface {
	BatchUpdateValues(ctx context.Context, spreadsheetID string, updates []sheet.CellUpdate) error
	BatchFormat(ctx context.Context, spreadsheetID string, updates []sheet.FormatUpdate) error
}

// Target locates the sheet and its result columns
type Target struct {
	Ref       sheet.Ref
	SheetName string
	Layout    sheet.Layout
}

// Sink applies batch results to a sheet
type Sink struct {
	writer Writer
	logger *slog.Logger
}

// New creates a new Sink
func New(w Writer, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{writer: w, logger: logger}
}

// Apply sends one values batch and one formatting batch. A values failure is
// returned; a formatting failure is only logged since the values already
// written are authoritative.
func (s *Sink) Apply(ctx context.Context, target Target, results []model.ItemResult) error {
	if len(results) == 0 {
		return nil
	}

	values, formats := Build(target, results)

	if err := s.writer.BatchUpdateValues(ctx, target.Ref.SpreadsheetID, values); err != nil {
		return fmt.Errorf("write %d cells: %w", len(values), err)
	}
	s.logger.Info("sheet values updated", "spreadsheet_id", target.Ref.SpreadsheetID, "cells", len(values))

	if err := s.writer.BatchFormat(ctx, target.Ref.SpreadsheetID, formats); err != nil {
		s.logger.Warn("failed to apply result highlighting", "spreadsheet_id", target.Ref.SpreadsheetID, "error", err)
	}
	return nil
}

// Build returns the value and format updates for results. Failed rows get the
// failure message in the status column highlighted red; archived rows get the
// archive URL, "Success" and default colouring across the status and URL cells.
func Build(target Target, results []model.ItemResult) ([]sheet.CellUpdate, []sheet.FormatUpdate) {
	l := target.Layout
	sheetID := target.Ref.SheetID()

	values := make([]sheet.CellUpdate, 0, 2*len(results))
	formats := make([]sheet.FormatUpdate, 0, len(results))

	for _, r := range results {
		if !r.OK() {
			values = append(values, sheet.CellUpdate{
				Range:  sheet.CellRange(target.SheetName, l.StatusColumn, r.Position),
				Values: [][]string{{r.Failure.Message}},
			})
			formats = append(formats, sheet.FormatUpdate{
				SheetID:     sheetID,
				StartRow:    r.Position,
				EndRow:      r.Position + 1,
				StartColumn: l.StatusColumn,
				EndColumn:   l.StatusColumn + 1,
				Foreground:  sheet.ColorError,
			})
			continue
		}

		values = append(values,
			sheet.CellUpdate{
				Range:  sheet.CellRange(target.SheetName, l.ArchiveURLColumn, r.Position),
				Values: [][]string{{r.Value}},
			},
			sheet.CellUpdate{
				Range:  sheet.CellRange(target.SheetName, l.StatusColumn, r.Position),
				Values: [][]string{{StatusSuccess}},
			},
		)

		start, end := l.StatusColumn, l.ArchiveURLColumn
		if start > end {
			start, end = end, start
		}
		formats = append(formats, sheet.FormatUpdate{
			SheetID:     sheetID,
			StartRow:    r.Position,
			EndRow:      r.Position + 1,
			StartColumn: start,
			EndColumn:   end + 1,
			Foreground:  sheet.ColorDefault,
		})
	}
	return values, formats
}

// Summarize aggregates results of a run over totalRecords data rows
func Summarize(totalRecords int, results []model.ItemResult) model.BatchSummary {
	archived := 0
	for _, r := range results {
		if r.OK() {
			archived++
		}
	}
	processed := len(results)

	s := model.BatchSummary{
		TotalRecords: totalRecords,
		Processed:    processed,
		Archived:     archived,
		Failed:       processed - archived,
		Skipped:      totalRecords - processed,
	}
	if s.Skipped < 0 {
		s.Skipped = 0
	}
	if processed > 0 {
		s.SuccessRate = math.Round(float64(archived)/float64(processed)*1000) / 10
	}
	return s
}
