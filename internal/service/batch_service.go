package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sheetarchiver/api/internal/batch"
	"github.com/sheetarchiver/api/internal/client"
	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/registry"
	"github.com/sheetarchiver/api/internal/sheet"
	"github.com/sheetarchiver/api/internal/sink"
)

// SheetClient is the spreadsheet surface batch jobs read from and write to
type SheetClient interface {
	SheetName(ctx context.Context, spreadsheetID string, gid *int) (string, error)
	Values(ctx context.Context, spreadsheetID, sheetName string) ([][]string, error)
	InsertColumn(ctx context.Context, spreadsheetID string, ins sheet.InsertColumn) error
	sink.Writer
}

// BatchDeps are the collaborators of BatchService. Validating and Artifacts
// are optional.
type BatchDeps struct {
	Jobs         *registry.Registry
	Sheets       SheetClient
	Processor    batch.ItemProcessor
	Validating   batch.ItemProcessor
	Scheduler    *batch.Scheduler
	Artifacts    client.ArtifactStore
	Dispatcher   Dispatcher
	ReportPrefix string
	Logger       *slog.Logger
}

// BatchService submits and runs item-list jobs
type BatchService struct {
	deps BatchDeps
	sink *sink.Sink
	now  func() time.Time
}

// batchReport is the artifact uploaded after each run
type batchReport struct {
	JobID         string             `json:"jobId"`
	SpreadsheetID string             `json:"spreadsheetId"`
	SheetName     string             `json:"sheetName"`
	FinishedAt    time.Time          `json:"finishedAt"`
	Summary       model.BatchSummary `json:"summary"`
	Results       []model.ItemResult `json:"results"`
}

func NewBatchService(deps BatchDeps) *BatchService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = batch.NewScheduler(batch.DefaultBatchSize, batch.DefaultMaxConcurrency)
	}
	if deps.Validating == nil {
		deps.Validating = deps.Processor
	}
	if deps.ReportPrefix == "" {
		deps.ReportPrefix = "reports"
	}
	return &BatchService{
		deps: deps,
		sink: sink.New(deps.Sheets, deps.Logger),
		now:  time.Now,
	}
}

// StartBatch validates the sheet URL, registers a job and dispatches it
func (s *BatchService) StartBatch(ctx context.Context, req *model.BatchStartRequest) (*model.JobStartResponse, error) {
	ref, err := sheet.ParseURL(req.SheetURL)
	if err != nil {
		return nil, err
	}

	job, err := s.deps.Jobs.Create(model.Job{
		ID:     uuid.New().String(),
		Kind:   model.JobKindItemList,
		Target: ref.SpreadsheetID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	_ = s.deps.Jobs.AppendLogf(job.ID, "[SYS] Batch archive queued for spreadsheet %s", ref.SpreadsheetID)

	payload, err := json.Marshal(model.BatchTaskPayload{
		JobID:         job.ID,
		SpreadsheetID: ref.SpreadsheetID,
		GID:           ref.GID,
		PreValidate:   req.PreValidate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if err := s.deps.Dispatcher.Dispatch(ctx, TaskTypeBatch, payload); err != nil {
		failJob(s.deps.Jobs, job.ID, fmt.Sprintf("Failed to queue job: %v", err))
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}

	s.deps.Logger.Info("batch job queued", "job_id", job.ID, "spreadsheet_id", ref.SpreadsheetID)

	return &model.JobStartResponse{
		JobID:          job.ID,
		Kind:           job.Kind,
		Status:         job.Status,
		SpreadsheetID:  ref.SpreadsheetID,
		CheckStatusURL: statusURL(job.ID),
		CreatedAt:      job.StartedAt,
	}, nil
}

// HandleTask decodes a dispatched batch payload and runs it
func (s *BatchService) HandleTask(ctx context.Context, payload []byte) error {
	var p model.BatchTaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal batch payload: %w", err)
	}
	return s.RunBatch(ctx, p)
}

// RunBatch archives every pending URL of the sheet and writes the results
// back. The job ends completed or failed; the returned error mirrors a failure.
func (s *BatchService) RunBatch(ctx context.Context, p model.BatchTaskPayload) (err error) {
	jobs := s.deps.Jobs
	logger := s.deps.Logger.With("job_id", p.JobID, "spreadsheet_id", p.SpreadsheetID)

	if _, err := jobs.MarkRunning(p.JobID); err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("batch job panicked", "panic", r)
			err = fmt.Errorf("batch job panicked: %v", r)
			failJob(jobs, p.JobID, fmt.Sprintf("Unexpected error: %v", r))
		}
	}()

	ref := sheet.Ref{SpreadsheetID: p.SpreadsheetID, GID: p.GID}
	target, items, total, err := s.prepare(ctx, p.JobID, ref)
	if err != nil {
		logger.Error("batch preparation failed", "error", err)
		failJob(jobs, p.JobID, err.Error())
		return err
	}

	if len(items) == 0 {
		summary := sink.Summarize(total, nil)
		_, _ = jobs.SetSummary(p.JobID, summary)
		_ = jobs.AppendLogf(p.JobID, "[SYS] Nothing to archive: %d rows already have an archive URL or no URL", total)
		_, _ = jobs.Complete(p.JobID)
		return nil
	}

	_ = jobs.AppendLogf(p.JobID, "[SYS] Archiving %d URLs out of %d rows", len(items), total)

	processor := s.deps.Processor
	if p.PreValidate {
		processor = s.deps.Validating
		_ = jobs.AppendLog(p.JobID, "[SYS] URL pre-validation enabled")
	}

	sched := *s.deps.Scheduler
	sched.Logger = logger
	sched.OnProgress = func(pr batch.Progress) {
		_ = jobs.AppendLogf(p.JobID, "[BATCH] Group %d/%d done: %d archived, %d failed (%d/%d URLs)",
			pr.Group, pr.Groups, pr.Succeeded, pr.Failed, pr.ItemsDone, pr.ItemsTotal)
	}
	results := sched.Run(ctx, items, processor)

	if err := s.sink.Apply(ctx, target, results); err != nil {
		msg := fmt.Sprintf("Failed to write results to the sheet: %v", err)
		logger.Error("sheet update failed", "error", err)
		failJob(jobs, p.JobID, msg)
		return errors.New(msg)
	}

	summary := sink.Summarize(total, results)
	_, _ = jobs.SetSummary(p.JobID, summary)
	_ = jobs.AppendLogf(p.JobID, "[SYS] Finished: %d archived, %d failed, %d skipped (success rate %.1f%%)",
		summary.Archived, summary.Failed, summary.Skipped, summary.SuccessRate)

	s.uploadReport(ctx, p, target.SheetName, summary, results, logger)

	if _, err := jobs.Complete(p.JobID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	logger.Info("batch job completed", "archived", summary.Archived, "failed", summary.Failed)
	return nil
}

// prepare resolves the sheet, adds missing result headers and extracts the
// pending work items
func (s *BatchService) prepare(ctx context.Context, jobID string, ref sheet.Ref) (sink.Target, []model.WorkItem, int, error) {
	jobs := s.deps.Jobs
	target := sink.Target{Ref: ref}

	name, err := s.deps.Sheets.SheetName(ctx, ref.SpreadsheetID, ref.GID)
	if err != nil {
		return target, nil, 0, fmt.Errorf("Failed to read spreadsheet metadata: %w", err)
	}
	target.SheetName = name
	_, _ = jobs.SetSheetName(jobID, name)
	_ = jobs.AppendLogf(jobID, "[SYS] Reading sheet '%s'", name)

	rows, err := s.deps.Sheets.Values(ctx, ref.SpreadsheetID, name)
	if err != nil {
		return target, nil, 0, fmt.Errorf("Failed to read sheet values: %w", err)
	}
	if len(rows) == 0 {
		return target, nil, 0, sheet.ErrNoData
	}

	layout, err := sheet.DetectLayout(rows[0])
	if err != nil {
		return target, nil, 0, err
	}

	plan := sheet.PlanHeaders(rows[0], layout)
	if !plan.Empty() {
		if err := s.applyHeaders(ctx, jobID, target, plan); err != nil {
			return target, nil, 0, err
		}
		// re-read so row data matches the shifted columns
		if rows, err = s.deps.Sheets.Values(ctx, ref.SpreadsheetID, name); err != nil {
			return target, nil, 0, fmt.Errorf("Failed to re-read sheet values: %w", err)
		}
		if len(rows) == 0 {
			return target, nil, 0, sheet.ErrNoData
		}
		if layout, err = sheet.DetectLayout(rows[0]); err != nil {
			return target, nil, 0, err
		}
	}
	target.Layout = layout

	items, total := sheet.Items(rows, layout)
	return target, items, total, nil
}

func (s *BatchService) applyHeaders(ctx context.Context, jobID string, target sink.Target, plan sheet.HeaderPlan) error {
	id := target.Ref.SpreadsheetID
	if plan.InsertColumnAt >= 0 {
		ins := sheet.InsertColumn{SheetID: target.Ref.SheetID(), Index: plan.InsertColumnAt}
		if err := s.deps.Sheets.InsertColumn(ctx, id, ins); err != nil {
			return fmt.Errorf("Failed to insert column %s: %w", sheet.ColumnLetter(plan.InsertColumnAt), err)
		}
	}

	updates := make([]sheet.CellUpdate, len(plan.Cells))
	names := make([]string, len(plan.Cells))
	for i, c := range plan.Cells {
		updates[i] = sheet.CellUpdate{
			Range:  sheet.CellRange(target.SheetName, c.Column, 0),
			Values: [][]string{{c.Value}},
		}
		names[i] = c.Value
	}
	if err := s.deps.Sheets.BatchUpdateValues(ctx, id, updates); err != nil {
		return fmt.Errorf("Failed to add header columns: %w", err)
	}
	_ = s.deps.Jobs.AppendLogf(jobID, "[SYS] Added missing headers: %s", strings.Join(names, ", "))
	return nil
}

func (s *BatchService) uploadReport(ctx context.Context, p model.BatchTaskPayload, sheetName string, summary model.BatchSummary, results []model.ItemResult, logger *slog.Logger) {
	if s.deps.Artifacts == nil {
		return
	}
	body, err := json.Marshal(batchReport{
		JobID:         p.JobID,
		SpreadsheetID: p.SpreadsheetID,
		SheetName:     sheetName,
		FinishedAt:    s.now().UTC(),
		Summary:       summary,
		Results:       results,
	})
	if err != nil {
		logger.Warn("failed to marshal report", "error", err)
		return
	}

	key := fmt.Sprintf("%s/%s.json", s.deps.ReportPrefix, p.JobID)
	link, err := s.deps.Artifacts.Put(ctx, key, body, "application/json")
	if err != nil {
		logger.Warn("report upload failed", "error", err)
		_ = s.deps.Jobs.AppendLogf(p.JobID, "[WARN] Report upload failed: %v", err)
		return
	}
	_, _ = s.deps.Jobs.SetReportURL(p.JobID, link)
}
