package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sheetarchiver/api/internal/client"
	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/monitor"
	"github.com/sheetarchiver/api/internal/registry"
	"github.com/sheetarchiver/api/internal/runner"
	"github.com/sheetarchiver/api/internal/sheet"
)

// SheetReader reads sheet contents for URL counting
type SheetReader interface {
	SheetName(ctx context.Context, spreadsheetID string, gid *int) (string, error)
	Values(ctx context.Context, spreadsheetID, sheetName string) ([][]string, error)
}

// RemoteMonitor runs a remote container job to completion
type RemoteMonitor interface {
	Run(ctx context.Context, jobID string, spec monitor.ContainerSpec)
}

// ProcessRunner runs a local archiver process to completion
type ProcessRunner interface {
	Run(ctx context.Context, jobID string, cmd runner.Command) error
}

// ContainerSettings describes the remote container to provision
type ContainerSettings struct {
	Image        string
	CPU          float64
	MemoryGB     float64
	PullOverhead time.Duration
	Timeout      time.Duration
}

// RemoteDeps are the collaborators of RemoteService. Monitor is required for
// the aci install mode, Runner for local and docker. Sheets and Artifacts are
// optional.
type RemoteDeps struct {
	Jobs       *registry.Registry
	Sheets     SheetReader
	Monitor    RemoteMonitor
	Runner     ProcessRunner
	Install    runner.Install
	Container  ContainerSettings
	Artifacts  client.ArtifactStore
	Dispatcher Dispatcher
	LogPrefix  string
	Logger     *slog.Logger
}

// RemoteService submits and runs whole-sheet jobs executed by the external
// archiver, either in a remote container or as a local process
type RemoteService struct {
	deps RemoteDeps
}

func NewRemoteService(deps RemoteDeps) *RemoteService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Install.Mode == "" {
		deps.Install.Mode = model.InstallModeACI
	}
	if deps.Container.Timeout <= 0 {
		deps.Container.Timeout = monitor.DefaultTimeout
	}
	if deps.LogPrefix == "" {
		deps.LogPrefix = "logs"
	}
	return &RemoteService{deps: deps}
}

// InstallMode reports where sheet jobs are executed
func (s *RemoteService) InstallMode() model.InstallMode {
	return s.deps.Install.Mode
}

// StartRemote validates the request, estimates the processing time and
// dispatches the job. Remote container jobs whose estimate exceeds the
// configured timeout are rejected with ErrEstimateTooLarge.
func (s *RemoteService) StartRemote(ctx context.Context, req *model.RemoteStartRequest) (*model.JobStartResponse, error) {
	ref, err := sheet.ParseURL(req.SheetURL)
	if err != nil {
		return nil, err
	}

	mode := s.deps.Install.Mode
	kind := model.JobKindLocalProcess
	if mode == model.InstallModeACI {
		if s.deps.Monitor == nil {
			return nil, ErrRemoteNotConfigured
		}
		kind = model.JobKindRemoteCompute
	} else if s.deps.Runner == nil {
		return nil, ErrRemoteNotConfigured
	}

	est := s.estimate(ctx, ref, req)
	if est != nil && mode == model.InstallModeACI && time.Duration(est.MaxSeconds)*time.Second > s.deps.Container.Timeout {
		return nil, fmt.Errorf("%w: estimated %s for %d URLs, limit %s (remote.timeout_minutes); split the sheet into smaller chunks",
			ErrEstimateTooLarge, sheet.FormatEstimate(*est), est.URLCount, s.deps.Container.Timeout)
	}

	job, err := s.deps.Jobs.Create(model.Job{
		ID:       uuid.New().String(),
		Kind:     kind,
		Target:   ref.SpreadsheetID,
		Estimate: est,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	_ = s.deps.Jobs.AppendLogf(job.ID, "[SYS] Auto archiver job queued for spreadsheet %s (install mode: %s)", ref.SpreadsheetID, mode)

	payload, err := json.Marshal(model.RemoteTaskPayload{JobID: job.ID, SpreadsheetID: ref.SpreadsheetID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := s.deps.Dispatcher.Dispatch(ctx, TaskTypeRemote, payload); err != nil {
		failJob(s.deps.Jobs, job.ID, fmt.Sprintf("Failed to queue job: %v", err))
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}

	s.deps.Logger.Info("remote job queued", "job_id", job.ID, "spreadsheet_id", ref.SpreadsheetID, "install_mode", mode)

	resp := &model.JobStartResponse{
		JobID:          job.ID,
		Kind:           job.Kind,
		Status:         job.Status,
		SpreadsheetID:  ref.SpreadsheetID,
		InstallMode:    mode,
		Estimate:       est,
		CheckStatusURL: statusURL(job.ID),
		CreatedAt:      job.StartedAt,
	}
	if est != nil {
		resp.EstimatedTime = sheet.FormatEstimate(*est)
	}
	return resp, nil
}

// estimate uses the caller's counts when given, otherwise counts the sheet's
// URLs. It returns nil when neither is available.
func (s *RemoteService) estimate(ctx context.Context, ref sheet.Ref, req *model.RemoteStartRequest) *model.Estimate {
	var overhead time.Duration
	if s.deps.Install.Mode == model.InstallModeACI {
		overhead = s.deps.Container.PullOverhead
	}

	if req.URLCount != nil {
		total := *req.URLCount
		video := 0
		if req.VideoURLCount != nil {
			video = *req.VideoURLCount
		}
		if video > total {
			video = total
		}
		est := sheet.Estimate(total, video, overhead)
		return &est
	}

	if s.deps.Sheets == nil {
		return nil
	}
	logger := s.deps.Logger.With("spreadsheet_id", ref.SpreadsheetID)
	name, err := s.deps.Sheets.SheetName(ctx, ref.SpreadsheetID, ref.GID)
	if err != nil {
		logger.Warn("could not read sheet for estimate", "error", err)
		return nil
	}
	rows, err := s.deps.Sheets.Values(ctx, ref.SpreadsheetID, name)
	if err != nil || len(rows) == 0 {
		logger.Warn("could not read sheet values for estimate", "error", err)
		return nil
	}
	layout, err := sheet.DetectLayout(rows[0])
	if err != nil {
		logger.Warn("no URL column for estimate", "error", err)
		return nil
	}
	total, video := sheet.CountURLs(rows, layout.URLColumn)
	est := sheet.Estimate(total, video, overhead)
	return &est
}

// HandleTask decodes a dispatched remote payload and runs it
func (s *RemoteService) HandleTask(ctx context.Context, payload []byte) error {
	var p model.RemoteTaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal remote payload: %w", err)
	}
	return s.RunRemote(ctx, p)
}

// RunRemote executes the job through the remote monitor or the local runner
// and uploads the final job log when artifact storage is configured
func (s *RemoteService) RunRemote(ctx context.Context, p model.RemoteTaskPayload) error {
	logger := s.deps.Logger.With("job_id", p.JobID, "spreadsheet_id", p.SpreadsheetID)
	if _, err := s.deps.Jobs.Get(p.JobID); err != nil {
		return err
	}

	switch s.deps.Install.Mode {
	case model.InstallModeACI:
		s.deps.Monitor.Run(ctx, p.JobID, s.ContainerSpec(p))
	default:
		cmd, err := s.deps.Install.Command(p.JobID, p.SpreadsheetID)
		if err != nil {
			failJob(s.deps.Jobs, p.JobID, fmt.Sprintf("Auto archiver is not runnable: %v", err))
			return err
		}
		_ = s.deps.Runner.Run(ctx, p.JobID, cmd)
	}

	s.uploadLog(ctx, p.JobID, logger)

	job, err := s.deps.Jobs.Get(p.JobID)
	if err != nil {
		return err
	}
	logger.Info("remote job finished", "status", job.Status)
	if job.Status == model.JobStatusFailed {
		return fmt.Errorf("job %s failed: %s", p.JobID, job.ErrorMessage)
	}
	return nil
}

// ContainerSpec builds the container group for a job
func (s *RemoteService) ContainerSpec(p model.RemoteTaskPayload) monitor.ContainerSpec {
	c := s.deps.Container
	return monitor.ContainerSpec{
		Name:  "auto-archiver-" + p.JobID,
		Image: c.Image,
		Command: []string{
			"/entrypoint.sh",
			"--config", "/mnt/fileshare/secrets/orchestration.yaml",
			"--feeders=gsheet_feeder_db",
			"--gsheet_feeder_db.sheet_id=" + p.SpreadsheetID,
		},
		CPU:      c.CPU,
		MemoryGB: c.MemoryGB,
	}
}

func (s *RemoteService) uploadLog(ctx context.Context, jobID string, logger *slog.Logger) {
	if s.deps.Artifacts == nil {
		return
	}
	job, err := s.deps.Jobs.Get(jobID)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s/%s.log", s.deps.LogPrefix, jobID)
	link, err := s.deps.Artifacts.Put(context.WithoutCancel(ctx), key, []byte(job.Log), "text/plain; charset=utf-8")
	if err != nil {
		logger.Warn("job log upload failed", "error", err)
		return
	}
	_, _ = s.deps.Jobs.SetReportURL(jobID, link)
}
