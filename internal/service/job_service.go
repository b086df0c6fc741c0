package service

import (
	"context"
	"errors"
	"time"

	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/registry"
	"github.com/sheetarchiver/api/internal/sheet"
)

// Task types shared by every dispatcher
const (
	TaskTypeBatch  = "archive:batch"
	TaskTypeRemote = "archive:remote"
)

var (
	ErrInvalidSheetURL     = sheet.ErrInvalidSheetURL
	ErrJobNotFound         = registry.ErrNotFound
	ErrEstimateTooLarge    = errors.New("estimated processing time exceeds the configured remote timeout")
	ErrRemoteNotConfigured = errors.New("remote compute is not configured")
)

// Dispatcher hands a submitted job to whatever executes it
type Dispatcher interface {
	Dispatch(ctx context.Context, taskType string, payload []byte) error
}

// JobService answers status queries
type JobService struct {
	jobs *registry.Registry
	now  func() time.Time
}

func NewJobService(jobs *registry.Registry) *JobService {
	return &JobService{jobs: jobs, now: time.Now}
}

// GetStatus returns the current status of a job
func (s *JobService) GetStatus(_ context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	return model.NewJobStatusResponse(&job, s.now()), nil
}

// List returns every job, newest first
func (s *JobService) List(_ context.Context) []*model.JobStatusResponse {
	jobs := s.jobs.List()
	now := s.now()
	out := make([]*model.JobStatusResponse, len(jobs))
	for i := range jobs {
		out[i] = model.NewJobStatusResponse(&jobs[i], now)
	}
	return out
}

func statusURL(jobID string) string {
	return "/api/jobs/" + jobID
}

// failJob records a job-level failure both in the log and as the error message
func failJob(jobs *registry.Registry, jobID, message string) {
	_ = jobs.AppendLog(jobID, "[ERROR] "+message)
	_, _ = jobs.Fail(jobID, message)
}
