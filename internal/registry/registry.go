// Package registry keeps the process-lifetime record of every job.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sheetarchiver/api/internal/model"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Event describes a committed change to a job
type Event struct {
	Job      model.Job
	Previous model.JobStatus
	LogLine  string // set when the change was a log append
}

// Observer is notified after every committed change. It runs on the
// mutating goroutine and must not block.
type Observer func(Event)

type entry struct {
	mu  sync.Mutex
	job model.Job
	log strings.Builder
}

// Registry is a concurrency-safe in-memory job store. Jobs are never removed.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	observers []Observer
	now       func() time.Time
}

// New creates a new Registry
func New() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
		now:  time.Now,
	}
}

// Subscribe registers an observer for all subsequent changes
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Create stores a new job. Status defaults to starting and StartedAt to now.
func (r *Registry) Create(job model.Job) (model.Job, error) {
	if job.ID == "" {
		return model.Job{}, fmt.Errorf("create job: empty id")
	}
	if job.Status == "" {
		job.Status = model.JobStatusStarting
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = r.now().UTC()
	}

	e := &entry{job: job}
	e.log.WriteString(job.Log)

	r.mu.Lock()
	if _, ok := r.jobs[job.ID]; ok {
		r.mu.Unlock()
		return model.Job{}, fmt.Errorf("create job %s: %w", job.ID, ErrExists)
	}
	r.jobs[job.ID] = e
	r.mu.Unlock()

	snap := e.snapshot()
	r.notify(Event{Job: snap, Previous: snap.Status})
	return snap, nil
}

// Get returns a copy of the job
func (r *Registry) Get(id string) (model.Job, error) {
	e, err := r.entry(id)
	if err != nil {
		return model.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// List returns copies of every job, newest first
func (r *Registry) List() []model.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]model.Job, 0, len(entries))
	for _, e := range entries {
		jobs = append(jobs, e.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs
}

// Mutate applies fn to the stored job under the job's lock.
// fn receives a working copy; the log field is read-only here and must be
// changed through AppendLog. Status changes are validated and EndedAt is set
// once on entering a terminal state. A failed job keeps its first error message.
func (r *Registry) Mutate(id string, fn func(*model.Job) error) (model.Job, error) {
	e, err := r.entry(id)
	if err != nil {
		return model.Job{}, err
	}

	e.mu.Lock()
	prev := e.job.Status
	work := e.snapshotLocked()
	if err := fn(&work); err != nil {
		e.mu.Unlock()
		return model.Job{}, err
	}
	if !prev.CanTransition(work.Status) {
		e.mu.Unlock()
		return model.Job{}, fmt.Errorf("job %s %s -> %s: %w", id, prev, work.Status, ErrInvalidTransition)
	}

	// immutable fields
	work.ID = e.job.ID
	work.Kind = e.job.Kind
	work.StartedAt = e.job.StartedAt
	work.Log = ""

	if work.Status.Terminal() {
		if e.job.EndedAt != nil {
			work.EndedAt = e.job.EndedAt
		} else {
			ended := r.now().UTC()
			work.EndedAt = &ended
		}
	} else {
		work.EndedAt = nil
	}
	if work.Status != model.JobStatusFailed {
		work.ErrorMessage = ""
	} else if prev == model.JobStatusFailed && e.job.ErrorMessage != "" {
		// the first failure reason wins
		work.ErrorMessage = e.job.ErrorMessage
	}

	e.job = work
	snap := e.snapshotLocked()
	e.mu.Unlock()

	r.notify(Event{Job: snap, Previous: prev})
	return snap, nil
}

// AppendLog appends one line to the job log. Appends are allowed after the
// job ended so late cleanup output is kept.
func (r *Registry) AppendLog(id, line string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.log.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		e.log.WriteByte('\n')
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	r.notify(Event{Job: snap, Previous: snap.Status, LogLine: strings.TrimRight(line, "\n")})
	return nil
}

// AppendLogf formats and appends one line to the job log
func (r *Registry) AppendLogf(id, format string, args ...any) error {
	return r.AppendLog(id, fmt.Sprintf(format, args...))
}

// MarkRunning moves the job to running
func (r *Registry) MarkRunning(id string) (model.Job, error) {
	return r.Mutate(id, func(j *model.Job) error {
		j.Status = model.JobStatusRunning
		return nil
	})
}

// Complete moves the job to completed
func (r *Registry) Complete(id string) (model.Job, error) {
	return r.Mutate(id, func(j *model.Job) error {
		j.Status = model.JobStatusCompleted
		return nil
	})
}

// Fail moves the job to failed with a message
func (r *Registry) Fail(id, message string) (model.Job, error) {
	return r.Mutate(id, func(j *model.Job) error {
		j.Status = model.JobStatusFailed
		j.ErrorMessage = message
		return nil
	})
}

// SetRemoteHandle records the remote resource backing the job
func (r *Registry) SetRemoteHandle(id, handle string) (model.Job, error) {
	return r.Mutate(id, func(j *model.Job) error {
		j.RemoteHandle = handle
		return nil
	})
}

// ClearRemoteHandle forgets the remote resource after it was deleted
func (r *Registry) ClearRemoteHandle(id string) (model.Job, error) {
	return r.Mutate(id, func(j *model.Job) error {
		j.RemoteHandle = ""
		return nil
	})
}

// SetSummary stores batch counters
func (r *Registry) SetSummary(id string, summary model.BatchSummary) (model.Job, error) {
	return r.Mutate(id, func(j *model.Job) error {
		j.Summary = &summary
		return nil
	})
}

// SetReportURL stores the link to an uploaded artifact
func (r *Registry) SetReportURL(id, url string) (model.Job, error) {
	return r.Mutate(id, func(j *model.Job) error {
		j.ReportURL = url
		return nil
	})
}

// SetSheetName stores the resolved sheet title
func (r *Registry) SetSheetName(id, name string) (model.Job, error) {
	return r.Mutate(id, func(j *model.Job) error {
		j.SheetName = name
		return nil
	})
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (r *Registry) notify(ev Event) {
	r.mu.RLock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.mu.RUnlock()

	for _, o := range observers {
		o(ev)
	}
}

func (e *entry) snapshot() model.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *entry) snapshotLocked() model.Job {
	job := e.job
	job.Log = e.log.String()
	if job.EndedAt != nil {
		ended := *job.EndedAt
		job.EndedAt = &ended
	}
	if job.Summary != nil {
		summary := *job.Summary
		job.Summary = &summary
	}
	if job.Estimate != nil {
		estimate := *job.Estimate
		job.Estimate = &estimate
	}
	return job
}
