// Package monitor drives a remote container job from creation to cleanup.
//
// Each state is one function returning the next state:
//
//	starting -> running -> terminated -> cleanup
//	                    \-> timedOut  -> cleanup
//
// A creation failure ends the run in starting. Cleanup always runs once a
// container exists.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sheetarchiver/api/internal/model"
)

// Defaults
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultLogGrace      = 45 * time.Second
	DefaultTimeout       = 180 * time.Minute
	DefaultDeleteTimeout = 2 * time.Minute
)

// ContainerSpec describes the container group to create
type ContainerSpec struct {
	Name     string
	Image    string
	Command  []string
	Env      map[string]string
	CPU      float64
	MemoryGB float64
}

// ContainerState is one observation of the remote container
type ContainerState struct {
	State      string
	Terminated bool
	ExitCode   int
}

// ContainerService provisions and observes remote containers
type ContainerService interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	State(ctx context.Context, handle string) (ContainerState, error)
	Delete(ctx context.Context, handle string) error
}

// LogFetcher reads a finished container's output from the log store
type LogFetcher interface {
	FetchLogs(ctx context.Context, handle string) (string, error)
}

// JobStore is the part of the job registry the monitor writes to
type JobStore interface {
	MarkRunning(id string) (model.Job, error)
	SetRemoteHandle(id, handle string) (model.Job, error)
	ClearRemoteHandle(id string) (model.Job, error)
	AppendLog(id, line string) error
	Complete(id string) (model.Job, error)
	Fail(id, message string) (model.Job, error)
}

// Config holds the monitor timings
type Config struct {
	PollInterval  time.Duration
	LogGrace      time.Duration
	Timeout       time.Duration
	DeleteTimeout time.Duration
}

// Monitor runs remote container jobs
type Monitor struct {
	containers ContainerService
	logs       LogFetcher
	store      JobStore
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a new Monitor. logs may be nil when no log store is configured.
func New(containers ContainerService, logs LogFetcher, store JobStore, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LogGrace < 0 {
		cfg.LogGrace = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = DefaultDeleteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		containers: containers,
		logs:       logs,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

type run struct {
	jobID    string
	spec     ContainerSpec
	handle   string
	deadline time.Time
	final    ContainerState
	decided  bool
	cleaned  bool
	logger   *slog.Logger
}

type stateFn func(ctx context.Context, r *run) stateFn

// Run drives job jobID to a terminal state. It blocks until cleanup is done
// and never panics.
func (m *Monitor) Run(ctx context.Context, jobID string, spec ContainerSpec) {
	r := &run{
		jobID:  jobID,
		spec:   spec,
		logger: m.logger.With("job_id", jobID, "container_group", spec.Name),
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("monitor panicked", "panic", rec)
			if !r.decided {
				m.fail(r, fmt.Sprintf("Remote job monitor failed unexpectedly: %v", rec))
			}
			if r.handle != "" && !r.cleaned {
				m.cleanup(ctx, r)
			}
		}
	}()

	var state stateFn = m.starting
	for state != nil {
		state = state(ctx, r)
	}
}

func (m *Monitor) starting(ctx context.Context, r *run) stateFn {
	handle, err := m.containers.Create(ctx, r.spec)
	if err != nil {
		r.logger.Error("container creation failed", "error", err)
		m.appendLog(r, fmt.Sprintf("[ERROR] %v", err))
		m.fail(r, fmt.Sprintf("Error creating container group: %v", err))
		return nil
	}

	r.handle = handle
	if _, err := m.store.SetRemoteHandle(r.jobID, handle); err != nil {
		r.logger.Warn("could not record remote handle", "error", err)
	}
	m.appendLog(r, fmt.Sprintf("[ACI] Container group '%s' created successfully", handle))
	if _, err := m.store.MarkRunning(r.jobID); err != nil {
		r.logger.Warn("could not mark job running", "error", err)
	}

	r.deadline = m.now().Add(m.cfg.Timeout)
	r.logger.Info("container created, polling", "interval", m.cfg.PollInterval, "timeout", m.cfg.Timeout)
	return m.running
}

func (m *Monitor) running(ctx context.Context, r *run) stateFn {
	for {
		if !m.now().Before(r.deadline) {
			return m.timedOut
		}

		st, err := m.containers.State(ctx, r.handle)
		switch {
		case err != nil:
			r.logger.Warn("container state poll failed", "error", err)
		case st.Terminated:
			r.final = st
			r.logger.Info("container terminated", "exit_code", st.ExitCode)
			return m.terminated
		default:
			r.logger.Debug("container state", "state", st.State)
		}

		wait := m.cfg.PollInterval
		if left := r.deadline.Sub(m.now()); left < wait {
			wait = left
		}
		if err := sleep(ctx, wait); err != nil {
			return m.interrupted
		}
	}
}

func (m *Monitor) terminated(ctx context.Context, r *run) stateFn {
	r.logger.Info("waiting for logs to propagate", "grace", m.cfg.LogGrace)
	_ = sleep(ctx, m.cfg.LogGrace)

	logs, err := m.fetchLogs(ctx, r)
	switch {
	case err != nil:
		m.appendLog(r, fmt.Sprintf("Could not retrieve container logs: %v", err))
	case strings.TrimSpace(logs) == "":
		m.appendLog(r, "No logs found in the log store. Container may have completed too quickly or logs are still propagating.")
	default:
		m.appendLog(r, logs)
	}

	if r.final.ExitCode == 0 {
		if _, err := m.store.Complete(r.jobID); err != nil {
			r.logger.Warn("could not complete job", "error", err)
		}
		r.decided = true
	} else {
		m.fail(r, fmt.Sprintf("Container exited with code %d", r.final.ExitCode))
	}
	return m.cleanup
}

func (m *Monitor) timedOut(ctx context.Context, r *run) stateFn {
	r.logger.Warn("container timed out", "timeout", m.cfg.Timeout)
	_ = sleep(ctx, m.cfg.LogGrace)

	limit := formatLimit(m.cfg.Timeout)
	logs, err := m.fetchLogs(ctx, r)
	switch {
	case err != nil:
		m.appendLog(r, fmt.Sprintf("Container timed out after %s and logs could not be retrieved: %v", limit, err))
	case strings.TrimSpace(logs) == "":
		m.appendLog(r, fmt.Sprintf("Container timed out after %s and no logs were found.", limit))
	default:
		m.appendLog(r, fmt.Sprintf("Container timed out after %s. Partial logs:\n%s", limit, logs))
	}

	m.fail(r, TimeoutMessage(m.cfg.Timeout))
	return m.cleanup
}

func (m *Monitor) interrupted(ctx context.Context, r *run) stateFn {
	r.logger.Warn("monitor interrupted", "error", ctx.Err())
	m.fail(r, fmt.Sprintf("Remote job monitoring stopped before completion: %v", ctx.Err()))
	return m.cleanup
}

func (m *Monitor) cleanup(ctx context.Context, r *run) stateFn {
	r.cleaned = true
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DeleteTimeout)
	defer cancel()

	if err := m.containers.Delete(delCtx, r.handle); err != nil {
		r.logger.Warn("container cleanup failed", "error", err)
		m.appendLog(r, fmt.Sprintf("[ACI] Failed to delete container group '%s': %v", r.handle, err))
		return nil
	}

	r.logger.Info("container group deleted")
	m.appendLog(r, fmt.Sprintf("[ACI] Container group '%s' deleted", r.handle))
	if _, err := m.store.ClearRemoteHandle(r.jobID); err != nil {
		r.logger.Warn("could not clear remote handle", "error", err)
	}
	return nil
}

func (m *Monitor) fetchLogs(ctx context.Context, r *run) (string, error) {
	if m.logs == nil {
		return "", fmt.Errorf("log store not configured")
	}
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DeleteTimeout)
	defer cancel()
	return m.logs.FetchLogs(fetchCtx, r.handle)
}

func (m *Monitor) fail(r *run, message string) {
	if _, err := m.store.Fail(r.jobID, message); err != nil {
		r.logger.Warn("could not fail job", "error", err)
	}
	r.decided = true
}

func (m *Monitor) appendLog(r *run, line string) {
	if err := m.store.AppendLog(r.jobID, line); err != nil {
		r.logger.Warn("could not append job log", "error", err)
	}
}

// TimeoutMessage explains a remote job that ran past its limit
func TimeoutMessage(limit time.Duration) string {
	return fmt.Sprintf("Container execution exceeded the maximum wait time of %s (remote.timeout_minutes). "+
		"Either increase this setting or break your sheet into smaller chunks with fewer URLs.", formatLimit(limit))
}

func formatLimit(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
