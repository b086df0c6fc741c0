package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/monitor"
	"github.com/sheetarchiver/api/internal/registry"
	"github.com/sheetarchiver/api/internal/runner"
)

// fakeMonitor completes or fails the job the way the container monitor would
type fakeMonitor struct {
	jobs  *registry.Registry
	specs []monitor.ContainerSpec
	fail  string
}

func (m *fakeMonitor) Run(_ context.Context, jobID string, spec monitor.ContainerSpec) {
	m.specs = append(m.specs, spec)
	_, _ = m.jobs.MarkRunning(jobID)
	_ = m.jobs.AppendLog(jobID, "container output")
	if m.fail != "" {
		_, _ = m.jobs.Fail(jobID, m.fail)
		return
	}
	_, _ = m.jobs.Complete(jobID)
}

type fakeRunner struct {
	jobs *registry.Registry
	cmds []runner.Command
}

func (r *fakeRunner) Run(_ context.Context, jobID string, cmd runner.Command) error {
	r.cmds = append(r.cmds, cmd)
	_, _ = r.jobs.MarkRunning(jobID)
	_, _ = r.jobs.Complete(jobID)
	return nil
}

func intPtr(v int) *int { return &v }

func newRemoteService(jobs *registry.Registry, d *fakeDispatcher, mon RemoteMonitor) *RemoteService {
	return NewRemoteService(RemoteDeps{
		Jobs:    jobs,
		Monitor: mon,
		Install: runner.Install{Mode: model.InstallModeACI},
		Container: ContainerSettings{
			Image:        "bellingcat/auto-archiver:latest",
			CPU:          1,
			MemoryGB:     1.5,
			PullOverhead: 3 * time.Minute,
			Timeout:      180 * time.Minute,
		},
		Dispatcher: d,
	})
}

func TestStartRemote_WithHints(t *testing.T) {
	jobs := registry.New()
	d := &fakeDispatcher{}
	svc := newRemoteService(jobs, d, &fakeMonitor{jobs: jobs})

	resp, err := svc.StartRemote(context.Background(), &model.RemoteStartRequest{
		SheetURL:      testSheetURL,
		URLCount:      intPtr(10),
		VideoURLCount: intPtr(50),
	})
	require.NoError(t, err)

	assert.Equal(t, model.JobKindRemoteCompute, resp.Kind)
	assert.Equal(t, model.InstallModeACI, resp.InstallMode)
	require.NotNil(t, resp.Estimate)
	assert.Equal(t, 10, resp.Estimate.URLCount)
	assert.Equal(t, 10, resp.Estimate.VideoCount)
	assert.Equal(t, 0, resp.Estimate.RegularCount)
	assert.NotEmpty(t, resp.EstimatedTime)

	require.Len(t, d.tasks, 1)
	assert.Equal(t, TaskTypeRemote, d.tasks[0].taskType)
	var p model.RemoteTaskPayload
	require.NoError(t, d.decode(0, &p))
	assert.Equal(t, resp.JobID, p.JobID)
	assert.Equal(t, "abc123", p.SpreadsheetID)

	job, _ := jobs.Get(resp.JobID)
	assert.Equal(t, resp.Estimate, job.Estimate)
}

func TestStartRemote_EstimateTooLarge(t *testing.T) {
	jobs := registry.New()
	d := &fakeDispatcher{}
	svc := newRemoteService(jobs, d, &fakeMonitor{jobs: jobs})

	_, err := svc.StartRemote(context.Background(), &model.RemoteStartRequest{
		SheetURL: testSheetURL,
		URLCount: intPtr(100000),
	})
	assert.ErrorIs(t, err, ErrEstimateTooLarge)
	assert.Empty(t, jobs.List())
	assert.Empty(t, d.tasks)
}

func TestStartRemote_CountsSheetURLs(t *testing.T) {
	jobs := registry.New()
	svc := NewRemoteService(RemoteDeps{
		Jobs: jobs,
		Sheets: &fakeSheets{name: "Links", reads: [][][]string{{
			{"Link URL", "Archive Status"},
			{"https://youtube.com/watch?v=1"},
			{"https://example.com/a"},
			{""},
		}}},
		Monitor:    &fakeMonitor{jobs: jobs},
		Install:    runner.Install{Mode: model.InstallModeACI},
		Dispatcher: &fakeDispatcher{},
	})

	resp, err := svc.StartRemote(context.Background(), &model.RemoteStartRequest{SheetURL: testSheetURL})
	require.NoError(t, err)
	require.NotNil(t, resp.Estimate)
	assert.Equal(t, 2, resp.Estimate.URLCount)
	assert.Equal(t, 1, resp.Estimate.VideoCount)
}

func TestStartRemote_SheetUnreadableSkipsEstimate(t *testing.T) {
	jobs := registry.New()
	svc := NewRemoteService(RemoteDeps{
		Jobs:       jobs,
		Sheets:     &fakeSheets{nameErr: errors.New("forbidden")},
		Monitor:    &fakeMonitor{jobs: jobs},
		Dispatcher: &fakeDispatcher{},
	})

	resp, err := svc.StartRemote(context.Background(), &model.RemoteStartRequest{SheetURL: testSheetURL})
	require.NoError(t, err)
	assert.Nil(t, resp.Estimate)
	assert.Empty(t, resp.EstimatedTime)
}

func TestStartRemote_NotConfigured(t *testing.T) {
	svc := NewRemoteService(RemoteDeps{Jobs: registry.New(), Dispatcher: &fakeDispatcher{}})

	_, err := svc.StartRemote(context.Background(), &model.RemoteStartRequest{SheetURL: testSheetURL})
	assert.ErrorIs(t, err, ErrRemoteNotConfigured)
}

func TestStartRemote_InvalidURL(t *testing.T) {
	jobs := registry.New()
	svc := newRemoteService(jobs, &fakeDispatcher{}, &fakeMonitor{jobs: jobs})

	_, err := svc.StartRemote(context.Background(), &model.RemoteStartRequest{SheetURL: "not a url"})
	assert.ErrorIs(t, err, ErrInvalidSheetURL)
}

func TestStartRemote_LocalModeSkipsOverheadAndLimit(t *testing.T) {
	jobs := registry.New()
	svc := NewRemoteService(RemoteDeps{
		Jobs:       jobs,
		Runner:     &fakeRunner{jobs: jobs},
		Install:    runner.Install{Mode: model.InstallModeLocal},
		Container:  ContainerSettings{PullOverhead: time.Hour, Timeout: time.Minute},
		Dispatcher: &fakeDispatcher{},
	})

	resp, err := svc.StartRemote(context.Background(), &model.RemoteStartRequest{
		SheetURL: testSheetURL,
		URLCount: intPtr(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobKindLocalProcess, resp.Kind)
	assert.Equal(t, model.InstallModeLocal, resp.InstallMode)
}

func TestRunRemote_ContainerJob(t *testing.T) {
	jobs := registry.New()
	mon := &fakeMonitor{jobs: jobs}
	artifacts := &fakeArtifacts{}
	svc := NewRemoteService(RemoteDeps{
		Jobs:       jobs,
		Monitor:    mon,
		Install:    runner.Install{Mode: model.InstallModeACI},
		Container:  ContainerSettings{Image: "img:1", CPU: 2, MemoryGB: 4},
		Artifacts:  artifacts,
		Dispatcher: &fakeDispatcher{},
	})
	_, err := jobs.Create(model.Job{ID: "r1", Kind: model.JobKindRemoteCompute, Target: "abc123"})
	require.NoError(t, err)

	require.NoError(t, svc.RunRemote(context.Background(), model.RemoteTaskPayload{JobID: "r1", SpreadsheetID: "abc123"}))

	require.Len(t, mon.specs, 1)
	spec := mon.specs[0]
	assert.Equal(t, "auto-archiver-r1", spec.Name)
	assert.Equal(t, "img:1", spec.Image)
	assert.Equal(t, "--gsheet_feeder_db.sheet_id=abc123", spec.Command[len(spec.Command)-1])
	assert.Equal(t, 2.0, spec.CPU)

	job, _ := jobs.Get("r1")
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, "https://files.example.com/logs/r1.log", job.ReportURL)
	assert.Contains(t, string(artifacts.objects["logs/r1.log"]), "container output")
}

func TestRunRemote_ContainerFailureReturnsError(t *testing.T) {
	jobs := registry.New()
	svc := newRemoteService(jobs, &fakeDispatcher{}, &fakeMonitor{jobs: jobs, fail: "Container failed with exit code 1"})
	_, _ = jobs.Create(model.Job{ID: "r2", Kind: model.JobKindRemoteCompute})

	err := svc.RunRemote(context.Background(), model.RemoteTaskPayload{JobID: "r2", SpreadsheetID: "abc123"})
	assert.ErrorContains(t, err, "exit code 1")
}

func TestRunRemote_LocalProcess(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "orchestration.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("steps: {}\n"), 0o600))

	jobs := registry.New()
	r := &fakeRunner{jobs: jobs}
	svc := NewRemoteService(RemoteDeps{
		Jobs:       jobs,
		Runner:     r,
		Install:    runner.Install{Mode: model.InstallModeLocal, PythonPath: "python3", ArchiverDir: dir, ConfigPath: cfgPath},
		Dispatcher: &fakeDispatcher{},
	})
	_, _ = jobs.Create(model.Job{ID: "l1", Kind: model.JobKindLocalProcess})

	require.NoError(t, svc.RunRemote(context.Background(), model.RemoteTaskPayload{JobID: "l1", SpreadsheetID: "abc123"}))

	require.Len(t, r.cmds, 1)
	assert.Equal(t, "python3", r.cmds[0].Name)
	assert.Equal(t, dir, r.cmds[0].Dir)
}

func TestRunRemote_LocalMissingConfigFailsJob(t *testing.T) {
	jobs := registry.New()
	r := &fakeRunner{jobs: jobs}
	svc := NewRemoteService(RemoteDeps{
		Jobs:       jobs,
		Runner:     r,
		Install:    runner.Install{Mode: model.InstallModeLocal, ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")},
		Dispatcher: &fakeDispatcher{},
	})
	_, _ = jobs.Create(model.Job{ID: "l2", Kind: model.JobKindLocalProcess})

	require.Error(t, svc.RunRemote(context.Background(), model.RemoteTaskPayload{JobID: "l2", SpreadsheetID: "abc123"}))

	assert.Empty(t, r.cmds)
	job, _ := jobs.Get("l2")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "not runnable")
}

func TestRunRemote_UnknownJob(t *testing.T) {
	jobs := registry.New()
	svc := newRemoteService(jobs, &fakeDispatcher{}, &fakeMonitor{jobs: jobs})

	err := svc.RunRemote(context.Background(), model.RemoteTaskPayload{JobID: "nope"})
	assert.ErrorIs(t, err, ErrJobNotFound)
}
