package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/registry"
)

func newStore(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	_, err := reg.Create(model.Job{ID: "job-1", Kind: model.JobKindLocalProcess})
	require.NoError(t, err)
	return reg
}

func TestRun_StreamsOutputAndCompletes(t *testing.T) {
	reg := newStore(t)

	err := New(reg, nil).Run(context.Background(), "job-1", Command{
		Name: "sh",
		Args: []string{"-c", "echo first; echo oops 1>&2; echo second"},
	})
	require.NoError(t, err)

	job, _ := reg.Get("job-1")
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.EndedAt)
	assert.Contains(t, job.Log, "first")
	assert.Contains(t, job.Log, "second")
	assert.Contains(t, job.Log, "[ERR] ")
	assert.Contains(t, job.Log, "[SYS] Process completed with exit code 0")
	assert.Less(t, strings.Index(job.Log, "first"), strings.Index(job.Log, "second"))

	for _, line := range strings.Split(strings.TrimSpace(job.Log), "\n") {
		if strings.HasPrefix(line, "[OUT]") {
			assert.Regexp(t, `^\[OUT\] \d{2}:\d{2}:\d{2} `, line)
		}
	}
}

func TestRun_NonZeroExitFails(t *testing.T) {
	reg := newStore(t)

	err := New(reg, nil).Run(context.Background(), "job-1", Command{
		Name: "sh",
		Args: []string{"-c", "echo working; exit 3"},
	})
	assert.Error(t, err)

	job, _ := reg.Get("job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, "Process exited with code 3", job.ErrorMessage)
	assert.Contains(t, job.Log, "[SYS] Process completed with exit code 3")
}

func TestRun_StartFailure(t *testing.T) {
	reg := newStore(t)

	err := New(reg, nil).Run(context.Background(), "job-1", Command{Name: "/definitely/not/a/binary"})
	assert.Error(t, err)

	job, _ := reg.Get("job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "Error starting archiver process")
}

func TestInstallCommand_Local(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "orchestration.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("steps: {}"), 0o600))

	cmd, err := Install{Mode: model.InstallModeLocal, PythonPath: "/usr/bin/python3", ArchiverDir: dir, ConfigPath: cfgPath}.
		Command("job-1", "sheet-9")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python3", cmd.Name)
	assert.Equal(t, []string{"-m", "auto_archiver", "--config", cfgPath, "--gsheet_feeder_db.sheet_id=sheet-9"}, cmd.Args)
	assert.Equal(t, dir, cmd.Dir)

	_, err = Install{Mode: model.InstallModeLocal}.Command("job-1", "sheet-9")
	assert.Error(t, err)
}

func TestInstallCommand_Docker(t *testing.T) {
	dir := t.TempDir()
	_, err := Install{Mode: model.InstallModeDocker, WorkDir: dir}.Command("job-1", "sheet-9")
	assert.Error(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "secrets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets", "orchestration.yaml"), nil, 0o600))

	cmd, err := Install{Mode: model.InstallModeDocker, WorkDir: dir}.Command("job-1", "sheet-9")
	require.NoError(t, err)
	assert.Equal(t, "docker", cmd.Name)
	assert.Contains(t, cmd.Args, "auto-archiver-job-1")
	assert.Contains(t, cmd.Args, "bellingcat/auto-archiver")
	assert.Equal(t, "--gsheet_feeder_db.sheet_id=sheet-9", cmd.Args[len(cmd.Args)-1])
}

func TestInstallCommand_RemoteModeRejected(t *testing.T) {
	_, err := Install{Mode: model.InstallModeACI}.Command("job-1", "sheet-9")
	assert.Error(t, err)
}
