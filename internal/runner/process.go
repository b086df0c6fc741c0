// Package runner executes the sheet archiver as a local child process and
// streams its output into the job log.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/registry"
)

// Command is a process invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Install describes where the archiver is installed locally
type Install struct {
	Mode        model.InstallMode
	PythonPath  string
	ArchiverDir string
	ConfigPath  string
	Image       string
	WorkDir     string
}

// Command builds the invocation that archives spreadsheetID for job jobID
func (i Install) Command(jobID, spreadsheetID string) (Command, error) {
	feeder := "--gsheet_feeder_db.sheet_id=" + spreadsheetID

	switch i.Mode {
	case model.InstallModeDocker:
		workDir := i.WorkDir
		if workDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return Command{}, fmt.Errorf("resolve working directory: %w", err)
			}
			workDir = wd
		}
		secrets := filepath.Join(workDir, "secrets")
		if _, err := os.Stat(filepath.Join(secrets, "orchestration.yaml")); err != nil {
			return Command{}, fmt.Errorf("configuration file not found: %w", err)
		}
		image := i.Image
		if image == "" {
			image = "bellingcat/auto-archiver"
		}
		return Command{
			Name: "docker",
			Args: []string{
				"run", "--name", "auto-archiver-" + jobID,
				"-v", "/var/run/docker.sock:/var/run/docker.sock",
				"-v", secrets + ":/app/secrets",
				"-v", filepath.Join(workDir, "local_archive") + ":/app/local_archive",
				image,
				"--feeders=gsheet_feeder_db", feeder,
			},
			Dir: workDir,
		}, nil

	case model.InstallModeLocal, "":
		if i.ConfigPath == "" {
			return Command{}, errors.New("autoarchiver.config_path is not set")
		}
		if _, err := os.Stat(i.ConfigPath); err != nil {
			return Command{}, fmt.Errorf("configuration file not found: %w", err)
		}
		python := i.PythonPath
		if python == "" {
			python = "python3"
		}
		return Command{
			Name: python,
			Args: []string{"-m", "auto_archiver", "--config", i.ConfigPath, feeder},
			Dir:  i.ArchiverDir,
		}, nil
	}
	return Command{}, fmt.Errorf("install mode %q cannot run locally", i.Mode)
}

// JobStore is the part of the job registry the runner writes to
type JobStore interface {
	MarkRunning(id string) (model.Job, error)
	Complete(id string) (model.Job, error)
	Fail(id, message string) (model.Job, error)
	AppendLog(id, line string) error
	NewLogPipe(id string, buffer int) *registry.LogPipe
}

// Runner runs processes for jobs
type Runner struct {
	store  JobStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Runner
func New(store JobStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, logger: logger, now: time.Now}
}

// Run starts cmd, marks the job running, streams stdout and stderr lines into
// the job log and sets the terminal state from the exit code. It blocks until
// the process exits. The returned error is only informational: the job has
// already been updated.
func (r *Runner) Run(ctx context.Context, jobID string, cmd Command) error {
	logger := r.logger.With("job_id", jobID, "command", cmd.Name)

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return r.startFailed(jobID, logger, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return r.startFailed(jobID, logger, err)
	}
	if err := c.Start(); err != nil {
		return r.startFailed(jobID, logger, err)
	}

	logger.Info("process started", "pid", c.Process.Pid)
	if _, err := r.store.MarkRunning(jobID); err != nil {
		logger.Warn("could not mark job running", "error", err)
	}

	pipe := r.store.NewLogPipe(jobID, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go r.stream(&wg, pipe, "[OUT]", stdout)
	go r.stream(&wg, pipe, "[ERR]", stderr)
	wg.Wait()
	pipe.Close()

	waitErr := c.Wait()
	code := exitCode(c, waitErr)
	_ = r.store.AppendLog(jobID, fmt.Sprintf("[SYS] Process completed with exit code %d", code))
	logger.Info("process exited", "exit_code", code)

	if code == 0 && waitErr == nil {
		if _, err := r.store.Complete(jobID); err != nil {
			logger.Warn("could not complete job", "error", err)
		}
		return nil
	}

	msg := fmt.Sprintf("Process exited with code %d", code)
	if code < 0 && waitErr != nil {
		msg = fmt.Sprintf("Process terminated: %v", waitErr)
	}
	if _, err := r.store.Fail(jobID, msg); err != nil {
		logger.Warn("could not fail job", "error", err)
	}
	return errors.New(msg)
}

func (r *Runner) startFailed(jobID string, logger *slog.Logger, err error) error {
	logger.Error("process start failed", "error", err)
	msg := fmt.Sprintf("Error starting archiver process: %v", err)
	_ = r.store.AppendLog(jobID, "[ERR] "+msg)
	if _, ferr := r.store.Fail(jobID, msg); ferr != nil {
		logger.Warn("could not fail job", "error", ferr)
	}
	return fmt.Errorf("start process: %w", err)
}

func (r *Runner) stream(wg *sync.WaitGroup, pipe *registry.LogPipe, prefix string, src io.Reader) {
	defer wg.Done()
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		pipe.Send(fmt.Sprintf("%s %s %s", prefix, r.now().UTC().Format("15:04:05"), line))
	}
	// drain so the process never blocks on a full pipe
	_, _ = io.Copy(io.Discard, src)
}

func exitCode(c *exec.Cmd, err error) int {
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
