package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/registry"
)

func TestJobService_GetStatus(t *testing.T) {
	jobs := registry.New()
	_, err := jobs.Create(model.Job{ID: "j1", Kind: model.JobKindItemList, Target: "abc123"})
	require.NoError(t, err)
	_, _ = jobs.MarkRunning("j1")
	failJob(jobs, "j1", "Failed to read sheet values: boom")

	svc := NewJobService(jobs)
	svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	status, err := svc.GetStatus(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, status.Status)
	require.NotNil(t, status.ErrorMessage)
	assert.Equal(t, "Failed to read sheet values: boom", *status.ErrorMessage)
	assert.Contains(t, status.Log, "[ERROR] Failed to read sheet values: boom")
	assert.Less(t, status.DurationSeconds, float64(60))
}

func TestJobService_GetStatusUnknown(t *testing.T) {
	_, err := NewJobService(registry.New()).GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobService_List(t *testing.T) {
	jobs := registry.New()
	_, _ = jobs.Create(model.Job{ID: "a", Kind: model.JobKindItemList})
	_, _ = jobs.Create(model.Job{ID: "b", Kind: model.JobKindRemoteCompute})

	list := NewJobService(jobs).List(context.Background())
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
