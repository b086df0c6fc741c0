package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInline_DispatchRunsHandler(t *testing.T) {
	d := NewInline(nil)

	got := make(chan string, 1)
	d.Handle("archive:batch", func(_ context.Context, payload []byte) error {
		got <- string(payload)
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), "archive:batch", []byte(`{"jobId":"1"}`)))

	select {
	case p := <-got:
		assert.Equal(t, `{"jobId":"1"}`, p)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
	d.Wait()
}

func TestInline_OutlivesRequestContext(t *testing.T) {
	d := NewInline(nil)

	release := make(chan struct{})
	var taskErr error
	d.Handle("t", func(ctx context.Context, _ []byte) error {
		<-release
		taskErr = ctx.Err()
		return nil
	})

	reqCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(reqCtx, "t", nil))
	cancel()
	close(release)
	d.Wait()

	assert.NoError(t, taskErr)
}

func TestInline_UnknownTaskType(t *testing.T) {
	err := NewInline(nil).Dispatch(context.Background(), "nope", nil)
	assert.ErrorContains(t, err, "no handler")
}

func TestInline_RecoversPanics(t *testing.T) {
	d := NewInline(nil)
	d.Handle("t", func(context.Context, []byte) error { panic("boom") })

	require.NoError(t, d.Dispatch(context.Background(), "t", nil))
	d.Wait()
}

func TestInline_ShutdownCancelsRunningTasks(t *testing.T) {
	d := NewInline(nil)

	started := make(chan struct{})
	d.Handle("t", func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, d.Dispatch(context.Background(), "t", nil))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	assert.Error(t, d.Dispatch(context.Background(), "t", nil))
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	e.opts = append(e.opts, opts)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueName}, nil
}

func TestQueue_Dispatch(t *testing.T) {
	e := &fakeEnqueuer{}
	q := NewQueue(e, time.Hour, nil)

	require.NoError(t, q.Dispatch(context.Background(), "archive:remote", []byte(`{"jobId":"r1"}`)))

	require.Len(t, e.tasks, 1)
	assert.Equal(t, "archive:remote", e.tasks[0].Type())
	assert.Equal(t, `{"jobId":"r1"}`, string(e.tasks[0].Payload()))

	var queue string
	var retries = -1
	var timeout time.Duration
	for _, o := range e.opts[0] {
		switch o.Type() {
		case asynq.QueueOpt:
			queue = o.Value().(string)
		case asynq.MaxRetryOpt:
			retries = o.Value().(int)
		case asynq.TimeoutOpt:
			timeout = o.Value().(time.Duration)
		}
	}
	assert.Equal(t, QueueName, queue)
	assert.Equal(t, 0, retries)
	assert.Equal(t, time.Hour, timeout)
}

func TestQueue_DispatchError(t *testing.T) {
	q := NewQueue(&fakeEnqueuer{err: errors.New("redis down")}, 0, nil)
	err := q.Dispatch(context.Background(), "archive:batch", nil)
	assert.ErrorContains(t, err, "redis down")
}

func TestNewServeMux_RoutesByType(t *testing.T) {
	var got []byte
	mux := NewServeMux(map[string]HandlerFunc{
		"archive:batch": func(_ context.Context, payload []byte) error {
			got = payload
			return nil
		},
	})

	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask("archive:batch", []byte("p"))))
	assert.Equal(t, []byte("p"), got)

	assert.Error(t, mux.ProcessTask(context.Background(), asynq.NewTask("archive:other", nil)))
}
