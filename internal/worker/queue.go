package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// QueueName is the asynq queue archive jobs are enqueued on
const QueueName = "archive"

// Enqueuer is the part of *asynq.Client the queue dispatcher uses
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue dispatches tasks to an asynq queue served by NewServeMux
type Queue struct {
	client  Enqueuer
	timeout time.Duration
	logger  *slog.Logger
}

// NewQueue creates a queue dispatcher. timeout bounds one task execution;
// zero leaves asynq's default.
func NewQueue(client Enqueuer, timeout time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{client: client, timeout: timeout, logger: logger}
}

// Dispatch enqueues the task. Jobs are not retried: a failed job stays
// failed in the registry and the caller resubmits.
func (q *Queue) Dispatch(ctx context.Context, taskType string, payload []byte) error {
	opts := []asynq.Option{
		asynq.Queue(QueueName),
		asynq.MaxRetry(0),
		asynq.Retention(24 * time.Hour),
	}
	if q.timeout > 0 {
		opts = append(opts, asynq.Timeout(q.timeout))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload), opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	q.logger.Info("task enqueued", "task_type", taskType, "task_id", info.ID, "queue", info.Queue)
	return nil
}

// NewServeMux routes queued tasks to their handlers
func NewServeMux(handlers map[string]HandlerFunc) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for taskType, h := range handlers {
		h := h
		mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
			return h(ctx, t.Payload())
		})
	}
	return mux
}

// ServerConfig returns the asynq server configuration for the archive queue
func ServerConfig(concurrency int, logger *slog.Logger) asynq.Config {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, t *asynq.Task, err error) {
			logger.Warn("queued task failed", "task_type", t.Type(), "error", err)
		}),
	}
}
