// Package worker executes dispatched jobs, either in-process or through an
// asynq queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HandlerFunc runs one dispatched task
type HandlerFunc func(ctx context.Context, payload []byte) error

// Inline runs each dispatched task in its own goroutine of this process.
// Dispatch returns as soon as the task has started.
type Inline struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	base     context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
	closed   bool
}

// NewInline creates an inline dispatcher. Tasks inherit a context that is
// cancelled only by Shutdown, never by the dispatching request.
func NewInline(logger *slog.Logger) *Inline {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Inline{
		handlers: make(map[string]HandlerFunc),
		base:     base,
		cancel:   cancel,
		logger:   logger,
	}
}

// Handle registers the handler for a task type
func (d *Inline) Handle(taskType string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[taskType] = h
}

// Dispatch starts the task in the background
func (d *Inline) Dispatch(_ context.Context, taskType string, payload []byte) error {
	d.mu.RLock()
	h, ok := d.handlers[taskType]
	closed := d.closed
	if ok && !closed {
		d.wg.Add(1)
	}
	d.mu.RUnlock()

	if closed {
		return fmt.Errorf("dispatcher is shut down")
	}
	if !ok {
		return fmt.Errorf("no handler for task type %q", taskType)
	}

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("task panicked", "task_type", taskType, "panic", r)
			}
		}()

		start := time.Now()
		if err := h(d.base, payload); err != nil {
			d.logger.Warn("task failed", "task_type", taskType, "error", err, "duration", time.Since(start))
			return
		}
		d.logger.Info("task finished", "task_type", taskType, "duration", time.Since(start))
	}()
	return nil
}

// Wait blocks until every dispatched task has returned
func (d *Inline) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting tasks, cancels the running ones and waits for
// them until ctx expires
func (d *Inline) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
