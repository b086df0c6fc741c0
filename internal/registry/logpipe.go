package registry

import (
	"log/slog"
	"sync"
)

// LogPipe forwards log lines from any number of producers to one consumer
// goroutine that appends them to a job log in send order.
type LogPipe struct {
	lines  chan string
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// NewLogPipe starts the consumer for job id
func (r *Registry) NewLogPipe(id string, buffer int) *LogPipe {
	if buffer < 0 {
		buffer = 0
	}
	p := &LogPipe{
		lines: make(chan string, buffer),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		for line := range p.lines {
			if err := r.AppendLog(id, line); err != nil {
				slog.Warn("dropping log line", "job_id", id, "error", err)
			}
		}
	}()

	return p
}

// Send queues a line. Lines sent after Close are dropped.
func (p *LogPipe) Send(line string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.lines <- line
}

// Close stops accepting lines and waits until every queued line is appended
func (p *LogPipe) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.lines)
	}
	p.mu.Unlock()
	<-p.done
}
