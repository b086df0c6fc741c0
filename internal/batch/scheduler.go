// Package batch runs work items in fixed-size groups with a bound on the
// number of groups in flight.
package batch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/sheetarchiver/api/internal/model"
)

// Defaults
const (
	DefaultBatchSize      = 10
	DefaultMaxConcurrency = 5
)

const cancelledMessage = "Failed - Archiving cancelled"

// ItemProcessor processes one work item. Implementations must not panic and
// must return a result carrying the item's position.
type ItemProcessor interface {
	Process(ctx context.Context, item model.WorkItem) model.ItemResult
}

// ProcessorFunc adapts a function to ItemProcessor
type ProcessorFunc func(ctx context.Context, item model.WorkItem) model.ItemResult

func (f ProcessorFunc) Process(ctx context.Context, item model.WorkItem) model.ItemResult {
	return f(ctx, item)
}

// Progress is reported after each group finishes
type Progress struct {
	Group      int
	Groups     int
	GroupSize  int
	Succeeded  int
	Failed     int
	ItemsDone  int
	ItemsTotal int
}

// Scheduler runs items in groups of BatchSize with at most MaxConcurrency
// groups dispatching at once. Within a group every item runs concurrently,
// so up to MaxConcurrency*BatchSize calls may be in flight.
type Scheduler struct {
	BatchSize      int
	MaxConcurrency int
	OnProgress     func(Progress)
	Logger         *slog.Logger
}

// NewScheduler creates a Scheduler, falling back to defaults for non-positive values
func NewScheduler(batchSize, maxConcurrency int) *Scheduler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Scheduler{BatchSize: batchSize, MaxConcurrency: maxConcurrency}
}

// Partition splits items into consecutive groups of size; the last may be shorter.
// The groups share the backing array of items.
func Partition(items []model.WorkItem, size int) [][]model.WorkItem {
	if size <= 0 {
		size = DefaultBatchSize
	}
	groups := make([][]model.WorkItem, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		groups = append(groups, items[start:end:end])
	}
	return groups
}

// Run processes every item and returns exactly one result per input item.
// Results are stored by input slot and carry the item's position; completion
// order is not reflected. Groups that could not start because ctx ended get
// cancellation failures.
func (s *Scheduler) Run(ctx context.Context, items []model.WorkItem, p ItemProcessor) []model.ItemResult {
	results := make([]model.ItemResult, len(items))
	if len(items) == 0 {
		return results
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := s.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	limit := s.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}

	groups := Partition(items, size)
	sem := semaphore.NewWeighted(int64(limit))

	var (
		wg       sync.WaitGroup
		progMu   sync.Mutex
		itemDone int
	)

	logger.Info("batch run started", "items", len(items), "groups", len(groups), "batch_size", size, "max_concurrency", limit)

	for gi, group := range groups {
		offset := gi * size

		if err := sem.Acquire(ctx, 1); err != nil {
			for i, item := range group {
				results[offset+i] = cancelled(item)
			}
			continue
		}

		wg.Add(1)
		go func(gi, offset int, group []model.WorkItem) {
			defer wg.Done()
			defer sem.Release(1)

			var inner sync.WaitGroup
			for i, item := range group {
				inner.Add(1)
				go func(slot int, item model.WorkItem) {
					defer inner.Done()
					results[slot] = safeProcess(ctx, p, item, logger)
				}(offset+i, item)
			}
			inner.Wait()

			ok := 0
			for i := range group {
				if results[offset+i].OK() {
					ok++
				}
			}
			logger.Info("batch group finished", "group", gi+1, "groups", len(groups), "succeeded", ok, "failed", len(group)-ok)

			if s.OnProgress != nil {
				progMu.Lock()
				itemDone += len(group)
				prog := Progress{
					Group:      gi + 1,
					Groups:     len(groups),
					GroupSize:  len(group),
					Succeeded:  ok,
					Failed:     len(group) - ok,
					ItemsDone:  itemDone,
					ItemsTotal: len(items),
				}
				s.OnProgress(prog)
				progMu.Unlock()
			}
		}(gi, offset, group)
	}

	wg.Wait()
	return results
}

func safeProcess(ctx context.Context, p ItemProcessor, item model.WorkItem, logger *slog.Logger) (res model.ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("item processor panicked", "position", item.Position, "panic", r)
			res = model.Failed(item.Position, model.FailureException, "Failed - Exception during archiving")
		}
	}()
	res = p.Process(ctx, item)
	res.Position = item.Position
	return res
}

func cancelled(item model.WorkItem) model.ItemResult {
	return model.ItemResult{
		Position: item.Position,
		Failure: &model.Failure{
			Kind:    model.FailureException,
			Message: cancelledMessage,
			Detail:  "cancelled",
		},
	}
}
