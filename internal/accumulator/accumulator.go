package accumulator

import (
	"context"
	"log"
	"sync"
	"time"

	"taskmirror/internal/observability"
	"taskmirror/internal/recovery"
	"taskmirror/internal/tasks"
)

// DefaultCommitInterval approximates one UI paint cycle. Tokens arriving
// faster than this are batched into a single cache commit.
const DefaultCommitInterval = 33 * time.Millisecond

// Accumulator batches incoming partial-content tokens and commits them to
// the cache at most once per interval, so a high token rate does not turn
// into a per-token re-render. Tokens are never reordered or dropped; only
// the visible commit is batched. Every commit also writes a recovery
// snapshot of the full accumulated content.
//
// The mutex covers only the buffer map. Commits, including the snapshot
// write, run outside it: one task's slow snapshot store must never stall
// another task's token pipeline. Per-task ordering still holds because each
// task's tokens arrive from its single stream goroutine.
type Accumulator struct {
	cache    *tasks.Cache
	snaps    recovery.Store
	interval time.Duration
	metrics  *observability.Metrics

	mu      sync.Mutex
	pending map[string]*taskBuffer
	now     func() time.Time
}

type taskBuffer struct {
	pending    string
	lastCommit time.Time
}

func New(cache *tasks.Cache, snaps recovery.Store, interval time.Duration, metrics *observability.Metrics) *Accumulator {
	if interval < 0 {
		interval = DefaultCommitInterval
	}
	return &Accumulator{
		cache:    cache,
		snaps:    snaps,
		interval: interval,
		metrics:  metrics,
		pending:  make(map[string]*taskBuffer),
		now:      time.Now,
	}
}

// Accumulate appends one token in receipt order and commits the buffer when
// the commit interval has elapsed.
func (a *Accumulator) Accumulate(taskID, token string) {
	if token == "" {
		return
	}
	a.mu.Lock()
	buf, ok := a.pending[taskID]
	if !ok {
		buf = &taskBuffer{lastCommit: a.now()}
		a.pending[taskID] = buf
	}
	buf.pending += token
	var chunk string
	if a.now().Sub(buf.lastCommit) >= a.interval {
		chunk = buf.pending
		buf.pending = ""
		buf.lastCommit = a.now()
	}
	a.mu.Unlock()

	if chunk != "" {
		a.commit(taskID, chunk)
	}
}

// FlushFinal forces one last synchronous commit so no buffered token is lost
// when the stream ends and no further paint cycle occurs.
func (a *Accumulator) FlushFinal(taskID string) {
	a.mu.Lock()
	var chunk string
	if buf, ok := a.pending[taskID]; ok {
		chunk = buf.pending
	}
	delete(a.pending, taskID)
	a.mu.Unlock()

	if chunk != "" {
		a.commit(taskID, chunk)
	}
}

func (a *Accumulator) commit(taskID, chunk string) {
	a.cache.AppendContent(taskID, chunk)
	a.metrics.ObserveCommitBatch(len(chunk))

	if a.snaps == nil {
		return
	}
	if t, ok := a.cache.Get(taskID); ok && !t.Terminal() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.snaps.Save(ctx, taskID, t.AccumulatedContent); err != nil {
			log.Printf("snapshot save failed for task %s: %v", taskID, err)
		}
	}
}
