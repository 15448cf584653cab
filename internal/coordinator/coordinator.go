package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"taskmirror/internal/observability"
	"taskmirror/internal/recovery"
	"taskmirror/internal/tasks"
	"taskmirror/internal/upstream"
)

// Upstream is the request/response side of the backend: create and cancel.
// Polling goes through Polls so the adaptive loop owns every snapshot fetch.
type Upstream interface {
	CreateTask(ctx context.Context, req upstream.CreateRequest) (upstream.CreateResponse, error)
	CancelTask(ctx context.Context, taskID string) error
}

// Streams is the push-side connection manager.
type Streams interface {
	Open(taskID string)
	Close(taskID string)
	CloseAll()
	HasOpen(taskID string) bool
	SetStreamEndHook(hook func(taskID string, terminal bool))
}

// Polls is the fallback poll controller.
type Polls interface {
	Start(taskID string)
	Stop(taskID string)
	StopAll()
	Polling(taskID string) bool
	PollOnce(ctx context.Context, taskID string) error
}

// Coordinator drives the task lifecycle: optimistic creation, attaching the
// right delivery mechanism per kind, active-task switching with snapshot
// resume, and the cancel handshake. It is the only component that decides
// between stream and poll; everything below it just moves data.
type Coordinator struct {
	up      Upstream
	streams Streams
	polls   Polls
	cache   *tasks.Cache
	snaps   recovery.Store
	metrics *observability.Metrics

	mu       sync.Mutex
	activeID string
}

func New(up Upstream, streams Streams, polls Polls, cache *tasks.Cache, snaps recovery.Store, metrics *observability.Metrics) *Coordinator {
	c := &Coordinator{
		up:      up,
		streams: streams,
		polls:   polls,
		cache:   cache,
		snaps:   snaps,
		metrics: metrics,
	}
	streams.SetStreamEndHook(c.onStreamEnd)
	return c
}

// CreateTask inserts an optimistic placeholder, issues the server create, and
// renames the placeholder to the server-assigned id. On failure the
// placeholder is rolled back so no phantom entry survives. The returned task
// carries the confirmed id.
func (c *Coordinator) CreateTask(ctx context.Context, kind tasks.TaskKind, prompt string) (tasks.Task, error) {
	placeholder := c.cache.InsertOptimistic(kind)

	resp, err := c.up.CreateTask(ctx, upstream.CreateRequest{Kind: kind, Prompt: prompt})
	if err != nil {
		c.cache.Rollback(placeholder.ID)
		return tasks.Task{}, fmt.Errorf("create %s task: %w", kind, err)
	}

	if _, err := c.cache.ConfirmID(placeholder.ID, resp.ID); err != nil {
		// The server id already exists in the cache (duplicate create); the
		// placeholder has nothing to confirm into.
		c.cache.Rollback(placeholder.ID)
	}
	c.cache.ApplyServerStatus(resp.ID, resp.Status, "")
	if c.metrics != nil {
		c.metrics.ObserveTaskEvent("created")
	}

	c.attach(resp.ID, kind)
	t, _ := c.cache.Get(resp.ID)
	return t, nil
}

// SwitchActiveTask makes taskID the active task. The previous active task's
// stream is closed silently; the new one is resumed, merging any fresh
// recovery snapshot before reattaching. Switching to the already-active task
// only re-ensures delivery is attached.
func (c *Coordinator) SwitchActiveTask(ctx context.Context, taskID string) error {
	t, ok := c.cache.Get(taskID)
	if !ok {
		return tasks.ErrTaskNotFound
	}

	c.mu.Lock()
	prev := c.activeID
	c.activeID = taskID
	c.mu.Unlock()

	if prev == taskID && (c.streams.HasOpen(taskID) || c.polls.Polling(taskID)) {
		return nil
	}
	if prev != "" && prev != taskID {
		c.streams.Close(prev)
		c.polls.Stop(prev)
	}

	if t.Terminal() {
		return nil
	}

	c.resume(ctx, taskID)

	// The resume poll may have revealed a terminal status; attaching a
	// delivery mechanism then would be wasted work.
	if t, ok := c.cache.Get(taskID); ok && t.Terminal() {
		return nil
	}
	c.attach(taskID, t.Kind)
	return nil
}

// Active returns the currently active task id, or empty.
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// Cancel runs the cancel handshake: mark the request in flight, ask the
// server, tear down delivery, then apply the optimistic local cancelled mark.
// A transport failure on the server call still cancels locally; the unacked
// mark lets a later authoritative server status win. Cancelling a terminal
// task is a no-op success.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) error {
	t, ok := c.cache.Get(taskID)
	if !ok {
		return tasks.ErrTaskNotFound
	}
	if t.Terminal() {
		return nil
	}

	c.cache.MarkCancelRequested(taskID)
	acked := true
	if err := c.up.CancelTask(ctx, taskID); err != nil {
		acked = false
		log.Printf("cancel request for task %s not acknowledged: %v", taskID, err)
	}

	c.streams.Close(taskID)
	c.polls.Stop(taskID)
	c.cache.MarkCancelledLocal(taskID, acked)
	c.clearSnapshot(taskID)
	if c.metrics != nil {
		c.metrics.ObserveTaskEvent("cancelled")
	}
	return nil
}

// Close tears down every live delivery mechanism. Called on shutdown.
func (c *Coordinator) Close() {
	c.streams.CloseAll()
	c.polls.StopAll()
}

// attach picks the delivery mechanism for a kind: file ingestion has no push
// stream and is polled; everything else gets a live stream.
func (c *Coordinator) attach(taskID string, kind tasks.TaskKind) {
	if kind == tasks.KindFile {
		c.polls.Start(taskID)
		return
	}
	c.streams.Open(taskID)
}

// resume merges a fresh recovery snapshot into the cache, then issues one
// reconciliation poll so the entry reflects the server before the stream
// reattaches. Both steps are best-effort.
func (c *Coordinator) resume(ctx context.Context, taskID string) {
	if c.snaps != nil {
		content, ok, err := c.snaps.Load(ctx, taskID)
		if err != nil {
			log.Printf("snapshot load failed for task %s: %v", taskID, err)
		} else if ok {
			c.cache.Upsert(taskID, func(prev tasks.Task, found bool) tasks.Task {
				if len(content) > len(prev.AccumulatedContent) {
					prev.AccumulatedContent = content
					if !prev.Terminal() && tasks.StatusRank(prev.Status) < tasks.StatusRank(tasks.TaskStatusStreaming) {
						prev.Status = tasks.TaskStatusStreaming
					}
				}
				return prev
			})
		}
	}
	if err := c.polls.PollOnce(ctx, taskID); err != nil {
		log.Printf("resume poll failed for task %s: %v", taskID, err)
	}
}

// onStreamEnd is the consistency backstop: when a stream ends without a
// terminal status, one reconciliation poll catches anything the stream
// missed. A terminal stream already left the entry authoritative.
func (c *Coordinator) onStreamEnd(taskID string, terminal bool) {
	if terminal {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.polls.PollOnce(ctx, taskID); err != nil {
			log.Printf("backstop poll failed for task %s: %v", taskID, err)
		}
	}()
}

func (c *Coordinator) clearSnapshot(taskID string) {
	if c.snaps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.snaps.Clear(ctx, taskID); err != nil {
		log.Printf("snapshot clear failed for task %s: %v", taskID, err)
	}
}
