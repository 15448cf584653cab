package polling

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"taskmirror/internal/observability"
	"taskmirror/internal/reliability"
	"taskmirror/internal/tasks"
)

// Poller is the request/response snapshot endpoint.
type Poller interface {
	PollTask(ctx context.Context, taskID string) (tasks.Task, error)
}

// Tiers holds the adaptive poll intervals. The interval grows with time
// since the last observed change.
type Tiers struct {
	Fast time.Duration // while the task changed recently
	Mid  time.Duration // no change for >30s
	Slow time.Duration // no change for >2m
}

func DefaultTiers() Tiers {
	return Tiers{
		Fast: 2 * time.Second,
		Mid:  3 * time.Second,
		Slow: 5 * time.Second,
	}
}

const (
	midThreshold  = 30 * time.Second
	slowThreshold = 2 * time.Minute
)

// Controller runs one adaptive poll loop per task for kinds without a push
// stream, and one-shot reconciliation polls as a backstop after a stream
// ends. Polled snapshots are merged through the cache's no-regress
// reconciliation; polling stops for good at a terminal status.
type Controller struct {
	poller  Poller
	cache   *tasks.Cache
	tiers   Tiers
	metrics *observability.Metrics

	mu    sync.Mutex
	loops map[string]*loop
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewController(poller Poller, cache *tasks.Cache, tiers Tiers, metrics *observability.Metrics) *Controller {
	if tiers.Fast <= 0 {
		tiers = DefaultTiers()
	}
	return &Controller{
		poller:  poller,
		cache:   cache,
		tiers:   tiers,
		metrics: metrics,
		loops:   make(map[string]*loop),
	}
}

// Start begins the poll loop for a task. Starting an already-polled task
// restarts its loop.
func (c *Controller) Start(taskID string) {
	c.mu.Lock()
	prev := c.loops[taskID]
	c.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.loops[taskID] = l
	c.mu.Unlock()
	go c.run(ctx, taskID, l)
}

// Stop ends the poll loop for a task. A task with no loop is a no-op.
func (c *Controller) Stop(taskID string) {
	c.mu.Lock()
	l := c.loops[taskID]
	c.mu.Unlock()
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

// StopAll tears down every poll loop.
func (c *Controller) StopAll() {
	c.mu.Lock()
	open := make([]*loop, 0, len(c.loops))
	for _, l := range c.loops {
		open = append(open, l)
	}
	c.mu.Unlock()
	for _, l := range open {
		l.cancel()
		<-l.done
	}
}

// Polling reports whether a loop is active for the task.
func (c *Controller) Polling(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loops[taskID]
	return ok
}

// PollOnce issues a single reconciliation poll and merges the result. Used
// as the consistency backstop after a stream closes.
func (c *Controller) PollOnce(ctx context.Context, taskID string) error {
	snapshot, err := c.poller.PollTask(ctx, taskID)
	if err != nil {
		if c.metrics != nil {
			c.metrics.PollRequests.WithLabelValues("error").Inc()
		}
		return err
	}
	if c.metrics != nil {
		c.metrics.PollRequests.WithLabelValues("ok").Inc()
	}
	c.cache.Reconcile(snapshot)
	return nil
}

func (c *Controller) run(ctx context.Context, taskID string, l *loop) {
	defer func() {
		c.mu.Lock()
		if c.loops[taskID] == l {
			delete(c.loops, taskID)
		}
		c.mu.Unlock()
		close(l.done)
	}()

	lastChange := time.Now()
	var lastSeen tasks.Task
	if t, ok := c.cache.Get(taskID); ok {
		lastSeen = t
	}

	for {
		interval := c.intervalFor(time.Since(lastChange))
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		snapshot, err := c.poller.PollTask(pollCtx, taskID)
		cancel()
		if err != nil {
			if reliability.ClassifyError(err) == reliability.FaultCancellation {
				return
			}
			var ce interface{ Class() reliability.FaultClass }
			if errors.As(err, &ce) && ce.Class() == reliability.FaultClient {
				// The task no longer exists upstream; stop rather than
				// hammer a dead endpoint.
				if c.metrics != nil {
					c.metrics.PollRequests.WithLabelValues("gone").Inc()
				}
				return
			}
			if c.metrics != nil {
				c.metrics.PollRequests.WithLabelValues("error").Inc()
			}
			log.Printf("poll failed for task %s: %v", taskID, err)
			continue
		}
		if c.metrics != nil {
			c.metrics.PollRequests.WithLabelValues("ok").Inc()
		}

		merged := c.cache.Reconcile(snapshot)
		if merged.Status != lastSeen.Status || merged.AccumulatedContent != lastSeen.AccumulatedContent {
			lastChange = time.Now()
		}
		lastSeen = merged

		if merged.Terminal() {
			return
		}
	}
}

func (c *Controller) intervalFor(sinceChange time.Duration) time.Duration {
	switch {
	case sinceChange > slowThreshold:
		return c.tiers.Slow
	case sinceChange > midThreshold:
		return c.tiers.Mid
	default:
		return c.tiers.Fast
	}
}
