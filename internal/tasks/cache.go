package tasks

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrIDTaken      = errors.New("task id already present")
)

const optimisticIDPrefix = "local-"

// Cache is the normalized in-memory task store. It is the only mutable shared
// state in the subsystem: the stream manager, the polling controller, and
// optimistic local edits all submit proposed updates through it, and the
// cache's lock is the sole serialization point. Updates for one id are
// applied in submission order; terminal statuses are absorbing.
type Cache struct {
	mu    sync.RWMutex
	byID  map[string]*Task
	order []string
}

func NewCache() *Cache {
	return &Cache{
		byID: make(map[string]*Task),
	}
}

func (c *Cache) Get(taskID string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns tasks of the given kind, or all tasks when kind is empty.
// Sessions come back in creation order; job kinds come back newest-first.
func (c *Cache) List(kind TaskKind) []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Task, 0, len(c.order))
	if kind == KindSession {
		for _, id := range c.order {
			if t, ok := c.byID[id]; ok && t.Kind == kind {
				out = append(out, *t)
			}
		}
		return out
	}
	for i := len(c.order) - 1; i >= 0; i-- {
		t, ok := c.byID[c.order[i]]
		if !ok {
			continue
		}
		if kind != "" && t.Kind != kind {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// Upsert applies an updater to the previous value of the entry, creating it
// when absent. The terminal guard lives here, not in callers: a proposed
// update may never move a terminal task back to a non-terminal status nor
// change its accumulated content.
func (c *Cache) Upsert(taskID string, update func(prev Task, found bool) Task) Task {
	taskID = strings.TrimSpace(taskID)
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, found := c.byID[taskID]
	var next Task
	if found {
		next = update(*prev, true)
		if prev.Terminal() {
			next.Status = prev.Status
			next.AccumulatedContent = prev.AccumulatedContent
			next.ErrorMessage = prev.ErrorMessage
			next.ProgressText = prev.ProgressText
		}
		next.ID = prev.ID
		next.Kind = prev.Kind
		next.CreatedAt = prev.CreatedAt
	} else {
		next = update(Task{}, false)
		if next.ID == "" {
			next.ID = taskID
		}
		if next.Status == "" {
			next.Status = TaskStatusPending
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	}
	next.UpdatedAt = now
	c.storeLocked(next)
	return next
}

func (c *Cache) Remove(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(taskID)
}

// InsertOptimistic adds a placeholder entry with a locally generated id so
// the UI can render the task before the server has assigned a real one.
func (c *Cache) InsertOptimistic(kind TaskKind) Task {
	now := time.Now().UTC()
	t := Task{
		ID:         optimisticIDPrefix + uuid.NewString(),
		Kind:       kind,
		Status:     TaskStatusPending,
		Optimistic: true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(t)
	return t
}

// ConfirmID renames an optimistic placeholder to its server-assigned id,
// keeping the entry's position in the ordered id sequence.
func (c *Cache) ConfirmID(placeholderID, serverID string) (Task, error) {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return Task{}, errors.New("server id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.byID[placeholderID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if _, taken := c.byID[serverID]; taken {
		return Task{}, ErrIDTaken
	}
	delete(c.byID, placeholderID)
	t.ID = serverID
	t.Optimistic = false
	t.UpdatedAt = time.Now().UTC()
	c.byID[serverID] = t
	for i, id := range c.order {
		if id == placeholderID {
			c.order[i] = serverID
			break
		}
	}
	return *t, nil
}

// Rollback removes a placeholder whose server create failed. The entry is
// dropped entirely rather than un-renamed.
func (c *Cache) Rollback(placeholderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byID[placeholderID]
	if !ok || !t.Optimistic {
		return
	}
	c.removeLocked(placeholderID)
}

// AppendContent appends a committed token batch. Content is append-only and
// frozen once the task is terminal; appending flips the status to
// streaming-content while the task is live.
func (c *Cache) AppendContent(taskID, chunk string) {
	if chunk == "" {
		return
	}
	c.Upsert(taskID, func(prev Task, found bool) Task {
		if found && prev.Terminal() {
			return prev
		}
		prev.AccumulatedContent += chunk
		prev.Status = TaskStatusStreaming
		return prev
	})
}

func (c *Cache) SetProgress(taskID, text string) {
	c.Upsert(taskID, func(prev Task, found bool) Task {
		prev.ProgressText = text
		return prev
	})
}

// ApplyServerStatus applies a status delivered by the stream or a poll
// snapshot. Re-applying the same terminal status is a no-op. The one
// exception to terminal absorption: a server terminal status overrides a
// local cancelled mark whose cancel request the server never acknowledged.
func (c *Cache) ApplyServerStatus(taskID string, status TaskStatus, message string) Task {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.byID[taskID]
	if !ok {
		t = &Task{
			ID:        taskID,
			Status:    TaskStatusPending,
			CreatedAt: now,
		}
		c.storeLocked(*t)
		t = c.byID[taskID]
	}

	if t.Terminal() {
		serverWins := t.Status == TaskStatusCancelled &&
			t.CancelRequested && !t.CancelAcked &&
			(status == TaskStatusCompleted || status == TaskStatusFailed)
		if !serverWins {
			return *t
		}
	}

	t.Status = status
	if message != "" {
		if status == TaskStatusFailed {
			t.ErrorMessage = message
		} else {
			t.ProgressText = message
		}
	}
	if t.Terminal() {
		t.ProgressText = ""
	}
	t.UpdatedAt = now
	return *t
}

// Reconcile merges a polled server snapshot. It never regresses the entry:
// a less-advanced status or shorter content than what is already cached is
// discarded.
func (c *Cache) Reconcile(snapshot Task) Task {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.byID[snapshot.ID]
	if !ok {
		snapshot.UpdatedAt = now
		if snapshot.CreatedAt.IsZero() {
			snapshot.CreatedAt = now
		}
		c.storeLocked(snapshot)
		return snapshot
	}

	if t.Terminal() {
		serverWins := t.Status == TaskStatusCancelled &&
			t.CancelRequested && !t.CancelAcked &&
			(snapshot.Status == TaskStatusCompleted || snapshot.Status == TaskStatusFailed)
		if !serverWins {
			return *t
		}
		t.Status = snapshot.Status
		t.ErrorMessage = snapshot.ErrorMessage
		t.UpdatedAt = now
		return *t
	}

	if StatusRank(snapshot.Status) >= StatusRank(t.Status) {
		t.Status = snapshot.Status
	}
	if len(snapshot.AccumulatedContent) > len(t.AccumulatedContent) {
		t.AccumulatedContent = snapshot.AccumulatedContent
	}
	if snapshot.ProgressText != "" {
		t.ProgressText = snapshot.ProgressText
	}
	if snapshot.ErrorMessage != "" {
		t.ErrorMessage = snapshot.ErrorMessage
	}
	if t.Terminal() {
		t.ProgressText = ""
	}
	t.UpdatedAt = now
	return *t
}

// MarkCancelRequested records that a cancel request is in flight so a later
// server terminal status can be arbitrated against the local mark.
func (c *Cache) MarkCancelRequested(taskID string) {
	c.Upsert(taskID, func(prev Task, found bool) Task {
		prev.CancelRequested = true
		return prev
	})
}

// MarkCancelledLocal applies the optimistic local cancelled mark. acked
// records whether the server already confirmed the cancel.
func (c *Cache) MarkCancelledLocal(taskID string, acked bool) Task {
	return c.Upsert(taskID, func(prev Task, found bool) Task {
		if found && prev.Terminal() {
			if acked {
				prev.CancelAcked = true
			}
			return prev
		}
		prev.Status = TaskStatusCancelled
		prev.CancelRequested = true
		prev.CancelAcked = acked
		prev.ProgressText = ""
		return prev
	})
}

func (c *Cache) storeLocked(t Task) {
	if _, exists := c.byID[t.ID]; !exists {
		c.order = append(c.order, t.ID)
	}
	stored := t
	c.byID[t.ID] = &stored
}

func (c *Cache) removeLocked(taskID string) {
	if _, ok := c.byID[taskID]; !ok {
		return
	}
	delete(c.byID, taskID)
	out := c.order[:0]
	for _, id := range c.order {
		if id == taskID {
			continue
		}
		out = append(out, id)
	}
	c.order = out
}
