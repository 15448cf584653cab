package tasks

import (
	"strings"
	"testing"
)

func TestCacheTerminalStatusIsAbsorbing(t *testing.T) {
	c := NewCache()
	c.Upsert("t1", func(prev Task, found bool) Task {
		prev.Kind = KindReport
		prev.Status = TaskStatusRunning
		return prev
	})
	c.AppendContent("t1", "partial")
	c.ApplyServerStatus("t1", TaskStatusCompleted, "")

	c.AppendContent("t1", " late tokens")
	c.ApplyServerStatus("t1", TaskStatusRunning, "")
	c.ApplyServerStatus("t1", TaskStatusCompleted, "")

	got, ok := c.Get("t1")
	if !ok {
		t.Fatalf("Get(t1) not found")
	}
	if got.Status != TaskStatusCompleted {
		t.Fatalf("Status = %q, want %q", got.Status, TaskStatusCompleted)
	}
	if got.AccumulatedContent != "partial" {
		t.Fatalf("AccumulatedContent = %q, want %q", got.AccumulatedContent, "partial")
	}
}

func TestCacheAppendPreservesOrder(t *testing.T) {
	c := NewCache()
	tokens := []string{"Exec", "utive ", "Summ", "ary..."}
	for _, tok := range tokens {
		c.AppendContent("t1", tok)
	}
	got, _ := c.Get("t1")
	want := strings.Join(tokens, "")
	if got.AccumulatedContent != want {
		t.Fatalf("AccumulatedContent = %q, want %q", got.AccumulatedContent, want)
	}
	if got.Status != TaskStatusStreaming {
		t.Fatalf("Status = %q, want %q", got.Status, TaskStatusStreaming)
	}
}

func TestCacheOptimisticConfirmKeepsPosition(t *testing.T) {
	c := NewCache()
	c.Upsert("a", func(prev Task, found bool) Task {
		prev.Kind = KindReport
		return prev
	})
	placeholder := c.InsertOptimistic(KindReport)
	c.Upsert("b", func(prev Task, found bool) Task {
		prev.Kind = KindReport
		return prev
	})

	confirmed, err := c.ConfirmID(placeholder.ID, "server-1")
	if err != nil {
		t.Fatalf("ConfirmID() error = %v", err)
	}
	if confirmed.Optimistic {
		t.Fatalf("confirmed.Optimistic = true, want false")
	}
	if _, ok := c.Get(placeholder.ID); ok {
		t.Fatalf("placeholder id still present after confirm")
	}

	list := c.List(KindReport)
	ids := make([]string, 0, len(list))
	for _, task := range list {
		ids = append(ids, task.ID)
	}
	// Jobs list newest-first; the confirmed entry must keep the middle slot.
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "server-1" || ids[2] != "a" {
		t.Fatalf("List ids = %v, want [b server-1 a]", ids)
	}
}

func TestCacheRollbackRemovesPlaceholder(t *testing.T) {
	c := NewCache()
	placeholder := c.InsertOptimistic(KindPodcast)
	c.Rollback(placeholder.ID)
	if _, ok := c.Get(placeholder.ID); ok {
		t.Fatalf("placeholder still present after rollback")
	}
	if got := len(c.List("")); got != 0 {
		t.Fatalf("List len = %d, want 0", got)
	}
}

func TestCacheServerTerminalBeatsUnackedLocalCancel(t *testing.T) {
	c := NewCache()
	c.ApplyServerStatus("t1", TaskStatusRunning, "")
	c.MarkCancelRequested("t1")
	c.MarkCancelledLocal("t1", false)

	got := c.ApplyServerStatus("t1", TaskStatusCompleted, "")
	if got.Status != TaskStatusCompleted {
		t.Fatalf("Status = %q, want %q after unacked cancel", got.Status, TaskStatusCompleted)
	}
}

func TestCacheAckedLocalCancelIsFinal(t *testing.T) {
	c := NewCache()
	c.ApplyServerStatus("t1", TaskStatusRunning, "")
	c.MarkCancelledLocal("t1", true)

	got := c.ApplyServerStatus("t1", TaskStatusCompleted, "")
	if got.Status != TaskStatusCancelled {
		t.Fatalf("Status = %q, want %q after acked cancel", got.Status, TaskStatusCancelled)
	}
}

func TestCacheReconcileNeverRegresses(t *testing.T) {
	c := NewCache()
	c.ApplyServerStatus("t1", TaskStatusRunning, "")
	c.AppendContent("t1", "hello world")

	c.Reconcile(Task{ID: "t1", Status: TaskStatusRunning, AccumulatedContent: "hello"})
	got, _ := c.Get("t1")
	if got.Status != TaskStatusStreaming {
		t.Fatalf("Status = %q, want %q (no regress)", got.Status, TaskStatusStreaming)
	}
	if got.AccumulatedContent != "hello world" {
		t.Fatalf("AccumulatedContent = %q, want %q", got.AccumulatedContent, "hello world")
	}

	c.Reconcile(Task{ID: "t1", Status: TaskStatusCompleted, AccumulatedContent: "hello world and more"})
	got, _ = c.Get("t1")
	if got.Status != TaskStatusCompleted {
		t.Fatalf("Status = %q, want %q", got.Status, TaskStatusCompleted)
	}
	if got.AccumulatedContent != "hello world and more" {
		t.Fatalf("AccumulatedContent = %q, want longer server content", got.AccumulatedContent)
	}
}

func TestCacheCancelWhilePendingNeverRegresses(t *testing.T) {
	c := NewCache()
	c.ApplyServerStatus("t1", TaskStatusPending, "")
	c.MarkCancelledLocal("t1", true)

	c.Reconcile(Task{ID: "t1", Status: TaskStatusPending})
	got, _ := c.Get("t1")
	if got.Status != TaskStatusCancelled {
		t.Fatalf("Status = %q, want %q", got.Status, TaskStatusCancelled)
	}
}

func TestCacheProgressFrozenAfterTerminal(t *testing.T) {
	c := NewCache()
	c.ApplyServerStatus("t1", TaskStatusRunning, "")
	c.SetProgress("t1", "reconnecting (1/5)")
	c.ApplyServerStatus("t1", TaskStatusCompleted, "")

	// A racing reconnect note arriving after terminal must not stick.
	c.SetProgress("t1", "reconnecting (2/5)")

	got, _ := c.Get("t1")
	if got.ProgressText != "" {
		t.Fatalf("ProgressText = %q, want empty after terminal", got.ProgressText)
	}
	if got.Status != TaskStatusCompleted {
		t.Fatalf("Status = %q, want completed", got.Status)
	}
}

func TestCacheRemoveDropsEntryAndOrder(t *testing.T) {
	c := NewCache()
	c.ApplyServerStatus("t1", TaskStatusRunning, "")
	c.ApplyServerStatus("t2", TaskStatusRunning, "")

	c.Remove("t1")
	if _, ok := c.Get("t1"); ok {
		t.Fatalf("Get(t1) found after Remove")
	}
	list := c.List("")
	if len(list) != 1 || list[0].ID != "t2" {
		t.Fatalf("List = %v, want only t2", list)
	}

	// Removing an absent id is a no-op.
	c.Remove("t1")
}

func TestCacheListSessionsCreationOrder(t *testing.T) {
	c := NewCache()
	for _, id := range []string{"s1", "s2", "s3"} {
		c.Upsert(id, func(prev Task, found bool) Task {
			prev.Kind = KindSession
			return prev
		})
	}
	list := c.List(KindSession)
	if len(list) != 3 || list[0].ID != "s1" || list[2].ID != "s3" {
		t.Fatalf("session order = %v, want creation order", list)
	}
}
