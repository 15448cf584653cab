package tasks

import "time"

type TaskKind string

const (
	KindSession TaskKind = "session"
	KindReport  TaskKind = "report"
	KindPodcast TaskKind = "podcast"
	KindFile    TaskKind = "file"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusStreaming TaskStatus = "streaming-content"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task mirrors one long-running backend operation: a chat turn, a report or
// podcast job, or a file ingestion unit.
type Task struct {
	ID                 string     `json:"id"`
	Kind               TaskKind   `json:"kind"`
	Status             TaskStatus `json:"status"`
	ProgressText       string     `json:"progress_text,omitempty"`
	AccumulatedContent string     `json:"accumulated_content,omitempty"`
	ErrorMessage       string     `json:"error,omitempty"`
	Optimistic         bool       `json:"optimistic,omitempty"`
	CancelRequested    bool       `json:"cancel_requested,omitempty"`
	CancelAcked        bool       `json:"cancel_acked,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type EventType string

const (
	EventToken        EventType = "token"
	EventStatus       EventType = "status"
	EventProgress     EventType = "progress"
	EventStreamClosed EventType = "stream_closed"
	EventError        EventType = "error"
)

// TaskEvent is one unit delivered by the push stream or a poll. SequenceHint
// is best-effort ordering only; it is not monotonic across reconnects.
type TaskEvent struct {
	TaskID       string     `json:"task_id"`
	SequenceHint int64      `json:"seq,omitempty"`
	Type         EventType  `json:"type"`
	Status       TaskStatus `json:"status,omitempty"`
	Text         string     `json:"text,omitempty"`
	Message      string     `json:"message,omitempty"`
	At           time.Time  `json:"at"`
}

func (t Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// StatusRank orders statuses by lifecycle progress so reconciliation can
// refuse to regress a task to a less-advanced state.
func StatusRank(s TaskStatus) int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusStreaming:
		return 2
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return 3
	default:
		return 0
	}
}
