package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskmirror/internal/accumulator"
	"taskmirror/internal/observability"
	"taskmirror/internal/recovery"
	"taskmirror/internal/reliability"
	"taskmirror/internal/tasks"
)

const (
	defaultMaxReconnects    = 5
	defaultHandshakeTimeout = 60 * time.Second
	backoffBase             = 1 * time.Second
	backoffCap              = 30 * time.Second
)

// Config tunes the connection manager. Zero values pick the defaults above.
type Config struct {
	WSBaseURL        string
	MaxReconnects    int
	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
}

// Manager owns every live push connection, one per task id. It classifies
// handshake faults, applies bounded reconnection, and converts everything
// that happens on the wire into cache updates. Faults never cross its
// boundary as errors.
type Manager struct {
	wsBaseURL        string
	maxReconnects    int
	handshakeTimeout time.Duration
	backoffBase      time.Duration
	backoffCap       time.Duration

	cache   *tasks.Cache
	acc     *accumulator.Accumulator
	snaps   recovery.Store
	metrics *observability.Metrics

	// onStreamEnd is a mutable slot read at event time, not captured at
	// loop start, so the coordinator can swap the callback while a
	// connection loop is already running.
	hookMu      sync.Mutex
	onStreamEnd func(taskID string, terminal bool)

	mu    sync.Mutex
	conns map[string]*connection
}

type connection struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

type closeKind int

const (
	closeClean closeKind = iota
	closeCancelled
	closeTransport
)

func NewManager(cfg Config, cache *tasks.Cache, acc *accumulator.Accumulator, snaps recovery.Store, metrics *observability.Metrics) *Manager {
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = backoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = backoffCap
	}
	return &Manager{
		wsBaseURL:        cfg.WSBaseURL,
		maxReconnects:    cfg.MaxReconnects,
		handshakeTimeout: cfg.HandshakeTimeout,
		backoffBase:      cfg.BackoffBase,
		backoffCap:       cfg.BackoffCap,
		cache:            cache,
		acc:              acc,
		snaps:            snaps,
		metrics:          metrics,
		conns:            make(map[string]*connection),
	}
}

// SetStreamEndHook installs the callback invoked after a connection loop
// finishes cleanly. terminal reports whether the task reached a terminal
// status on the stream.
func (m *Manager) SetStreamEndHook(hook func(taskID string, terminal bool)) {
	m.hookMu.Lock()
	m.onStreamEnd = hook
	m.hookMu.Unlock()
}

// Open establishes the one live stream for a task. Opening a stream for a
// task that already has one is an idempotent takeover: the previous
// connection is closed first, never treated as an error.
func (m *Manager) Open(taskID string) {
	m.mu.Lock()
	prev := m.conns[taskID]
	m.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		taskID: taskID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.conns[taskID] = c
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.OpenStreams.Inc()
	}
	go m.run(ctx, c)
}

// Close tears down the stream for one task. Deliberate closure is silent: no
// error surfaces to the cache and nothing counts toward the retry budget.
// Closing a task with no open stream is a no-op.
func (m *Manager) Close(taskID string) {
	m.mu.Lock()
	c := m.conns[taskID]
	m.mu.Unlock()
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
}

// CloseAll cancels every open stream. Called on process teardown; orphaned
// connections must not be possible.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	open := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		open = append(open, c)
	}
	m.mu.Unlock()
	for _, c := range open {
		c.cancel()
		<-c.done
	}
}

// HasOpen reports whether a live connection exists for the task.
func (m *Manager) HasOpen(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[taskID]
	return ok
}

func (m *Manager) run(ctx context.Context, c *connection) {
	terminal := false
	clean := false
	defer func() {
		m.mu.Lock()
		if m.conns[c.taskID] == c {
			delete(m.conns, c.taskID)
		}
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.OpenStreams.Dec()
		}
		close(c.done)
		if clean {
			m.hookMu.Lock()
			hook := m.onStreamEnd
			m.hookMu.Unlock()
			if hook != nil {
				hook(c.taskID, terminal)
			}
		}
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			m.acc.FlushFinal(c.taskID)
			return
		}

		conn, err := m.dial(ctx, c.taskID)
		if err != nil {
			switch classifyDialError(err) {
			case reliability.FaultCancellation:
				m.acc.FlushFinal(c.taskID)
				return
			case reliability.FaultClient:
				if m.metrics != nil {
					m.metrics.StreamFaults.WithLabelValues("client").Inc()
				}
				m.acc.FlushFinal(c.taskID)
				m.cache.ApplyServerStatus(c.taskID, tasks.TaskStatusFailed, err.Error())
				return
			default:
				if ctx.Err() != nil {
					m.acc.FlushFinal(c.taskID)
					return
				}
				failures++
				if m.metrics != nil {
					m.metrics.StreamFaults.WithLabelValues("transport").Inc()
				}
				if failures > m.maxReconnects {
					if m.metrics != nil {
						m.metrics.StreamReconnects.WithLabelValues("exhausted").Inc()
					}
					m.acc.FlushFinal(c.taskID)
					m.cache.ApplyServerStatus(c.taskID, tasks.TaskStatusFailed, "unable to connect, please retry")
					return
				}
				if m.metrics != nil {
					m.metrics.StreamReconnects.WithLabelValues("retry").Inc()
				}
				m.cache.SetProgress(c.taskID, fmt.Sprintf("reconnecting (%d/%d)", failures, m.maxReconnects))
				if !sleepCtx(ctx, reliability.ExponentialBackoff(failures-1, m.backoffBase, m.backoffCap)) {
					m.acc.FlushFinal(c.taskID)
					return
				}
				continue
			}
		}

		if failures > 0 && m.metrics != nil {
			m.metrics.StreamReconnects.WithLabelValues("connected").Inc()
		}
		failures = 0
		m.cache.SetProgress(c.taskID, "")

		kind, isTerminal := m.readLoop(ctx, conn, c.taskID)
		_ = conn.Close()
		switch kind {
		case closeClean:
			clean = true
			terminal = isTerminal
			return
		case closeCancelled:
			return
		default:
			// Transport drop mid-stream: fall through to redial.
		}
	}
}

func (m *Manager) dial(ctx context.Context, taskID string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: m.handshakeTimeout,
	}
	url := fmt.Sprintf("%s/v1/tasks/%s/events", m.wsBaseURL, taskID)
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, &handshakeError{status: resp.StatusCode, cause: err}
		}
		return nil, err
	}
	return conn, nil
}

type handshakeError struct {
	status int
	cause  error
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("stream handshake rejected (status %d)", e.status)
}

func (e *handshakeError) Unwrap() error { return e.cause }

func classifyDialError(err error) reliability.FaultClass {
	var he *handshakeError
	if errors.As(err, &he) {
		return reliability.ClassifyHTTPStatus(he.status)
	}
	return reliability.ClassifyError(err)
}

type wireEvent struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type tokenData struct {
	Text string `json:"text"`
}

type statusData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type progressData struct {
	Text string `json:"text"`
}

type errorData struct {
	Message string `json:"message"`
}

// readLoop consumes events until the stream ends. It reports how the stream
// closed and whether the task reached a terminal status.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, taskID string) (closeKind, bool) {
	r := newWSReader(conn)
	defer r.stop()
	for {
		data, err := r.next(ctx)
		if err != nil {
			if reliability.ClassifyError(err) == reliability.FaultCancellation {
				m.acc.FlushFinal(taskID)
				return closeCancelled, false
			}
			return closeTransport, false
		}

		var evt wireEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("stream: undecodable event for task %s: %v", taskID, err)
			continue
		}

		switch tasks.EventType(evt.Type) {
		case tasks.EventToken:
			var d tokenData
			if err := json.Unmarshal(evt.Data, &d); err != nil || d.Text == "" {
				continue
			}
			m.acc.Accumulate(taskID, d.Text)

		case tasks.EventStatus:
			var d statusData
			if err := json.Unmarshal(evt.Data, &d); err != nil {
				continue
			}
			status := tasks.TaskStatus(d.Status)
			if isTerminalStatus(status) {
				// Commit buffered tokens before the terminal status
				// freezes the entry.
				m.acc.FlushFinal(taskID)
				m.cache.ApplyServerStatus(taskID, status, d.Message)
				m.clearSnapshot(taskID)
				return closeClean, true
			}
			m.cache.ApplyServerStatus(taskID, status, d.Message)

		case tasks.EventProgress:
			var d progressData
			if err := json.Unmarshal(evt.Data, &d); err != nil {
				continue
			}
			m.cache.SetProgress(taskID, d.Text)

		case tasks.EventError:
			var d errorData
			_ = json.Unmarshal(evt.Data, &d)
			if d.Message == "" {
				d.Message = "task failed"
			}
			if m.metrics != nil {
				m.metrics.StreamFaults.WithLabelValues("application").Inc()
			}
			m.acc.FlushFinal(taskID)
			m.cache.ApplyServerStatus(taskID, tasks.TaskStatusFailed, d.Message)
			m.clearSnapshot(taskID)
			return closeClean, true

		case tasks.EventStreamClosed:
			// End of stream: keep whatever terminal status was last known,
			// never invent one.
			m.acc.FlushFinal(taskID)
			t, ok := m.cache.Get(taskID)
			if ok && t.Terminal() {
				m.clearSnapshot(taskID)
				return closeClean, true
			}
			return closeClean, false

		default:
			// The event type set is open; unknown types are ignored.
		}
	}
}

func (m *Manager) clearSnapshot(taskID string) {
	if m.snaps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.snaps.Clear(ctx, taskID); err != nil {
		log.Printf("stream: snapshot clear failed for task %s: %v", taskID, err)
	}
}

func isTerminalStatus(s tasks.TaskStatus) bool {
	switch s {
	case tasks.TaskStatusCompleted, tasks.TaskStatusFailed, tasks.TaskStatusCancelled:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// wsReader pumps messages on a goroutine so reads stay cancellable through
// the connection's context. stop releases the pump even when the buffer is
// full and nobody is receiving anymore.
type wsReader struct {
	msgs chan []byte
	errs chan error
	done chan struct{}
}

func newWSReader(conn *websocket.Conn) *wsReader {
	r := &wsReader{
		msgs: make(chan []byte, 256),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(r.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				r.errs <- err
				return
			}
			select {
			case r.msgs <- data:
			case <-r.done:
				return
			}
		}
	}()
	return r
}

func (r *wsReader) stop() {
	close(r.done)
}

func (r *wsReader) next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-r.msgs:
		if !ok {
			select {
			case err := <-r.errs:
				if err != nil {
					return nil, err
				}
			default:
			}
			return nil, errors.New("stream connection closed")
		}
		return data, nil
	}
}
