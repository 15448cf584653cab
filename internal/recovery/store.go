package recovery

import (
	"context"
	"strings"
	"time"
)

// DefaultTTL is the snapshot freshness window. A snapshot older than this is
// treated as absent, never as an error.
const DefaultTTL = 5 * time.Minute

// Store keeps a short-lived external copy of in-flight streamed content so a
// process restart or page reload can resume mid-stream. Writes are
// overwrite-by-key only; no component reads, modifies, and writes back.
type Store interface {
	Save(ctx context.Context, taskID, partialContent string) error
	// Load returns the snapshot content and whether a fresh snapshot exists.
	Load(ctx context.Context, taskID string) (string, bool, error)
	Clear(ctx context.Context, taskID string) error
	Close() error
}

// NewStore picks the backing store. An empty database URL selects the
// in-memory store, which survives stream restarts within the process but not
// a process restart.
func NewStore(ctx context.Context, databaseURL string, ttl time.Duration) (Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(ttl), nil
	}
	return NewPostgresStore(ctx, databaseURL, ttl)
}
