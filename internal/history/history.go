// Package history journals task runs for operator queries. It is
// observability data, separate from the task definition file: losing
// it never affects scheduling.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskbot/pkg/logx"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Run is one recorded callback invocation.
type Run struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Callback  string        `json:"callback,omitempty"`
	Kind      string        `json:"kind,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// Store persists runs. Implementations must tolerate concurrent
// Append and Recent calls.
type Store interface {
	Append(ctx context.Context, run Run) error
	Recent(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

// Options selects and configures the journal backend.
type Options struct {
	// Driver is "none", "file" or "sqlite".
	Driver string
	// Path is a directory for the file driver, a database file for
	// sqlite.
	Path        string
	BusyTimeout time.Duration
}

// Open constructs the configured Store. Driver "none" (or empty)
// returns a discarding store so callers never need nil checks.
func Open(opts Options, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "none":
		return nopStore{}, nil
	case "file":
		return newFileStore(opts.Path, log)
	case "sqlite":
		return newSQLiteStore(opts.Path, opts.BusyTimeout, log)
	default:
		return nil, fmt.Errorf("unknown history driver %q", opts.Driver)
	}
}

type nopStore struct{}

func (nopStore) Append(context.Context, Run) error          { return nil }
func (nopStore) Recent(context.Context, int) ([]Run, error) { return nil, nil }
func (nopStore) Close() error                               { return nil }
