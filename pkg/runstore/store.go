// Package runstore keeps a history of finished runs.
package runstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

// Record describes one finished run.
type Record struct {
	ID          string          `json:"id"`
	Agent       string          `json:"agent,omitempty"`
	Status      string          `json:"status"`
	Prompt      string          `json:"prompt"`
	Output      string          `json:"output,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Cursor      string          `json:"cursor,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Duration returns how long the run took.
func (r Record) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// SaveOption defines options for Save
type SaveOption func(*SaveOptions)

// SaveOptions contains configuration for Save
type SaveOptions struct {
	TTL time.Duration
}

// WithTTL makes a record expire after ttl.
func WithTTL(ttl time.Duration) SaveOption {
	return func(options *SaveOptions) {
		options.TTL = ttl
	}
}

func saveOptions(opts []SaveOption) SaveOptions {
	var o SaveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store defines the interface for run history backends.
type Store interface {
	// Save stores rec, replacing any record with the same ID.
	Save(ctx context.Context, rec Record, opts ...SaveOption) error

	// Get returns the record with the given ID.
	Get(ctx context.Context, id string) (Record, error)

	// List returns up to limit records, most recently started first. A
	// limit of zero or less returns every record.
	List(ctx context.Context, limit int) ([]Record, error)

	// CleanExpired removes expired records and returns how many it removed.
	CleanExpired(ctx context.Context) (int64, error)

	// Close releases resources used by the store.
	Close() error
}

// Open creates a store from a DSN: "memory", "sqlite:PATH",
// "redis:HOST:PORT" or a "redis://" URL.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, errors.WithFields(errors.Wrap(err, errors.InvalidInput, "invalid redis URL"), errors.Fields{"dsn": dsn})
		}
		return NewRedisStoreWithOptions(opts)
	case strings.HasPrefix(dsn, "redis:"):
		return NewRedisStore(strings.TrimPrefix(dsn, "redis:"), "", 0)
	}
	return nil, errors.WithFields(errors.New(errors.InvalidInput, "unsupported run store"), errors.Fields{"dsn": dsn})
}

func notFound(id string) error {
	return errors.WithFields(errors.New(errors.ResourceNotFound, "run not found"), errors.Fields{"run_id": id})
}
