package runstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

// SQLiteStore implements Store using SQLite as the backend.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
	now  func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    agent TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    prompt TEXT NOT NULL DEFAULT '',
    output TEXT NOT NULL DEFAULT '',
    context TEXT,
    cursor TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    error_code TEXT NOT NULL DEFAULT '',
    started_at INTEGER NOT NULL,
    completed_at INTEGER NOT NULL,
    expires_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// NewSQLiteStore creates a SQLite-backed run store at path. If path is
// ":memory:", the database is created in memory and lives as long as the
// store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	connStr := path
	if path != ":memory:" {
		connStr += "?cache=shared"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to open SQLite database"),
			errors.Fields{"path": path},
		)
	}
	if path == ":memory:" {
		// Every connection would otherwise see its own database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.Unknown, "failed to enable WAL mode")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to initialize database"),
			errors.Fields{"path": path},
		)
	}
	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record, opts ...SaveOption) error {
	o := saveOptions(opts)
	var expires sql.NullInt64
	if o.TTL > 0 {
		expires = sql.NullInt64{Int64: s.now().Add(o.TTL).UnixNano(), Valid: true}
	}
	var rawContext sql.NullString
	if len(rec.Context) > 0 {
		rawContext = sql.NullString{String: string(rec.Context), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO runs
            (id, agent, status, prompt, output, context, cursor, error, error_code, started_at, completed_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Agent, rec.Status, rec.Prompt, rec.Output, rawContext, rec.Cursor,
		rec.Error, rec.ErrorCode, rec.StartedAt.UnixNano(), rec.CompletedAt.UnixNano(), expires,
	)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to store run in SQLite"),
			errors.Fields{"run_id": rec.ID},
		)
	}
	return nil
}

const selectRuns = `
    SELECT id, agent, status, prompt, output, context, cursor, error, error_code, started_at, completed_at
    FROM runs
    WHERE (expires_at IS NULL OR expires_at > ?)`

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectRuns+" AND id = ?", s.now().UnixNano(), id)
	rec, err := scanRecord(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound(id)
	}
	if err != nil {
		return Record{}, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to retrieve run"),
			errors.Fields{"run_id": id},
		)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+" ORDER BY started_at DESC LIMIT ?", s.now().UnixNano(), limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to list runs")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to scan run")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "error iterating rows")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec                Record
		rawContext         sql.NullString
		started, completed int64
	)
	err := row.Scan(&rec.ID, &rec.Agent, &rec.Status, &rec.Prompt, &rec.Output, &rawContext,
		&rec.Cursor, &rec.Error, &rec.ErrorCode, &started, &completed)
	if err != nil {
		return Record{}, err
	}
	if rawContext.Valid {
		rec.Context = []byte(rawContext.String)
	}
	rec.StartedAt = time.Unix(0, started)
	rec.CompletedAt = time.Unix(0, completed)
	return rec, nil
}

func (s *SQLiteStore) CleanExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM runs WHERE expires_at IS NOT NULL AND expires_at <= ?", s.now().UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, errors.Unknown, "failed to clean expired runs")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errors.Unknown, "failed to get affected rows count")
	}
	return affected, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to close database connection")
	}
	return nil
}
