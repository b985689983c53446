package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/runtime"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	stage_id   INTEGER NOT NULL DEFAULT 0,
	stage_name TEXT    NOT NULL DEFAULT '',
	stage_kind TEXT    NOT NULL DEFAULT '',
	time       TEXT    NOT NULL,
	iteration  INTEGER NOT NULL DEFAULT 0,
	elapsed    INTEGER NOT NULL DEFAULT 0,
	payload    TEXT    NOT NULL DEFAULT '{}',
	trace_id   TEXT    NOT NULL DEFAULT '',
	span_id    TEXT    NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_seq ON events (run_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_time ON events (time);
`

const eventColumns = `run_id, seq, kind, stage_id, stage_name, stage_kind, time, iteration, elapsed, payload, trace_id, span_id`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string, e.g. "file:events.db" or
	// ":memory:".
	DSN string

	// RetentionAge deletes events older than this (0 = keep).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per run (0 = keep all).
	RetentionCount int

	// PruneInterval is how often the pruner runs (default 1 hour).
	PruneInterval time.Duration

	// Clock drives the pruner and the age cutoff (default clockz.RealClock).
	Clock clockz.Clock
}

// SQLiteEventStore persists events in SQLite. The database runs in WAL
// mode so readers do not block the writer, and a background pruner applies
// the retention settings.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens, or creates, a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockz.RealClock
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop(cfg.Clock.NewTicker(cfg.PruneInterval))
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores an event. Appending the same (run, seq) twice replaces
// the earlier row.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID,
		event.Seq,
		string(event.Kind),
		uint32(event.StageID),
		event.StageName,
		string(event.StageKind),
		event.Time.UTC().Format(time.RFC3339Nano),
		event.Iteration,
		int64(event.Elapsed),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns the events of a run with Seq > afterSeq, at most limit of
// them when limit > 0.
func (s *SQLiteEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListKind returns every event of one kind across runs, oldest first.
func (s *SQLiteEventStore) ListKind(ctx context.Context, kind runtime.EventKind) ([]runtime.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE kind = ? ORDER BY time ASC, seq ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list kind: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a run (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- checked non-negative above
}

// RunIDs returns the distinct run IDs in sorted order.
func (s *SQLiteEventStore) RunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM events ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the pruner and closes the database. It is safe to call more
// than once.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		<-s.done
		return nil
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs one retention pass.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := s.cfg.Clock.Now().Add(-s.cfg.RetentionAge).UTC().Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE time < ?`, cutoff); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}
	if s.cfg.RetentionCount > 0 {
		// Rank rows per run newest first and drop the tail in one statement.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (PARTITION BY run_id ORDER BY seq DESC) AS rn
					FROM events
				) WHERE rn > ?
			)`, s.cfg.RetentionCount,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop(ticker clockz.Ticker) {
	defer close(s.done)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C():
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]runtime.Event, error) {
	var events []runtime.Event
	for rows.Next() {
		var (
			e           runtime.Event
			kind        string
			stageID     int64
			stageKind   string
			timeStr     string
			elapsedNano int64
			payloadJSON string
		)
		if err := rows.Scan(
			&e.RunID,
			&e.Seq,
			&kind,
			&stageID,
			&e.StageName,
			&stageKind,
			&timeStr,
			&e.Iteration,
			&elapsedNano,
			&payloadJSON,
			&e.TraceID,
			&e.SpanID,
		); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}

		e.Kind = runtime.EventKind(kind)
		e.StageID = core.StageID(stageID) // #nosec G115 -- stored from a uint32
		e.StageKind = core.Kind(stageKind)
		e.Elapsed = time.Duration(elapsedNano)

		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		e.Time = t

		e.Payload = map[string]any{}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
