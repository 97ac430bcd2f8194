package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal persists events to SQLite
type Journal struct {
	db *sql.DB
	mu sync.RWMutex
}

// JournalFilter narrows a journal query
type JournalFilter struct {
	Type       EventType
	Generation uint64 // 0 = any
	Since      time.Time
	Limit      int
}

// OpenJournal opens (or creates) the journal at path. Use ":memory:" for tests.
func OpenJournal(path string) (*Journal, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		type TEXT NOT NULL,
		generation INTEGER NOT NULL,
		seq INTEGER DEFAULT 0,
		message TEXT DEFAULT '',
		fields TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Write implements Writer
func (j *Journal) Write(ctx context.Context, e Event) error {
	var fields string
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		fields = string(b)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (ts, type, generation, seq, message, fields)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Time.UTC(), string(e.Type), int64(e.Generation), int64(e.Seq), e.Message, fields)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Query returns events newest first
func (j *Journal) Query(ctx context.Context, f JournalFilter) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	query := `SELECT ts, type, generation, seq, message, fields FROM events WHERE 1=1`
	args := []any{}

	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if f.Generation > 0 {
		query += " AND generation = ?"
		args = append(args, int64(f.Generation))
	}
	if !f.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, f.Since.UTC())
	}

	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			typ      string
			gen, seq int64
			fields   string
		)
		if err := rows.Scan(&e.Time, &typ, &gen, &seq, &e.Message, &fields); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = EventType(typ)
		e.Generation = uint64(gen)
		e.Seq = uint64(seq)
		if fields != "" {
			if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode fields: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the number of stored events
func (j *Journal) Count(ctx context.Context) (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// Prune deletes events older than the cutoff
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}
