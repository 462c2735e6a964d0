package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog stores the chain in a SQLite table.
type SQLiteLog struct {
	db *sql.DB
	chain
}

// OpenSQLite opens or creates the audit database at path.
func OpenSQLite(path string) (*SQLiteLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("audit: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases whole.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: wal mode: %w", err)
	}

	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	err = db.QueryRow(`SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&l.head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		db.Close()
		return nil, fmt.Errorf("audit: load chain head: %w", err)
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			id        TEXT NOT NULL UNIQUE,
			time      TEXT NOT NULL,
			kind      TEXT NOT NULL,
			action    TEXT NOT NULL DEFAULT '',
			token     TEXT NOT NULL DEFAULT '',
			detail    TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL,
			hash      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append implements Log.
func (l *SQLiteLog) Append(ctx context.Context, e Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e = l.seal(e)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, time, kind, action, token, detail, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.Format(time.RFC3339Nano), e.Kind, e.Action, e.Token, e.Detail, e.PrevHash, e.Hash)
	if err != nil {
		return Event{}, fmt.Errorf("audit: insert: %w", err)
	}
	l.head = e.Hash
	return e, nil
}

// Recent implements Log.
func (l *SQLiteLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, time, kind, action, token, detail, prev_hash, hash
		 FROM audit_events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e  Event
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Action, &e.Token, &e.Detail, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if e.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("audit: parse time %q: %w", ts, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close implements Log.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
