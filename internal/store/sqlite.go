package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS contracts (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	body       BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	contract_id TEXT    NOT NULL REFERENCES contracts(id),
	sequence    INTEGER NOT NULL,
	type        TEXT    NOT NULL,
	created_at  TEXT    NOT NULL,
	body        BLOB    NOT NULL,
	PRIMARY KEY (contract_id, sequence)
);
CREATE TABLE IF NOT EXISTS memory_wipes (
	contract_id TEXT NOT NULL,
	section_id  TEXT NOT NULL,
	wiped_at    TEXT NOT NULL,
	PRIMARY KEY (contract_id, section_id)
);
`

// SQLite stores rooms in a single SQLite file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path in WAL mode and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the conditional insert relies on it.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) CreateContract(ctx context.Context, c model.Contract) error {
	body, err := encodeContract(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contracts(id, title, status, created_at, body) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Title, string(c.Status), formatTime(c.CreatedAt), body)
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contract %s: %w", c.ID, ErrExists)
	}
	return nil
}

func (s *SQLite) GetContract(ctx context.Context, id string) (model.Contract, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM contracts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Contract{}, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Contract{}, fmt.Errorf("failed to load contract: %w", err)
	}
	return decodeContract(body)
}

func (s *SQLite) ListContracts(ctx context.Context, limit, offset int) ([]model.Contract, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM contracts ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer rows.Close()

	var out []model.Contract
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		c, err := decodeContract(body)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendEntry(ctx context.Context, contractID string, entry model.Entry) error {
	if entry.Sequence == 0 {
		return fmt.Errorf("entry without sequence: %w", ErrConflict)
	}
	body, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(contract_id, sequence, type, created_at, body)
		 SELECT ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM contracts WHERE id = ?)
		   AND (SELECT COALESCE(MAX(sequence), 0) FROM entries WHERE contract_id = ?) = ?`,
		contractID, entry.Sequence, string(entry.Type), formatTime(entry.CreatedAt), body,
		contractID, contractID, entry.Sequence-1)
	if err != nil {
		return fmt.Errorf("failed to append entry %d: %w", entry.Sequence, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetContract(ctx, contractID); err != nil {
		return err
	}
	return fmt.Errorf("entry %d: %w", entry.Sequence, ErrConflict)
}

func (s *SQLite) LoadEntries(ctx context.Context, contractID string, after uint64) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM entries WHERE contract_id = ? AND sequence > ? ORDER BY sequence`, contractID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		e, err := decodeEntry(body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) WipeMemory(ctx context.Context, contractID, sectionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_wipes(contract_id, section_id, wiped_at) VALUES(?, ?, ?)
		 ON CONFLICT(contract_id, section_id) DO UPDATE SET wiped_at = excluded.wiped_at`,
		contractID, sectionID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to record wipe: %w", err)
	}
	return nil
}

func (s *SQLite) Wipes(ctx context.Context, contractID string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT section_id, wiped_at FROM memory_wipes WHERE contract_id = ?`, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wipes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var section, at string
		if err := rows.Scan(&section, &at); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("bad wipe time %q: %w", at, err)
		}
		out[section] = t
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
