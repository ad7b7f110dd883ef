package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/negotiation-room/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS contracts (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	body       JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	contract_id TEXT   NOT NULL REFERENCES contracts(id),
	sequence    BIGINT NOT NULL,
	type        TEXT   NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	body        JSONB  NOT NULL,
	PRIMARY KEY (contract_id, sequence)
);
CREATE TABLE IF NOT EXISTS memory_wipes (
	contract_id TEXT NOT NULL,
	section_id  TEXT NOT NULL,
	wiped_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (contract_id, section_id)
);
`

// Postgres stores rooms in PostgreSQL through a pgx pool.
type Postgres struct {
	DB *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Postgres{DB: pool}, nil
}

func (s *Postgres) CreateContract(ctx context.Context, c model.Contract) error {
	body, err := encodeContract(c)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx,
		`INSERT INTO contracts(id, title, status, created_at, body) VALUES($1, $2, $3, $4, $5::jsonb)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.Title, string(c.Status), c.CreatedAt, string(body))
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %s: %w", c.ID, ErrExists)
	}
	return nil
}

func (s *Postgres) GetContract(ctx context.Context, id string) (model.Contract, error) {
	var body []byte
	err := s.DB.QueryRow(ctx, `SELECT body FROM contracts WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Contract{}, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Contract{}, fmt.Errorf("failed to load contract: %w", err)
	}
	return decodeContract(body)
}

func (s *Postgres) ListContracts(ctx context.Context, limit, offset int) ([]model.Contract, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.DB.Query(ctx,
		`SELECT body FROM contracts ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
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

func (s *Postgres) AppendEntry(ctx context.Context, contractID string, entry model.Entry) error {
	if entry.Sequence == 0 {
		return fmt.Errorf("entry without sequence: %w", ErrConflict)
	}
	body, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx,
		`INSERT INTO entries(contract_id, sequence, type, created_at, body)
		 SELECT $1, $2, $3, $4, $5::jsonb
		 WHERE EXISTS (SELECT 1 FROM contracts WHERE id = $1)
		   AND (SELECT COALESCE(MAX(sequence), 0) FROM entries WHERE contract_id = $1) = $6
		 ON CONFLICT (contract_id, sequence) DO NOTHING`,
		contractID, int64(entry.Sequence), string(entry.Type), entry.CreatedAt, string(body), int64(entry.Sequence)-1)
	if err != nil {
		return fmt.Errorf("failed to append entry %d: %w", entry.Sequence, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetContract(ctx, contractID); err != nil {
		return err
	}
	return fmt.Errorf("entry %d: %w", entry.Sequence, ErrConflict)
}

func (s *Postgres) LoadEntries(ctx context.Context, contractID string, after uint64) ([]model.Entry, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT body FROM entries WHERE contract_id = $1 AND sequence > $2 ORDER BY sequence`, contractID, int64(after))
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

func (s *Postgres) WipeMemory(ctx context.Context, contractID, sectionID string) error {
	_, err := s.DB.Exec(ctx,
		`INSERT INTO memory_wipes(contract_id, section_id, wiped_at) VALUES($1, $2, now())
		 ON CONFLICT (contract_id, section_id) DO UPDATE SET wiped_at = now()`,
		contractID, sectionID)
	if err != nil {
		return fmt.Errorf("failed to record wipe: %w", err)
	}
	return nil
}

func (s *Postgres) Wipes(ctx context.Context, contractID string) (map[string]time.Time, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT section_id, wiped_at FROM memory_wipes WHERE contract_id = $1`, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wipes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var section string
		var at time.Time
		if err := rows.Scan(&section, &at); err != nil {
			return nil, err
		}
		out[section] = at
	}
	return out, rows.Err()
}

func (s *Postgres) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Postgres) Close() error {
	s.DB.Close()
	return nil
}
