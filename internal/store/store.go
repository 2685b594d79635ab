package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists applied config overrides and API keys in SQLite.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS model_overrides (
  model_id TEXT PRIMARY KEY,
  config_json TEXT NOT NULL,
  updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
  key_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  prefix TEXT NOT NULL,
  hashed_key TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  last_used_at DATETIME
);

CREATE INDEX IF NOT EXISTS api_keys_prefix ON api_keys(prefix);
`)
	return err
}

type Override struct {
	ModelID   string
	Config    map[string]any
	UpdatedAt time.Time
}

func (s *Store) UpsertOverride(ctx context.Context, modelID string, cfg map[string]any) error {
	if s.db == nil {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO model_overrides(model_id, config_json, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(model_id) DO UPDATE SET
  config_json=excluded.config_json,
  updated_at=excluded.updated_at;
`, modelID, string(raw), time.Now())
	return err
}

func (s *Store) DeleteOverride(ctx context.Context, modelID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM model_overrides WHERE model_id=?;", modelID)
	return err
}

func (s *Store) GetOverride(ctx context.Context, modelID string) (Override, bool, error) {
	if s.db == nil {
		return Override{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT model_id, config_json, updated_at FROM model_overrides WHERE model_id=?;
`, modelID)

	o, err := scanOverride(row)
	if err == sql.ErrNoRows {
		return Override{}, false, nil
	}
	if err != nil {
		return Override{}, false, err
	}
	return o, true, nil
}

func (s *Store) ListOverrides(ctx context.Context) ([]Override, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT model_id, config_json, updated_at FROM model_overrides ORDER BY model_id ASC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOverride(sc scanner) (Override, error) {
	var o Override
	var raw string
	if err := sc.Scan(&o.ModelID, &raw, &o.UpdatedAt); err != nil {
		return Override{}, err
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&o.Config); err != nil {
		return Override{}, fmt.Errorf("decode override for %s: %w", o.ModelID, err)
	}
	return o, nil
}

type APIKeyRecord struct {
	ID         string
	Name       string
	Prefix     string
	HashedKey  string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

func (s *Store) CreateAPIKey(ctx context.Context, record APIKeyRecord) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_keys(key_id, name, prefix, hashed_key, created_at)
VALUES(?, ?, ?, ?, ?);
`, record.ID, record.Name, record.Prefix, record.HashedKey, record.CreatedAt)
	return err
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT key_id, name, prefix, hashed_key, created_at, last_used_at
FROM api_keys ORDER BY created_at DESC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeys(rows)
}

// APIKeysByPrefix returns candidate records for a presented key.
func (s *Store) APIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT key_id, name, prefix, hashed_key, created_at, last_used_at
FROM api_keys WHERE prefix=?;
`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeys(rows)
}

func scanKeys(rows *sql.Rows) ([]APIKeyRecord, error) {
	var out []APIKeyRecord
	for rows.Next() {
		var r APIKeyRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Prefix, &r.HashedKey, &r.CreatedAt, &r.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM api_keys WHERE key_id=?;", id)
	return err
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at=? WHERE key_id=?;", time.Now(), id)
	return err
}
