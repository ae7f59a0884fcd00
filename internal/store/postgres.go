package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	entry_key   TEXT PRIMARY KEY,
	entry_value BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresStore implements Store on a single key/value table.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the backing table if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, kvSchema); err != nil {
		return fmt.Errorf("create kv_entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `SELECT entry_value FROM kv_entries WHERE entry_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO kv_entries (entry_key, entry_value)
		VALUES ($1, $2)
		ON CONFLICT (entry_key) DO UPDATE SET
			entry_value = EXCLUDED.entry_value,
			updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) SetNX(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO kv_entries (entry_key, entry_value)
		VALUES ($1, $2)
		ON CONFLICT (entry_key) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, key, value)
	if err != nil {
		return fmt.Errorf("setnx %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setnx %s rows affected: %w", key, err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE entry_key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([][]byte, error) {
	query := `
		SELECT entry_value
		FROM kv_entries
		WHERE entry_key LIKE $1 ESCAPE '\'
		ORDER BY created_at ASC, entry_key ASC
	`
	var values [][]byte
	if err := s.db.SelectContext(ctx, &values, query, escapeLike(prefix)+"%"); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return values, nil
}

func (s *PostgresStore) Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update %s: %w", key, err)
	}
	defer tx.Rollback()

	var current []byte
	err = tx.GetContext(ctx, &current, `SELECT entry_value FROM kv_entries WHERE entry_key = $1 FOR UPDATE`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE kv_entries SET entry_value = $2, updated_at = NOW() WHERE entry_key = $1`, key, next)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", key, err)
	}
	return next, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
