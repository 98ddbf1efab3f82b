// Package config holds Kotori's two kinds of settings: the process
// configuration read from the environment at start (Load), and a small
// persisted key/value store for knobs changed at runtime from chat, such as
// the active inference model.
//
// The runtime store is shared by every instance through the database, so a
// change made on one instance reaches the others on their next refresh.
// Credentials never go into it.
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/bdobrica/Kotori/internal/kotori/store"
)

var (
	// ErrNotFound is returned by Get when the requested key does not exist.
	ErrNotFound = errors.New("config: key not found")
	// ErrInvalidKey is returned for keys outside the dotted lower-case form
	// ("inference.model").
	ErrInvalidKey = errors.New("config: invalid key")
)

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Entry is one runtime setting.
type Entry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Store is the runtime configuration table. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set creates or overwrites key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key/value pair; never nil.
	List(ctx context.Context) (map[string]string, error)
	// Entries returns every setting ordered by key.
	Entries(ctx context.Context) ([]Entry, error)
}

type sqlStore struct {
	db  store.Querier
	now func() time.Time
}

// New returns a Store over the runtime_config table.
func New(db store.Querier) Store {
	return &sqlStore{db: db, now: time.Now}
}

func checkKey(key string) error {
	if len(key) > 128 || !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	var value string
	switch err := s.db.QueryRowContext(ctx,
		`SELECT value FROM runtime_config WHERE key = ?`, key).Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrNotFound
	case err != nil:
		return "", fmt.Errorf("config: get %s: %w", key, err)
	}
	return value, nil
}

func (s *sqlStore) Set(ctx context.Context, key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	const upsert = `
		INSERT INTO runtime_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, upsert, key, value, s.now().UTC()); err != nil {
		return fmt.Errorf("config: set %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runtime_config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("config: delete %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM runtime_config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("config: entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("config: entries: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) List(ctx context.Context) (map[string]string, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Key] = e.Value
	}
	return m, nil
}
