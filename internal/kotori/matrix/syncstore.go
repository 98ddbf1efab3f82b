package matrix

import (
	"context"
	"database/sql"
	"errors"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kotori/internal/kotori/store"
)

var _ mautrix.SyncStore = (*SyncStore)(nil)

// SyncStore persists the /sync position and a few per-user values in the
// matrix_sync_state table keyed by (user_id, key). Resuming from the saved
// next_batch token keeps old room history from being handled again after a
// restart.
type SyncStore struct {
	db store.Querier
}

// NewSyncStore returns a SyncStore over db.
func NewSyncStore(db store.Querier) *SyncStore {
	return &SyncStore{db: db}
}

func (s *SyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.Save(ctx, userID.String(), "filter_id", filterID)
}

func (s *SyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.Load(ctx, userID.String(), "filter_id")
}

func (s *SyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.Save(ctx, userID.String(), "next_batch", nextBatchToken)
}

func (s *SyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.Load(ctx, userID.String(), "next_batch")
}

// Save upserts one value.
func (s *SyncStore) Save(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value
	`, userID, key, value)
	return err
}

// Load returns ("", nil) when the value was never saved.
func (s *SyncStore) Load(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?
	`, userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
