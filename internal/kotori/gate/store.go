package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/Kotori/internal/kotori/store"
)

// ThreatStore persists detections and blocks. Every instance of Kotori must
// see the same state, so implementations are backed by shared storage and
// never by process memory.
type ThreatStore interface {
	// Record appends one detection.
	Record(ctx context.Context, rec ThreatRecord) error
	// Score sums the level weights recorded for ip after since.
	Score(ctx context.Context, ip string, since time.Time) (float64, error)
	// IsBlocked reports whether ip has a block ending after now.
	IsBlocked(ctx context.Context, ip string, now time.Time) (bool, time.Time, error)
	// Block sets or extends a block. An existing later deadline is kept.
	Block(ctx context.Context, ip string, until time.Time, reason string) error
	// Unblock removes any block on ip.
	Unblock(ctx context.Context, ip string) error
	// Cleanup deletes expired blocks and records older than now-retention.
	Cleanup(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

// BlockLister is implemented by stores that can enumerate active blocks.
type BlockLister interface {
	ListBlocks(ctx context.Context, now time.Time) ([]Block, error)
}

// SQLThreatStore keeps threat state in the threat_records and ip_blocks
// tables.
type SQLThreatStore struct {
	db store.Querier
}

var _ ThreatStore = (*SQLThreatStore)(nil)

// NewSQLThreatStore returns a store backed by db.
func NewSQLThreatStore(db store.Querier) *SQLThreatStore {
	return &SQLThreatStore{db: db}
}

func (s *SQLThreatStore) Record(ctx context.Context, rec ThreatRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threat_records (source_ip, category, threat_level, weight, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.SourceIP, string(rec.Category), rec.Level.String(), rec.Level.Weight(), rec.Details, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("gate: record threat: %w", err)
	}
	return nil
}

func (s *SQLThreatStore) Score(ctx context.Context, ip string, since time.Time) (float64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(weight), 0)
		FROM threat_records
		WHERE source_ip = ? AND created_at > ?
	`, ip, since.UTC()).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("gate: score: %w", err)
	}
	return score, nil
}

func (s *SQLThreatStore) IsBlocked(ctx context.Context, ip string, now time.Time) (bool, time.Time, error) {
	var until time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT blocked_until FROM ip_blocks WHERE ip = ? AND blocked_until > ?
	`, ip, now.UTC()).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("gate: check block: %w", err)
	}
	return true, until, nil
}

// Block upserts the row and keeps whichever deadline is later, so two
// instances blocking the same source concurrently cannot shorten a block.
func (s *SQLThreatStore) Block(ctx context.Context, ip string, until time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_blocks (ip, blocked_until, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (ip) DO UPDATE SET
			blocked_until = CASE
				WHEN excluded.blocked_until > ip_blocks.blocked_until THEN excluded.blocked_until
				ELSE ip_blocks.blocked_until
			END,
			reason = excluded.reason
	`, ip, until.UTC(), reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("gate: block: %w", err)
	}
	return nil
}

func (s *SQLThreatStore) Unblock(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ip_blocks WHERE ip = ?`, ip); err != nil {
		return fmt.Errorf("gate: unblock: %w", err)
	}
	return nil
}

func (s *SQLThreatStore) Cleanup(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ip_blocks WHERE blocked_until <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("gate: cleanup blocks: %w", err)
	}
	blocks, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM threat_records WHERE created_at < ?`, now.Add(-retention).UTC())
	if err != nil {
		return blocks, fmt.Errorf("gate: cleanup records: %w", err)
	}
	records, _ := res.RowsAffected()
	return blocks + records, nil
}

// ListBlocks returns blocks still active at now, latest deadline first.
func (s *SQLThreatStore) ListBlocks(ctx context.Context, now time.Time) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, blocked_until, reason FROM ip_blocks
		WHERE blocked_until > ?
		ORDER BY blocked_until DESC
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("gate: list blocks: %w", err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.IP, &b.BlockedUntil, &b.Reason); err != nil {
			return nil, fmt.Errorf("gate: scan block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
