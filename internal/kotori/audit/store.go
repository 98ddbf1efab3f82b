package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bdobrica/Kotori/internal/kotori/store"
)

// ErrChainConflict is returned by Append when another writer appended to the
// chain between reading the head and inserting. The append can be retried.
var ErrChainConflict = errors.New("audit: chain head moved")

// DefaultTailLimit is used by Tail when limit is not positive.
const DefaultTailLimit = 50

// Store persists the chain in the audit_log table. It never updates or
// deletes rows.
type Store struct {
	db *store.Store
}

// NewStore returns a Store backed by db.
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

// Append links e to the current head of the chain and inserts it.
func (s *Store) Append(ctx context.Context, e Entry) (Record, error) {
	details, err := encodeDetails(e.Details)
	if err != nil {
		return Record{}, err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("audit: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	prev := GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("audit: read chain head: %w", err)
	}

	rec := Record{Entry: e, PreviousHash: prev, DetailsJSON: details}
	rec.Timestamp = normalizeTime(e.Timestamp)
	if rec.Hash, err = computeHash(rec); err != nil {
		return Record{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (ts, event_type, actor, resource_type, resource_id, action,
			details_json, ip_address, success, request_id, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Timestamp, string(rec.EventType), rec.Actor, rec.ResourceType, rec.ResourceID, rec.Action,
		details, rec.IPAddress, rec.Success, rec.RequestID, rec.PreviousHash, rec.Hash)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Record{}, fmt.Errorf("%w: %v", ErrChainConflict, err)
		}
		return Record{}, fmt.Errorf("audit: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if store.IsUniqueViolation(err) {
			return Record{}, fmt.Errorf("%w: %v", ErrChainConflict, err)
		}
		return Record{}, fmt.Errorf("audit: commit: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.Seq = id
	}
	return rec, nil
}

const selectColumns = `seq, ts, event_type, actor, resource_type, resource_id, action,
	details_json, ip_address, success, request_id, previous_hash, entry_hash`

// Tail returns the most recent limit entries, newest first.
func (s *Store) Tail(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultTailLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM audit_log
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: tail: %w", err)
	}
	return collect(rows)
}

// ByRequest returns every entry written for requestID in chain order.
func (s *Store) ByRequest(ctx context.Context, requestID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM audit_log
		WHERE request_id = ?
		ORDER BY seq ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("audit: by request: %w", err)
	}
	return collect(rows)
}

// VerifyReport is the outcome of Verify.
type VerifyReport struct {
	// Entries is the number of rows checked.
	Entries int
	// OK is true when every link and every hash matched.
	OK bool
	// BrokenAt is the seq of the first bad row, zero when OK.
	BrokenAt int64
	// Problem describes the first failure.
	Problem string
	// Head is the hash of the last row checked.
	Head string
}

// Verify walks the whole chain in order and recomputes every hash.
func (s *Store) Verify(ctx context.Context) (VerifyReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM audit_log ORDER BY seq ASC`)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("audit: verify: %w", err)
	}
	defer rows.Close()

	report := VerifyReport{OK: true}
	prev := GenesisHash
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return report, err
		}
		report.Entries++
		if rec.PreviousHash != prev {
			report.OK = false
			report.BrokenAt = rec.Seq
			report.Problem = fmt.Sprintf("previous_hash %q does not match %q", rec.PreviousHash, prev)
			return report, nil
		}
		want, err := computeHash(rec)
		if err != nil {
			return report, err
		}
		if want != rec.Hash {
			report.OK = false
			report.BrokenAt = rec.Seq
			report.Problem = "entry_hash does not match contents"
			return report, nil
		}
		prev = rec.Hash
		report.Head = rec.Hash
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("audit: verify: %w", err)
	}
	return report, nil
}

func collect(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec       Record
		eventType string
	)
	err := rows.Scan(&rec.Seq, &rec.Timestamp, &eventType, &rec.Actor, &rec.ResourceType,
		&rec.ResourceID, &rec.Action, &rec.DetailsJSON, &rec.IPAddress, &rec.Success,
		&rec.RequestID, &rec.PreviousHash, &rec.Hash)
	if err != nil {
		return Record{}, fmt.Errorf("audit: scan: %w", err)
	}
	rec.EventType = EventType(eventType)
	rec.Timestamp = normalizeTime(rec.Timestamp)
	if rec.DetailsJSON != "" && rec.DetailsJSON != "{}" {
		if err := json.Unmarshal([]byte(rec.DetailsJSON), &rec.Details); err != nil {
			return Record{}, fmt.Errorf("audit: decode details of seq %d: %w", rec.Seq, err)
		}
	}
	return rec, nil
}
