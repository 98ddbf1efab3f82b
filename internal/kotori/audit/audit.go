// Package audit records what the pipeline did, for whom, and with what
// outcome.
//
// Entries are append-only and hash-chained: each row stores the hash of the
// row before it, and its own hash covers the RFC 8785 canonical JSON of every
// other column. Verify recomputes the chain so tampering with or deleting a
// row in the middle is detectable.
//
// Callers use a Recorder. The production Recorder is *Log, which retries a
// failed append and, when retries are exhausted, logs the full entry at
// Error, counts it and forwards it to the Notifier. Record never returns an
// error to the caller.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// EventType groups entries for filtering.
type EventType string

const (
	EventSecurity         EventType = "security"
	EventCommandExecution EventType = "command_execution"
	EventApproval         EventType = "approval"
	EventParse            EventType = "parse"
	EventSystem           EventType = "system"
	EventConfigChange     EventType = "config_change"
)

// GenesisHash is the previous_hash of the first entry in a chain.
const GenesisHash = "genesis"

// Entry is one audit record as supplied by a caller.
type Entry struct {
	Timestamp    time.Time
	EventType    EventType
	Actor        string
	ResourceType string
	ResourceID   string
	Action       string
	Details      map[string]any
	IPAddress    string
	Success      bool
	RequestID    string
}

// Record is an Entry as stored, with its position in the chain.
type Record struct {
	Entry
	Seq          int64
	PreviousHash string
	Hash         string
	// DetailsJSON is the exact serialized form of Details that was hashed.
	DetailsJSON string
}

// Recorder accepts audit entries. Record must not block the caller beyond a
// bounded retry budget and must not drop an entry silently.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Discard is a Recorder that drops every entry. It is meant for tests and
// tools that run the pipeline without persistence.
type Discard struct{}

// Record does nothing.
func (Discard) Record(context.Context, Entry) {}

// hashInput is the canonical document an entry hash is computed over.
type hashInput struct {
	Timestamp    string          `json:"timestamp"`
	EventType    string          `json:"event_type"`
	Actor        string          `json:"actor"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Action       string          `json:"action"`
	Details      json.RawMessage `json:"details"`
	IPAddress    string          `json:"ip_address"`
	Success      bool            `json:"success"`
	RequestID    string          `json:"request_id"`
	PreviousHash string          `json:"previous_hash"`
}

// normalizeTime returns t in the form it survives a database round trip:
// UTC, microsecond precision.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// encodeDetails serializes details. A nil map is stored as {}.
func encodeDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("audit: encode details: %w", err)
	}
	return string(b), nil
}

// computeHash returns "sha256:<hex>" over the canonical JSON of r with the
// Hash field excluded.
func computeHash(r Record) (string, error) {
	details := r.DetailsJSON
	if details == "" {
		details = "{}"
	}
	raw, err := json.Marshal(hashInput{
		Timestamp:    normalizeTime(r.Timestamp).Format(time.RFC3339Nano),
		EventType:    string(r.EventType),
		Actor:        r.Actor,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Action:       r.Action,
		Details:      json.RawMessage(details),
		IPAddress:    r.IPAddress,
		Success:      r.Success,
		RequestID:    r.RequestID,
		PreviousHash: r.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("audit: marshal hash input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
