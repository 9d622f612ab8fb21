package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is an immutable record of a privileged state change. Rows are only
// ever appended; nothing in this codebase updates or deletes them.
type Entry struct {
	ID           string          `json:"id"`
	ActorID      string          `json:"actor_id,omitempty"`
	ActorKind    string          `json:"actor_kind,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	IP           string          `json:"ip,omitempty"`
	Method       string          `json:"method,omitempty"`
	Outcome      string          `json:"outcome"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Outcome codes recorded per entry.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Filter narrows audit queries. Zero values mean "no constraint".
type Filter struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// Sink appends entries to durable storage.
type Sink interface {
	Append(ctx context.Context, entry *Entry) error
}

// Reader serves the read-only audit query surface.
type Reader interface {
	List(ctx context.Context, f Filter) ([]Entry, int, error)
}

// Snapshot marshals a before/after value for storage. Marshal failures are
// folded into a diagnostic payload instead of dropping the record.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"snapshot_error":"unserializable value"}`)
	}
	return data
}
