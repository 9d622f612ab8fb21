package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"aurex.org/internal/ids"
	"aurex.org/internal/obs"
)

// Recorder routes best-effort audit events: entries not tied to a storage
// transaction (logins, denials, token refreshes). Privileged mutations do NOT
// go through Record: their entries ride in the same database transaction as
// the mutation, via the identity store.
//
// When the primary sink fails, the entry is escalated to the durable fallback
// and the operational counter is bumped. Silently discarding a failed audit
// write is not an option here.
type Recorder struct {
	sink     Sink
	fallback Sink
	now      func() time.Time
}

// NewRecorder wires the primary sink and the durable fallback.
func NewRecorder(sink, fallback Sink, opts ...RecorderOption) (*Recorder, error) {
	if sink == nil {
		return nil, errors.New("audit: primary sink is required")
	}
	if fallback == nil {
		return nil, errors.New("audit: fallback sink is required")
	}
	r := &Recorder{sink: sink, fallback: fallback, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RecorderOption configures Recorder behavior.
type RecorderOption func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// Record appends a best-effort entry. It never fails the caller's primary
// operation: a primary-sink error diverts the entry to the fallback sink and
// raises the alert counter. Only a double failure surfaces as an error.
func (r *Recorder) Record(ctx context.Context, entry *Entry) error {
	if entry == nil || strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit: entry action is required")
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.OccurredAt)
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
	}
	if err := r.sink.Append(ctx, entry); err != nil {
		obs.CountAuditFallback()
		obs.LogEvent("audit.sink.failed", map[string]any{
			"action": entry.Action,
			"error":  err.Error(),
		})
		if ferr := r.fallback.Append(ctx, entry); ferr != nil {
			return errors.Join(err, ferr)
		}
	}
	return nil
}
