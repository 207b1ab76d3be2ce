package audit

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidInput = errors.New("audit: invalid input")

// Store persists audit trail entries. Append is strictly append-only.
type Store interface {
	Append(ctx context.Context, e *Event) error
	AppendLoginAttempt(ctx context.Context, a *LoginAttempt) error
	Query(ctx context.Context, f Filter) ([]Event, error)
	Totals(ctx context.Context, since time.Time) (Totals, error)
	// DeleteOlderThan removes rows past the audit retention window and
	// returns how many were removed. Callers must audit the removal
	// before invoking it.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
