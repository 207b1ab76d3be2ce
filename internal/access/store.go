package access

import (
	"context"
	"time"
)

// UserStore describes the actor persistence the decision service and the
// login flow depend on. Implemented by internal/store/pg.
type UserStore interface {
	Find(ctx context.Context, id string) (*Actor, error)
	FindByUsername(ctx context.Context, username string) (*Actor, error)
	// RecordLoginFailure persists the incremented failure counter and, if
	// set, the lockout deadline.
	RecordLoginFailure(ctx context.Context, userID string, attempts int, lockedUntil *time.Time) error
	// ResetLoginFailures clears the failure counter and stamps the last
	// successful login.
	ResetLoginFailures(ctx context.Context, userID string, at time.Time) error
}

// MFAStore persists TOTP enrollments, one per user. Implemented by
// internal/store/pg.
type MFAStore interface {
	// FindMFA returns the user's enrollment or ErrNotFound.
	FindMFA(ctx context.Context, userID string) (*MFA, error)
	// SaveMFA inserts or replaces the user's enrollment.
	SaveMFA(ctx context.Context, m *MFA) error
}
