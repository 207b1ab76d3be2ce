// Package retention manages per-record destruction schedules. Every
// PHI-bearing record gets a policy row keyed by (resource type, resource
// id); the sweep in internal/shred consumes policies whose scheduled
// time has passed and reports completion back here.
package retention

import (
	"context"
	"errors"
	"time"

	"clinivault.org/internal/record"
)

// Retention floors and defaults, in days. Clinical records are held for
// seven years by default and never less than six; note audio is
// short-lived working material with its own much lower floor.
const (
	MinimumClinicalRetentionDays = 2190
	DefaultClinicalRetentionDays = 2555

	MinimumAudioRetentionDays = 1
	DefaultAudioRetentionDays = 30
)

var (
	ErrNotFound         = errors.New("retention policy not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicatePolicy  = errors.New("retention policy already exists for resource")
	ErrAlreadyCompleted = errors.New("retention policy already completed")
)

// Policy schedules the destruction of one resource. ScheduledAt is
// always derived from CreatedAt plus the window, so editing the window
// recomputes the schedule from the original creation time rather than
// from the moment of the edit.
type Policy struct {
	ID           string
	ResourceType record.Kind
	ResourceID   string
	WindowDays   int
	Reason       string
	ScheduledAt  time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
}

// Completed reports whether the policy has reached its terminal state.
func (p *Policy) Completed() bool { return p.CompletedAt != nil }

// AudioStats summarizes note-audio retention for one owner, or for the
// whole system when unscoped.
type AudioStats struct {
	TotalAudioNotes      int64 `json:"total_audio_notes"`
	SecurelyDestroyed    int64 `json:"securely_destroyed"`
	PendingDeletion      int64 `json:"pending_deletion"`
	DefaultRetentionDays int   `json:"default_retention_days"`
}

// Totals feeds the compliance report.
type Totals struct {
	ActivePolicies     int64
	CompletedDeletions int64
}

// PolicyStore persists policies. Implementations must enforce the
// (resource_type, resource_id) uniqueness and return ErrDuplicatePolicy
// on violation; UpdateWindow and MarkCompleted must serialize writes to
// the same row.
type PolicyStore interface {
	Create(ctx context.Context, p *Policy) error
	Find(ctx context.Context, id string) (*Policy, error)
	FindByResource(ctx context.Context, kind record.Kind, resourceID string) (*Policy, error)
	// Due returns incomplete policies with ScheduledAt <= now. A zero
	// kind matches every resource type. The query never mutates.
	Due(ctx context.Context, kind record.Kind, now time.Time) ([]Policy, error)
	// UpdateWindow sets a new window and recomputes ScheduledAt from
	// CreatedAt, returning the policy before and after the change.
	UpdateWindow(ctx context.Context, id string, windowDays int) (old, updated *Policy, err error)
	// MarkCompleted stamps CompletedAt exactly once; a second call
	// returns ErrAlreadyCompleted without touching the row.
	MarkCompleted(ctx context.Context, id string, at time.Time, reason string) (*Policy, error)
	AudioStats(ctx context.Context, ownerID string) (AudioStats, error)
	Totals(ctx context.Context, since time.Time) (Totals, error)
}

// floorFor returns the minimum retention window for a resource kind.
func floorFor(kind record.Kind) int {
	if kind == record.KindNoteAudio {
		return MinimumAudioRetentionDays
	}
	return MinimumClinicalRetentionDays
}

// defaultFor returns the window applied when the caller gives none.
func defaultFor(kind record.Kind) int {
	if kind == record.KindNoteAudio {
		return DefaultAudioRetentionDays
	}
	return DefaultClinicalRetentionDays
}

// clampWindow normalizes a requested window against the kind's floor.
// Below-floor requests are raised to the floor rather than rejected, so
// a misconfigured caller can never shorten retention beneath compliance
// requirements. The second return reports whether clamping happened.
func clampWindow(kind record.Kind, days int) (int, bool) {
	if days <= 0 {
		return defaultFor(kind), false
	}
	if floor := floorFor(kind); days < floor {
		return floor, true
	}
	return days, false
}
