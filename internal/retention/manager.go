package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"clinivault.org/internal/audit"
	"clinivault.org/internal/ids"
	"clinivault.org/internal/obs"
	"clinivault.org/internal/record"
)

// Manager owns the policy lifecycle. Every mutation it performs is
// audited through the recorder; read paths are side-effect free.
type Manager struct {
	policies PolicyStore
	notes    record.NoteStore
	rec      *audit.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// ManagerOption tweaks Manager construction.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source, for tests.
func WithManagerClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = fn }
}

// NewManager builds a Manager. The note store may be nil when the
// caller never uses the audio-specific operations.
func NewManager(policies PolicyStore, notes record.NoteStore, rec *audit.Recorder, opts ...ManagerOption) (*Manager, error) {
	if policies == nil {
		return nil, errors.New("retention: nil policy store")
	}
	if rec == nil {
		return nil, errors.New("retention: nil audit recorder")
	}
	m := &Manager{
		policies: policies,
		notes:    notes,
		rec:      rec,
		log:      obs.Logger().Named("retention"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreatePolicy registers a destruction schedule for a resource. A zero
// windowDays selects the kind's default; below-floor windows are raised
// to the floor. The creation is always audited, with a note when the
// requested window was clamped.
func (m *Manager) CreatePolicy(ctx context.Context, actor audit.ActorRef, kind record.Kind, resourceID string, windowDays int, reason string) (*Policy, error) {
	resourceID = strings.TrimSpace(resourceID)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, kind)
	}
	if resourceID == "" {
		return nil, fmt.Errorf("%w: empty resource id", ErrInvalidInput)
	}

	requested := windowDays
	windowDays, clamped := clampWindow(kind, windowDays)

	now := m.now().UTC()
	p := &Policy{
		ID:           ids.New(),
		ResourceType: kind,
		ResourceID:   resourceID,
		WindowDays:   windowDays,
		Reason:       strings.TrimSpace(reason),
		ScheduledAt:  now.AddDate(0, 0, windowDays),
		CreatedAt:    now,
	}
	if err := m.policies.Create(ctx, p); err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("retention policy created: %s/%s held %d days", kind, resourceID, windowDays)
	if clamped {
		desc = fmt.Sprintf("%s (requested %d raised to compliance floor)", desc, requested)
	}
	m.rec.Record(ctx, audit.Event{
		ActorID:      actor.ID,
		ActorName:    actor.Name,
		Action:       audit.ActionCreate,
		Severity:     audit.SeverityLow,
		ResourceType: "retention_policy",
		ResourceID:   p.ID,
		Description:  desc,
		Success:      true,
	})
	return p, nil
}

// DueForDestruction lists incomplete policies whose scheduled time has
// passed. It only reads, so overlapping sweeps may call it freely.
func (m *Manager) DueForDestruction(ctx context.Context, kind record.Kind) ([]Policy, error) {
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, kind)
	}
	return m.policies.Due(ctx, kind, m.now().UTC())
}

// UpdateWindow changes a policy's retention window. The schedule is
// recomputed from the policy's creation time, so shortening a window
// can make it immediately due. Old and new values are audited.
func (m *Manager) UpdateWindow(ctx context.Context, actor audit.ActorRef, policyID string, windowDays int) (*Policy, error) {
	if policyID == "" {
		return nil, fmt.Errorf("%w: empty policy id", ErrInvalidInput)
	}
	current, err := m.policies.Find(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if current.Completed() {
		return nil, ErrAlreadyCompleted
	}

	requested := windowDays
	windowDays, clamped := clampWindow(current.ResourceType, windowDays)

	old, updated, err := m.policies.UpdateWindow(ctx, policyID, windowDays)
	if err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("retention window changed: %d -> %d days, destruction %s -> %s",
		old.WindowDays, updated.WindowDays,
		old.ScheduledAt.Format(time.RFC3339), updated.ScheduledAt.Format(time.RFC3339))
	if clamped {
		desc = fmt.Sprintf("%s (requested %d raised to compliance floor)", desc, requested)
	}
	m.rec.Record(ctx, audit.Event{
		ActorID:      actor.ID,
		ActorName:    actor.Name,
		Action:       audit.ActionUpdate,
		Severity:     audit.SeverityMedium,
		ResourceType: "retention_policy",
		ResourceID:   policyID,
		Description:  desc,
		Success:      true,
	})
	return updated, nil
}

// MarkCompleted stamps a policy's terminal state. Completion is
// write-once: a repeat call is a no-op logged as an anomaly, not an
// error surfaced to the sweep, because overlapping sweeps legitimately
// race to complete the same policy.
func (m *Manager) MarkCompleted(ctx context.Context, policyID, reason string) (*Policy, error) {
	p, err := m.policies.MarkCompleted(ctx, policyID, m.now().UTC(), reason)
	if errors.Is(err, ErrAlreadyCompleted) {
		m.log.Warn("policy already completed",
			zap.String("policy_id", policyID),
			zap.String("reason", reason))
		return nil, err
	}
	return p, err
}

// ScheduleAudioDeletion schedules a note's audio file for secure
// destruction. The note row carries the schedule for quick reads and a
// note_audio policy drives the sweep; both are kept in step here.
func (m *Manager) ScheduleAudioDeletion(ctx context.Context, actor audit.ActorRef, noteID string, retentionDays int) (*Policy, error) {
	if m.notes == nil {
		return nil, errors.New("retention: note store not configured")
	}
	note, err := m.notes.Find(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if note.AudioFile == "" {
		return nil, fmt.Errorf("%w: note %s has no audio file", ErrInvalidInput, noteID)
	}
	if note.AudioSecurelyDestroyed {
		return nil, fmt.Errorf("%w: note %s audio already destroyed", ErrInvalidInput, noteID)
	}

	p, err := m.CreatePolicy(ctx, actor, record.KindNoteAudio, noteID, retentionDays, "audio retention schedule")
	if errors.Is(err, ErrDuplicatePolicy) {
		existing, findErr := m.policies.FindByResource(ctx, record.KindNoteAudio, noteID)
		if findErr != nil {
			return nil, findErr
		}
		p, err = m.UpdateWindow(ctx, actor, existing.ID, retentionDays)
	}
	if err != nil {
		return nil, err
	}

	if err := m.notes.ScheduleAudio(ctx, noteID, p.WindowDays, p.ScheduledAt); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateAudioRetention changes the audio window on an already scheduled
// note, keeping note row and policy in step.
func (m *Manager) UpdateAudioRetention(ctx context.Context, actor audit.ActorRef, noteID string, retentionDays int) (*Policy, error) {
	if m.notes == nil {
		return nil, errors.New("retention: note store not configured")
	}
	existing, err := m.policies.FindByResource(ctx, record.KindNoteAudio, noteID)
	if err != nil {
		return nil, err
	}
	updated, err := m.UpdateWindow(ctx, actor, existing.ID, retentionDays)
	if err != nil {
		return nil, err
	}
	if err := m.notes.ScheduleAudio(ctx, noteID, updated.WindowDays, updated.ScheduledAt); err != nil {
		return nil, err
	}
	return updated, nil
}

// Stats reports audio retention counters, scoped to one owner when
// ownerID is non-empty.
func (m *Manager) Stats(ctx context.Context, ownerID string) (AudioStats, error) {
	stats, err := m.policies.AudioStats(ctx, ownerID)
	if err != nil {
		return AudioStats{}, err
	}
	stats.DefaultRetentionDays = DefaultAudioRetentionDays
	return stats, nil
}

// Totals feeds the compliance report with policy counts.
func (m *Manager) Totals(ctx context.Context, since time.Time) (Totals, error) {
	return m.policies.Totals(ctx, since)
}
