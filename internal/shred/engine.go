package shred

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"clinivault.org/internal/audit"
	"clinivault.org/internal/obs"
	"clinivault.org/internal/record"
	"clinivault.org/internal/retention"
)

// Trigger records what started a sweep. Manual destruction is audited
// at a higher severity than the expected scheduled kind.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// AuditRetentionDays bounds how long audit rows themselves are kept.
const AuditRetentionDays = 2555

// SweepResult summarizes one sweep run. Errors holds one entry per
// failed resource; a non-empty list does not mean the sweep aborted.
type SweepResult struct {
	PatientsDeleted int      `json:"patients_deleted"`
	NotesDeleted    int      `json:"notes_deleted"`
	AudioDeleted    int      `json:"audio_deleted"`
	AuditTrimmed    int64    `json:"audit_trimmed"`
	Errors          []string `json:"errors,omitempty"`
}

// Engine resolves due retention policies into irreversible deletions.
type Engine struct {
	policies *retention.Manager
	patients record.PatientStore
	notes    record.NoteStore
	trail    audit.Store
	rec      *audit.Recorder
	shredder *Shredder
	audioDir string
	log      *zap.Logger
	now      func() time.Time
}

// EngineOption tweaks Engine construction.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source, for tests.
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) { e.now = fn }
}

// WithShredder overrides the file shredder.
func WithShredder(s *Shredder) EngineOption {
	return func(e *Engine) { e.shredder = s }
}

// NewEngine builds an Engine. audioDir anchors relative audio file
// references on disk.
func NewEngine(policies *retention.Manager, patients record.PatientStore, notes record.NoteStore, trail audit.Store, rec *audit.Recorder, audioDir string, opts ...EngineOption) (*Engine, error) {
	if policies == nil || patients == nil || notes == nil || trail == nil || rec == nil {
		return nil, errors.New("shred: missing dependency")
	}
	e := &Engine{
		policies: policies,
		patients: patients,
		notes:    notes,
		trail:    trail,
		rec:      rec,
		shredder: NewShredder(DefaultPasses),
		audioDir: audioDir,
		log:      obs.Logger().Named("shred"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunSweep processes every due policy once. Single-resource failures
// are collected and audited without stopping the sweep, so a partial
// run can simply be re-triggered. Overlapping sweeps are safe: a
// policy completed by a concurrent run is skipped here.
func (e *Engine) RunSweep(ctx context.Context, trigger Trigger) (*SweepResult, error) {
	due, err := e.policies.DueForDestruction(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("shred: list due policies: %w", err)
	}

	res := &SweepResult{}
	for i := range due {
		p := &due[i]
		if err := e.destroy(ctx, p, trigger, res); err != nil {
			e.fail(ctx, p, err, res)
		}
	}

	trimmed, err := e.trimAuditTrail(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("audit trim: %v", err))
		obs.SweepErrors.Inc()
	}
	res.AuditTrimmed = trimmed

	e.log.Info("sweep finished",
		zap.String("trigger", string(trigger)),
		zap.Int("due", len(due)),
		zap.Int("patients_deleted", res.PatientsDeleted),
		zap.Int("notes_deleted", res.NotesDeleted),
		zap.Int("audio_deleted", res.AudioDeleted),
		zap.Int64("audit_trimmed", res.AuditTrimmed),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

func (e *Engine) destroy(ctx context.Context, p *retention.Policy, trigger Trigger, res *SweepResult) error {
	switch p.ResourceType {
	case record.KindNoteAudio:
		return e.destroyAudio(ctx, p, trigger, res)
	case record.KindNote:
		return e.destroyNote(ctx, p, trigger, res)
	case record.KindPatient:
		return e.destroyPatient(ctx, p, trigger, res)
	default:
		return fmt.Errorf("unsupported resource type %q", p.ResourceType)
	}
}

func (e *Engine) destroyAudio(ctx context.Context, p *retention.Policy, trigger Trigger, res *SweepResult) error {
	note, err := e.notes.Find(ctx, p.ResourceID)
	if errors.Is(err, record.ErrNotFound) {
		return e.complete(ctx, p, "resource already absent")
	}
	if err != nil {
		return fmt.Errorf("find note: %w", err)
	}
	if note.AudioFile == "" || note.AudioSecurelyDestroyed {
		return e.complete(ctx, p, "audio already cleared")
	}

	if err := e.shredder.Shred(e.audioPath(note.AudioFile)); err != nil {
		return err
	}
	if err := e.notes.ClearAudio(ctx, note.ID, e.now().UTC()); err != nil {
		return fmt.Errorf("clear audio reference: %w", err)
	}

	e.auditDeletion(ctx, trigger, record.KindNoteAudio, note.ID, note.PatientID,
		fmt.Sprintf("audio file securely destroyed after %d passes", e.shredder.passes))
	res.AudioDeleted++
	obs.SweepDeletions.WithLabelValues(string(record.KindNoteAudio)).Inc()
	return e.complete(ctx, p, "audio securely destroyed")
}

func (e *Engine) destroyNote(ctx context.Context, p *retention.Policy, trigger Trigger, res *SweepResult) error {
	note, err := e.notes.Find(ctx, p.ResourceID)
	if errors.Is(err, record.ErrNotFound) {
		return e.complete(ctx, p, "resource already absent")
	}
	if err != nil {
		return fmt.Errorf("find note: %w", err)
	}
	if err := e.deleteNote(ctx, note, trigger, res); err != nil {
		return err
	}
	return e.complete(ctx, p, "note retention expired")
}

func (e *Engine) destroyPatient(ctx context.Context, p *retention.Policy, trigger Trigger, res *SweepResult) error {
	patient, err := e.patients.Find(ctx, p.ResourceID)
	if errors.Is(err, record.ErrNotFound) {
		return e.complete(ctx, p, "resource already absent")
	}
	if err != nil {
		return fmt.Errorf("find patient: %w", err)
	}

	// Dependent notes go first so a failure mid-cascade never leaves a
	// deleted patient with orphaned clinical content.
	notes, err := e.notes.ListByPatient(ctx, patient.ID)
	if err != nil {
		return fmt.Errorf("list notes: %w", err)
	}
	for i := range notes {
		if err := e.deleteNote(ctx, &notes[i], trigger, res); err != nil {
			return fmt.Errorf("cascade note %s: %w", notes[i].ID, err)
		}
	}

	e.auditDeletion(ctx, trigger, record.KindPatient, patient.ID, patient.ID,
		"patient record destroyed by retention sweep")
	if err := e.patients.Delete(ctx, patient.ID); err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	res.PatientsDeleted++
	obs.SweepDeletions.WithLabelValues(string(record.KindPatient)).Inc()
	return e.complete(ctx, p, "patient retention expired")
}

// deleteNote audits then deletes one note, shredding any attached audio
// first.
func (e *Engine) deleteNote(ctx context.Context, note *record.Note, trigger Trigger, res *SweepResult) error {
	if note.AudioFile != "" && !note.AudioSecurelyDestroyed {
		if err := e.shredder.Shred(e.audioPath(note.AudioFile)); err != nil {
			return err
		}
		res.AudioDeleted++
		obs.SweepDeletions.WithLabelValues(string(record.KindNoteAudio)).Inc()
	}
	e.auditDeletion(ctx, trigger, record.KindNote, note.ID, note.PatientID,
		"note destroyed by retention sweep")
	if err := e.notes.Delete(ctx, note.ID); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	res.NotesDeleted++
	obs.SweepDeletions.WithLabelValues(string(record.KindNote)).Inc()
	return nil
}

// trimAuditTrail removes audit rows past their own retention window.
// The removal is itself audited before any row is touched.
func (e *Engine) trimAuditTrail(ctx context.Context) (int64, error) {
	cutoff := e.now().UTC().AddDate(0, 0, -AuditRetentionDays)
	e.rec.Record(ctx, audit.Event{
		ActorID:      audit.SystemActor.ID,
		ActorName:    audit.SystemActor.Name,
		Action:       audit.ActionDelete,
		Severity:     audit.SeverityMedium,
		ResourceType: string(record.KindAuditLog),
		Description:  fmt.Sprintf("trimming audit events older than %s", cutoff.Format(time.RFC3339)),
		Success:      true,
	})
	return e.trail.DeleteOlderThan(ctx, cutoff)
}

// complete marks the policy done, tolerating a concurrent sweep having
// beaten us to it.
func (e *Engine) complete(ctx context.Context, p *retention.Policy, reason string) error {
	_, err := e.policies.MarkCompleted(ctx, p.ID, reason)
	if errors.Is(err, retention.ErrAlreadyCompleted) {
		return nil
	}
	return err
}

func (e *Engine) fail(ctx context.Context, p *retention.Policy, err error, res *SweepResult) {
	msg := fmt.Sprintf("%s/%s: %v", p.ResourceType, p.ResourceID, err)
	res.Errors = append(res.Errors, msg)
	obs.SweepErrors.Inc()
	e.rec.Record(ctx, audit.Event{
		ActorID:      audit.SystemActor.ID,
		ActorName:    audit.SystemActor.Name,
		Action:       audit.ActionDelete,
		Severity:     audit.SeverityHigh,
		ResourceType: string(p.ResourceType),
		ResourceID:   p.ResourceID,
		Description:  "retention sweep deletion failed",
		Success:      false,
		ErrorDetail:  err.Error(),
	})
	e.log.Error("sweep deletion failed",
		zap.String("policy_id", p.ID),
		zap.String("resource_type", string(p.ResourceType)),
		zap.String("resource_id", p.ResourceID),
		zap.Error(err))
}

func (e *Engine) auditDeletion(ctx context.Context, trigger Trigger, kind record.Kind, resourceID, patientID, desc string) {
	severity := audit.SeverityMedium
	if trigger == TriggerManual {
		severity = audit.SeverityHigh
	}
	e.rec.Record(ctx, audit.Event{
		ActorID:      audit.SystemActor.ID,
		ActorName:    audit.SystemActor.Name,
		Action:       audit.ActionDelete,
		Severity:     severity,
		ResourceType: string(kind),
		ResourceID:   resourceID,
		PatientID:    patientID,
		Description:  desc,
		Success:      true,
	})
}

// audioPath anchors relative audio references under the configured
// audio directory; absolute references pass through untouched.
func (e *Engine) audioPath(ref string) string {
	if filepath.IsAbs(ref) || e.audioDir == "" {
		return ref
	}
	return filepath.Join(e.audioDir, ref)
}
