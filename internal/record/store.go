package record

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("record: not found")
	ErrInvalidInput = errors.New("record: invalid input")
)

// PatientStore provides the patient operations the compliance core needs.
// CRUD beyond this boundary lives with the surrounding application.
type PatientStore interface {
	Find(ctx context.Context, id string) (*Patient, error)
	// Delete removes the patient row. Dependent notes must already be gone;
	// the secure deletion engine owns that ordering.
	Delete(ctx context.Context, id string) error
}

// NoteStore provides the note operations the compliance core needs.
type NoteStore interface {
	Find(ctx context.Context, id string) (*Note, error)
	ListByPatient(ctx context.Context, patientID string) ([]Note, error)
	Delete(ctx context.Context, id string) error
	// ScheduleAudio sets the audio retention window and scheduled
	// destruction time on the note row.
	ScheduleAudio(ctx context.Context, noteID string, retentionDays int, scheduledAt time.Time) error
	// ClearAudio marks the audio as securely destroyed and drops the file
	// reference so later lookups resolve to not-found rather than a
	// dangling path.
	ClearAudio(ctx context.Context, noteID string, destroyedAt time.Time) error
}
