package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinivault.org/internal/record"
)

// PatientStore is the PostgreSQL view over patients.
type PatientStore struct {
	db *sql.DB
}

var _ record.PatientStore = (*PatientStore)(nil)

func (s *Store) Patients() *PatientStore { return &PatientStore{db: s.db} }

func (s *PatientStore) Find(ctx context.Context, id string) (*record.Patient, error) {
	var p record.Patient
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, owner_id, first_name, last_name, date_of_birth,
			phone_number, email, address, city, state, zip_code, created_at, updated_at
		from patients where id=$1
	`, id).Scan(&p.ID, &p.TenantID, &p.OwnerID, &p.FirstName, &p.LastName, &p.DateOfBirth,
		&p.PhoneNumber, &p.Email, &p.Address, &p.City, &p.State, &p.ZipCode,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PatientStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from patients where id=$1`, id)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return record.ErrInvalidInput
		}
		return err
	}
	return requireRowAffected(res, record.ErrNotFound)
}

// NoteStore is the PostgreSQL view over notes.
type NoteStore struct {
	db *sql.DB
}

var _ record.NoteStore = (*NoteStore)(nil)

func (s *Store) Notes() *NoteStore { return &NoteStore{db: s.db} }

const noteColumns = `id, tenant_id, owner_id, patient_id, content, note_type,
	coalesce(audio_file,''), coalesce(audio_retention_days,0), audio_scheduled_at,
	audio_securely_destroyed, created_at, updated_at`

func (s *NoteStore) Find(ctx context.Context, id string) (*record.Note, error) {
	row := s.db.QueryRowContext(ctx, `select `+noteColumns+` from notes where id=$1`, id)
	return scanNote(row.Scan)
}

func (s *NoteStore) ListByPatient(ctx context.Context, patientID string) ([]record.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+noteColumns+` from notes where patient_id=$1 order by created_at asc
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []record.Note
	for rows.Next() {
		n, err := scanNote(rows.Scan)
		if err != nil {
			return nil, err
		}
		notes = append(notes, *n)
	}
	return notes, rows.Err()
}

func (s *NoteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from notes where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res, record.ErrNotFound)
}

func (s *NoteStore) ScheduleAudio(ctx context.Context, noteID string, retentionDays int, scheduledAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update notes
		set audio_retention_days=$2, audio_scheduled_at=$3, updated_at=now()
		where id=$1
	`, noteID, retentionDays, scheduledAt)
	if err != nil {
		return err
	}
	return requireRowAffected(res, record.ErrNotFound)
}

func (s *NoteStore) ClearAudio(ctx context.Context, noteID string, destroyedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update notes
		set audio_file=null, audio_securely_destroyed=true, audio_scheduled_at=$2, updated_at=now()
		where id=$1
	`, noteID, destroyedAt)
	if err != nil {
		return err
	}
	return requireRowAffected(res, record.ErrNotFound)
}

func scanNote(scan func(...any) error) (*record.Note, error) {
	var (
		n           record.Note
		scheduledAt sql.NullTime
	)
	err := scan(&n.ID, &n.TenantID, &n.OwnerID, &n.PatientID, &n.Content, &n.NoteType,
		&n.AudioFile, &n.AudioRetentionDays, &scheduledAt, &n.AudioSecurelyDestroyed,
		&n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.AudioScheduledAt = timePtr(scheduledAt)
	return &n, nil
}
