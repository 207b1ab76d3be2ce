package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinivault.org/internal/record"
	"clinivault.org/internal/retention"
)

// PolicyStore is the PostgreSQL view over retention_policies.
type PolicyStore struct {
	db *sql.DB
}

var _ retention.PolicyStore = (*PolicyStore)(nil)

func (s *Store) Policies() *PolicyStore { return &PolicyStore{db: s.db} }

const policyColumns = `id, resource_type, resource_id, window_days, reason, scheduled_at, completed_at, created_at`

func (s *PolicyStore) Create(ctx context.Context, p *retention.Policy) error {
	_, err := s.db.ExecContext(ctx, `
		insert into retention_policies (id, resource_type, resource_id, window_days, reason, scheduled_at, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, p.ID, string(p.ResourceType), p.ResourceID, p.WindowDays, p.Reason, p.ScheduledAt, p.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return retention.ErrDuplicatePolicy
	}
	return err
}

func (s *PolicyStore) Find(ctx context.Context, id string) (*retention.Policy, error) {
	row := s.db.QueryRowContext(ctx, `select `+policyColumns+` from retention_policies where id=$1`, id)
	return scanPolicy(row.Scan)
}

func (s *PolicyStore) FindByResource(ctx context.Context, kind record.Kind, resourceID string) (*retention.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+policyColumns+` from retention_policies
		where resource_type=$1 and resource_id=$2
	`, string(kind), resourceID)
	return scanPolicy(row.Scan)
}

func (s *PolicyStore) Due(ctx context.Context, kind record.Kind, now time.Time) ([]retention.Policy, error) {
	q := `select ` + policyColumns + ` from retention_policies
		where completed_at is null and scheduled_at <= $1`
	args := []any{now}
	if kind != "" {
		q += ` and resource_type = $2`
		args = append(args, string(kind))
	}
	q += ` order by scheduled_at asc`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []retention.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		due = append(due, *p)
	}
	return due, rows.Err()
}

// UpdateWindow recomputes the schedule from the row's created_at inside
// a transaction holding a row lock, so concurrent edits to the same
// policy serialize and the last committed write wins.
func (s *PolicyStore) UpdateWindow(ctx context.Context, id string, windowDays int) (*retention.Policy, *retention.Policy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+policyColumns+` from retention_policies where id=$1 for update`, id)
	old, err := scanPolicy(row.Scan)
	if err != nil {
		return nil, nil, err
	}
	if old.Completed() {
		return nil, nil, retention.ErrAlreadyCompleted
	}

	row = tx.QueryRowContext(ctx, `
		update retention_policies
		set window_days=$2, scheduled_at=created_at + make_interval(days => $2)
		where id=$1
		returning `+policyColumns+`
	`, id, windowDays)
	updated, err := scanPolicy(row.Scan)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return old, updated, nil
}

// MarkCompleted stamps completion only when the row is still open; a
// zero-row update means someone else completed it first.
func (s *PolicyStore) MarkCompleted(ctx context.Context, id string, at time.Time, reason string) (*retention.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		update retention_policies
		set completed_at=$2, reason=$3
		where id=$1 and completed_at is null
		returning `+policyColumns+`
	`, id, at, reason)
	p, err := scanPolicy(row.Scan)
	if errors.Is(err, retention.ErrNotFound) {
		// Distinguish a missing row from an already terminal one.
		var exists bool
		if checkErr := s.db.QueryRowContext(ctx,
			`select exists(select 1 from retention_policies where id=$1)`, id).Scan(&exists); checkErr != nil {
			return nil, checkErr
		}
		if exists {
			return nil, retention.ErrAlreadyCompleted
		}
		return nil, retention.ErrNotFound
	}
	return p, err
}

func (s *PolicyStore) AudioStats(ctx context.Context, ownerID string) (retention.AudioStats, error) {
	q := `
		select count(*) filter (where audio_file is not null and audio_file <> '' or audio_securely_destroyed),
			count(*) filter (where audio_securely_destroyed),
			count(*) filter (where audio_scheduled_at is not null and not audio_securely_destroyed)
		from notes`
	args := []any{}
	if ownerID != "" {
		q += ` where owner_id = $1`
		args = append(args, ownerID)
	}

	var stats retention.AudioStats
	err := s.db.QueryRowContext(ctx, q, args...).
		Scan(&stats.TotalAudioNotes, &stats.SecurelyDestroyed, &stats.PendingDeletion)
	return stats, err
}

func (s *PolicyStore) Totals(ctx context.Context, since time.Time) (retention.Totals, error) {
	var t retention.Totals
	err := s.db.QueryRowContext(ctx, `
		select count(*) filter (where completed_at is null),
			count(*) filter (where completed_at >= $1)
		from retention_policies
	`, since).Scan(&t.ActivePolicies, &t.CompletedDeletions)
	return t, err
}

func scanPolicy(scan func(...any) error) (*retention.Policy, error) {
	var (
		p            retention.Policy
		resourceType string
		completedAt  sql.NullTime
	)
	err := scan(&p.ID, &resourceType, &p.ResourceID, &p.WindowDays, &p.Reason,
		&p.ScheduledAt, &completedAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retention.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ResourceType = record.Kind(resourceType)
	p.CompletedAt = timePtr(completedAt)
	return &p, nil
}
