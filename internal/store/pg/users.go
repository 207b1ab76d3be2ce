package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinivault.org/internal/access"
)

// UserStore is the PostgreSQL view over the users table.
type UserStore struct {
	db *sql.DB
}

var _ access.UserStore = (*UserStore)(nil)

func (s *Store) Users() *UserStore { return &UserStore{db: s.db} }

const userColumns = `id, username, display_name, role, tenant_id, password_hash, active, failed_login_attempts, locked_until, last_login_at`

func (s *UserStore) Find(ctx context.Context, id string) (*access.Actor, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id)
	return scanActor(row)
}

func (s *UserStore) FindByUsername(ctx context.Context, username string) (*access.Actor, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where username=$1`, username)
	return scanActor(row)
}

func (s *UserStore) RecordLoginFailure(ctx context.Context, userID string, attempts int, lockedUntil *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts=$2, locked_until=$3, updated_at=now()
		where id=$1
	`, userID, attempts, nullIfZeroTime(lockedUntil))
	if err != nil {
		return err
	}
	return requireRowAffected(res, access.ErrNotFound)
}

func (s *UserStore) ResetLoginFailures(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts=0, locked_until=null, last_login_at=$2, updated_at=now()
		where id=$1
	`, userID, at)
	if err != nil {
		return err
	}
	return requireRowAffected(res, access.ErrNotFound)
}

func scanActor(row *sql.Row) (*access.Actor, error) {
	var (
		a           access.Actor
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
		role        string
	)
	err := row.Scan(&a.ID, &a.Username, &a.DisplayName, &role, &a.TenantID,
		&a.PasswordHash, &a.Active, &a.FailedLoginAttempts, &lockedUntil, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Role = access.Role(role)
	a.LockedUntil = timePtr(lockedUntil)
	a.LastLoginAt = timePtr(lastLogin)
	return &a, nil
}

func requireRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
