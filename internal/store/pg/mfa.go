package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"clinivault.org/internal/access"
)

// MFAStore is the PostgreSQL view over the mfa_secrets table.
type MFAStore struct {
	db *sql.DB
}

var _ access.MFAStore = (*MFAStore)(nil)

func (s *Store) MFA() *MFAStore { return &MFAStore{db: s.db} }

func (s *MFAStore) FindMFA(ctx context.Context, userID string) (*access.MFA, error) {
	row := s.db.QueryRowContext(ctx, `
		select user_id, secret, backup_codes, enabled, created_at, last_used_at
		from mfa_secrets where user_id=$1
	`, userID)

	var (
		m        access.MFA
		codes    string
		lastUsed sql.NullTime
	)
	err := row.Scan(&m.UserID, &m.Secret, &codes, &m.Enabled, &m.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if codes != "" {
		m.BackupCodes = strings.Split(codes, ",")
	}
	m.LastUsedAt = timePtr(lastUsed)
	return &m, nil
}

func (s *MFAStore) SaveMFA(ctx context.Context, m *access.MFA) error {
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_secrets (user_id, secret, backup_codes, enabled, created_at, last_used_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (user_id) do update
		set secret=excluded.secret, backup_codes=excluded.backup_codes,
		    enabled=excluded.enabled, last_used_at=excluded.last_used_at
	`, m.UserID, m.Secret, strings.Join(m.BackupCodes, ","), m.Enabled,
		m.CreatedAt, nullIfZeroTime(m.LastUsedAt))
	return err
}
