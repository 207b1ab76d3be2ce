package access

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"clinivault.org/internal/audit"
)

const (
	totpIssuer      = "clinivault"
	totpPeriod      = 30
	totpSecretSize  = 20
	backupCodeCount = 10
)

// MFA is one actor's TOTP enrollment. At most one row per user; the
// enrollment only counts once Enabled is set by a verified code.
type MFA struct {
	UserID      string
	Secret      string
	BackupCodes []string
	Enabled     bool
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}

// MFACode carries the second factor supplied at login. Backup wins
// when both are set; a spent backup code never works twice.
type MFACode struct {
	TOTP   string
	Backup string
}

// MFAEnrollment is what EnrollMFA hands back for the operator to feed
// into their authenticator app. The secret and backup codes are shown
// exactly once.
type MFAEnrollment struct {
	Secret      string
	OTPAuthURL  string
	BackupCodes []string
}

// EnrollMFA starts (or restarts) TOTP enrollment for the actor. Any
// previous enrollment is replaced and disabled until the actor confirms
// with a valid code.
func (s *Service) EnrollMFA(ctx context.Context, actor *Actor) (*MFAEnrollment, error) {
	if s.mfa == nil {
		return nil, fmt.Errorf("%w: mfa store not configured", ErrInvalidInput)
	}
	if actor == nil {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: actor.Username,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		SecretSize:  totpSecretSize,
	})
	if err != nil {
		return nil, err
	}
	codes, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m := &MFA{
		UserID:      actor.ID,
		Secret:      key.Secret(),
		BackupCodes: codes,
		Enabled:     false,
		CreatedAt:   now,
	}
	if err := s.mfa.SaveMFA(ctx, m); err != nil {
		return nil, err
	}

	s.recordMFAChange(ctx, actor, "mfa enrollment started", audit.SeverityMedium)
	return &MFAEnrollment{
		Secret:      m.Secret,
		OTPAuthURL:  key.URL(),
		BackupCodes: codes,
	}, nil
}

// ConfirmMFA enables a pending enrollment once the actor proves their
// authenticator produces the right codes.
func (s *Service) ConfirmMFA(ctx context.Context, actor *Actor, code string) error {
	if s.mfa == nil {
		return fmt.Errorf("%w: mfa store not configured", ErrInvalidInput)
	}
	if actor == nil {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	m, err := s.mfa.FindMFA(ctx, actor.ID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if !validTOTP(m.Secret, code, now) {
		return ErrUnauthorized
	}
	m.Enabled = true
	m.LastUsedAt = &now
	if err := s.mfa.SaveMFA(ctx, m); err != nil {
		return err
	}
	s.recordMFAChange(ctx, actor, "mfa enabled", audit.SeverityMedium)
	return nil
}

// DisableMFA switches the second factor off. The enrollment row stays
// so a later EnrollMFA starts clean either way.
func (s *Service) DisableMFA(ctx context.Context, actor *Actor) error {
	if s.mfa == nil {
		return fmt.Errorf("%w: mfa store not configured", ErrInvalidInput)
	}
	if actor == nil {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	m, err := s.mfa.FindMFA(ctx, actor.ID)
	if err != nil {
		return err
	}
	m.Enabled = false
	if err := s.mfa.SaveMFA(ctx, m); err != nil {
		return err
	}
	s.recordMFAChange(ctx, actor, "mfa disabled", audit.SeverityHigh)
	return nil
}

// MFAEnabled reports whether the actor has a confirmed enrollment.
func (s *Service) MFAEnabled(ctx context.Context, actor *Actor) (bool, error) {
	if s.mfa == nil || actor == nil {
		return false, nil
	}
	m, err := s.mfa.FindMFA(ctx, actor.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Enabled, nil
}

// checkSecondFactor verifies the login-time second factor for users with
// a confirmed enrollment. Users without one pass through untouched. The
// only error values are ErrMFARequired (no code supplied) and
// ErrUnauthorized (wrong code, or storage trouble, which fails closed).
func (s *Service) checkSecondFactor(ctx context.Context, user *Actor, code MFACode) error {
	if s.mfa == nil {
		return nil
	}
	m, err := s.mfa.FindMFA(ctx, user.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return ErrUnauthorized
	}
	if !m.Enabled {
		return nil
	}

	now := s.now().UTC()

	if code.Backup != "" {
		want := strings.ToUpper(strings.TrimSpace(code.Backup))
		for i, c := range m.BackupCodes {
			if c != want {
				continue
			}
			m.BackupCodes = append(m.BackupCodes[:i], m.BackupCodes[i+1:]...)
			m.LastUsedAt = &now
			// A backup code that cannot be burned cannot be accepted.
			if err := s.mfa.SaveMFA(ctx, m); err != nil {
				return ErrUnauthorized
			}
			return nil
		}
		return ErrUnauthorized
	}

	if strings.TrimSpace(code.TOTP) == "" {
		return ErrMFARequired
	}
	if !validTOTP(m.Secret, code.TOTP, now) {
		return ErrUnauthorized
	}
	m.LastUsedAt = &now
	if err := s.mfa.SaveMFA(ctx, m); err != nil {
		s.rec.Record(ctx, audit.Event{
			ActorID:      user.ID,
			ActorName:    user.Name(),
			Action:       audit.ActionUpdate,
			Severity:     audit.SeverityHigh,
			ResourceType: "user",
			ResourceID:   user.ID,
			Description:  "failed to stamp mfa usage",
			Success:      false,
			ErrorDetail:  err.Error(),
		})
	}
	return nil
}

func (s *Service) recordMFAChange(ctx context.Context, actor *Actor, what string, sev audit.Severity) {
	s.rec.Record(ctx, audit.Event{
		ActorID:      actor.ID,
		ActorName:    actor.Name(),
		Action:       audit.ActionUpdate,
		Severity:     sev,
		ResourceType: "user",
		ResourceID:   actor.ID,
		Description:  what,
		Success:      true,
	})
}

func validTOTP(secret, code string, at time.Time) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}
		codes = append(codes, strings.ToUpper(hex.EncodeToString(b[:])))
	}
	return codes, nil
}
