package access

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"clinivault.org/internal/audit"
)

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Login authenticates a username/password pair plus, for accounts with
// a confirmed TOTP enrollment, a second factor. It maintains lockout
// bookkeeping on the actor row and records one LoginAttempt plus one
// mirrored audit event per call. A locked account denies regardless of
// password correctness. All denials surface as ErrUnauthorized (or
// ErrAccountLocked / ErrMFARequired, which wrap it); nothing in the
// error reveals whether the username exists.
func (s *Service) Login(ctx context.Context, username, password string, second MFACode) (*Actor, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		s.recordAttempt(ctx, username, false, "missing credentials")
		return nil, ErrUnauthorized
	}

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recordAttempt(ctx, username, false, "unknown user")
			return nil, ErrUnauthorized
		}
		// Storage trouble during authentication fails closed.
		s.recordAttempt(ctx, username, false, "user lookup failed")
		return nil, ErrUnauthorized
	}

	now := s.now().UTC()

	if !user.Active {
		s.recordAttempt(ctx, username, false, "account disabled")
		return nil, ErrUnauthorized
	}
	if user.Locked(now) {
		// Denied before the password is even checked.
		s.recordAttempt(ctx, username, false, "account locked")
		return nil, ErrAccountLocked
	}

	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		s.noteFailedAttempt(ctx, user, now)
		s.recordAttempt(ctx, username, false, "invalid password")
		return nil, ErrUnauthorized
	}

	if err := s.checkSecondFactor(ctx, user, second); err != nil {
		if errors.Is(err, ErrMFARequired) {
			// Not a guess, so it does not count toward lockout.
			s.recordAttempt(ctx, username, false, "second factor required")
			return nil, ErrMFARequired
		}
		s.noteFailedAttempt(ctx, user, now)
		s.recordAttempt(ctx, username, false, "invalid second factor")
		return nil, ErrUnauthorized
	}

	if err := s.users.ResetLoginFailures(ctx, user.ID, now); err != nil {
		s.rec.Record(ctx, audit.Event{
			ActorID:      user.ID,
			ActorName:    user.Name(),
			Action:       audit.ActionUpdate,
			Severity:     audit.SeverityHigh,
			ResourceType: "user",
			ResourceID:   user.ID,
			Description:  "failed to reset login failure counter",
			Success:      false,
			ErrorDetail:  err.Error(),
		})
	}
	s.recordAttempt(ctx, username, true, "")

	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	return user, nil
}

// noteFailedAttempt bumps the failure counter and, past the threshold,
// locks the account. Wrong passwords and wrong second factors count
// the same.
func (s *Service) noteFailedAttempt(ctx context.Context, user *Actor, now time.Time) {
	attempts := user.FailedLoginAttempts + 1
	var lockedUntil *time.Time
	if attempts >= s.lockoutThreshold {
		t := now.Add(s.lockoutWindow)
		lockedUntil = &t
	}
	if err := s.users.RecordLoginFailure(ctx, user.ID, attempts, lockedUntil); err != nil {
		// The denial stands either way; the bookkeeping failure is
		// worth a trace in the trail.
		s.rec.Record(ctx, audit.Event{
			ActorID:      user.ID,
			ActorName:    user.Name(),
			Action:       audit.ActionUpdate,
			Severity:     audit.SeverityCritical,
			ResourceType: "user",
			ResourceID:   user.ID,
			Description:  "failed to persist lockout state",
			Success:      false,
			ErrorDetail:  err.Error(),
		})
	}
}

func (s *Service) recordAttempt(ctx context.Context, username string, success bool, reason string) {
	s.rec.RecordLoginAttempt(ctx, audit.LoginAttempt{
		Username:      username,
		Success:       success,
		FailureReason: reason,
	})
}
