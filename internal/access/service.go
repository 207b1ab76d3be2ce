package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clinivault.org/internal/audit"
	"clinivault.org/internal/obs"
	"clinivault.org/internal/record"
)

const (
	defaultLockoutThreshold = 3
	defaultLockoutWindow    = 30 * time.Minute
)

// Decision is the outcome of one authorization check. VisibleFields is
// the minimum-necessary field set for the actor's role and the target's
// kind; it is empty on denial.
type Decision struct {
	Allowed       bool
	VisibleFields []string
	Reason        string
}

// Service is the single entry point for access decisions. Every call,
// allowed or denied, produces exactly one audit event; callers cannot
// bypass that write. The service fails closed: any internal error
// resolves to a denial, never to an allow.
type Service struct {
	users UserStore
	mfa   MFAStore
	rec   *audit.Recorder
	now   func() time.Time

	lockoutThreshold int
	lockoutWindow    time.Duration
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithMFAStore turns on TOTP second factors, persisted through store.
// Without it, logins run on password alone and EnrollMFA refuses.
func WithMFAStore(store MFAStore) Option {
	return func(s *Service) {
		s.mfa = store
	}
}

// WithLockoutPolicy overrides the failed-login threshold and lock window.
func WithLockoutPolicy(threshold int, window time.Duration) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.lockoutThreshold = threshold
		}
		if window > 0 {
			s.lockoutWindow = window
		}
	}
}

// NewService constructs the decision service. The recorder is required:
// an access decision without an audit trail is not a decision this
// system can make.
func NewService(users UserStore, rec *audit.Recorder, opts ...Option) (*Service, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: audit recorder is required", ErrInvalidInput)
	}
	s := &Service{
		users:            users,
		rec:              rec,
		now:              time.Now,
		lockoutThreshold: defaultLockoutThreshold,
		lockoutWindow:    defaultLockoutWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authorize decides whether actor may perform perm, optionally against a
// concrete target record. The decision and, on success, the disclosed
// field set are audited unconditionally before returning.
func (s *Service) Authorize(ctx context.Context, actor *Actor, perm Permission, target *record.Ref) Decision {
	d := s.decide(actor, perm, target)

	outcome := "denied"
	if d.Allowed {
		outcome = "allowed"
	}
	obs.AccessDecisions.WithLabelValues(outcome).Inc()

	e := audit.Event{
		Action:      actionFor(perm),
		Severity:    audit.SeverityMedium,
		Description: fmt.Sprintf("authorization %s for %s", outcome, perm),
		Success:     d.Allowed,
	}
	if actor != nil {
		e.ActorID = actor.ID
		e.ActorName = actor.Name()
	}
	if target != nil {
		e.ResourceType = string(target.Kind)
		e.ResourceID = target.ID
		e.PatientID = target.PatientID
	} else {
		e.ResourceType = resourceFor(perm)
	}
	if d.Allowed {
		e.PHIFields = d.VisibleFields
	} else {
		e.ErrorDetail = d.Reason
		e.Severity = audit.SeverityHigh
	}
	s.rec.Record(ctx, e)

	return d
}

// decide holds the pure decision logic. It never touches storage, so the
// only failure modes are bad inputs, all of which deny.
func (s *Service) decide(actor *Actor, perm Permission, target *record.Ref) Decision {
	if actor == nil {
		return Decision{Reason: "no actor"}
	}
	if !actor.Active {
		return Decision{Reason: "actor inactive"}
	}
	role, ok := ParseRole(string(actor.Role))
	if !ok {
		return Decision{Reason: "unknown role"}
	}
	if !RoleHasPermission(role, perm) {
		return Decision{Reason: "permission not granted to role"}
	}

	if target != nil {
		// Cross-tenant access is denied for every role, no exception.
		if actor.TenantID != target.TenantID {
			return Decision{Reason: "cross-tenant access"}
		}
		if !s.canReachRecord(actor, role, perm, target) {
			return Decision{Reason: "record not owned by actor"}
		}
	}

	fields := []string(nil)
	if target != nil {
		fields = visibleFields(role, target.Kind)
	}
	return Decision{Allowed: true, VisibleFields: fields}
}

func (s *Service) canReachRecord(actor *Actor, role Role, perm Permission, target *record.Ref) bool {
	if _, ok := unrestrictedRoles[role]; ok {
		if role == RoleAuditor {
			// Auditors reach everything in-tenant, but read-only.
			_, readOnly := readOnlyPermissions[perm]
			return readOnly
		}
		return true
	}
	return actor.ID == target.OwnerID
}

// actionFor derives the audit action from the permission verb.
func actionFor(perm Permission) audit.Action {
	key := string(perm)
	switch {
	case strings.HasSuffix(key, ".create"):
		return audit.ActionCreate
	case strings.HasSuffix(key, ".read") || strings.HasSuffix(key, ".access"):
		return audit.ActionRead
	case strings.HasSuffix(key, ".update") || strings.HasSuffix(key, ".manage"):
		return audit.ActionUpdate
	case strings.HasSuffix(key, ".delete"):
		return audit.ActionDelete
	case strings.HasSuffix(key, ".export"):
		return audit.ActionExport
	default:
		return audit.ActionRead
	}
}

// resourceFor derives the audited resource type from the permission
// namespace when no concrete target was supplied.
func resourceFor(perm Permission) string {
	key := string(perm)
	if i := strings.IndexByte(key, '.'); i > 0 {
		return key[:i]
	}
	return key
}
