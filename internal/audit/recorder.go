package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"clinivault.org/internal/ids"
	"clinivault.org/internal/obs"
)

// ActorRef identifies who an audited action is attributed to. The name is
// captured into the event so the trail stays readable after the actor row
// changes or disappears.
type ActorRef struct {
	ID   string
	Name string
}

// SystemActor attributes events produced by background processes.
var SystemActor = ActorRef{Name: "system"}

// Recorder writes events to the durable trail. It never returns an error
// to its caller: a persistence failure is escalated to the process-local
// structured log at error level with the full payload, so the failure
// itself is never lost, and the triggering operation proceeds.
type Recorder struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// NewRecorder constructs a Recorder. A nil logger falls back to the shared
// obs logger.
func NewRecorder(store Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = obs.Logger()
	}
	return &Recorder{store: store, log: log, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	if now != nil {
		r.now = now
	}
	return r
}

// Record persists one audit event. The persistence attempt is synchronous
// with the triggering operation; callers wait for it before disclosing
// data to their own callers.
func (r *Recorder) Record(ctx context.Context, e Event) {
	r.fill(ctx, &e)

	if err := r.store.Append(ctx, &e); err != nil {
		r.escalate(e, err)
		return
	}

	obs.AuditEventsWritten.WithLabelValues(string(e.Action)).Inc()
	r.mirror(e)
}

// RecordLoginAttempt writes a LoginAttempt row and a mirrored audit event
// in the same logical operation. Partial success escalates each failed
// write independently.
func (r *Recorder) RecordLoginAttempt(ctx context.Context, a LoginAttempt) {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now().UTC()
	}
	if info, ok := RequestInfoFromContext(ctx); ok {
		if a.SourceIP == "" {
			a.SourceIP = info.SourceIP
		}
		if a.UserAgent == "" {
			a.UserAgent = info.UserAgent
		}
	}

	if err := r.store.AppendLoginAttempt(ctx, &a); err != nil {
		r.log.Error("login_attempt_write_failure",
			zap.String("username", a.Username),
			zap.String("source_ip", a.SourceIP),
			zap.Bool("success", a.Success),
			zap.Error(err),
		)
		obs.AuditWriteFailures.Inc()
	}

	action := ActionLogin
	severity := SeverityMedium
	if !a.Success {
		action = ActionLoginFailed
		severity = SeverityHigh
	}
	r.Record(ctx, Event{
		ActorName:    a.Username,
		SourceIP:     a.SourceIP,
		UserAgent:    a.UserAgent,
		Action:       action,
		Severity:     severity,
		ResourceType: "auth",
		Description:  "login attempt from " + orUnknown(a.SourceIP),
		Success:      a.Success,
		ErrorDetail:  a.FailureReason,
		CreatedAt:    a.CreatedAt,
	})
}

func (r *Recorder) fill(ctx context.Context, e *Event) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	if e.ActorName == "" {
		e.ActorName = SystemActor.Name
	}
	if info, ok := RequestInfoFromContext(ctx); ok {
		if e.SourceIP == "" {
			e.SourceIP = info.SourceIP
		}
		if e.UserAgent == "" {
			e.UserAgent = info.UserAgent
		}
		if e.Endpoint == "" {
			e.Endpoint = info.Endpoint
		}
		if e.Method == "" {
			e.Method = info.Method
		}
	}
}

// escalate is the fallback channel: the event could not be persisted, so
// the full payload goes to the always-available process log at error
// level and the failure counter increments. Nothing is raised back to the
// caller.
func (r *Recorder) escalate(e Event, err error) {
	obs.AuditWriteFailures.Inc()
	r.log.Error("audit_write_failure",
		zap.String("event_id", e.ID),
		zap.String("actor_id", e.ActorID),
		zap.String("actor_name", e.ActorName),
		zap.String("action", string(e.Action)),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
		zap.String("patient_id", e.PatientID),
		zap.Strings("phi_fields", e.PHIFields),
		zap.String("description", e.Description),
		zap.Bool("success", e.Success),
		zap.Time("created_at", e.CreatedAt),
		zap.Error(err),
	)
}

// mirror echoes every durable audit write to the application log for
// immediate visibility.
func (r *Recorder) mirror(e Event) {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("actor", e.ActorName),
		zap.String("action", string(e.Action)),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
		zap.Bool("success", e.Success),
	}
	if e.Success {
		r.log.Info("audit", fields...)
		return
	}
	r.log.Warn("audit", fields...)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
