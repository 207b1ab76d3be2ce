package audit

import "time"

// Action enumerates audit action types.
type Action string

const (
	ActionCreate         Action = "CREATE"
	ActionRead           Action = "READ"
	ActionUpdate         Action = "UPDATE"
	ActionDelete         Action = "DELETE"
	ActionLogin          Action = "LOGIN"
	ActionLoginFailed    Action = "LOGIN_FAILED"
	ActionLogout         Action = "LOGOUT"
	ActionExport         Action = "EXPORT"
	ActionPasswordChange Action = "PASSWORD_CHANGE"
	ActionRoleChange     Action = "ROLE_CHANGE"
)

// Severity grades how sensitive an audited action is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is one immutable audit trail entry. Once persisted no field is
// ever updated or removed by application code; only the time-boxed audit
// retention sweep may remove very old rows, and that removal is itself
// audited first.
type Event struct {
	ID        string
	ActorID   string // empty for system or anonymous events
	ActorName string // captured at write time, independent of later actor mutation
	SourceIP  string
	UserAgent string

	Action       Action
	Severity     Severity
	ResourceType string
	ResourceID   string
	PatientID    string
	PHIFields    []string // exactly the fields disclosed, threaded from the access decision

	Description string
	Success     bool
	ErrorDetail string

	Endpoint string
	Method   string

	CreatedAt time.Time
}

// LoginAttempt records a credential presentation, successful or not. The
// username is stored as submitted and need not match a real actor.
type LoginAttempt struct {
	ID            string
	Username      string
	SourceIP      string
	UserAgent     string
	Success       bool
	FailureReason string
	CreatedAt     time.Time
}

// Filter narrows audit trail queries.
type Filter struct {
	Username     string // substring match on actor name
	Action       Action
	ResourceType string
	PatientID    string
	Success      *bool
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// Totals is the aggregate slice of the trail used by compliance reporting.
type Totals struct {
	TotalEvents  int64
	PHIAccesses  int64
	FailedEvents int64
	LoginEvents  int64
}
