package record

import "time"

// Kind identifies a class of persisted resource subject to access and
// retention controls.
type Kind string

const (
	KindPatient   Kind = "patient"
	KindNote      Kind = "note"
	KindNoteAudio Kind = "note_audio"
	KindAuditLog  Kind = "audit_log"
	KindUser      Kind = "user"
)

// Valid reports whether k names a known resource kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPatient, KindNote, KindNoteAudio, KindAuditLog, KindUser:
		return true
	}
	return false
}

// Patient is a PHI-bearing record owned by exactly one provider and scoped
// to exactly one tenant. TenantID is immutable after creation.
type Patient struct {
	ID          string
	TenantID    string
	OwnerID     string
	FirstName   string
	LastName    string
	DateOfBirth time.Time
	PhoneNumber string
	Email       string
	Address     string
	City        string
	State       string
	ZipCode     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Note is a clinical note attached to a patient, optionally carrying a
// recorded-audio reference with its own retention metadata.
type Note struct {
	ID        string
	TenantID  string
	OwnerID   string
	PatientID string
	Content   string
	NoteType  string

	AudioFile              string
	AudioRetentionDays     int
	AudioScheduledAt       *time.Time
	AudioSecurelyDestroyed bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ref is the minimal projection of a record needed for an authorization
// decision: who owns it, which tenant it belongs to, and which patient's
// PHI it exposes.
type Ref struct {
	Kind      Kind
	ID        string
	OwnerID   string
	TenantID  string
	PatientID string
}

// PatientRef builds an authorization target from a patient row.
func PatientRef(p *Patient) *Ref {
	if p == nil {
		return nil
	}
	return &Ref{Kind: KindPatient, ID: p.ID, OwnerID: p.OwnerID, TenantID: p.TenantID, PatientID: p.ID}
}

// NoteRef builds an authorization target from a note row.
func NoteRef(n *Note) *Ref {
	if n == nil {
		return nil
	}
	return &Ref{Kind: KindNote, ID: n.ID, OwnerID: n.OwnerID, TenantID: n.TenantID, PatientID: n.PatientID}
}
