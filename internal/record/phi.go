package record

// PHI field catalogs per resource kind. Disclosure lists written to the
// audit trail are always drawn from these names, never invented ad hoc.

// PatientPHIFields is the full identifying field set of a patient row.
var PatientPHIFields = []string{
	"first_name", "last_name", "date_of_birth", "phone_number",
	"email", "address", "city", "state", "zip_code",
}

// PatientIdentityFields is the limited identity subset used where the
// minimum-necessary standard withholds contact and address data.
var PatientIdentityFields = []string{
	"first_name", "last_name", "date_of_birth",
}

// NotePHIFields is the clinical content field set of a note row.
var NotePHIFields = []string{"content", "note_type", "audio_file"}

// NoteClinicalFields excludes the audio reference.
var NoteClinicalFields = []string{"content", "note_type"}

// RecordMetadataFields are non-PHI bookkeeping fields visible to auditors.
var RecordMetadataFields = []string{"id", "created_at", "updated_at"}

// PHIFields returns the complete PHI field set for a resource kind.
func PHIFields(kind Kind) []string {
	switch kind {
	case KindPatient:
		return clone(PatientPHIFields)
	case KindNote, KindNoteAudio:
		return clone(NotePHIFields)
	default:
		return nil
	}
}

func clone(fields []string) []string {
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}
