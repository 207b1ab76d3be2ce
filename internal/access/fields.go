package access

import "clinivault.org/internal/record"

// Minimum-necessary field sets. The visible field list is computed once
// per decision and threaded through to the audit trail; callers never
// infer disclosure lists themselves.
//
// Admin and Provider see the full PHI set; Auditor sees identity fields
// plus record timestamps; ReadOnly sees clinical content plus limited
// identity.
func visibleFields(role Role, kind record.Kind) []string {
	switch kind {
	case record.KindPatient:
		return patientFields(role)
	case record.KindNote, record.KindNoteAudio:
		return noteFields(role)
	default:
		return nil
	}
}

func patientFields(role Role) []string {
	switch role {
	case RoleAdmin, RoleProvider:
		return record.PHIFields(record.KindPatient)
	case RoleAuditor:
		return concat(record.PatientIdentityFields, record.RecordMetadataFields)
	case RoleReadOnly:
		return concat(record.PatientIdentityFields, nil)
	default:
		return nil
	}
}

func noteFields(role Role) []string {
	switch role {
	case RoleAdmin, RoleProvider:
		return record.PHIFields(record.KindNote)
	case RoleAuditor:
		return concat(record.RecordMetadataFields, nil)
	case RoleReadOnly:
		return concat(record.NoteClinicalFields, nil)
	default:
		return nil
	}
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}
