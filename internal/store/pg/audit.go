package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"clinivault.org/internal/audit"
)

// AuditStore is the PostgreSQL view over the audit trail tables.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

func (s *AuditStore) Append(ctx context.Context, e *audit.Event) error {
	fields := []byte("[]")
	if len(e.PHIFields) > 0 {
		bytes, err := json.Marshal(e.PHIFields)
		if err != nil {
			return fmt.Errorf("marshal phi fields: %w", err)
		}
		fields = bytes
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events (id, actor_id, actor_name, source_ip, user_agent,
			action, severity, resource_type, resource_id, patient_id, phi_fields,
			description, success, error_detail, endpoint, method, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, e.ID, nullIfEmpty(e.ActorID), e.ActorName, e.SourceIP, e.UserAgent,
		string(e.Action), string(e.Severity), e.ResourceType, nullIfEmpty(e.ResourceID),
		nullIfEmpty(e.PatientID), fields, e.Description, e.Success,
		nullIfEmpty(e.ErrorDetail), e.Endpoint, e.Method, e.CreatedAt)
	return err
}

func (s *AuditStore) AppendLoginAttempt(ctx context.Context, a *audit.LoginAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts (id, username, source_ip, user_agent, success, failure_reason, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, a.ID, a.Username, a.SourceIP, a.UserAgent, a.Success, nullIfEmpty(a.FailureReason), a.CreatedAt)
	return err
}

func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Username != "" {
		where = append(where, "actor_name ilike "+arg("%"+f.Username+"%"))
	}
	if f.Action != "" {
		where = append(where, "action = "+arg(string(f.Action)))
	}
	if f.ResourceType != "" {
		where = append(where, "resource_type = "+arg(f.ResourceType))
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = "+arg(f.PatientID))
	}
	if f.Success != nil {
		where = append(where, "success = "+arg(*f.Success))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < "+arg(f.Until))
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := `select id, actor_id, actor_name, source_ip, user_agent, action, severity,
		resource_type, resource_id, patient_id, phi_fields, description, success,
		error_detail, endpoint, method, created_at
		from audit_events`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by created_at desc limit " + arg(limit) + " offset " + arg(offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e          audit.Event
			actorID    sql.NullString
			resourceID sql.NullString
			patientID  sql.NullString
			errDetail  sql.NullString
			action     string
			severity   string
			rawFields  []byte
		)
		if err := rows.Scan(&e.ID, &actorID, &e.ActorName, &e.SourceIP, &e.UserAgent,
			&action, &severity, &e.ResourceType, &resourceID, &patientID, &rawFields,
			&e.Description, &e.Success, &errDetail, &e.Endpoint, &e.Method, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = audit.Action(action)
		e.Severity = audit.Severity(severity)
		e.ActorID = actorID.String
		e.ResourceID = resourceID.String
		e.PatientID = patientID.String
		e.ErrorDetail = errDetail.String
		if len(rawFields) > 0 {
			if err := json.Unmarshal(rawFields, &e.PHIFields); err != nil {
				return nil, fmt.Errorf("decode phi fields: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *AuditStore) Totals(ctx context.Context, since time.Time) (audit.Totals, error) {
	var t audit.Totals
	err := s.db.QueryRowContext(ctx, `
		select count(*),
			count(*) filter (where phi_fields <> '[]'::jsonb),
			count(*) filter (where not success),
			count(*) filter (where action in ('LOGIN','LOGIN_FAILED'))
		from audit_events
		where created_at >= $1
	`, since).Scan(&t.TotalEvents, &t.PHIAccesses, &t.FailedEvents, &t.LoginEvents)
	return t, err
}

func (s *AuditStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_events where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
