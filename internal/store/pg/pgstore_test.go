package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"clinivault.org/internal/access"
	"clinivault.org/internal/audit"
	"clinivault.org/internal/record"
	"clinivault.org/internal/retention"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestUserFindByUsername(t *testing.T) {
	store, mock := newMock(t)

	locked := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "username", "display_name", "role", "tenant_id", "password_hash",
		"active", "failed_login_attempts", "locked_until", "last_login_at",
	}).AddRow("u1", "dr.chen", "Dr. Chen", "provider", "t1", "hash", true, 2, locked, nil)
	mock.ExpectQuery("select .* from users where username=").WithArgs("dr.chen").WillReturnRows(rows)

	a, err := store.Users().FindByUsername(context.Background(), "dr.chen")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if a.Role != access.RoleProvider || a.FailedLoginAttempts != 2 {
		t.Fatalf("unexpected actor: %+v", a)
	}
	if a.LockedUntil == nil || !a.LockedUntil.Equal(locked) {
		t.Fatalf("locked_until not scanned: %v", a.LockedUntil)
	}
	if a.LastLoginAt != nil {
		t.Fatalf("expected nil last_login_at, got %v", a.LastLoginAt)
	}

	mock.ExpectQuery("select .* from users where username=").WithArgs("nobody").WillReturnError(sql.ErrNoRows)
	if _, err := store.Users().FindByUsername(context.Background(), "nobody"); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("missing user: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordLoginFailure(t *testing.T) {
	store, mock := newMock(t)

	until := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	mock.ExpectExec("update users").
		WithArgs("u1", 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Users().RecordLoginFailure(context.Background(), "u1", 3, &until); err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditAppendAndQuery(t *testing.T) {
	store, mock := newMock(t)

	e := &audit.Event{
		ID:           "ev1",
		ActorID:      "u1",
		ActorName:    "Dr. Chen",
		Action:       audit.ActionRead,
		Severity:     audit.SeverityLow,
		ResourceType: "patient",
		ResourceID:   "p1",
		PatientID:    "p1",
		PHIFields:    []string{"first_name", "last_name"},
		Description:  "patient read",
		Success:      true,
		CreatedAt:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	mock.ExpectExec("insert into audit_events").
		WithArgs("ev1", sqlmock.AnyArg(), "Dr. Chen", "", "", "READ", "low", "patient",
			sqlmock.AnyArg(), sqlmock.AnyArg(), []byte(`["first_name","last_name"]`),
			"patient read", true, sqlmock.AnyArg(), "", "", e.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Audit().Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rows := sqlmock.NewRows([]string{
		"id", "actor_id", "actor_name", "source_ip", "user_agent", "action", "severity",
		"resource_type", "resource_id", "patient_id", "phi_fields", "description",
		"success", "error_detail", "endpoint", "method", "created_at",
	}).AddRow("ev1", "u1", "Dr. Chen", "", "", "READ", "low", "patient", "p1", "p1",
		[]byte(`["first_name"]`), "patient read", true, nil, "", "", e.CreatedAt)
	mock.ExpectQuery("from audit_events where patient_id = .* order by created_at desc").
		WithArgs("p1", 100, 0).WillReturnRows(rows)

	events, err := store.Audit().Query(context.Background(), audit.Filter{PatientID: "p1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].Action != audit.ActionRead || len(events[0].PHIFields) != 1 {
		t.Fatalf("unexpected events: %+v", events)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditTotals(t *testing.T) {
	store, mock := newMock(t)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select count").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d"}).AddRow(50, 12, 2, 9))

	totals, err := store.Audit().Totals(context.Background(), since)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals.TotalEvents != 50 || totals.PHIAccesses != 12 || totals.FailedEvents != 2 || totals.LoginEvents != 9 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPolicyCreateDuplicate(t *testing.T) {
	store, mock := newMock(t)

	p := &retention.Policy{
		ID:           "pol1",
		ResourceType: record.KindPatient,
		ResourceID:   "p1",
		WindowDays:   2555,
		ScheduledAt:  time.Date(2033, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	mock.ExpectExec("insert into retention_policies").
		WithArgs("pol1", "patient", "p1", 2555, "", p.ScheduledAt, p.CreatedAt).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Policies().Create(context.Background(), p)
	if !errors.Is(err, retention.ErrDuplicatePolicy) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPolicyUpdateWindowLocksRow(t *testing.T) {
	store, mock := newMock(t)

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "resource_type", "resource_id", "window_days", "reason", "scheduled_at", "completed_at", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from retention_policies where id=.* for update").
		WithArgs("pol1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("pol1", "patient", "p1", 2555, "", created.AddDate(0, 0, 2555), nil, created))
	mock.ExpectQuery("update retention_policies").
		WithArgs("pol1", 2190).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("pol1", "patient", "p1", 2190, "", created.AddDate(0, 0, 2190), nil, created))
	mock.ExpectCommit()

	old, updated, err := store.Policies().UpdateWindow(context.Background(), "pol1", 2190)
	if err != nil {
		t.Fatalf("UpdateWindow: %v", err)
	}
	if old.WindowDays != 2555 || updated.WindowDays != 2190 {
		t.Fatalf("old=%+v updated=%+v", old, updated)
	}
	if !updated.ScheduledAt.Equal(created.AddDate(0, 0, 2190)) {
		t.Fatalf("schedule not recomputed from creation: %v", updated.ScheduledAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPolicyMarkCompletedWriteOnce(t *testing.T) {
	store, mock := newMock(t)

	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("update retention_policies").
		WithArgs("pol1", at, "swept").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select exists").
		WithArgs("pol1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.Policies().MarkCompleted(context.Background(), "pol1", at, "swept")
	if !errors.Is(err, retention.ErrAlreadyCompleted) {
		t.Fatalf("expected already-completed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNoteClearAudio(t *testing.T) {
	store, mock := newMock(t)

	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("update notes").
		WithArgs("n1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Notes().ClearAudio(context.Background(), "n1", at); err != nil {
		t.Fatalf("ClearAudio: %v", err)
	}

	mock.ExpectExec("update notes").
		WithArgs("ghost", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Notes().ClearAudio(context.Background(), "ghost", at); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("missing note: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMFAFindAndSave(t *testing.T) {
	store, mock := newMock(t)

	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"user_id", "secret", "backup_codes", "enabled", "created_at", "last_used_at",
	}).AddRow("u1", "SECRET", "AAAA1111,BBBB2222", true, created, nil)
	mock.ExpectQuery("from mfa_secrets where user_id=").WithArgs("u1").WillReturnRows(rows)

	m, err := store.MFA().FindMFA(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FindMFA: %v", err)
	}
	if !m.Enabled || len(m.BackupCodes) != 2 || m.BackupCodes[1] != "BBBB2222" {
		t.Fatalf("unexpected enrollment: %+v", m)
	}

	mock.ExpectQuery("from mfa_secrets where user_id=").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	if _, err := store.MFA().FindMFA(context.Background(), "ghost"); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("missing enrollment: %v", err)
	}

	m.BackupCodes = m.BackupCodes[1:]
	mock.ExpectExec("insert into mfa_secrets").
		WithArgs("u1", "SECRET", "BBBB2222", true, created, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.MFA().SaveMFA(context.Background(), m); err != nil {
		t.Fatalf("SaveMFA: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
