package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"clinivault.org/internal/access"
	"clinivault.org/internal/audit"
	"clinivault.org/internal/record"
	"clinivault.org/internal/report"
	"clinivault.org/internal/retention"
	"clinivault.org/internal/shred"
)

// In-memory stores backing the handler tests.

type memUsers struct {
	mu    sync.Mutex
	users map[string]*access.Actor
}

func (s *memUsers) Find(_ context.Context, id string) (*access.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, access.ErrNotFound
}

func (s *memUsers) FindByUsername(_ context.Context, username string) (*access.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, access.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUsers) RecordLoginFailure(_ context.Context, userID string, attempts int, lockedUntil *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			u.FailedLoginAttempts = attempts
			u.LockedUntil = lockedUntil
		}
	}
	return nil
}

func (s *memUsers) ResetLoginFailures(_ context.Context, userID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			u.FailedLoginAttempts = 0
			u.LockedUntil = nil
		}
	}
	return nil
}

type memMFA struct {
	mu      sync.Mutex
	records map[string]*access.MFA
}

func (s *memMFA) FindMFA(_ context.Context, userID string) (*access.MFA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[userID]
	if !ok {
		return nil, access.ErrNotFound
	}
	cp := *m
	cp.BackupCodes = append([]string(nil), m.BackupCodes...)
	return &cp, nil
}

func (s *memMFA) SaveMFA(_ context.Context, m *access.MFA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.BackupCodes = append([]string(nil), m.BackupCodes...)
	s.records[m.UserID] = &cp
	return nil
}

type memTrail struct {
	mu       sync.Mutex
	events   []audit.Event
	attempts []audit.LoginAttempt
}

func (s *memTrail) Append(_ context.Context, e *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *memTrail) AppendLoginAttempt(_ context.Context, a *audit.LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *memTrail) Query(_ context.Context, f audit.Filter) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.events {
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memTrail) Totals(_ context.Context, _ time.Time) (audit.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := audit.Totals{TotalEvents: int64(len(s.events))}
	for _, e := range s.events {
		if len(e.PHIFields) > 0 {
			t.PHIAccesses++
		}
		if !e.Success {
			t.FailedEvents++
		}
		if e.Action == audit.ActionLogin || e.Action == audit.ActionLoginFailed {
			t.LoginEvents++
		}
	}
	return t, nil
}

func (s *memTrail) DeleteOlderThan(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type memPolicyStore struct {
	mu       sync.Mutex
	policies map[string]*retention.Policy
}

func (s *memPolicyStore) Create(_ context.Context, p *retention.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.policies {
		if existing.ResourceType == p.ResourceType && existing.ResourceID == p.ResourceID {
			return retention.ErrDuplicatePolicy
		}
	}
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *memPolicyStore) Find(_ context.Context, id string) (*retention.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, retention.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memPolicyStore) FindByResource(_ context.Context, kind record.Kind, resourceID string) (*retention.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.ResourceType == kind && p.ResourceID == resourceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, retention.ErrNotFound
}

func (s *memPolicyStore) Due(_ context.Context, kind record.Kind, now time.Time) ([]retention.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []retention.Policy
	for _, p := range s.policies {
		if p.CompletedAt != nil || p.ScheduledAt.After(now) {
			continue
		}
		if kind != "" && p.ResourceType != kind {
			continue
		}
		due = append(due, *p)
	}
	return due, nil
}

func (s *memPolicyStore) UpdateWindow(_ context.Context, id string, windowDays int) (*retention.Policy, *retention.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, nil, retention.ErrNotFound
	}
	old := *p
	p.WindowDays = windowDays
	p.ScheduledAt = p.CreatedAt.AddDate(0, 0, windowDays)
	updated := *p
	return &old, &updated, nil
}

func (s *memPolicyStore) MarkCompleted(_ context.Context, id string, at time.Time, reason string) (*retention.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, retention.ErrNotFound
	}
	if p.CompletedAt != nil {
		return nil, retention.ErrAlreadyCompleted
	}
	p.CompletedAt = &at
	p.Reason = reason
	cp := *p
	return &cp, nil
}

func (s *memPolicyStore) AudioStats(_ context.Context, _ string) (retention.AudioStats, error) {
	return retention.AudioStats{}, nil
}

func (s *memPolicyStore) Totals(_ context.Context, _ time.Time) (retention.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t retention.Totals
	for _, p := range s.policies {
		if p.CompletedAt != nil {
			t.CompletedDeletions++
		} else {
			t.ActivePolicies++
		}
	}
	return t, nil
}

type memPatients struct {
	mu       sync.Mutex
	patients map[string]*record.Patient
}

func (s *memPatients) Find(_ context.Context, id string) (*record.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, record.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memPatients) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patients, id)
	return nil
}

type memNotes struct {
	mu    sync.Mutex
	notes map[string]*record.Note
}

func (s *memNotes) Find(_ context.Context, id string) (*record.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return nil, record.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *memNotes) ListByPatient(_ context.Context, patientID string) ([]record.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Note
	for _, n := range s.notes {
		if n.PatientID == patientID {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (s *memNotes) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, id)
	return nil
}

func (s *memNotes) ScheduleAudio(_ context.Context, noteID string, retentionDays int, scheduledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[noteID]
	if !ok {
		return record.ErrNotFound
	}
	n.AudioRetentionDays = retentionDays
	n.AudioScheduledAt = &scheduledAt
	return nil
}

func (s *memNotes) ClearAudio(_ context.Context, noteID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[noteID]
	if !ok {
		return record.ErrNotFound
	}
	n.AudioFile = ""
	n.AudioSecurelyDestroyed = true
	return nil
}

// testEnv assembles the whole API over the in-memory stores.
type testEnv struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	users    *memUsers
	mfa      *memMFA
	trail    *memTrail
	policies *memPolicyStore
	patients *memPatients
	notes    *memNotes
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		t:        t,
		users:    &memUsers{users: make(map[string]*access.Actor)},
		mfa:      &memMFA{records: make(map[string]*access.MFA)},
		trail:    &memTrail{},
		policies: &memPolicyStore{policies: make(map[string]*retention.Policy)},
		patients: &memPatients{patients: make(map[string]*record.Patient)},
		notes:    &memNotes{notes: make(map[string]*record.Note)},
	}

	rec := audit.NewRecorder(env.trail, zap.NewNop())
	svc, err := access.NewService(env.users, rec, access.WithMFAStore(env.mfa))
	if err != nil {
		t.Fatalf("access.NewService: %v", err)
	}
	mgr, err := retention.NewManager(env.policies, env.notes, rec)
	if err != nil {
		t.Fatalf("retention.NewManager: %v", err)
	}
	engine, err := shred.NewEngine(mgr, env.patients, env.notes, env.trail, rec, t.TempDir())
	if err != nil {
		t.Fatalf("shred.NewEngine: %v", err)
	}
	reporter, err := report.NewReporter(env.trail, mgr)
	if err != nil {
		t.Fatalf("report.NewReporter: %v", err)
	}
	tokens, err := NewTokenIssuer([]byte("0123456789abcdef"), time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	// Generous limits so tests never trip the per-IP bucket.
	api := New(ReadyProbe{}, "test", Deps{
		Users:    env.users,
		Notes:    env.notes,
		Access:   svc,
		Recorder: rec,
		Trail:    env.trail,
		Policies: mgr,
		Engine:   engine,
		Reporter: reporter,
		Tokens:   tokens,
	})
	api.rateBurst = 1000
	api.ratePerSec = 1000
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	env.baseURL = srv.URL
	env.client = srv.Client()
	return env
}

func (e *testEnv) addUser(username, password string, role access.Role, tenant string) *access.Actor {
	e.t.Helper()
	hash, err := access.HashPassword(password)
	if err != nil {
		e.t.Fatalf("HashPassword: %v", err)
	}
	u := &access.Actor{
		ID:           "id-" + username,
		Username:     username,
		DisplayName:  username,
		Role:         role,
		TenantID:     tenant,
		PasswordHash: hash,
		Active:       true,
	}
	e.users.mu.Lock()
	e.users.users[username] = u
	e.users.mu.Unlock()
	return u
}

func (e *testEnv) login(username, password string) string {
	e.t.Helper()
	resp := e.post("/v1/auth/login", loginRequest{Username: username, Password: password}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("login %s: status %d", username, resp.StatusCode)
	}
	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		e.t.Fatalf("decode login response: %v", err)
	}
	return body.Token
}

func (e *testEnv) post(path string, body any, token string) *http.Response {
	return e.do(http.MethodPost, path, body, token)
}

func (e *testEnv) put(path string, body any, token string) *http.Response {
	return e.do(http.MethodPut, path, body, token)
}

func (e *testEnv) do(method, path string, body any, token string) *http.Response {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) get(path string, params url.Values, token string) *http.Response {
	e.t.Helper()
	u, err := url.Parse(e.baseURL + path)
	if err != nil {
		e.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
