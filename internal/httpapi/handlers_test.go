package httpapi

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"clinivault.org/internal/access"
	"clinivault.org/internal/record"
	"clinivault.org/internal/retention"
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get("/healthz", nil, "")
	var body map[string]any
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
}

func TestLoginAndToken(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("dr.chen", "correct horse", access.RoleProvider, "t1")

	token := env.login("dr.chen", "correct horse")
	if token == "" {
		t.Fatal("empty token")
	}

	// Wrong password gets a generic denial.
	resp := env.post("/v1/auth/login", loginRequest{Username: "dr.chen", Password: "wrong"}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", resp.StatusCode)
	}

	// Unknown user reads identically.
	resp = env.post("/v1/auth/login", loginRequest{Username: "nobody", Password: "wrong"}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown user: %d", resp.StatusCode)
	}
}

func TestMFAEnrollConfirmAndLogin(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("dr.chen", "pw", access.RoleProvider, "t1")
	token := env.login("dr.chen", "pw")

	resp := env.post("/v1/auth/mfa/enroll", nil, token)
	var enrollment struct {
		Secret      string   `json:"secret"`
		OTPAuthURL  string   `json:"otpauth_url"`
		BackupCodes []string `json:"backup_codes"`
	}
	decodeBody(t, resp, &enrollment)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enroll: %d", resp.StatusCode)
	}
	if enrollment.Secret == "" || enrollment.OTPAuthURL == "" || len(enrollment.BackupCodes) != 10 {
		t.Fatalf("enrollment payload: %+v", enrollment)
	}

	// Pending enrollments do not gate login yet.
	resp = env.post("/v1/auth/login", loginRequest{Username: "dr.chen", Password: "pw"}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login before confirmation: %d", resp.StatusCode)
	}

	// A wrong code leaves the enrollment off.
	resp = env.post("/v1/auth/mfa/confirm", mfaConfirmRequest{TOTPCode: "000000"}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("confirm with wrong code: %d", resp.StatusCode)
	}

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	resp = env.post("/v1/auth/mfa/confirm", mfaConfirmRequest{TOTPCode: code}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d", resp.StatusCode)
	}

	// Password alone now gets its own message so clients can prompt.
	resp = env.post("/v1/auth/login", loginRequest{Username: "dr.chen", Password: "pw"}, "")
	var denial map[string]any
	decodeBody(t, resp, &denial)
	if resp.StatusCode != http.StatusUnauthorized || denial["error"] != "second factor required" {
		t.Fatalf("login without code: %d %v", resp.StatusCode, denial)
	}

	code, err = totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	resp = env.post("/v1/auth/login", loginRequest{Username: "dr.chen", Password: "pw", TOTPCode: code}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with code: %d", resp.StatusCode)
	}

	// Backup codes are single-use.
	backup := enrollment.BackupCodes[0]
	resp = env.post("/v1/auth/login", loginRequest{Username: "dr.chen", Password: "pw", BackupCode: backup}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with backup code: %d", resp.StatusCode)
	}
	resp = env.post("/v1/auth/login", loginRequest{Username: "dr.chen", Password: "pw", BackupCode: backup}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reused backup code: %d", resp.StatusCode)
	}

	// Disabling restores password-only login.
	resp = env.post("/v1/auth/mfa/disable", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable: %d", resp.StatusCode)
	}
	resp = env.post("/v1/auth/login", loginRequest{Username: "dr.chen", Password: "pw"}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login after disable: %d", resp.StatusCode)
	}
}

func TestLockedAccountGetsDistinctStatus(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("dr.chen", "pw", access.RoleProvider, "t1")

	for i := 0; i < 3; i++ {
		resp := env.post("/v1/auth/login", loginRequest{Username: "dr.chen", Password: "bad"}, "")
		resp.Body.Close()
	}
	resp := env.post("/v1/auth/login", loginRequest{Username: "dr.chen", Password: "pw"}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("locked account: %d", resp.StatusCode)
	}
}

func TestProtectedEndpointRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get("/v1/admin/audit-logs", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", resp.StatusCode)
	}

	resp = env.get("/v1/admin/audit-logs", nil, "not-a-jwt")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", resp.StatusCode)
	}
}

func TestAuditLogsRequirePermission(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("admin", "pw", access.RoleAdmin, "t1")
	env.addUser("viewer", "pw", access.RoleReadOnly, "t1")

	adminToken := env.login("admin", "pw")
	viewerToken := env.login("viewer", "pw")

	resp := env.get("/v1/admin/audit-logs", nil, viewerToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("read_only reading audit logs: %d", resp.StatusCode)
	}

	resp = env.get("/v1/admin/audit-logs", url.Values{"action": {"LOGIN"}}, adminToken)
	var body struct {
		Events []map[string]any `json:"events"`
		Count  int              `json:"count"`
	}
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin reading audit logs: %d", resp.StatusCode)
	}
	if body.Count == 0 {
		t.Fatal("login events should already be in the trail")
	}
}

func TestComplianceReport(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("auditor", "pw", access.RoleAuditor, "t1")
	token := env.login("auditor", "pw")

	resp := env.get("/v1/admin/compliance-report", nil, token)
	var body map[string]any
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("compliance report: %d", resp.StatusCode)
	}
	if body["total_events"] == nil || body["audit_trail_active"] != true {
		t.Fatalf("report payload: %v", body)
	}
}

func TestRetentionPolicyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("admin", "pw", access.RoleAdmin, "t1")
	token := env.login("admin", "pw")

	resp := env.post("/v1/admin/retention-policies", createPolicyRequest{
		ResourceType: "patient",
		ResourceID:   "p1",
		WindowDays:   30,
		Reason:       "test",
	}, token)
	var created map[string]any
	decodeBody(t, resp, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create policy: %d %v", resp.StatusCode, created)
	}
	// 30 days is below the clinical floor and gets clamped.
	if created["window_days"] != float64(retention.MinimumClinicalRetentionDays) {
		t.Fatalf("window not clamped: %v", created["window_days"])
	}

	id, _ := created["id"].(string)
	resp = env.put("/v1/admin/retention-policies/"+id+"/window", updateWindowRequest{WindowDays: 3000}, token)
	var updated map[string]any
	decodeBody(t, resp, &updated)
	if resp.StatusCode != http.StatusOK || updated["window_days"] != float64(3000) {
		t.Fatalf("update window: %d %v", resp.StatusCode, updated)
	}

	// Duplicate resource conflicts.
	resp = env.post("/v1/admin/retention-policies", createPolicyRequest{
		ResourceType: "patient",
		ResourceID:   "p1",
	}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate policy: %d", resp.StatusCode)
	}
}

func TestNoteAudioRetentionOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser("owner", "pw", access.RoleProvider, "t1")
	env.addUser("other", "pw", access.RoleProvider, "t1")

	env.notes.notes["n1"] = &record.Note{
		ID: "n1", TenantID: "t1", OwnerID: owner.ID, PatientID: "p1",
		AudioFile: "n1.wav",
	}

	// Denied record access reads the same as a missing record.
	otherToken := env.login("other", "pw")
	resp := env.post("/v1/notes/n1/audio/retention", audioRetentionRequest{RetentionDays: 14}, otherToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("non-owner scheduling audio deletion: %d", resp.StatusCode)
	}

	ownerToken := env.login("owner", "pw")
	resp = env.post("/v1/notes/n1/audio/retention", audioRetentionRequest{RetentionDays: 14}, ownerToken)
	var body map[string]any
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner scheduling audio deletion: %d %v", resp.StatusCode, body)
	}
	if body["resource_type"] != "note_audio" || body["window_days"] != float64(14) {
		t.Fatalf("policy payload: %v", body)
	}

	n := env.notes.notes["n1"]
	if n.AudioRetentionDays != 14 || n.AudioScheduledAt == nil {
		t.Fatalf("note schedule not set: %+v", n)
	}
}

// A provider in another tenant must not be able to tell a real note id
// from a made-up one by comparing responses.
func TestNoteAudioRetentionHidesForeignNotes(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser("owner", "pw", access.RoleProvider, "t1")
	env.addUser("intruder", "pw", access.RoleProvider, "t2")

	env.notes.notes["n1"] = &record.Note{
		ID: "n1", TenantID: "t1", OwnerID: owner.ID, PatientID: "p1",
		AudioFile: "n1.wav",
	}

	token := env.login("intruder", "pw")

	real := env.post("/v1/notes/n1/audio/retention", audioRetentionRequest{RetentionDays: 14}, token)
	var realBody map[string]any
	decodeBody(t, real, &realBody)

	missing := env.post("/v1/notes/no-such-note/audio/retention", audioRetentionRequest{RetentionDays: 14}, token)
	var missingBody map[string]any
	decodeBody(t, missing, &missingBody)

	if real.StatusCode != http.StatusNotFound || missing.StatusCode != http.StatusNotFound {
		t.Fatalf("statuses differ: existing=%d missing=%d", real.StatusCode, missing.StatusCode)
	}
	if realBody["error"] != missingBody["error"] {
		t.Fatalf("bodies differ: existing=%v missing=%v", realBody["error"], missingBody["error"])
	}

	// The hidden denial is still audited.
	found := false
	env.trail.mu.Lock()
	for _, e := range env.trail.events {
		if e.ActorID == "id-intruder" && !e.Success && e.ResourceID == "n1" {
			found = true
		}
	}
	env.trail.mu.Unlock()
	if !found {
		t.Fatal("cross-tenant denial was not audited")
	}
}

func TestNoteAudioRetentionMethodCheck(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addUser("owner", "pw", access.RoleProvider, "t1")
	env.notes.notes["n1"] = &record.Note{
		ID: "n1", TenantID: "t1", OwnerID: owner.ID, PatientID: "p1",
		AudioFile: "n1.wav",
	}

	token := env.login("owner", "pw")
	resp := env.get("/v1/notes/n1/audio/retention", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET on audio retention: %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "POST, PUT" {
		t.Fatalf("Allow header: %q", allow)
	}
}

func TestManualSweepEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("admin", "pw", access.RoleAdmin, "t1")
	env.addUser("provider", "pw", access.RoleProvider, "t1")

	env.notes.notes["n1"] = &record.Note{ID: "n1", PatientID: "p1", TenantID: "t1"}
	past := time.Now().UTC().AddDate(0, 0, -1)
	env.policies.policies["pol1"] = &retention.Policy{
		ID: "pol1", ResourceType: record.KindNote, ResourceID: "n1",
		WindowDays: 1, ScheduledAt: past, CreatedAt: past.AddDate(0, 0, -1),
	}

	providerToken := env.login("provider", "pw")
	resp := env.post("/v1/admin/retention-sweep", nil, providerToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("provider triggering sweep: %d", resp.StatusCode)
	}

	adminToken := env.login("admin", "pw")
	resp = env.post("/v1/admin/retention-sweep", nil, adminToken)
	var body struct {
		NotesDeleted int      `json:"notes_deleted"`
		Errors       []string `json:"errors"`
	}
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin sweep: %d", resp.StatusCode)
	}
	if body.NotesDeleted != 1 || len(body.Errors) != 0 {
		t.Fatalf("sweep result: %+v", body)
	}
	if _, ok := env.notes.notes["n1"]; ok {
		t.Fatal("note survived the sweep")
	}
}

func TestRetentionStats(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("provider", "pw", access.RoleProvider, "t1")
	token := env.login("provider", "pw")

	resp := env.get("/v1/retention/stats", nil, token)
	var body map[string]any
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d", resp.StatusCode)
	}
	if body["default_retention_days"] != float64(retention.DefaultAudioRetentionDays) {
		t.Fatalf("stats payload: %v", body)
	}
}

func TestDirectAuditEvent(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("provider", "pw", access.RoleProvider, "t1")
	token := env.login("provider", "pw")

	resp := env.post("/v1/audit/events", auditEventRequest{
		Action:       "EXPORT",
		ResourceType: "patient",
		ResourceID:   "p1",
		Description:  "chart exported",
	}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("audit event: %d", resp.StatusCode)
	}

	env.trail.mu.Lock()
	defer env.trail.mu.Unlock()
	var found bool
	for _, e := range env.trail.events {
		if e.Action == "EXPORT" && e.ResourceID == "p1" {
			found = true
			if e.ActorName == "" || e.Endpoint != "/v1/audit/events" {
				t.Fatalf("event missing context: %+v", e)
			}
		}
	}
	if !found {
		t.Fatal("export event not recorded")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("admin", "pw", access.RoleAdmin, "t1")
	token := env.login("admin", "pw")

	resp := env.put("/v1/admin/retention-sweep", nil, token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("PUT sweep: %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "POST" {
		t.Fatalf("Allow header: %q", allow)
	}
}
