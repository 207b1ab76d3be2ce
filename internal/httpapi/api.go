// Package httpapi is the HTTP boundary of the compliance core.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"clinivault.org/internal/access"
	"clinivault.org/internal/audit"
	"clinivault.org/internal/obs"
	"clinivault.org/internal/record"
	"clinivault.org/internal/report"
	"clinivault.org/internal/retention"
	"clinivault.org/internal/shred"
)

const serviceName = "clinivault-api"

// ReadyProbe checks the service can reach its database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries everything the API serves.
type Deps struct {
	Users    access.UserStore
	Notes    record.NoteStore
	Access   *access.Service
	Recorder *audit.Recorder
	Trail    audit.Store
	Policies *retention.Manager
	Engine   *shred.Engine
	Reporter *report.Reporter
	Tokens   *TokenIssuer
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	users    access.UserStore
	notes    record.NoteStore
	access   *access.Service
	rec      *audit.Recorder
	trail    audit.Store
	policies *retention.Manager
	engine   *shred.Engine
	reporter *report.Reporter
	tokens   *TokenIssuer

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		users:      deps.Users,
		notes:      deps.Notes,
		access:     deps.Access,
		rec:        deps.Recorder,
		trail:      deps.Trail,
		policies:   deps.Policies,
		engine:     deps.Engine,
		reporter:   deps.Reporter,
		tokens:     deps.Tokens,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/mfa/enroll", a.handleMFAEnroll)
	a.mux.HandleFunc("/v1/auth/mfa/confirm", a.handleMFAConfirm)
	a.mux.HandleFunc("/v1/auth/mfa/disable", a.handleMFADisable)

	// audit trail
	a.mux.HandleFunc("/v1/audit/events", a.handleAuditEvent)
	a.mux.HandleFunc("/v1/admin/audit-logs", a.handleAuditLogs)

	// compliance
	a.mux.HandleFunc("/v1/admin/compliance-report", a.handleComplianceReport)

	// retention
	a.mux.HandleFunc("/v1/admin/retention-policies", a.handleRetentionPolicies)
	a.mux.HandleFunc("/v1/admin/retention-policies/", a.handleRetentionPolicyScoped)
	a.mux.HandleFunc("/v1/admin/retention-sweep", a.handleRetentionSweep)
	a.mux.HandleFunc("/v1/notes/", a.handleNoteScoped)
	a.mux.HandleFunc("/v1/retention/stats", a.handleRetentionStats)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = Logging(h)
	h = RequestID(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = MaxBodyBytes(h, 1<<20)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
