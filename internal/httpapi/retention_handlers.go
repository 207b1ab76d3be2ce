package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"clinivault.org/internal/access"
	"clinivault.org/internal/audit"
	"clinivault.org/internal/record"
	"clinivault.org/internal/retention"
	"clinivault.org/internal/shred"
)

type createPolicyRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	WindowDays   int    `json:"window_days"`
	Reason       string `json:"reason"`
}

type updateWindowRequest struct {
	WindowDays int `json:"window_days"`
}

type audioRetentionRequest struct {
	RetentionDays int `json:"retention_days"`
}

func (a *API) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !a.authorize(w, r, actor, access.PermissionAccessReports, nil) {
		return
	}

	since, err := parseTimeParam(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid since timestamp")
		return
	}
	rep, err := a.reporter.Report(r.Context(), since)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not build report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleRetentionPolicies(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !a.authorize(w, r, actor, access.PermissionManageRetention, nil) {
			return
		}
		due, err := a.policies.DueForDestruction(r.Context(), record.Kind(r.URL.Query().Get("resource_type")))
		if errors.Is(err, retention.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, "unknown resource type")
			return
		}
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "could not list policies")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"due":   policiesPayload(due),
			"count": len(due),
		})

	case http.MethodPost:
		if !a.authorize(w, r, actor, access.PermissionManageRetention, nil) {
			return
		}
		var req createPolicyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, err := a.policies.CreatePolicy(r.Context(), actorRef(actor),
			record.Kind(req.ResourceType), req.ResourceID, req.WindowDays, req.Reason)
		if err != nil {
			writePolicyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, policyPayload(p))

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleRetentionPolicyScoped routes /v1/admin/retention-policies/{id}/window.
func (a *API) handleRetentionPolicyScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/retention-policies/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "window" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !a.authorize(w, r, actor, access.PermissionManageRetention, nil) {
		return
	}

	var req updateWindowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.policies.UpdateWindow(r.Context(), actorRef(actor), parts[0], req.WindowDays)
	if err != nil {
		writePolicyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyPayload(p))
}

func (a *API) handleRetentionSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !a.authorize(w, r, actor, access.PermissionManageSystem, nil) {
		return
	}

	res, err := a.engine.RunSweep(r.Context(), shred.TriggerManual)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "sweep failed to start")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleNoteScoped routes /v1/notes/{id}/audio/retention.
func (a *API) handleNoteScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/notes/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "audio" || parts[2] != "retention" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	noteID := parts[0]

	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPost, http.MethodPut)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	note, err := a.notes.Find(r.Context(), noteID)
	if errors.Is(err, record.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not load note")
		return
	}
	if !a.authorizeRecord(w, r, actor, access.PermissionUpdateNote, record.NoteRef(note)) {
		return
	}

	var req audioRetentionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var p *retention.Policy
	switch r.Method {
	case http.MethodPost:
		p, err = a.policies.ScheduleAudioDeletion(r.Context(), actorRef(actor), noteID, req.RetentionDays)
	default:
		p, err = a.policies.UpdateAudioRetention(r.Context(), actorRef(actor), noteID, req.RetentionDays)
	}
	if err != nil {
		writePolicyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyPayload(p))
}

func (a *API) handleRetentionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !a.authorize(w, r, actor, access.PermissionReadNote, nil) {
		return
	}

	// System-wide stats only for actors holding the system permission;
	// everyone else sees their own records.
	ownerID := actor.ID
	if access.RoleHasPermission(actor.Role, access.PermissionManageSystem) {
		ownerID = ""
	}
	stats, err := a.policies.Stats(r.Context(), ownerID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- payload helpers ---

func actorRef(a *access.Actor) audit.ActorRef {
	return audit.ActorRef{ID: a.ID, Name: a.Name()}
}

func policyPayload(p *retention.Policy) map[string]any {
	out := map[string]any{
		"id":            p.ID,
		"resource_type": p.ResourceType,
		"resource_id":   p.ResourceID,
		"window_days":   p.WindowDays,
		"reason":        p.Reason,
		"scheduled_at":  p.ScheduledAt.Format(timeFormat),
		"created_at":    p.CreatedAt.Format(timeFormat),
	}
	if p.CompletedAt != nil {
		out["completed_at"] = p.CompletedAt.Format(timeFormat)
	}
	return out
}

func policiesPayload(policies []retention.Policy) []map[string]any {
	out := make([]map[string]any, 0, len(policies))
	for i := range policies {
		out = append(out, policyPayload(&policies[i]))
	}
	return out
}

func writePolicyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, retention.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, retention.ErrNotFound), errors.Is(err, record.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, retention.ErrDuplicatePolicy):
		writeError(w, r, http.StatusConflict, "policy already exists for resource")
	case errors.Is(err, retention.ErrAlreadyCompleted):
		writeError(w, r, http.StatusConflict, "policy already completed")
	default:
		writeError(w, r, http.StatusInternalServerError, "retention operation failed")
	}
}
