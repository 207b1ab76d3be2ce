package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinivault.org/internal/access"
	"clinivault.org/internal/audit"
	"clinivault.org/internal/record"
)

const timeFormat = time.RFC3339

type auditEventRequest struct {
	Action       string   `json:"action"`
	Severity     string   `json:"severity"`
	ResourceType string   `json:"resource_type"`
	ResourceID   string   `json:"resource_id"`
	PatientID    string   `json:"patient_id"`
	PHIFields    []string `json:"phi_fields"`
	Description  string   `json:"description"`
	Success      *bool    `json:"success"`
}

// handleAuditEvent lets authenticated handlers record actions the
// access service does not itself see, such as exports.
func (a *API) handleAuditEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	var req auditEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Action == "" || req.ResourceType == "" {
		writeError(w, r, http.StatusBadRequest, "action and resource_type are required")
		return
	}

	success := true
	if req.Success != nil {
		success = *req.Success
	}
	severity := audit.Severity(req.Severity)
	if severity == "" {
		severity = audit.SeverityLow
	}
	a.rec.Record(r.Context(), audit.Event{
		ActorID:      actor.ID,
		ActorName:    actor.Name(),
		Action:       audit.Action(req.Action),
		Severity:     severity,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		PatientID:    req.PatientID,
		PHIFields:    req.PHIFields,
		Description:  req.Description,
		Success:      success,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !a.authorize(w, r, actor, access.PermissionReadAuditLog, nil) {
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Username:     q.Get("username"),
		Action:       audit.Action(q.Get("action")),
		ResourceType: q.Get("resource_type"),
		PatientID:    q.Get("patient_id"),
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid success filter")
			return
		}
		filter.Success = &b
	}
	var err error
	if filter.Since, err = parseTimeParam(q.Get("since")); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid since timestamp")
		return
	}
	if filter.Until, err = parseTimeParam(q.Get("until")); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid until timestamp")
		return
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	events, err := a.trail.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not query audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": eventsPayload(events),
		"count":  len(events),
	})
}

func eventsPayload(events []audit.Event) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"id":            e.ID,
			"actor_id":      e.ActorID,
			"actor_name":    e.ActorName,
			"source_ip":     e.SourceIP,
			"action":        e.Action,
			"severity":      e.Severity,
			"resource_type": e.ResourceType,
			"resource_id":   e.ResourceID,
			"patient_id":    e.PatientID,
			"phi_fields":    e.PHIFields,
			"description":   e.Description,
			"success":       e.Success,
			"error_detail":  e.ErrorDetail,
			"endpoint":      e.Endpoint,
			"method":        e.Method,
			"created_at":    e.CreatedAt.Format(timeFormat),
		})
	}
	return out
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, v)
}

// --- shared handler helpers ---

// requireActor pulls the authenticated actor from the context.
func (a *API) requireActor(w http.ResponseWriter, r *http.Request) (*access.Actor, bool) {
	actor, ok := access.ActorFromContext(r.Context())
	if !ok || actor == nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return actor, true
}

// authorize runs the access decision and writes a deliberately generic
// denial. The decision itself audits, so nothing else is logged here.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, actor *access.Actor, perm access.Permission, target *record.Ref) bool {
	d := a.access.Authorize(r.Context(), actor, perm, target)
	if !d.Allowed {
		writeError(w, r, http.StatusForbidden, "not authorized")
		return false
	}
	return true
}

// authorizeRecord is the record-scoped variant of authorize. Denials
// answer 404 with the same body as a missing record, so a caller who
// cannot reach a record cannot learn that it exists. The decision is
// still made and audited.
func (a *API) authorizeRecord(w http.ResponseWriter, r *http.Request, actor *access.Actor, perm access.Permission, target *record.Ref) bool {
	d := a.access.Authorize(r.Context(), actor, perm, target)
	if !d.Allowed {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
