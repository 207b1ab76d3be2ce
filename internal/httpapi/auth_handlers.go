package httpapi

import (
	"errors"
	"net/http"

	"clinivault.org/internal/access"
)

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TOTPCode   string `json:"totp_code"`
	BackupCode string `json:"backup_code"`
}

type loginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresAt string `json:"expires_at"`
	Role      string `json:"role"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	actor, err := a.access.Login(r.Context(), req.Username, req.Password,
		access.MFACode{TOTP: req.TOTPCode, Backup: req.BackupCode})
	if err != nil {
		// Lockouts and missing second factors get their own status and
		// message so clients can react; every other denial is
		// deliberately indistinguishable.
		switch {
		case errors.Is(err, access.ErrAccountLocked):
			writeError(w, r, http.StatusLocked, "account temporarily locked")
		case errors.Is(err, access.ErrMFARequired):
			writeError(w, r, http.StatusUnauthorized, "second factor required")
		default:
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		}
		return
	}

	token, expires, err := a.tokens.Issue(actor.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expires.Format(timeFormat),
		Role:      string(actor.Role),
	})
}

type mfaConfirmRequest struct {
	TOTPCode string `json:"totp_code"`
}

// handleMFAEnroll issues a fresh TOTP secret and backup codes. They are
// returned once and never again; the enrollment stays off until the
// actor confirms a code.
func (a *API) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	enr, err := a.access.EnrollMFA(r.Context(), actor)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not start enrollment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":       enr.Secret,
		"otpauth_url":  enr.OTPAuthURL,
		"backup_codes": enr.BackupCodes,
	})
}

func (a *API) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	var req mfaConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.access.ConfirmMFA(r.Context(), actor, req.TOTPCode)
	switch {
	case errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "no pending enrollment")
	case errors.Is(err, access.ErrUnauthorized):
		writeError(w, r, http.StatusBadRequest, "invalid verification code")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "could not confirm enrollment")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
	}
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	err := a.access.DisableMFA(r.Context(), actor)
	switch {
	case errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "no enrollment")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "could not disable mfa")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
	}
}
