package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"admin-gate/audit"
	"admin-gate/mfa"
	"admin-gate/sessionguard"
)

const maxBodyBytes = 4 << 10

type mfaVerifyRequest struct {
	Code string `json:"code"`
}

type mfaVerifyResponse struct {
	Success           bool       `json:"success"`
	Error             string     `json:"error,omitempty"`
	RemainingAttempts *int       `json:"remaining_attempts,omitempty"`
	Blocked           bool       `json:"blocked,omitempty"`
	ElevatedUntil     *time.Time `json:"elevated_until,omitempty"`
}

type mfaProvisionResponse struct {
	Success bool   `json:"success"`
	Secret  string `json:"secret"`
	Otpauth string `json:"otpauth"`
	QRPNG   string `json:"qr_png"`
	Issuer  string `json:"issuer"`
	Account string `json:"account"`
}

type mfaStatusResponse struct {
	Success bool       `json:"success"`
	Account mfa.Status `json:"account"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload != nil {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]any{"success": false, "error": msg})
}

func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// verifyOutcome maps a Service.Verify result to the wire response.
func verifyOutcome(err error) (int, mfaVerifyResponse, string) {
	var incorrect *mfa.IncorrectCodeError
	switch {
	case err == nil:
		return http.StatusOK, mfaVerifyResponse{Success: true}, "success"
	case errors.As(err, &incorrect):
		if incorrect.Blocked {
			return http.StatusForbidden, mfaVerifyResponse{Error: incorrect.Error(), Blocked: true}, "blocked"
		}
		left := incorrect.RemainingAttempts
		return http.StatusBadRequest, mfaVerifyResponse{Error: incorrect.Error(), RemainingAttempts: &left}, "incorrect"
	case errors.Is(err, mfa.ErrInvalidCode):
		return http.StatusBadRequest, mfaVerifyResponse{Error: err.Error()}, "invalid"
	case errors.Is(err, mfa.ErrNotFound):
		return http.StatusNotFound, mfaVerifyResponse{Error: err.Error()}, "not_found"
	case errors.Is(err, mfa.ErrBlocked):
		return http.StatusForbidden, mfaVerifyResponse{Error: err.Error()}, "rejected_blocked"
	case errors.Is(err, mfa.ErrNotProvisioned):
		return http.StatusBadRequest, mfaVerifyResponse{Error: err.Error()}, "not_provisioned"
	default:
		return http.StatusInternalServerError, mfaVerifyResponse{Error: "verification failed, please try again"}, "error"
	}
}

// mfaVerifyHandler checks the caller's code and, on success, opens the
// elevated session.
func mfaVerifyHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var req mfaVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		verifyResults.WithLabelValues("invalid").Inc()
		respondJSON(w, http.StatusBadRequest, mfaVerifyResponse{Error: "invalid payload"})
		return
	}

	err := gate.Verify(r.Context(), userID, req.Code)
	status, resp, result := verifyOutcome(err)
	verifyResults.WithLabelValues(result).Inc()
	if status == http.StatusInternalServerError {
		Errorf("mfa verify: user=%s: %v", userID, err)
	} else if err != nil {
		Infof("mfa verify rejected user=%s ip=%s result=%s", userID, clientIP(r), result)
	}

	if err == nil {
		m, serr := elevatedSession(w, r).Establish(userID)
		if serr != nil {
			Errorf("mfa verify: issue elevated session user=%s: %v", userID, serr)
			respondJSON(w, http.StatusInternalServerError, mfaVerifyResponse{Error: "verification failed, please try again"})
			return
		}
		until := m.ExpiresAt.UTC()
		resp.ElevatedUntil = &until
		Infof("mfa verify ok user=%s ip=%s", userID, clientIP(r))
	} else if status == http.StatusForbidden {
		// a blocked account must not keep an elevated session
		_ = elevatedSession(w, r).Clear()
	}
	respondJSON(w, status, resp)
}

// mfaProvisionHandler is the one-time self-service setup for an account an
// operator has granted but not yet provisioned.
func mfaProvisionHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	p, err := gate.Provision(r.Context(), userID, mfa.ProvisionOptions{Label: labelFrom(r.Context())})
	switch {
	case errors.Is(err, mfa.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, mfa.ErrAlreadyProvisioned):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		Errorf("mfa provision: user=%s: %v", userID, err)
		respondError(w, http.StatusInternalServerError, "provisioning failed")
		return
	}

	recordAudit(r, audit.Entry{Action: audit.ActionProvision, TargetUser: userID, Actor: userID,
		Metadata: map[string]any{"mode": "self"}})
	provisionings.WithLabelValues("self").Inc()
	respondJSON(w, http.StatusOK, provisionResponse(p))
}

func provisionResponse(p mfa.Provisioning) mfaProvisionResponse {
	return mfaProvisionResponse{
		Success: true,
		Secret:  p.Secret,
		Otpauth: p.KeyURI,
		QRPNG:   base64.StdEncoding.EncodeToString(p.QRCode),
		Issuer:  gate.Issuer,
		Account: p.Account,
	}
}

// mfaStatusHandler returns the caller's own account state for the route guard.
func mfaStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := gate.Status(r.Context(), userIDFrom(r.Context()))
	switch {
	case errors.Is(err, mfa.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case err != nil:
		Errorf("mfa status: %v", err)
		respondError(w, http.StatusInternalServerError, "status lookup failed")
	default:
		respondJSON(w, http.StatusOK, mfaStatusResponse{Success: true, Account: st})
	}
}

// remainingSeconds rounds up so a client never shows 0 while still valid.
func remainingSeconds(m sessionguard.Marker) int {
	d := m.Remaining(now())
	return int((d + time.Second - 1) / time.Second)
}
