package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"admin-gate/audit"
	"admin-gate/mfa"
	"admin-gate/roles"
)

type adminProvisionRequest struct {
	ResetLockout bool   `json:"reset_lockout"`
	Label        string `json:"label"`
	Reason       string `json:"reason"`
}

type adminActionRequest struct {
	Reason string `json:"reason"`
}

type adminAuditListResponse struct {
	Success bool          `json:"success"`
	Events  []audit.Event `json:"events"`
}

// targetUserID reads {userID} and normalises it. It writes a 400 and
// returns "" when the id is not a UUID.
func targetUserID(w http.ResponseWriter, r *http.Request) string {
	id, err := uuid.Parse(strings.TrimSpace(mux.Vars(r)["userID"]))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return ""
	}
	return id.String()
}

func recordAudit(r *http.Request, e audit.Entry) {
	if auditLog == nil {
		return
	}
	if err := auditLog.Record(context.WithoutCancel(r.Context()), e); err != nil {
		Errorf("audit %s target=%s: %v", e.Action, e.TargetUser, err)
	}
}

// respondAdminError maps service errors for operator endpoints.
func respondAdminError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, mfa.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		Errorf("admin %s: %v", op, err)
		respondError(w, http.StatusInternalServerError, op+" failed")
	}
}

func adminMFAStatusHandler(w http.ResponseWriter, r *http.Request) {
	target := targetUserID(w, r)
	if target == "" {
		return
	}
	st, err := gate.Status(r.Context(), target)
	if err != nil {
		respondAdminError(w, "status", err)
		return
	}
	respondJSON(w, http.StatusOK, mfaStatusResponse{Success: true, Account: st})
}

// adminMFAGrantHandler makes the target an admin candidate: admin role plus
// an unprovisioned account.
func adminMFAGrantHandler(w http.ResponseWriter, r *http.Request) {
	target := targetUserID(w, r)
	if target == "" {
		return
	}
	var req adminActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	actor := userIDFrom(r.Context())

	roleAdded, err := roleStore.Grant(r.Context(), target, roles.Admin, actor)
	if err != nil {
		respondAdminError(w, "grant", err)
		return
	}
	created, err := gate.Grant(r.Context(), target)
	if err != nil {
		respondAdminError(w, "grant", err)
		return
	}

	recordAudit(r, audit.Entry{Action: audit.ActionGrant, TargetUser: target, Actor: actor, Reason: req.Reason,
		Metadata: map[string]any{"role_added": roleAdded, "account_created": created}})
	Infof("admin grant target=%s actor=%s created=%v", target, actor, created)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]any{"success": true, "created": created, "role_added": roleAdded})
}

func adminMFAUnblockHandler(w http.ResponseWriter, r *http.Request) {
	target := targetUserID(w, r)
	if target == "" {
		return
	}
	var req adminActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	actor := userIDFrom(r.Context())

	if err := gate.Unblock(r.Context(), target); err != nil {
		respondAdminError(w, "unblock", err)
		return
	}
	recordAudit(r, audit.Entry{Action: audit.ActionUnblock, TargetUser: target, Actor: actor, Reason: req.Reason})
	Infof("admin unblock target=%s actor=%s", target, actor)
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// adminMFAProvisionHandler issues a new secret, replacing any existing one.
// The lockout is only reset when asked for.
func adminMFAProvisionHandler(w http.ResponseWriter, r *http.Request) {
	target := targetUserID(w, r)
	if target == "" {
		return
	}
	var req adminProvisionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	actor := userIDFrom(r.Context())

	before, err := gate.Status(r.Context(), target)
	if err != nil {
		respondAdminError(w, "provision", err)
		return
	}
	p, err := gate.Provision(r.Context(), target, mfa.ProvisionOptions{
		Label:        req.Label,
		Overwrite:    true,
		ResetLockout: req.ResetLockout,
	})
	if err != nil {
		respondAdminError(w, "provision", err)
		return
	}

	action := audit.ActionProvision
	if before.IsProvisioned {
		action = audit.ActionReprovision
	}
	recordAudit(r, audit.Entry{Action: action, TargetUser: target, Actor: actor, Reason: req.Reason,
		Metadata: map[string]any{"mode": "operator", "reset_lockout": req.ResetLockout}})
	provisionings.WithLabelValues("operator").Inc()
	Infof("admin provision target=%s actor=%s reset_lockout=%v", target, actor, req.ResetLockout)
	respondJSON(w, http.StatusOK, provisionResponse(p))
}

func adminMFARevokeHandler(w http.ResponseWriter, r *http.Request) {
	target := targetUserID(w, r)
	if target == "" {
		return
	}
	actor := userIDFrom(r.Context())
	if err := gate.Revoke(r.Context(), target); err != nil {
		respondAdminError(w, "revoke", err)
		return
	}
	recordAudit(r, audit.Entry{Action: audit.ActionRevoke, TargetUser: target, Actor: actor,
		Reason: strings.TrimSpace(r.URL.Query().Get("reason"))})
	Infof("admin revoke target=%s actor=%s", target, actor)
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func adminAuditListHandler(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		Limit:    parseIntQuery(r, "limit", 50, 1, 200),
		BeforeID: parseInt64Query(r, "before_id", 0),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("action")); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				q.Actions = append(q.Actions, a)
			}
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("user")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid user id")
			return
		}
		q.TargetUser = id.String()
	}

	events, err := auditLog.List(r.Context(), q)
	if err != nil {
		Errorf("audit list: %v", err)
		respondError(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, adminAuditListResponse{Success: true, Events: events})
}

func parseIntQuery(r *http.Request, key string, def, min, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if val < min {
		return min
	}
	if max > 0 && val > max {
		return max
	}
	return val
}

func parseInt64Query(r *http.Request, key string, def int64) int64 {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return val
}
