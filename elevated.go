package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"admin-gate/mfa"
	"admin-gate/sessionguard"
)

// ---------- Elevated session (signed HTTP-only cookie) ----------

const elevatedCookie = "admin_gate_elevated"

type elevatedClaims struct {
	UID string `json:"uid"`
	jwt.RegisteredClaims
}

// cookieMarkerStore keeps the elevated marker in a signed cookie. A marker
// saved during the request is what later loads in the same request see.
type cookieMarkerStore struct {
	w       http.ResponseWriter
	r       *http.Request
	pending *sessionguard.Marker
	cleared bool
}

func (s *cookieMarkerStore) Load() (sessionguard.Marker, error) {
	if s.cleared {
		return sessionguard.Marker{}, sessionguard.ErrNoMarker
	}
	if s.pending != nil {
		return *s.pending, nil
	}
	c, err := s.r.Cookie(elevatedCookie)
	if err != nil || strings.TrimSpace(c.Value) == "" {
		return sessionguard.Marker{}, sessionguard.ErrNoMarker
	}
	// Expiry is checked by the session against its own clock.
	claims := &elevatedClaims{}
	tok, err := jwt.ParseWithClaims(c.Value, claims, func(t *jwt.Token) (interface{}, error) {
		return sessionSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || !tok.Valid || claims.ExpiresAt == nil {
		return sessionguard.Marker{}, sessionguard.ErrNoMarker
	}
	return sessionguard.Marker{UserID: claims.UID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func (s *cookieMarkerStore) Save(m sessionguard.Marker) error {
	issued := now()
	claims := elevatedClaims{
		UID: m.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "admin-gate",
			Subject:   m.UserID,
			ExpiresAt: jwt.NewNumericDate(m.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(issued),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sessionSecret)
	if err != nil {
		return err
	}
	http.SetCookie(s.w, &http.Cookie{
		Name:     elevatedCookie,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(m.ExpiresAt.Sub(issued).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   forceSecureCookie,
	})
	s.pending = &m
	s.cleared = false
	return nil
}

func (s *cookieMarkerStore) Clear() error {
	if s.cleared {
		return nil
	}
	http.SetCookie(s.w, &http.Cookie{
		Name:     elevatedCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   forceSecureCookie,
	})
	s.pending = nil
	s.cleared = true
	return nil
}

func elevatedSession(w http.ResponseWriter, r *http.Request) *sessionguard.Session {
	return &sessionguard.Session{Store: &cookieMarkerStore{w: w, r: r}, Now: now}
}

type guardResult struct {
	State  sessionguard.State
	Marker sessionguard.Marker
}

// evaluateGuard collects the guard inputs for an authenticated caller.
// Lookup failures are returned so the caller can fail closed.
func evaluateGuard(ctx context.Context, sess *sessionguard.Session, userID string) (guardResult, error) {
	in := sessionguard.Inputs{LoggedIn: userID != ""}
	if !in.LoggedIn {
		return guardResult{State: sessionguard.Evaluate(in)}, nil
	}

	isAdmin, err := roleStore.IsAdmin(ctx, userID)
	if err != nil {
		return guardResult{}, err
	}
	in.IsAdmin = isAdmin
	if isAdmin {
		st, err := gate.Status(ctx, userID)
		switch {
		case errors.Is(err, mfa.ErrNotFound):
		case err != nil:
			return guardResult{}, err
		default:
			in.HasRecord = true
			in.Provisioned = st.IsProvisioned
			in.Blocked = st.IsBlocked
		}
	}

	m, err := sess.Current(userID)
	in.Elevated = err == nil
	if errors.Is(err, sessionguard.ErrExpired) || errors.Is(err, sessionguard.ErrMismatch) {
		_ = sess.Clear()
		sessionLocks.WithLabelValues(lockReason(err)).Inc()
	}
	return guardResult{State: sessionguard.Evaluate(in), Marker: m}, nil
}

func lockReason(err error) string {
	switch {
	case errors.Is(err, sessionguard.ErrExpired):
		return "idle"
	case errors.Is(err, sessionguard.ErrMismatch):
		return "mismatch"
	}
	return "missing"
}

type elevatedKey struct{}

func elevatedFrom(ctx context.Context) (sessionguard.Marker, bool) {
	m, ok := ctx.Value(elevatedKey{}).(sessionguard.Marker)
	return m, ok
}

func guardStatus(state sessionguard.State) int {
	if state == sessionguard.StateNotLoggedIn {
		return http.StatusUnauthorized
	}
	return http.StatusForbidden
}

// requireElevated lets a request through only in the authorized state and
// treats it as activity, so the cookie is re-issued with a full window.
func requireElevated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionguard.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		userID := userIDFrom(r.Context())
		sess := elevatedSession(w, r)

		res, err := evaluateGuard(r.Context(), sess, userID)
		if err != nil {
			Errorf("admin guard: user=%s: %v", userID, err)
			respondError(w, http.StatusInternalServerError, "authorization check failed")
			return
		}
		if !res.State.Allowed() {
			if res.State != sessionguard.StateNeeds2FA {
				_ = sess.Clear()
			}
			Debugf("admin guard denied user=%s state=%s path=%s", userID, res.State, r.URL.Path)
			respondJSON(w, guardStatus(res.State), map[string]any{
				"success": false,
				"error":   "elevated admin session required",
				"state":   res.State,
			})
			return
		}

		m, err := sess.Touch(userID)
		if err != nil {
			// expired between evaluation and touch
			respondJSON(w, http.StatusForbidden, map[string]any{
				"success": false,
				"error":   "elevated admin session required",
				"state":   sessionguard.StateNeeds2FA,
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), elevatedKey{}, m)))
	})
}

type elevatedSessionResponse struct {
	Success          bool               `json:"success"`
	State            sessionguard.State `json:"state"`
	RemainingSeconds int                `json:"remaining_seconds"`
	ExpiresAt        *time.Time         `json:"expires_at,omitempty"`
	IdleTimeout      int                `json:"idle_timeout_seconds"`
}

func sessionResponse(res guardResult) elevatedSessionResponse {
	out := elevatedSessionResponse{
		Success:     true,
		State:       res.State,
		IdleTimeout: int(sessionguard.IdleTimeout / time.Second),
	}
	if res.State.Allowed() {
		exp := res.Marker.ExpiresAt.UTC()
		out.ExpiresAt = &exp
		out.RemainingSeconds = remainingSeconds(res.Marker)
	}
	return out
}

// elevatedSessionHandler reports guard state without extending the session.
func elevatedSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	res, err := evaluateGuard(r.Context(), elevatedSession(w, r), userID)
	if err != nil {
		Errorf("admin session: user=%s: %v", userID, err)
		respondError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse(res))
}

// elevatedActivityHandler runs behind requireElevated, which already
// extended the session.
func elevatedActivityHandler(w http.ResponseWriter, r *http.Request) {
	m, ok := elevatedFrom(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "elevated admin session required")
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse(guardResult{State: sessionguard.StateAuthorized, Marker: m}))
}

func elevatedLockHandler(w http.ResponseWriter, r *http.Request) {
	_ = elevatedSession(w, r).Clear()
	sessionLocks.WithLabelValues("manual").Inc()
	Infof("admin session locked user=%s", userIDFrom(r.Context()))
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "state": sessionguard.StateNeeds2FA})
}
