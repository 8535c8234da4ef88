package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ---------- Primary session (bearer JWT from the portal) ----------

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxLabel
)

var errNoCredential = errors.New("missing bearer credential")

// primaryClaims is what admin-gate reads from the portal's access token.
type primaryClaims struct {
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

func withUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxUserID, id)
}

func userIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

func withLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, ctxLabel, label)
}

// labelFrom is the account name shown in authenticator apps.
func labelFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxLabel).(string)
	return v
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// parsePrimaryToken verifies an HS256 token and returns its claims with
// the subject normalised to a canonical UUID.
func parsePrimaryToken(raw string) (*primaryClaims, error) {
	if raw == "" {
		return nil, errNoCredential
	}
	if len(primarySecret) == 0 {
		return nil, errors.New("primary session secret not configured")
	}
	claims := &primaryClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return primarySecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid primary token")
	}
	id, err := uuid.Parse(strings.TrimSpace(claims.Subject))
	if err != nil {
		return nil, errors.New("primary token subject is not a user id")
	}
	claims.Subject = id.String()
	return claims, nil
}

// requirePrimarySession rejects requests without a valid portal token and
// puts the caller's user id into the context.
func requirePrimarySession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := parsePrimaryToken(bearerToken(r))
		if err != nil {
			Debugf("primary auth rejected ip=%s: %v", clientIP(r), err)
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		label := firstNonEmpty(claims.Email, claims.PreferredUsername, claims.Subject)
		ctx := withUserID(r.Context(), claims.Subject)
		ctx = withLabel(ctx, strings.TrimSpace(label))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
