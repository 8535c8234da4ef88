package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"admin-gate/audit"
	"admin-gate/mfa"
	"admin-gate/notify"
)

var (
	verifyResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_gate_mfa_verifications_total",
		Help: "Second-factor verification attempts by result",
	}, []string{"result"})

	accountBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admin_gate_mfa_blocks_total",
		Help: "Accounts blocked after reaching the failure threshold",
	})

	provisionings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_gate_mfa_provisionings_total",
		Help: "Secrets provisioned, by mode (self or operator)",
	}, []string{"mode"})

	sessionLocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_gate_elevated_session_locks_total",
		Help: "Elevated sessions ended, by reason",
	}, []string{"reason"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "admin_gate_http_request_duration_seconds",
		Help:    "HTTP request duration by route template",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "code"})
)

// metricsMiddleware labels by mux route template so user ids stay out of
// label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		requestDuration.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

// gateHooks wires state transitions to metrics, the audit trail and the
// block notification.
func gateHooks() mfa.Hooks {
	return mfa.Hooks{
		OnBlocked: func(ctx context.Context, userID string, acct mfa.Account) {
			accountBlocks.Inc()
			Warnf("mfa: account blocked user=%s attempts=%d", userID, acct.FailedAttempts)
			if auditLog != nil {
				err := auditLog.Record(context.WithoutCancel(ctx), audit.Entry{
					Action:     audit.ActionBlocked,
					TargetUser: userID,
					Actor:      audit.SystemActor,
					Metadata:   map[string]any{"failed_attempts": acct.FailedAttempts},
				})
				if err != nil {
					Errorf("mfa: audit block user=%s: %v", userID, err)
				}
			}
			if notifier != nil {
				ev := notify.Event{Action: "blocked", UserID: userID, FailedAttempts: acct.FailedAttempts, At: now().UTC()}
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer cancel()
					if err := notifier.Send(ctx, ev); err != nil {
						Warnf("mfa: block notification user=%s: %v", userID, err)
					}
				}()
			}
		},
		OnFailed: func(ctx context.Context, userID string, acct mfa.Account) {
			Debugf("mfa: incorrect code user=%s attempts=%d", userID, acct.FailedAttempts)
		},
	}
}
