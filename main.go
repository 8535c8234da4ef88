package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"admin-gate/audit"
	"admin-gate/config"
	"admin-gate/health"
	"admin-gate/mfa"
	"admin-gate/notify"
	"admin-gate/roles"
	"admin-gate/tokenseal"
	"admin-gate/totp"
)

// roleChecker is the slice of roles.Store the HTTP layer needs.
type roleChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
	Grant(ctx context.Context, userID, role, grantedBy string) (bool, error)
}

// auditSink is the slice of audit.Log the HTTP layer needs.
type auditSink interface {
	Record(ctx context.Context, e audit.Entry) error
	List(ctx context.Context, q audit.Query) ([]audit.Event, error)
}

var (
	db        *sql.DB
	gate      *mfa.Service
	roleStore roleChecker
	auditLog  auditSink
	notifier  *notify.Webhook

	primarySecret     []byte
	sessionSecret     = []byte(config.DevSessionSecret)
	forceSecureCookie bool

	// now is swapped in tests.
	now = time.Now
)

// --- Health check helpers (minimal, local to main.go) ---
func dbChecker(db *sql.DB) health.Checker {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("db not initialized")
		}
		ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		return db.PingContext(ctx)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		Errorf("Config load error: %v", err)
		os.Exit(1)
	}
	initLogging(cfg.LogLevel, cfg.LogFile)
	defer logger.Sync()
	trustedProxyNetworks = parseTrustedProxies(cfg.TrustedProxyCIDRs)

	if err := cfg.Validate(); err != nil {
		Errorf("Config invalid: %v", err)
		os.Exit(1)
	}
	if cfg.InsecureSessionSecret() {
		Warnf("SESSION_SECRET not set; elevated-session cookies use an insecure development key")
	}
	primarySecret = []byte(cfg.PrimaryJWTSecret)
	sessionSecret = []byte(firstNonEmpty(cfg.SessionSecret, config.DevSessionSecret))
	forceSecureCookie = cfg.ForceSecureCookie

	// ---- DB ----
	db, err = sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		Errorf("DB open error: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		Errorf("DB ping error: %v", err)
		os.Exit(1)
	}
	if err := createSchema(ctx, db); err != nil {
		Errorf("Schema error: %v", err)
		os.Exit(1)
	}

	// ---- Second factor ----
	var sealer *tokenseal.Sealer
	if strings.TrimSpace(cfg.DataKey) != "" {
		if sealer, err = tokenseal.New(cfg.DataKey); err != nil {
			Errorf("DATA_KEY invalid: %v", err)
			os.Exit(1)
		}
	} else {
		Warnf("DATA_KEY not set; TOTP secrets are stored unsealed")
	}

	roleStore = roles.New(db)
	auditLog = audit.New(db)
	notify.Debugf, notify.Warnf = Debugf, Warnf
	notifier = notify.New(cfg.NotifyWebhookURL)
	gate = &mfa.Service{
		Store:    mfa.NewPostgresStore(db),
		Codec:    sealer,
		Verifier: totp.Verifier{Window: totp.DefaultWindow},
		Issuer:   cfg.MFAIssuer,
		Hooks:    gateHooks(),
	}

	if err := bootstrapAdminUsers(ctx, cfg.BootstrapUsers()); err != nil {
		Warnf("Admin bootstrap encountered issues: %v", err)
	}

	handler := newHandler(newRouter(), cfg.Origins())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		Infof("Log level: %s", strings.ToUpper(cfg.LogLevel))
		Infof("Starting admin-gate on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Errorf("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		Warnf("Graceful shutdown failed: %v", err)
	}
}

func newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	// Rate limiters for code-entry routes
	verifyLimiter := newIPRateLimiter(rate.Every(12*time.Second), 5, 15*time.Minute)
	provisionLimiter := newIPRateLimiter(rate.Every(time.Minute), 3, 15*time.Minute)

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/mfa/verify", rateLimitMiddleware(verifyLimiter, requirePrimarySession(http.HandlerFunc(mfaVerifyHandler)))).Methods("POST")
	api.Handle("/mfa/provision", rateLimitMiddleware(provisionLimiter, requirePrimarySession(http.HandlerFunc(mfaProvisionHandler)))).Methods("POST")
	api.Handle("/mfa/status", requirePrimarySession(http.HandlerFunc(mfaStatusHandler))).Methods("GET")

	// Session endpoints report guard state themselves; lock is exempt.
	api.Handle("/admin/session", requirePrimarySession(http.HandlerFunc(elevatedSessionHandler))).Methods("GET")
	api.Handle("/admin/session/lock", requirePrimarySession(http.HandlerFunc(elevatedLockHandler))).Methods("POST")

	elevated := func(h http.HandlerFunc) http.Handler {
		return requirePrimarySession(requireElevated(h))
	}
	api.Handle("/admin/session/activity", elevated(elevatedActivityHandler)).Methods("POST")
	api.Handle("/admin/mfa/{userID}", elevated(adminMFAStatusHandler)).Methods("GET")
	api.Handle("/admin/mfa/{userID}", elevated(adminMFARevokeHandler)).Methods("DELETE")
	api.Handle("/admin/mfa/{userID}/grant", elevated(adminMFAGrantHandler)).Methods("POST")
	api.Handle("/admin/mfa/{userID}/unblock", elevated(adminMFAUnblockHandler)).Methods("POST")
	api.Handle("/admin/mfa/{userID}/provision", elevated(adminMFAProvisionHandler)).Methods("POST")
	api.Handle("/admin/audit", elevated(adminAuditListHandler)).Methods("GET")

	// --- Health endpoints ---
	r.HandleFunc("/healthz", health.LivenessHandler()).Methods("GET")
	readyChecks := map[string]health.Checker{
		"db": dbChecker(db),
	}
	r.HandleFunc("/readyz", health.ReadinessHandler(readyChecks)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// newHandler wraps the router with CORS, security headers and request logging.
func newHandler(r http.Handler, origins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return withSecurityHeaders(WithRequestLogging(c.Handler(r)))
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Basic hardening
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if forceSecureCookie {
			w.Header().Set("Strict-Transport-Security", "max-age=86400; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
