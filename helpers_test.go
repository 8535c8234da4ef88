package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"admin-gate/audit"
	"admin-gate/mfa"
	"admin-gate/totp"
)

const (
	testAdminID    = "6f1c2d3e-4b5a-4c7d-8e9f-0a1b2c3d4e5f"
	testOtherID    = "0b9a8c7d-6e5f-4a3b-9c2d-1e0f9a8b7c6d"
	testSecret     = "JBSWY3DPEHPK3PXP"
	testPrimaryKey = "primary-test-secret"
	testSessionKey = "elevated-test-secret"
	unexpectedFmt  = "unexpected status: got %d want %d body=%s"
)

var testT0 = time.Unix(1700000000, 0).UTC()

// memAccounts is an in-memory mfa.Store with the same guarded updates as
// the Postgres store.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]mfa.Account
	lookups  int
	fail     error
}

func (m *memAccounts) Account(_ context.Context, id string) (mfa.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.fail != nil {
		return mfa.Account{}, m.fail
	}
	a, ok := m.accounts[id]
	if !ok {
		return mfa.Account{}, mfa.ErrNotFound
	}
	return a, nil
}

func (m *memAccounts) Create(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; ok {
		return false, nil
	}
	m.accounts[id] = mfa.Account{UserID: id}
	return true, nil
}

func (m *memAccounts) Provision(_ context.Context, id, secret string, reset bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return mfa.ErrNotFound
	}
	a.Secret = sql.NullString{String: secret, Valid: true}
	a.IsProvisioned = true
	if reset {
		a.IsBlocked, a.FailedAttempts, a.LastFailedAt = false, 0, sql.NullTime{}
	}
	m.accounts[id] = a
	return nil
}

func (m *memAccounts) RecordSuccess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.IsBlocked {
		return mfa.ErrBlocked
	}
	a.FailedAttempts, a.LastFailedAt = 0, sql.NullTime{}
	m.accounts[id] = a
	return nil
}

func (m *memAccounts) RecordFailure(_ context.Context, id string, threshold int, at time.Time) (mfa.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.IsBlocked {
		return mfa.Account{}, mfa.ErrBlocked
	}
	a.FailedAttempts++
	a.LastFailedAt = sql.NullTime{Time: at, Valid: true}
	a.IsBlocked = a.FailedAttempts >= threshold
	m.accounts[id] = a
	return a, nil
}

func (m *memAccounts) Unblock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return mfa.ErrNotFound
	}
	a.IsBlocked, a.FailedAttempts, a.LastFailedAt = false, 0, sql.NullTime{}
	m.accounts[id] = a
	return nil
}

func (m *memAccounts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return mfa.ErrNotFound
	}
	delete(m.accounts, id)
	return nil
}

func (m *memAccounts) get(id string) mfa.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id]
}

type fakeRoles struct {
	mu     sync.Mutex
	admins map[string]bool
	err    error
}

func (f *fakeRoles) IsAdmin(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins[id], f.err
}

func (f *fakeRoles) Grant(_ context.Context, id, role, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.admins[id] {
		return false, nil
	}
	f.admins[id] = true
	return true, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	lastQ   audit.Query
}

func (f *fakeAudit) Record(_ context.Context, e audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) List(_ context.Context, q audit.Query) ([]audit.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQ = q
	out := make([]audit.Event, 0, len(f.entries))
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		out = append(out, audit.Event{ID: int64(i + 1), Action: e.Action, TargetUser: e.TargetUser, Actor: e.Actor})
	}
	return out, nil
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type testEnv struct {
	store *memAccounts
	roles *fakeRoles
	audit *fakeAudit
	clock time.Time
}

func (e *testEnv) advance(d time.Duration) { e.clock = testT0.Add(d) }

// withTestGate swaps the package globals for in-memory fakes and a fixed
// clock. testAdminID is an admin with a provisioned account.
func withTestGate(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: &memAccounts{accounts: map[string]mfa.Account{
			testAdminID: {
				UserID:        testAdminID,
				Secret:        sql.NullString{String: testSecret, Valid: true},
				IsProvisioned: true,
			},
		}},
		roles: &fakeRoles{admins: map[string]bool{testAdminID: true}},
		audit: &fakeAudit{},
		clock: testT0,
	}

	prevGate, prevRoles, prevAudit, prevNotifier := gate, roleStore, auditLog, notifier
	prevPrimary, prevSession, prevNow := primarySecret, sessionSecret, now
	t.Cleanup(func() {
		gate, roleStore, auditLog, notifier = prevGate, prevRoles, prevAudit, prevNotifier
		primarySecret, sessionSecret, now = prevPrimary, prevSession, prevNow
	})

	now = func() time.Time { return env.clock }
	primarySecret = []byte(testPrimaryKey)
	sessionSecret = []byte(testSessionKey)
	roleStore = env.roles
	auditLog = env.audit
	notifier = nil
	gate = &mfa.Service{
		Store:    env.store,
		Verifier: totp.Verifier{Window: totp.DefaultWindow},
		Issuer:   "Portal",
		Hooks:    gateHooks(),
		Now:      func() time.Time { return now() },
	}
	return env
}

func signToken(t *testing.T, key []byte, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func primaryToken(t *testing.T, sub string) string {
	t.Helper()
	return signToken(t, []byte(testPrimaryKey), primaryClaims{
		Email: "alice@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
}

func codeAt(t time.Time) string { return totp.GenerateAt(testSecret, t) }

func wrongCodeAt(at time.Time) string {
	key := totp.Decode(testSecret)
	c := totp.Counter(at)
	valid := map[string]bool{}
	for i := int64(-1); i <= 1; i++ {
		valid[totp.Generate(key, c+i)] = true
	}
	for _, candidate := range []string{"000000", "111111", "123456", "999999"} {
		if !valid[candidate] {
			return candidate
		}
	}
	panic("no wrong code available")
}

type request struct {
	method  string
	path    string
	body    any
	token   string
	cookies []*http.Cookie
	remote  string
}

func serve(t *testing.T, h http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	switch b := req.body.(type) {
	case nil:
	case string:
		body = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.remote != "" {
		r.RemoteAddr = req.remote
	}
	for _, c := range req.cookies {
		r.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// elevate runs a successful verification and returns the elevated cookie.
func elevate(t *testing.T, h http.Handler) *http.Cookie {
	t.Helper()
	rec := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/mfa/verify",
		body:   map[string]string{"code": codeAt(now())},
		token:  primaryToken(t, testAdminID),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf(unexpectedFmt, rec.Code, http.StatusOK, rec.Body.String())
	}
	c := findCookie(rec, elevatedCookie)
	if c == nil {
		t.Fatal("expected elevated cookie")
	}
	return c
}

var errStorage = errors.New("storage unavailable")
