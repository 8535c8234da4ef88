package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) Result {
	t.Helper()
	var res Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if res := decode(t, rec); res.Status != "ok" {
		t.Fatalf("unexpected status %q", res.Status)
	}
}

func TestReadinessAllOK(t *testing.T) {
	h := ReadinessHandler(map[string]Checker{
		"db": func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if res := decode(t, rec); res.Checks["db"] != "ok" {
		t.Fatalf("unexpected checks %+v", res.Checks)
	}
}

func TestReadinessFailure(t *testing.T) {
	h := ReadinessHandler(map[string]Checker{
		"db":   func(context.Context) error { return errors.New("connection refused") },
		"disk": func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	res := decode(t, rec)
	if res.Status != "fail" || res.Checks["db"] != "fail: connection refused" || res.Checks["disk"] != "ok" {
		t.Fatalf("unexpected result %+v", res)
	}
}
