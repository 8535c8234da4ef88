// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

type Checker func(ctx context.Context) error

type Result struct {
	Status string            `json:"status"` // "ok" or "fail"
	Checks map[string]string `json:"checks"`
}

func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, Result{
			Status: "ok",
			Checks: map[string]string{"process": "ok"},
		})
	}
}

// ReadinessHandler runs all checks in parallel under one 2s budget and
// answers 503 if any fails.
func ReadinessHandler(checks map[string]Checker) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		errs := make([]error, len(names))
		var wg sync.WaitGroup
		for i, name := range names {
			wg.Add(1)
			go func(i int, fn Checker) {
				defer wg.Done()
				errs[i] = fn(ctx)
			}(i, checks[name])
		}
		wg.Wait()

		res := Result{Status: "ok", Checks: make(map[string]string, len(names))}
		for i, name := range names {
			if errs[i] != nil {
				res.Checks[name] = "fail: " + errs[i].Error()
				res.Status = "fail"
				continue
			}
			res.Checks[name] = "ok"
		}

		status := http.StatusOK
		if res.Status != "ok" {
			// non-200 so the load balancer stops routing here
			status = http.StatusServiceUnavailable
		}
		write(w, status, res)
	}
}

func write(w http.ResponseWriter, status int, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
