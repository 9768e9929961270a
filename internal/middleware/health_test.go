package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler(t *testing.T) {
	ok := CheckFunc(func(context.Context) error { return nil })
	down := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		probes []Probe
		status int
		state  string
	}{
		{"all healthy", []Probe{{"ledger", ok, true}, {"archive", ok, false}}, http.StatusOK, "healthy"},
		{"optional down", []Probe{{"ledger", ok, true}, {"archive", down, false}}, http.StatusOK, "degraded"},
		{"ledger down", []Probe{{"ledger", down, true}, {"archive", down, false}}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HealthHandler(tt.probes)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var got HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.state {
				t.Errorf("state = %q, want %q", got.Status, tt.state)
			}
			if len(got.Checks) != len(tt.probes) {
				t.Errorf("checks = %v", got.Checks)
			}
		})
	}
}
