package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fixedSync time.Time

func (f fixedSync) SyncedAt() time.Time { return time.Time(f) }

func TestHealthHandler(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name   string
		synced time.Time
		want   int
	}{
		{"never synced", time.Time{}, http.StatusServiceUnavailable},
		{"fresh", now.Add(-10 * time.Second), http.StatusOK},
		{"at limit", now.Add(-30 * time.Second), http.StatusOK},
		{"stale", now.Add(-31 * time.Second), http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(fixedSync(tc.synced), 30*time.Second, clock).
				ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}
