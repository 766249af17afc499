package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// syncClock is the part of the registry the health check reads.
type syncClock interface {
	SyncedAt() time.Time
}

// staleSyncFactor is how many sync intervals may pass without a successful
// registry sync before the process reports unhealthy.
const staleSyncFactor = 3

func metricsMux(reg syncClock, syncInterval time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler(reg, staleSyncFactor*syncInterval, time.Now))
	return mux
}

// healthHandler answers 503 until the registry has synced once, and again
// whenever the last successful sync is older than maxAge.
func healthHandler(reg syncClock, maxAge time.Duration, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		synced := reg.SyncedAt()
		switch {
		case synced.IsZero():
			http.Error(w, "registry not synced", http.StatusServiceUnavailable)
			return
		case now().Sub(synced) > maxAge:
			http.Error(w, fmt.Sprintf("registry stale: last sync %s ago", now().Sub(synced).Round(time.Second)),
				http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
