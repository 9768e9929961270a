package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics stores process-wide request and ledger counters
type Metrics struct {
	RequestsTotal      atomic.Uint64
	RequestsInProgress atomic.Int64
	RequestsSuccess    atomic.Uint64
	RequestsFailed     atomic.Uint64
	RequestsThrottled  atomic.Uint64

	CheckinsAccepted atomic.Uint64
	CheckinsRejected atomic.Uint64
	UndosAccepted    atomic.Uint64
	UndosRefused     atomic.Uint64
	StorageFailures  atomic.Uint64

	StartTime time.Time
}

var globalMetrics = &Metrics{StartTime: time.Now()}

func IncrementThrottled() { globalMetrics.RequestsThrottled.Add(1) }

// IncrementCheckinAccepted counts a scan that created a new active record
func IncrementCheckinAccepted() { globalMetrics.CheckinsAccepted.Add(1) }

// IncrementCheckinRejected counts a scan refused because the ticket was already checked in
func IncrementCheckinRejected() { globalMetrics.CheckinsRejected.Add(1) }

func IncrementUndoAccepted() { globalMetrics.UndosAccepted.Add(1) }
func IncrementUndoRefused() { globalMetrics.UndosRefused.Add(1) }

func IncrementStorageFailures() { globalMetrics.StorageFailures.Add(1) }

// GetMetrics returns current metrics
func GetMetrics() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"requests_total":       globalMetrics.RequestsTotal.Load(),
		"requests_in_progress": globalMetrics.RequestsInProgress.Load(),
		"requests_success":     globalMetrics.RequestsSuccess.Load(),
		"requests_failed":      globalMetrics.RequestsFailed.Load(),
		"requests_throttled":   globalMetrics.RequestsThrottled.Load(),
		"checkins_accepted":    globalMetrics.CheckinsAccepted.Load(),
		"checkins_rejected":    globalMetrics.CheckinsRejected.Load(),
		"undos_accepted":       globalMetrics.UndosAccepted.Load(),
		"undos_refused":        globalMetrics.UndosRefused.Load(),
		"storage_failures":     globalMetrics.StorageFailures.Load(),
		"uptime_seconds":       time.Since(globalMetrics.StartTime).Seconds(),
		"memory": map[string]interface{}{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		globalMetrics.RequestsTotal.Add(1)
		globalMetrics.RequestsInProgress.Add(1)
		defer globalMetrics.RequestsInProgress.Add(-1)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode < 400 {
			globalMetrics.RequestsSuccess.Add(1)
		} else {
			globalMetrics.RequestsFailed.Add(1)
		}
	})
}

// MetricsHandler returns metrics as JSON
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GetMetrics())
}
