package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/ingest-sync/internal/logging"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// withRequestID tags every request with the caller's X-Request-ID or a new
// uuid, echoes it back and logs the request on completion.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		logging.Info("%s %s -> %d (%dms, request %s)", r.Method, r.URL.Path, rec.code, durationMs(start), id)
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logging.Error("panic serving %s %s (request %s): %v", r.Method, r.URL.Path, RequestID(r.Context()), v)
				writeError(w, http.StatusInternalServerError, "error", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
