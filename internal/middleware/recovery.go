package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"
)

// Recovery wraps next with a panic recovery handler that logs the
// stack trace and returns a 500 instead of crashing the process,
// matching the defensive-handler style the teacher applies throughout
// internal/api (every handler there returns a structured error rather
// than letting a panic escape to net/http's default recovery).
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered", "error", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"internal","message":"internal server error"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestID stamps every request with a request id, echoed back in
// the X-Request-ID response header and available to handlers via
// internal/logging.FromContext once they call logging.WithRequestID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
