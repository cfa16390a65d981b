package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/akmatori/issuebridge/internal/api"
	"github.com/akmatori/issuebridge/internal/logging"
)

// Recoverer turns handler panics into 500 responses and reports them
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			requestID := logging.RequestID(r.Context())
			slog.ErrorContext(r.Context(), "handler panic", "path", r.URL.Path,
				"panic", rec, "stack", string(debug.Stack()))
			logging.CaptureError(fmt.Errorf("panic serving %s: %v", r.URL.Path, rec), map[string]string{
				"request_id": requestID,
			})
			api.RespondError(w, http.StatusInternalServerError, "Internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}
