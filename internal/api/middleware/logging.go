package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/groundedqa/internal/tenant"
)

// Logging writes one structured line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		// Inner middleware attaches the tenant to a derived request, so it
		// is read back through this holder.
		holder := &tenantHolder{}
		next.ServeHTTP(ww, r.WithContext(withHolder(r.Context(), holder)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
			"tenant_id", holder.id,
		)
	})
}

// RecordTenant copies the resolved tenant into the logging holder. It
// must run after tenant resolution.
func RecordTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := holderFrom(r.Context()); h != nil {
			h.id = tenant.IDFromContext(r.Context())
		}
		next.ServeHTTP(w, r)
	})
}
