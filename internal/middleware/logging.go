package middleware

import (
	"log"
	"net/http"
	"time"

	goamiddleware "goa.design/goa/v3/middleware"
)

// RequestLogger logs one line per request tagged with the goa request id.
// It must run inside httpmdlwr.RequestID. The response writer is passed
// through untouched so streaming and WebSocket upgrades keep working.
func RequestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			id, _ := r.Context().Value(goamiddleware.RequestIDKey).(string)
			next.ServeHTTP(w, r)
			logger.Printf("[%s] %s %s from %s (%s)", id, r.Method, r.URL.Path, r.RemoteAddr, time.Since(started).Round(time.Microsecond))
		})
	}
}
