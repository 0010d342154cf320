package middleware

import (
	"net/http"
	"time"

	"github.com/ComUnity/audit-service/internal/telemetry"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/go-chi/chi/v5"
)

// RequestAudit logs every handled request with its fingerprint signals
// and publishes a RequestEvent to the telemetry shipper. Only hashes
// and buckets are emitted, never raw identifiers.
type RequestAudit struct {
	shipper telemetry.Shipper
}

func NewRequestAudit(shipper telemetry.Shipper) *RequestAudit {
	if shipper == nil {
		shipper = telemetry.NopShipper{}
	}
	return &RequestAudit{shipper: shipper}
}

func (m *RequestAudit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		telemetry.ObserveHTTPRequest(r.Method, route, ww.status, duration)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"durationMs", duration.Milliseconds(),
		}
		ev := telemetry.RequestEvent{
			Timestamp:  time.Now().UTC(),
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: ww.status,
			DurationMs: duration.Milliseconds(),
		}

		if userID, ok := UserIDFromContext(r.Context()); ok {
			ev.ActorID = userID.String()
			fields = append(fields, "actorId", ev.ActorID)
		}
		if fp, ok := FingerprintFromContext(r.Context()); ok {
			ev.IPBucket = fp.IPBucket
			ev.UAHash = fp.UAHash
			fields = append(fields, "ipBucket", fp.IPBucket, "platform", fp.Platform)
		}

		logger.Info("Request handled", fields...)
		m.shipper.Publish(ev)
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrapWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
