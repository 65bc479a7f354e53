package tracing

import (
	"net/http"

	"github.com/riandyrn/otelchi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Middleware returns an OpenTelemetry middleware for chi routers that also
// lifts caller identity headers onto the request span.
func Middleware(serviceName string, opts ...otelchi.Option) func(http.Handler) http.Handler {
	baseMiddleware := otelchi.Middleware(serviceName, opts...)

	return func(next http.Handler) http.Handler {
		return baseMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			if span.IsRecording() {
				if userID := r.Header.Get("X-User-ID"); userID != "" {
					span.SetAttributes(attribute.String(AttrUserID, userID))
				}
				if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
					span.SetAttributes(attribute.String(AttrRequestID, requestID))
				}
			}
			next.ServeHTTP(w, r)
		}))
	}
}
