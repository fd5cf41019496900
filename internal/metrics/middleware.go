package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// HTTPMiddleware records API request metrics. When a collector is given the
// counters are also persisted through it.
func HTTPMiddleware(c *Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := Global()
			if c != nil {
				m = c.metrics
			}
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.status)
			path := normalizePath(r)
			m.APIRequestDurationSeconds.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())

			if c != nil {
				c.TrackAPIRequest(r.Method, path, status)
			} else {
				m.APIRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			}

			if wrapped.status >= 400 {
				errorType := categorizeStatus(wrapped.status)
				if c != nil {
					c.TrackAPIError(errorType)
				} else {
					m.APIErrorsTotal.WithLabelValues(errorType).Inc()
				}
			}
		})
	}
}

// normalizePath returns the chi route pattern, falling back to the raw path
// with identifiers replaced to keep label cardinality bounded.
func normalizePath(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}

	parts := strings.Split(r.URL.Path, "/")
	for i, part := range parts {
		if isUUID(part) || isULID(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// isUUID checks for the 8-4-4-4-12 hex layout used by template IDs
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !isHex(c) {
				return false
			}
		}
	}
	return true
}

// isULID checks for the 26-character Crockford base32 layout used by
// document IDs
func isULID(s string) bool {
	if len(s) != 26 {
		return false
	}
	for _, c := range strings.ToUpper(s) {
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'Z') || c == 'I' || c == 'L' || c == 'O' || c == 'U' {
			return false
		}
	}
	return true
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// categorizeStatus categorizes HTTP status codes into error types
func categorizeStatus(status int) string {
	switch {
	case status == http.StatusBadGateway:
		return "chain_error"
	case status >= 500:
		return "server_error"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth_error"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "duplicate"
	case status == http.StatusUnprocessableEntity:
		return "compilation"
	case status == http.StatusBadRequest:
		return "bad_request"
	case status >= 400:
		return "client_error"
	default:
		return "unknown"
	}
}
