package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
)

type issuerKey struct{}

// IssuerFromContext returns the authenticated issuer ID
func IssuerFromContext(ctx context.Context) string {
	issuer, _ := ctx.Value(issuerKey{}).(string)
	return issuer
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the issuer from the API key or an HS256 bearer
// token whose subject is the issuer ID
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" && s.config.JWTSecret == "" {
			// No credentials configured, everyone is the default issuer
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), issuerKey{}, s.config.IssuerID)))
			return
		}

		token := r.Header.Get("X-API-Key")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			s.unauthorized(w, r, "missing credentials")
			return
		}

		var issuer string
		switch {
		case s.config.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIKey)) == 1:
			issuer = s.config.IssuerID
		case s.config.JWTSecret != "":
			sub, err := ParseToken(token, s.config.JWTSecret)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "token has expired"
				}
				s.unauthorized(w, r, msg)
				return
			}
			issuer = sub
		default:
			s.unauthorized(w, r, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), issuerKey{}, issuer)))
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	s.logger.Warn("unauthorized API request",
		"remote_addr", r.RemoteAddr,
		"path", r.URL.Path,
		"reason", msg,
	)
	s.sendError(w, http.StatusUnauthorized, "Unauthorized: "+msg)
}

// bodyLimit caps request bodies at api.max_body_bytes
func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
