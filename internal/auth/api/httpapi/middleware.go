package httpapi

import (
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/lockhaven/lockhaven/internal/platform/errors"
	"github.com/lockhaven/lockhaven/internal/platform/requestctx"
)

const tracerName = "github.com/lockhaven/lockhaven/internal/auth/api/httpapi"

// withSpan wraps a handler in a server span named after its route pattern.
func withSpan(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer(tracerName).Start(r.Context(), pattern)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()
		next(w, r.WithContext(ctx))
	}
}

// withCORS allows the configured origins with credentials and answers
// preflight requests.
func (s *Server) withCORS(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			allowed[origin] = true
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[strings.TrimRight(origin, "/")] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionToken extracts the session token from the cookie or, failing that,
// a bearer Authorization header.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// requireSession validates the request's session and stores the user id in
// the request context.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			writeError(w, r, apperrors.New(apperrors.CodeSessionInvalid, "session token is required"))
			return
		}
		sess, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r.WithContext(requestctx.WithUserID(r.Context(), sess.UserID)))
	}
}

// limitByClient enforces the fixed-window limiter keyed by client IP.
func (s *Server) limitByClient(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow("ip:" + clientIP(r)) {
			writeError(w, r, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

// limitByAccount records an attempt against an account-scoped key. It is
// called inside handlers once the target account is known.
func (s *Server) limitByAccount(key string) bool {
	return s.limiter.allow("account:" + strings.ToLower(strings.TrimSpace(key)))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
