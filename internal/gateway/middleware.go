package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/types"
)

type contextKey string

const callerKey contextKey = "caller"

// callerFrom returns the authenticated identity, if authentication is on
func callerFrom(ctx context.Context) (types.Identity, bool) {
	id, ok := ctx.Value(callerKey).(types.Identity)
	return id, ok
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates the bearer token when a secret is configured
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			s.writeErrorResponse(w, http.StatusUnauthorized, "missing or malformed bearer token")
			return
		}

		id, err := s.tokens.Validate(token)
		if err != nil {
			s.log.WithError(err).Warn("Token validation failed")
			s.writeErrorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, id)
		ctx = context.WithValue(ctx, logger.IdentityKey, id.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware limits requests per caller, or per remote address when
// authentication is off
func (s *Service) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.RemoteAddr
		if id, ok := callerFrom(r.Context()); ok {
			key = id.String()
		}
		if !s.rateLimiter.Allow(key) {
			s.log.WithField("key", key).Warn("Rate limit exceeded")
			s.writeErrorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
