package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/binlift/binlift/pkg/auth"
	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/metrics"
	"github.com/binlift/binlift/pkg/types"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyAPIKey
)

// requestIDFrom returns the request id stored by the requestID middleware.
func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// keyFrom returns the authenticated API key, or nil on public routes.
func keyFrom(ctx context.Context) *types.APIKey {
	if key, ok := ctx.Value(ctxKeyAPIKey).(*types.APIKey); ok {
		return key
	}
	return nil
}

// requestID assigns every request a correlation id, honoring one the
// client already sent, and echoes it back in the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// instrument records request logs and Prometheus counters with the final
// status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		logger := log.WithRequestID(requestIDFrom(r.Context()))
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", elapsed).
			Msg("Request handled")
	})
}

// authenticate resolves the bearer credential to an active API key. The
// token itself is never logged.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		key, err := s.auth.Authenticate(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAPIKey, key)))
	})
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// requirePermission gates the route on exactly the given permission. Admin
// routes pass PermissionAdmin here; holding read or write does not help.
func (s *Server) requirePermission(perm types.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFrom(r.Context())
			if key == nil {
				writeError(w, r, types.ErrUnauthorized)
				return
			}
			if err := auth.Require(key, perm); err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit consumes one request token for the key's tier and the global
// budget. Rejections carry a Retry-After hint sized to the window.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFrom(r.Context())
		if key == nil {
			writeError(w, r, types.ErrUnauthorized)
			return
		}
		limit, err := s.limiter.AllowRequest(key)
		if err != nil {
			if errors.Is(err, types.ErrRateLimited) {
				metrics.RateLimited.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(limit.WindowSeconds))
			}
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
