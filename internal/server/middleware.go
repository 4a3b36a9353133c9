package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"rollbox/internal/project"
	"rollbox/internal/security"
)

// RateLimiter implements a token bucket rate limiter per IP address
type RateLimiter struct {
	limiters  map[string]*rate.Limiter
	mu        sync.Mutex
	rateLimit rate.Limit // Requests per second
	burstSize int        // Maximum burst size
}

// NewRateLimiter creates a new rate limiter
// rateLimit: requests per second
// burstSize: maximum number of requests allowed in a burst
func NewRateLimiter(rateLimit rate.Limit, burstSize int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rateLimit,
		burstSize: burstSize,
	}
}

// GetLimiter returns the rate limiter for a given IP address, creating it
// on first use.
func (rl *RateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rateLimit, rl.burstSize)
		rl.limiters[ip] = limiter
	}

	return limiter
}

// NewRateLimitMiddleware limits each client IP to perMinute requests per
// minute, with bursts up to perMinute.
func NewRateLimitMiddleware(perMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !limiter.GetLimiter(ip).Allow() {
				logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
				respondJSON(w, logger, http.StatusTooManyRequests, errorBody("Rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port that RemoteAddr carries unless RealIP replaced it.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// requestLogger logs every request after it completes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"request_id", middleware.GetReqID(r.Context()),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

type projectKey struct{}

// projectFromContext returns the project resolved by withProject.
func projectFromContext(ctx context.Context) *project.Project {
	proj, _ := ctx.Value(projectKey{}).(*project.Project)
	return proj
}

// withProject resolves the {projectName} URL parameter against the registry.
func (s *Server) withProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "projectName")

		if err := security.ValidateProjectName(name); err != nil {
			s.Logger.Warn("Invalid project name in request", "project", name, "error", err)
			s.respondJSON(w, http.StatusBadRequest, errorBody("Invalid project name"))
			return
		}

		proj, err := s.Registry.Get(name)
		if err != nil {
			s.respondJSON(w, http.StatusNotFound, errorBody("Unknown project"))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectKey{}, proj)))
	})
}

// requireSignature reads the body (bounded by MaxPayloadBytes), checks its
// signature against the project secret and hands the same bytes on.
func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proj := projectFromContext(r.Context())

		if r.ContentLength > MaxPayloadBytes {
			s.respondJSON(w, http.StatusRequestEntityTooLarge, errorBody("Payload too large"))
			return
		}
		if r.ContentLength != 0 && !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			s.respondJSON(w, http.StatusUnsupportedMediaType, errorBody("Invalid content type"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
		if err != nil {
			s.Logger.Error("Failed to read request body", "error", err, "project", proj.Name)
			s.respondJSON(w, http.StatusBadRequest, errorBody("Failed to read payload"))
			return
		}
		if len(body) > MaxPayloadBytes {
			s.respondJSON(w, http.StatusRequestEntityTooLarge, errorBody("Payload too large"))
			return
		}

		if !VerifySignature(body, r.Header.Get(SignatureHeader), proj.Secret) {
			s.Logger.Warn("Rejected request with invalid signature", "project", proj.Name, "path", r.URL.Path, "ip", clientIP(r))
			s.respondJSON(w, http.StatusForbidden, errorBody("Invalid signature"))
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
