// Package server handles the operator HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgtg-notifier/pkg/notifier"
	"tgtg-notifier/session"
)

// Poller wakes the scan loop.
type Poller interface {
	Trigger() bool
}

// Registrar starts sign-ins.
type Registrar interface {
	Register(user notifier.UserID, username, contact string) error
}

// Preferences reads and changes user preferences.
type Preferences interface {
	Get(user notifier.UserID) (notifier.Preferences, bool)
	Update(ctx context.Context, user notifier.UserID, fn func(*notifier.Preferences)) (notifier.Preferences, error)
	Silence(ctx context.Context, user notifier.UserID, until time.Time) (notifier.Preferences, error)
}

// Sessions fetches live favorites.
type Sessions interface {
	Favorites(ctx context.Context, user notifier.UserID) ([]notifier.Item, error)
	HandleError(ctx context.Context, user notifier.UserID, err error) session.Outcome
	Active() int
}

// Notifier tells a user their session ended.
type Notifier interface {
	SessionExpired(ctx context.Context, user notifier.UserID, username string) error
}

// limiterIdle is how long a client may stay quiet before its limiter is discarded.
const limiterIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server handles HTTP requests.
type Server struct {
	poller      Poller
	registrar   Registrar
	preferences Preferences
	sessions    Sessions
	notifier    Notifier
	logger      *slog.Logger
	visitors    map[string]*visitor
	now         func() time.Time
	lastSweep   time.Time
	token       string
	limit       rate.Limit
	burst       int
	trustProxy  bool
	mu          sync.Mutex
}

// Config holds server configuration.
type Config struct {
	Poller      Poller
	Registrar   Registrar
	Preferences Preferences
	Sessions    Sessions
	Notifier    Notifier
	Logger      *slog.Logger
	Token       string  // Bearer token for mutating routes; empty disables the check
	RateLimit   float64 // Requests per second per client IP
	Burst       int
	TrustProxy  bool // Take the client IP from X-Forwarded-For
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Limit(5)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Server{
		poller:      cfg.Poller,
		registrar:   cfg.Registrar,
		preferences: cfg.Preferences,
		sessions:    cfg.Sessions,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		visitors:    make(map[string]*visitor),
		now:         time.Now,
		token:       cfg.Token,
		limit:       limit,
		burst:       burst,
		trustProxy:  cfg.TrustProxy,
	}
}

// Handler returns the routed handler with rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pollz", s.authorized(s.handlePoll))
	mux.HandleFunc("POST /users/{id}/login", s.authorized(s.handleLogin))
	mux.HandleFunc("GET /users/{id}/preferences", s.handleGetPreferences)
	mux.HandleFunc("PUT /users/{id}/preferences", s.authorized(s.handleSetAll))
	mux.HandleFunc("PUT /users/{id}/preferences/{event}", s.authorized(s.handleSetEvent))
	mux.HandleFunc("POST /users/{id}/preferences/{event}/toggle", s.authorized(s.handleToggleEvent))
	mux.HandleFunc("POST /users/{id}/silence", s.authorized(s.handleSilence))
	mux.HandleFunc("DELETE /users/{id}/silence", s.authorized(s.handleUnsilence))
	mux.HandleFunc("GET /users/{id}/favorites", s.handleFavorites)
	return s.rateLimited(mux)
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				s.logger.Warn("Rejected unauthorized request", "path", r.URL.Path, "ip", s.clientIP(r))
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.clientIP(r)
		if !s.limiter(ip).Allow() {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			respondError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) >= limiterIdle {
		for key, v := range s.visitors {
			if now.Sub(v.lastSeen) >= limiterIdle {
				delete(s.visitors, key)
			}
		}
		s.lastSweep = now
	}
	v, ok := s.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// clientIP returns the address requests are limited and logged by.
// X-Forwarded-For is client controlled, so it is only read behind a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
