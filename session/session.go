// Package session keeps one authenticated upstream session per registered user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tgtg-notifier/pkg/notifier"
	"tgtg-notifier/upstream"
)

// ErrNoCredentials is returned when a user has no stored credentials.
var ErrNoCredentials = errors.New("no stored credentials")

// Upstream is the subset of the upstream client a session needs.
type Upstream interface {
	Refresh(ctx context.Context, creds notifier.Credentials) (notifier.Credentials, error)
	Favorites(ctx context.Context, creds notifier.Credentials) ([]notifier.Item, error)
}

// CredentialStore persists credentials.
type CredentialStore interface {
	Get(user notifier.UserID) (notifier.Credentials, bool)
	Put(ctx context.Context, user notifier.UserID, creds notifier.Credentials) error
	PutIfNewer(ctx context.Context, user notifier.UserID, creds notifier.Credentials) (bool, error)
	Delete(ctx context.Context, user notifier.UserID) (notifier.Credentials, bool, error)
}

// Config holds session settings.
type Config struct {
	Settle        time.Duration // Pause after building a session before its first use
	TokenLifetime time.Duration // Access tokens older than this are refreshed before use; 0 disables
}

// Outcome describes what HandleError did with a failure.
type Outcome struct {
	Username string // Greeting name of an expired user
	Kind     upstream.Kind
	Expired  bool // This call removed the stored credentials
}

// session is the live state of one user. ready is closed once the session may be used.
type session struct {
	ready chan struct{}
	err   error
	creds notifier.Credentials
	mu    sync.Mutex
}

func (s *session) credentials() notifier.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// adopt replaces the session credentials if next is strictly newer.
func (s *session) adopt(next notifier.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.Newer(s.creds) {
		s.creds = next
	}
}

// Manager builds sessions lazily and shares one per user between the scan loop and login flows.
type Manager struct {
	upstream Upstream
	store    CredentialStore
	logger   *slog.Logger
	sessions map[notifier.UserID]*session
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	cfg      Config
	mu       sync.Mutex
}

// New creates a new session manager.
func New(up Upstream, store CredentialStore, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		upstream: up,
		store:    store,
		logger:   logger,
		sessions: make(map[notifier.UserID]*session),
		now:      time.Now,
		sleep:    sleepContext,
		cfg:      cfg,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// acquire returns the ready session of user, building it from stored credentials if needed.
// Callers arriving while another caller builds the session wait for it instead of building a second one.
func (m *Manager) acquire(ctx context.Context, user notifier.UserID) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[user]
	if !ok {
		creds, found := m.store.Get(user)
		if !found {
			m.mu.Unlock()
			return nil, fmt.Errorf("session for %s: %w", user, ErrNoCredentials)
		}
		s = &session{ready: make(chan struct{}), creds: creds}
		m.sessions[user] = s
		m.mu.Unlock()

		m.logger.Info("Connecting session", "user", user, "settle", m.cfg.Settle.String())
		if err := m.sleep(ctx, m.cfg.Settle); err != nil {
			s.err = err
			m.forget(user, s)
		}
		close(s.ready)
		if s.err != nil {
			return nil, fmt.Errorf("connect session for %s: %w", user, s.err)
		}
		return s, nil
	}
	m.mu.Unlock()

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, fmt.Errorf("connect session for %s: %w", user, s.err)
	}
	return s, nil
}

// forget removes s from the registry unless it has already been replaced.
func (m *Manager) forget(user notifier.UserID, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[user] == s {
		delete(m.sessions, user)
	}
}

// Favorites fetches the favorites of user, refreshing an aged access token first.
func (m *Manager) Favorites(ctx context.Context, user notifier.UserID) ([]notifier.Item, error) {
	s, err := m.acquire(ctx, user)
	if err != nil {
		return nil, err
	}

	creds := s.credentials()
	if m.cfg.TokenLifetime > 0 && m.now().Sub(creds.LastRefreshed) >= m.cfg.TokenLifetime {
		m.logger.Info("Access token aged out, refreshing", "user", user, "last_refreshed", creds.LastRefreshed)
		creds, err = m.refresh(ctx, user, s)
		if err != nil {
			return nil, err
		}
	}

	return m.upstream.Favorites(ctx, creds)
}

// Refresh forces a token refresh for user and persists the result if it is newer than what is stored.
func (m *Manager) Refresh(ctx context.Context, user notifier.UserID) (notifier.Credentials, error) {
	s, err := m.acquire(ctx, user)
	if err != nil {
		return notifier.Credentials{}, err
	}
	return m.refresh(ctx, user, s)
}

func (m *Manager) refresh(ctx context.Context, user notifier.UserID, s *session) (notifier.Credentials, error) {
	next, err := m.upstream.Refresh(ctx, s.credentials())
	if err != nil {
		return notifier.Credentials{}, err
	}
	s.adopt(next)

	stored, err := m.store.PutIfNewer(ctx, user, next)
	if err != nil {
		m.logger.Error("Failed to persist refreshed credentials", "user", user, "error", err)
		return next, nil
	}
	m.logger.Info("Token refreshed", "user", user, "stored", stored, "last_refreshed", next.LastRefreshed)
	return next, nil
}

// Adopt stores freshly issued credentials and replaces any existing session of user.
// The new session settles like a lazily built one; callers of Favorites wait for it.
func (m *Manager) Adopt(ctx context.Context, user notifier.UserID, creds notifier.Credentials) error {
	if err := m.store.Put(ctx, user, creds); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	s := &session{ready: make(chan struct{}), creds: creds}

	m.mu.Lock()
	m.sessions[user] = s
	m.mu.Unlock()

	m.logger.Info("Session adopted", "user", user, "upstream_user_id", creds.UpstreamUserID, "settle", m.cfg.Settle.String())
	if err := m.sleep(ctx, m.cfg.Settle); err != nil {
		s.err = err
		m.forget(user, s)
	}
	close(s.ready)
	if s.err != nil {
		return fmt.Errorf("connect session for %s: %w", user, s.err)
	}
	return nil
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HandleError classifies a failure from an upstream call on behalf of user.
// An unauthorized failure ends the session and removes the stored credentials.
func (m *Manager) HandleError(ctx context.Context, user notifier.UserID, err error) Outcome {
	kind := upstream.KindOf(err)
	out := Outcome{Kind: kind}

	switch kind {
	case upstream.KindUnauthorized:
		// Credentials go first, under the registry lock, so acquire cannot rebuild
		// the session from them after it has been dropped.
		m.mu.Lock()
		removed, changed, delErr := m.store.Delete(ctx, user)
		delete(m.sessions, user)
		m.mu.Unlock()

		switch {
		case delErr != nil:
			m.logger.Error("Failed to delete expired credentials", "user", user, "error", delErr)
		case changed:
			out.Expired = true
			out.Username = removed.Username
			m.logger.Warn("Session expired, credentials removed", "user", user, "error", err)
		default:
			m.logger.Info("Session expired, credentials already removed", "user", user)
		}
	case upstream.KindForbidden:
		m.logger.Warn("Upstream refused request", "user", user, "status", upstream.StatusOf(err), "error", err)
	case upstream.KindAPI, upstream.KindPollingTimeout:
		m.logger.Error("Upstream API error", "user", user, "kind", kind.String(), "status", upstream.StatusOf(err), "error", err)
	default:
		m.logger.Error("Unexpected error talking to upstream", "user", user, "error", err)
	}
	return out
}
