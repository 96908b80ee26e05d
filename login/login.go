// Package login runs the email sign-in flow that registers a user with the service.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"tgtg-notifier/pkg/notifier"
	"tgtg-notifier/session"
	"tgtg-notifier/upstream"
)

var (
	// ErrInProgress is returned when the user already has a sign-in waiting for confirmation.
	ErrInProgress = errors.New("login already in progress")
	// ErrInvalidContact is returned for an address that does not look like an email.
	ErrInvalidContact = errors.New("invalid email address")
)

var contactPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Upstream starts an email sign-in and waits for its confirmation.
type Upstream interface {
	Login(ctx context.Context, email string) (notifier.Credentials, error)
}

// Sessions refreshes and installs credentials.
type Sessions interface {
	Refresh(ctx context.Context, user notifier.UserID) (notifier.Credentials, error)
	Adopt(ctx context.Context, user notifier.UserID, creds notifier.Credentials) error
	HandleError(ctx context.Context, user notifier.UserID, err error) session.Outcome
}

// Preferences creates the default preference record.
type Preferences interface {
	Ensure(ctx context.Context, user notifier.UserID) (notifier.Preferences, error)
}

// Notifier tells the user how the sign-in went.
type Notifier interface {
	LoginPending(ctx context.Context, user notifier.UserID) error
	LoginSucceeded(ctx context.Context, user notifier.UserID) error
	AlreadyLoggedIn(ctx context.Context, user notifier.UserID) error
	LoginTimedOut(ctx context.Context, user notifier.UserID) error
	LoginFailed(ctx context.Context, user notifier.UserID) error
	LoginError(ctx context.Context, user notifier.UserID) error
	SessionExpired(ctx context.Context, user notifier.UserID, username string) error
}

// Config holds the collaborators and limits of a Registrar.
type Config struct {
	Upstream    Upstream
	Sessions    Sessions
	Preferences Preferences
	Notifier    Notifier
	Timeout     time.Duration // Upper bound on waiting for the confirmation link
}

// Registrar runs sign-ins, each in its own goroutine so they never hold up the scan loop.
type Registrar struct {
	upstream    Upstream
	sessions    Sessions
	preferences Preferences
	notifier    Notifier
	logger      *slog.Logger
	inFlight    map[notifier.UserID]struct{}
	base        context.Context
	timeout     time.Duration
	wg          sync.WaitGroup
	mu          sync.Mutex
}

// New creates a registrar. Flows are bound to base, not to the request that started them.
func New(base context.Context, cfg Config, logger *slog.Logger) *Registrar {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Registrar{
		upstream:    cfg.Upstream,
		sessions:    cfg.Sessions,
		preferences: cfg.Preferences,
		notifier:    cfg.Notifier,
		logger:      logger,
		inFlight:    make(map[notifier.UserID]struct{}),
		base:        base,
		timeout:     cfg.Timeout,
	}
}

// ValidContact reports whether s looks like an email address.
func ValidContact(s string) bool {
	return contactPattern.MatchString(s)
}

// Register starts a sign-in for user. It returns once the flow has been started; the outcome is
// reported to the user through the notifier.
func (r *Registrar) Register(user notifier.UserID, username, contact string) error {
	contact = strings.TrimSpace(contact)
	if !ValidContact(contact) {
		return fmt.Errorf("%q: %w", contact, ErrInvalidContact)
	}

	r.mu.Lock()
	if _, busy := r.inFlight[user]; busy {
		r.mu.Unlock()
		return ErrInProgress
	}
	r.inFlight[user] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("Login requested", "user", user, "email", contact)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, user)
			r.mu.Unlock()
		}()
		r.run(r.base, user, username, contact)
	}()
	return nil
}

// InProgress reports whether user has a sign-in running.
func (r *Registrar) InProgress(user notifier.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[user]
	return ok
}

// Wait blocks until every running sign-in has finished.
func (r *Registrar) Wait() {
	r.wg.Wait()
}

func (r *Registrar) run(ctx context.Context, user notifier.UserID, username, contact string) {
	// An existing session only needs a refresh.
	_, err := r.sessions.Refresh(ctx, user)
	switch {
	case err == nil:
		r.logger.Info("User already logged in", "user", user)
		r.notify(ctx, user, r.notifier.AlreadyLoggedIn)
		return
	case errors.Is(err, session.ErrNoCredentials):
	default:
		outcome := r.sessions.HandleError(ctx, user, err)
		r.logger.Warn("Refresh before login failed", "user", user, "kind", outcome.Kind.String(), "error", err)
		r.expired(ctx, user, outcome)
		r.notify(ctx, user, r.notifier.LoginFailed)
		return
	}

	r.notify(ctx, user, r.notifier.LoginPending)

	loginCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	creds, err := r.upstream.Login(loginCtx, contact)
	if err != nil {
		r.handleLoginError(ctx, loginCtx, user, err)
		return
	}
	creds.Contact = contact
	creds.Username = username

	if err := r.sessions.Adopt(ctx, user, creds); err != nil {
		r.logger.Error("Failed to store credentials", "user", user, "error", err)
		r.notify(ctx, user, r.notifier.LoginError)
		return
	}
	if _, err := r.preferences.Ensure(ctx, user); err != nil {
		r.logger.Error("Failed to create preferences", "user", user, "error", err)
	}

	r.logger.Info("Login completed", "user", user, "duration_ms", time.Since(start).Milliseconds())
	r.notify(ctx, user, r.notifier.LoginSucceeded)
}

func (r *Registrar) handleLoginError(ctx, loginCtx context.Context, user notifier.UserID, err error) {
	kind := upstream.KindOf(err)
	switch {
	case kind == upstream.KindPollingTimeout || errors.Is(loginCtx.Err(), context.DeadlineExceeded):
		r.logger.Info("Login confirmation timed out", "user", user, "error", err)
		r.notify(ctx, user, r.notifier.LoginTimedOut)
	case ctx.Err() != nil:
		r.logger.Info("Login abandoned on shutdown", "user", user)
	case kind == upstream.KindAPI || kind == upstream.KindUnauthorized || kind == upstream.KindForbidden:
		r.expired(ctx, user, r.sessions.HandleError(ctx, user, err))
		r.notify(ctx, user, r.notifier.LoginFailed)
	default:
		r.logger.Error("Unexpected login error", "user", user, "error", err)
		r.notify(ctx, user, r.notifier.LoginError)
	}
}

// expired tells the user to sign in again when outcome removed their credentials.
func (r *Registrar) expired(ctx context.Context, user notifier.UserID, outcome session.Outcome) {
	if !outcome.Expired {
		return
	}
	if err := r.notifier.SessionExpired(ctx, user, outcome.Username); err != nil {
		r.logger.Warn("Failed to deliver expiry notice", "user", user, "error", err)
	}
}

func (r *Registrar) notify(ctx context.Context, user notifier.UserID, send func(context.Context, notifier.UserID) error) {
	if err := send(ctx, user); err != nil {
		r.logger.Warn("Failed to deliver login notice", "user", user, "error", err)
	}
}
