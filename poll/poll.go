// Package poll runs scan passes over every user's favorites and turns stock changes into alerts.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tgtg-notifier/pkg/notifier"
	"tgtg-notifier/session"
)

const flushTimeout = 30 * time.Second

// Sessions fetches favorites on behalf of a user and classifies failures.
type Sessions interface {
	Favorites(ctx context.Context, user notifier.UserID) ([]notifier.Item, error)
	HandleError(ctx context.Context, user notifier.UserID, err error) session.Outcome
}

// Users lists the users to visit in a pass.
type Users interface {
	Users() []notifier.UserID
}

// Preferences evaluates a user's alert settings at a point in time.
type Preferences interface {
	Evaluate(ctx context.Context, user notifier.UserID, now time.Time) (notifier.Preferences, bool, error)
}

// Snapshots holds the last observation of every item.
type Snapshots interface {
	Get(itemID string) (notifier.Snapshot, bool)
	Put(snap notifier.Snapshot)
	Len() int
	Flush(ctx context.Context) error
}

// Notifier delivers alerts to users.
type Notifier interface {
	Transition(ctx context.Context, user notifier.UserID, item notifier.Item, event notifier.Event) error
	SessionExpired(ctx context.Context, user notifier.UserID, username string) error
}

// Scheduler decides the wait between passes.
type Scheduler interface {
	Next(now time.Time) time.Duration
}

// Config holds the collaborators of a Monitor.
type Config struct {
	Sessions    Sessions
	Users       Users
	Preferences Preferences
	Snapshots   Snapshots
	Notifier    Notifier
	Scheduler   Scheduler
	OnPass      func(Report) // Called after every pass run by Run
}

// Report summarises one pass.
type Report struct {
	Started       time.Time
	PassID        string
	Duration      time.Duration
	Users         int // Users visited
	Skipped       int // Silenced or with every alert disabled
	Failed        int // Users whose fetch failed
	Items         int // Favorites returned across all users
	Transitions   int // Distinct items whose stock changed
	Notifications int // Alerts delivered
	Persisted     bool
}

// Monitor runs scan passes.
type Monitor struct {
	sessions    Sessions
	users       Users
	preferences Preferences
	snapshots   Snapshots
	notifier    Notifier
	scheduler   Scheduler
	onPass      func(Report)
	logger      *slog.Logger
	now         func() time.Time
	wake        chan struct{}
}

// New creates a new poll monitor.
func New(cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		sessions:    cfg.Sessions,
		users:       cfg.Users,
		preferences: cfg.Preferences,
		snapshots:   cfg.Snapshots,
		notifier:    cfg.Notifier,
		scheduler:   cfg.Scheduler,
		onPass:      cfg.OnPass,
		logger:      logger,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
	}
}

// Classify returns the transition between two availability counts of the same item.
// The rules are checked in order and the first match wins; equal counts are no transition.
func Classify(prev, curr int) (notifier.Event, bool) {
	switch {
	case curr == 0 && prev > 0:
		return notifier.EventSoldOut, true
	case prev == 0 && curr > 0:
		return notifier.EventNewStock, true
	case curr < prev:
		return notifier.EventStockReduced, true
	case curr > prev:
		return notifier.EventStockIncreased, true
	}
	return "", false
}

// transition is the memoized classification of one item within a pass.
type transition struct {
	event   notifier.Event
	changed bool
}

// CheckAll runs one pass over every user.
// Per-user failures are logged and never abort the pass. If ctx is cancelled the pass stops
// between users, still persists what it gathered, and returns the context error.
func (m *Monitor) CheckAll(ctx context.Context) (Report, error) {
	rep := Report{PassID: uuid.NewString(), Started: m.now()}
	logger := m.logger.With("pass_id", rep.PassID)

	tracked := m.snapshots.Len()
	users := m.users.Users()
	logger.Info("Starting pass", "users", len(users), "tracked_items", tracked)

	memo := make(map[string]transition)
	var passErr error

	for _, user := range users {
		// Check for context cancellation
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping pass", "error", err)
			passErr = err
			break
		}
		rep.Users++

		prefs, silenced, err := m.preferences.Evaluate(ctx, user, m.now())
		if err != nil {
			logger.Warn("Failed to persist preference change", "user", user, "error", err)
		}
		if silenced {
			logger.Debug("Skipping silenced user", "user", user, "until", prefs.SilenceUntil.Format(time.RFC3339))
			rep.Skipped++
			continue
		}
		if !prefs.AnyEnabled() {
			logger.Debug("Skipping user with every alert disabled", "user", user)
			rep.Skipped++
			continue
		}

		if err := m.checkUser(ctx, logger, user, prefs, memo, &rep); err != nil {
			if ctx.Err() != nil {
				logger.Info("Context cancelled during fetch", "user", user, "error", err)
				passErr = ctx.Err()
				break
			}
			rep.Failed++
			m.handleFailure(ctx, logger, user, err)
		}
	}

	if rep.Transitions > 0 || m.snapshots.Len() != tracked {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		err := m.snapshots.Flush(flushCtx)
		cancel()
		if err != nil {
			logger.Error("Failed to persist snapshots", "error", err)
			passErr = errors.Join(passErr, fmt.Errorf("flush snapshots: %w", err))
		} else {
			rep.Persisted = true
		}
	}

	rep.Duration = m.now().Sub(rep.Started)
	logger.Info("Pass completed",
		"users", rep.Users,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"items", rep.Items,
		"transitions", rep.Transitions,
		"notifications", rep.Notifications,
		"persisted", rep.Persisted,
		"duration_ms", rep.Duration.Milliseconds())

	return rep, passErr
}

func (m *Monitor) checkUser(ctx context.Context, logger *slog.Logger, user notifier.UserID, prefs notifier.Preferences, memo map[string]transition, rep *Report) error {
	items, err := m.sessions.Favorites(ctx, user)
	if err != nil {
		return fmt.Errorf("fetch favorites: %w", err)
	}
	logger.Debug("Favorites fetched", "user", user, "count", len(items))
	rep.Items += len(items)

	now := m.now()
	for _, item := range items {
		t, seen := memo[item.ItemID]
		if !seen {
			if prev, ok := m.snapshots.Get(item.ItemID); ok {
				t.event, t.changed = Classify(prev.ItemsAvailable, item.ItemsAvailable)
				if t.changed {
					rep.Transitions++
					logger.Info("Stock changed",
						"item_id", item.ItemID,
						"store", item.StoreName,
						"event", t.event,
						"previous", prev.ItemsAvailable,
						"current", item.ItemsAvailable)
				}
			}
			memo[item.ItemID] = t
		}

		if t.changed && prefs.Enabled(t.event) {
			if err := m.notifier.Transition(ctx, user, item, t.event); err != nil {
				logger.Warn("Failed to deliver alert", "user", user, "item_id", item.ItemID, "event", t.event, "error", err)
			} else {
				rep.Notifications++
			}
		}

		m.snapshots.Put(notifier.SnapshotOf(item, now))
	}
	return nil
}

func (m *Monitor) handleFailure(ctx context.Context, logger *slog.Logger, user notifier.UserID, err error) {
	outcome := m.sessions.HandleError(ctx, user, err)
	logger.Warn("User check failed", "user", user, "kind", outcome.Kind.String(), "error", err)
	if !outcome.Expired {
		return
	}
	if err := m.notifier.SessionExpired(ctx, user, outcome.Username); err != nil {
		logger.Warn("Failed to deliver session expiry notice", "user", user, "error", err)
	}
}

// Run executes passes until ctx is cancelled, sleeping between them as the scheduler decides.
// Trigger cuts the current sleep short.
func (m *Monitor) Run(ctx context.Context) {
	for {
		rep, err := m.CheckAll(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("Pass finished with errors", "pass_id", rep.PassID, "error", err)
		}
		if m.onPass != nil {
			m.onPass(rep)
		}
		if ctx.Err() != nil {
			m.logger.Info("Scan loop stopped")
			return
		}

		wait := m.scheduler.Next(m.now())
		m.logger.Info("Next pass scheduled", "wait", wait.String(), "at", m.now().Add(wait).Format(time.RFC3339))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("Scan loop stopped")
			return
		case <-m.wake:
			timer.Stop()
			m.logger.Info("Pass triggered early")
		case <-timer.C:
		}
	}
}

// Trigger wakes a sleeping Run loop. It never starts a pass concurrently with a running one;
// a trigger during a pass starts the next pass right after it.
func (m *Monitor) Trigger() bool {
	select {
	case m.wake <- struct{}{}:
		return true
	default:
		return false
	}
}
