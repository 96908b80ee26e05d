// Package notify delivers alerts and account notices to users through a pluggable provider.
package notify

import (
	"context"
	"log/slog"
	"time"

	"tgtg-notifier/pkg/notifier"
)

const defaultDateFormat = "Mon 02.01 at 15:04"

// Message is one outgoing chat message.
type Message struct {
	To             notifier.UserID
	Text           string // Telegram HTML
	DeepLinkItemID string // Adds an "open in app" button when set
}

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers msg to its recipient.
	Send(ctx context.Context, msg Message) error
}

// Config controls rendering.
type Config struct {
	Location   *time.Location // Pickup windows are shown in this zone
	DateFormat string         // Go layout for pickup times
}

// Sender renders notices and hands them to a provider.
type Sender struct {
	provider   Provider
	logger     *slog.Logger
	location   *time.Location
	dateFormat string
}

// New creates a new sender with the given provider.
func New(provider Provider, cfg Config, logger *slog.Logger) *Sender {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DateFormat == "" {
		cfg.DateFormat = defaultDateFormat
	}
	return &Sender{
		provider:   provider,
		logger:     logger,
		location:   cfg.Location,
		dateFormat: cfg.DateFormat,
	}
}

// Deliver sends text to user, with an app deep link to itemID when it is not empty.
// Failures are logged and returned; callers never escalate them.
func (s *Sender) Deliver(ctx context.Context, user notifier.UserID, text, itemID string) error {
	err := s.provider.Send(ctx, Message{To: user, Text: text, DeepLinkItemID: itemID})
	if err != nil {
		s.logger.Warn("Message delivery failed", "user", user, "item_id", itemID, "error", err)
		return err
	}
	s.logger.Debug("Message delivered", "user", user, "item_id", itemID)
	return nil
}

// Transition alerts user that item changed by event.
func (s *Sender) Transition(ctx context.Context, user notifier.UserID, item notifier.Item, event notifier.Event) error {
	s.logger.Info("Sending stock alert",
		"user", user,
		"item_id", item.ItemID,
		"store", item.StoreName,
		"event", event,
		"available", item.ItemsAvailable)
	return s.Deliver(ctx, user, s.FormatItem(item, event), item.ItemID)
}

// SessionExpired tells user their upstream session ended and they need to sign in again.
func (s *Sender) SessionExpired(ctx context.Context, user notifier.UserID, username string) error {
	return s.Deliver(ctx, user, sessionExpiredText(username), "")
}

// LoginPending tells user to confirm the sign-in from their mailbox.
func (s *Sender) LoginPending(ctx context.Context, user notifier.UserID) error {
	return s.Deliver(ctx, user, loginPendingText, "")
}

// LoginSucceeded confirms a completed sign-in.
func (s *Sender) LoginSucceeded(ctx context.Context, user notifier.UserID) error {
	return s.Deliver(ctx, user, loginSucceededText, "")
}

// AlreadyLoggedIn tells user their existing session is still valid.
func (s *Sender) AlreadyLoggedIn(ctx context.Context, user notifier.UserID) error {
	return s.Deliver(ctx, user, alreadyLoggedInText, "")
}

// LoginTimedOut tells user the confirmation link was not opened in time.
func (s *Sender) LoginTimedOut(ctx context.Context, user notifier.UserID) error {
	return s.Deliver(ctx, user, loginTimedOutText, "")
}

// LoginFailed reports an upstream refusal during sign-in.
func (s *Sender) LoginFailed(ctx context.Context, user notifier.UserID) error {
	return s.Deliver(ctx, user, loginFailedText, "")
}

// LoginError reports an unexpected failure during sign-in.
func (s *Sender) LoginError(ctx context.Context, user notifier.UserID) error {
	return s.Deliver(ctx, user, loginErrorText, "")
}
