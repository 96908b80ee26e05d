package notify

import (
	"context"
	"log/slog"
	"sync"
)

// mockHistory bounds how many sent messages a MockProvider keeps.
const mockHistory = 100

// MockProvider logs messages instead of sending them and keeps them for inspection.
type MockProvider struct {
	logger *slog.Logger
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	if len(m.sent) >= mockHistory {
		m.sent = append(m.sent[:0], m.sent[len(m.sent)-mockHistory+1:]...)
	}
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	m.logger.Info("MOCK MESSAGE",
		"to", msg.To,
		"item_id", msg.DeepLinkItemID,
		"text", PlainText(msg.Text))
	return nil
}

// Sent returns the most recent messages, oldest first.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
