package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tgtg-notifier/pkg/notifier"
)

// Document names.
const (
	CredentialsDocument = "credentials.json"
	PreferencesDocument = "preferences.json"
	SnapshotsDocument   = "snapshots.json"
)

// CredentialStore holds the upstream credentials of every registered user.
// Every mutation is persisted before it returns.
type CredentialStore struct {
	doc *document[notifier.Credentials]
}

// NewCredentialStore creates an empty store; call Load to read persisted state.
func NewCredentialStore(backend Backend, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{doc: newDocument[notifier.Credentials](backend, CredentialsDocument, logger)}
}

// Load reads the persisted credentials.
func (s *CredentialStore) Load(ctx context.Context) error { return s.doc.load(ctx) }

// Get returns the credentials of user.
func (s *CredentialStore) Get(user notifier.UserID) (notifier.Credentials, bool) {
	return s.doc.get(string(user))
}

// Users returns every user with credentials, in ascending order.
func (s *CredentialStore) Users() []notifier.UserID {
	keys := s.doc.keys()
	users := make([]notifier.UserID, len(keys))
	for i, k := range keys {
		users[i] = notifier.UserID(k)
	}
	return users
}

// Len returns the number of users with credentials.
func (s *CredentialStore) Len() int { return s.doc.len() }

// Put stores creds for user unconditionally.
func (s *CredentialStore) Put(ctx context.Context, user notifier.UserID, creds notifier.Credentials) error {
	creds.LastRefreshed = creds.LastRefreshed.UTC()
	_, err := s.doc.commit(ctx, func(entries map[string]notifier.Credentials) bool {
		entries[string(user)] = creds
		return true
	})
	return err
}

// PutIfNewer stores creds only if user already has credentials that were refreshed strictly
// before creds. It reports whether the store changed.
func (s *CredentialStore) PutIfNewer(ctx context.Context, user notifier.UserID, creds notifier.Credentials) (bool, error) {
	creds.LastRefreshed = creds.LastRefreshed.UTC()
	return s.doc.commit(ctx, func(entries map[string]notifier.Credentials) bool {
		stored, ok := entries[string(user)]
		if !ok || !creds.Newer(stored) {
			return false
		}
		entries[string(user)] = creds
		return true
	})
}

// Delete removes the credentials of user and returns what was removed.
func (s *CredentialStore) Delete(ctx context.Context, user notifier.UserID) (notifier.Credentials, bool, error) {
	var removed notifier.Credentials
	changed, err := s.doc.commit(ctx, func(entries map[string]notifier.Credentials) bool {
		stored, ok := entries[string(user)]
		if !ok {
			return false
		}
		removed = stored
		delete(entries, string(user))
		return true
	})
	if err != nil {
		return notifier.Credentials{}, false, err
	}
	return removed, changed, nil
}

// PreferenceStore holds the notification preferences of every user.
type PreferenceStore struct {
	doc *document[notifier.Preferences]
}

// NewPreferenceStore creates an empty store; call Load to read persisted state.
func NewPreferenceStore(backend Backend, logger *slog.Logger) *PreferenceStore {
	return &PreferenceStore{doc: newDocument[notifier.Preferences](backend, PreferencesDocument, logger)}
}

// Load reads the persisted preferences.
func (s *PreferenceStore) Load(ctx context.Context) error { return s.doc.load(ctx) }

// Get returns the preferences of user.
func (s *PreferenceStore) Get(user notifier.UserID) (notifier.Preferences, bool) {
	return s.doc.get(string(user))
}

// Ensure creates the default record for user if none exists and returns the current one.
func (s *PreferenceStore) Ensure(ctx context.Context, user notifier.UserID) (notifier.Preferences, error) {
	var out notifier.Preferences
	_, err := s.doc.commit(ctx, func(entries map[string]notifier.Preferences) bool {
		if existing, ok := entries[string(user)]; ok {
			out = existing
			return false
		}
		out = notifier.DefaultPreferences()
		entries[string(user)] = out
		return true
	})
	if err != nil {
		return notifier.Preferences{}, err
	}
	return out, nil
}

// Update applies fn to the preferences of user and persists the result.
// It returns ErrNotExist if the user has no preferences yet.
func (s *PreferenceStore) Update(ctx context.Context, user notifier.UserID, fn func(*notifier.Preferences)) (notifier.Preferences, error) {
	var out notifier.Preferences
	found := false
	_, err := s.doc.commit(ctx, func(entries map[string]notifier.Preferences) bool {
		p, ok := entries[string(user)]
		if !ok {
			return false
		}
		found = true
		fn(&p)
		entries[string(user)] = p
		out = p
		return true
	})
	if err != nil {
		return notifier.Preferences{}, err
	}
	if !found {
		return notifier.Preferences{}, fmt.Errorf("preferences of %s: %w", user, ErrNotExist)
	}
	return out, nil
}

// Silence suppresses every alert for user until the given instant.
// A zero until clears an active silence.
func (s *PreferenceStore) Silence(ctx context.Context, user notifier.UserID, until time.Time) (notifier.Preferences, error) {
	return s.Update(ctx, user, func(p *notifier.Preferences) {
		if until.IsZero() {
			p.SilenceUntil = nil
			return
		}
		u := until.UTC()
		p.SilenceUntil = &u
	})
}

// Evaluate returns the preferences of user and whether they are silenced at now.
// An expired silence is cleared and persisted. A user without preferences gets the defaults.
// On a persistence error the returned values are still valid for now.
func (s *PreferenceStore) Evaluate(ctx context.Context, user notifier.UserID, now time.Time) (notifier.Preferences, bool, error) {
	p, ok := s.Get(user)
	if !ok {
		ensured, err := s.Ensure(ctx, user)
		if err != nil {
			return notifier.DefaultPreferences(), false, err
		}
		return ensured, false, nil
	}
	if p.SilenceUntil == nil {
		return p, false, nil
	}
	if p.SilencedAt(now) {
		return p, true, nil
	}

	p.SilenceUntil = nil
	_, err := s.doc.commit(ctx, func(entries map[string]notifier.Preferences) bool {
		current, ok := entries[string(user)]
		if !ok || current.SilenceUntil == nil || current.SilencedAt(now) {
			return false
		}
		current.SilenceUntil = nil
		entries[string(user)] = current
		return true
	})
	return p, false, err
}

// SnapshotStore holds the last observed state of every tracked item.
// Put changes memory only; the scan loop calls Flush once per pass.
type SnapshotStore struct {
	doc *document[notifier.Snapshot]
	now func() time.Time
}

// NewSnapshotStore creates an empty store; call Load to read persisted state.
func NewSnapshotStore(backend Backend, logger *slog.Logger) *SnapshotStore {
	return &SnapshotStore{
		doc: newDocument[notifier.Snapshot](backend, SnapshotsDocument, logger),
		now: time.Now,
	}
}

// Load reads the persisted snapshots. Entries stored without a last-seen time are stamped with the load time.
func (s *SnapshotStore) Load(ctx context.Context) error {
	if err := s.doc.load(ctx); err != nil {
		return err
	}
	now := s.now().UTC()
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	for id, snap := range s.doc.entries {
		if snap.LastSeen.IsZero() {
			snap.LastSeen = now
			s.doc.entries[id] = snap
		}
	}
	return nil
}

// Get returns the snapshot of itemID.
func (s *SnapshotStore) Get(itemID string) (notifier.Snapshot, bool) {
	return s.doc.get(itemID)
}

// Put records snap in memory.
func (s *SnapshotStore) Put(snap notifier.Snapshot) {
	s.doc.set(snap.ItemID, snap)
}

// Len returns the number of tracked items.
func (s *SnapshotStore) Len() int { return s.doc.len() }

// Flush persists every snapshot.
func (s *SnapshotStore) Flush(ctx context.Context) error { return s.doc.flush(ctx) }

// Evict drops snapshots last seen before cutoff and persists the result.
// It returns the number of snapshots removed.
func (s *SnapshotStore) Evict(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	_, err := s.doc.commit(ctx, func(entries map[string]notifier.Snapshot) bool {
		for id, snap := range entries {
			if snap.LastSeen.Before(cutoff) {
				delete(entries, id)
				removed++
			}
		}
		return removed > 0
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
