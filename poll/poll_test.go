package poll

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgtg-notifier/pkg/notifier"
	"tgtg-notifier/schedule"
	"tgtg-notifier/session"
	"tgtg-notifier/storage"
	"tgtg-notifier/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingBackend keeps documents in memory and counts writes per document.
type countingBackend struct {
	docs   map[string][]byte
	writes map[string]int
	mu     sync.Mutex
}

func newCountingBackend() *countingBackend {
	return &countingBackend{docs: make(map[string][]byte), writes: make(map[string]int)}
}

func (b *countingBackend) Read(_ context.Context, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.docs[name]
	if !ok {
		return nil, storage.ErrNotExist
	}
	return data, nil
}

func (b *countingBackend) Write(_ context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[name] = append([]byte(nil), data...)
	b.writes[name]++
	return nil
}

func (*countingBackend) Close() error { return nil }

func (b *countingBackend) writeCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes[name]
}

// fakeUpstream serves favorites per access token.
type fakeUpstream struct {
	items map[string][]notifier.Item // by access token
	errs  map[string]error
	calls atomic.Int32
	mu    sync.Mutex
}

func (f *fakeUpstream) Refresh(_ context.Context, creds notifier.Credentials) (notifier.Credentials, error) {
	return creds, nil
}

func (f *fakeUpstream) Favorites(_ context.Context, creds notifier.Credentials) ([]notifier.Item, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[creds.AccessToken]; err != nil {
		return nil, err
	}
	return f.items[creds.AccessToken], nil
}

func (f *fakeUpstream) set(token string, items ...notifier.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[token] = items
}

type sent struct {
	user     notifier.UserID
	itemID   string
	event    notifier.Event
	username string
	expired  bool
}

type fakeNotifier struct {
	sent []sent
	mu   sync.Mutex
}

func (f *fakeNotifier) Transition(_ context.Context, user notifier.UserID, item notifier.Item, event notifier.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{user: user, itemID: item.ItemID, event: event})
	return nil
}

func (f *fakeNotifier) SessionExpired(_ context.Context, user notifier.UserID, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{user: user, username: username, expired: true})
	return nil
}

func (f *fakeNotifier) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type harness struct {
	backend  *countingBackend
	upstream *fakeUpstream
	notifier *fakeNotifier
	creds    *storage.CredentialStore
	prefs    *storage.PreferenceStore
	snaps    *storage.SnapshotStore
	sessions *session.Manager
	monitor  *Monitor
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend:  newCountingBackend(),
		upstream: &fakeUpstream{items: make(map[string][]notifier.Item), errs: make(map[string]error)},
		notifier: &fakeNotifier{},
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.creds = storage.NewCredentialStore(h.backend, testLogger())
	h.prefs = storage.NewPreferenceStore(h.backend, testLogger())
	h.snaps = storage.NewSnapshotStore(h.backend, testLogger())
	h.sessions = session.New(h.upstream, h.creds, session.Config{}, testLogger())
	h.monitor = New(Config{
		Sessions:    h.sessions,
		Users:       h.creds,
		Preferences: h.prefs,
		Snapshots:   h.snaps,
		Notifier:    h.notifier,
		Scheduler:   schedule.New(schedule.DefaultPolicy()),
	}, testLogger())
	h.monitor.now = func() time.Time { return h.now }
	return h
}

// addUser registers user with an access token equal to its id.
func (h *harness) addUser(t *testing.T, user notifier.UserID, username string, prefs func(*notifier.Preferences)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.creds.Put(ctx, user, notifier.Credentials{
		AccessToken:   string(user),
		Username:      username,
		LastRefreshed: h.now,
	}))
	_, err := h.prefs.Ensure(ctx, user)
	require.NoError(t, err)
	if prefs != nil {
		_, err = h.prefs.Update(ctx, user, prefs)
		require.NoError(t, err)
	}
}

func item(id string, available int) notifier.Item {
	return notifier.Item{ItemID: id, ItemsAvailable: available, StoreName: "Bakery " + id}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		want      notifier.Event
		prev      int
		curr      int
		wantEvent bool
	}{
		{prev: 3, curr: 0, want: notifier.EventSoldOut, wantEvent: true},
		{prev: 0, curr: 2, want: notifier.EventNewStock, wantEvent: true},
		{prev: 5, curr: 2, want: notifier.EventStockReduced, wantEvent: true},
		{prev: 2, curr: 5, want: notifier.EventStockIncreased, wantEvent: true},
		{prev: 4, curr: 4, wantEvent: false},
		{prev: 0, curr: 0, wantEvent: false},
	}

	for _, tt := range tests {
		got, ok := Classify(tt.prev, tt.curr)
		if ok != tt.wantEvent || got != tt.want {
			t.Errorf("Classify(%d, %d) = (%q, %v), want (%q, %v)", tt.prev, tt.curr, got, ok, tt.want, tt.wantEvent)
		}
	}
}

func TestClassifyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	counts := gen.IntRange(0, 1000)

	properties.Property("equal counts never transition", prop.ForAll(
		func(n int) bool {
			_, ok := Classify(n, n)
			return !ok
		},
		counts,
	))

	properties.Property("different counts always transition", prop.ForAll(
		func(prev, curr int) bool {
			_, ok := Classify(prev, curr)
			return ok == (prev != curr)
		},
		counts, counts,
	))

	properties.Property("first matching rule wins", prop.ForAll(
		func(prev, curr int) bool {
			got, _ := Classify(prev, curr)
			switch {
			case curr == 0 && prev > 0:
				return got == notifier.EventSoldOut
			case prev == 0 && curr > 0:
				return got == notifier.EventNewStock
			case curr < prev:
				return got == notifier.EventStockReduced
			case curr > prev:
				return got == notifier.EventStockIncreased
			}
			return got == ""
		},
		counts, counts,
	))

	properties.TestingRun(t)
}

func TestNewStockEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addUser(t, "u1", "alice", nil)
	h.snaps.Put(notifier.Snapshot{ItemID: "X", ItemsAvailable: 0, LastSeen: h.now})
	h.upstream.set("u1", item("X", 3))

	rep, err := h.monitor.CheckAll(ctx)
	require.NoError(t, err)

	msgs := h.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, sent{user: "u1", itemID: "X", event: notifier.EventNewStock}, msgs[0])

	snap, ok := h.snaps.Get("X")
	require.True(t, ok)
	assert.Equal(t, 3, snap.ItemsAvailable)
	assert.Equal(t, 1, rep.Transitions)
	assert.Equal(t, 1, rep.Notifications)
	assert.True(t, rep.Persisted)
}

func TestSecondPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addUser(t, "u1", "", func(p *notifier.Preferences) { p.SetAll(true) })
	h.upstream.set("u1", item("A", 1), item("B", 0))

	first, err := h.monitor.CheckAll(ctx)
	require.NoError(t, err)
	assert.True(t, first.Persisted, "new items change the tracked count")
	assert.Equal(t, 0, first.Transitions, "first sighting is not a transition")
	writes := h.backend.writeCount(storage.SnapshotsDocument)

	second, err := h.monitor.CheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Transitions)
	assert.False(t, second.Persisted)
	assert.Equal(t, writes, h.backend.writeCount(storage.SnapshotsDocument))
	assert.Empty(t, h.notifier.messages())
}

func TestPreferenceFiltersButSnapshotStillUpdates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addUser(t, "u1", "", nil) // new_stock only
	h.snaps.Put(notifier.Snapshot{ItemID: "A", ItemsAvailable: 5, LastSeen: h.now})
	h.upstream.set("u1", item("A", 2))

	rep, err := h.monitor.CheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Transitions)
	assert.Empty(t, h.notifier.messages())

	snap, _ := h.snaps.Get("A")
	assert.Equal(t, 2, snap.ItemsAvailable)
}

func TestClassificationIsMemoizedAcrossUsers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addUser(t, "u1", "", nil)
	h.addUser(t, "u2", "", nil)
	h.snaps.Put(notifier.Snapshot{ItemID: "shared", ItemsAvailable: 0, LastSeen: h.now})
	h.upstream.set("u1", item("shared", 4))
	h.upstream.set("u2", item("shared", 4))

	rep, err := h.monitor.CheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Transitions)

	msgs := h.notifier.messages()
	require.Len(t, msgs, 2, "both users favoriting the item are told")
	for _, m := range msgs {
		assert.Equal(t, notifier.EventNewStock, m.event)
	}
}

func TestSilencedUserGetsNothingUntilSilenceEnds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addUser(t, "u1", "", nil)
	_, err := h.prefs.Silence(ctx, "u1", h.now.Add(time.Hour))
	require.NoError(t, err)

	h.snaps.Put(notifier.Snapshot{ItemID: "A", ItemsAvailable: 0, LastSeen: h.now})
	h.upstream.set("u1", item("A", 3))

	rep, err := h.monitor.CheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, h.notifier.messages())
	assert.Equal(t, int32(0), h.upstream.calls.Load(), "silenced users are not fetched")

	h.now = h.now.Add(2 * time.Hour)
	_, err = h.monitor.CheckAll(ctx)
	require.NoError(t, err)
	require.Len(t, h.notifier.messages(), 1)

	p, _ := h.prefs.Get("u1")
	assert.Nil(t, p.SilenceUntil, "expired silence is cleared")
}

func TestUserWithEverythingDisabledIsNotFetched(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1", "", func(p *notifier.Preferences) { p.SetAll(false) })

	rep, err := h.monitor.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, int32(0), h.upstream.calls.Load())
}

func TestUnauthorizedUserIsLoggedOutOthersUnaffected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addUser(t, "bad", "bob", nil)
	h.addUser(t, "good", "", nil)
	h.upstream.errs["bad"] = &upstream.APIError{Status: 401, Message: "Unauthorized"}
	h.snaps.Put(notifier.Snapshot{ItemID: "G", ItemsAvailable: 0, LastSeen: h.now})
	h.upstream.set("good", item("G", 1))

	rep, err := h.monitor.CheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	_, ok := h.creds.Get("bad")
	assert.False(t, ok, "credentials removed")
	assert.Equal(t, 1, h.sessions.Active(), "only the healthy session remains")

	var expired, alerts int
	for _, m := range h.notifier.messages() {
		switch {
		case m.expired:
			expired++
			assert.Equal(t, notifier.UserID("bad"), m.user)
			assert.Equal(t, "bob", m.username)
		default:
			alerts++
			assert.Equal(t, notifier.UserID("good"), m.user)
		}
	}
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, alerts)

	// The next pass no longer visits the logged-out user.
	rep, err = h.monitor.CheckAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Users)
}

func TestForbiddenKeepsCredentials(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1", "", nil)
	h.upstream.errs["u1"] = &upstream.APIError{Status: 403}

	rep, err := h.monitor.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	_, ok := h.creds.Get("u1")
	assert.True(t, ok)
	assert.Empty(t, h.notifier.messages())
}

func TestCancelledPassStopsBetweenUsers(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1", "", nil)
	h.addUser(t, "u2", "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := h.monitor.CheckAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rep.Users)
}

type fixedScheduler time.Duration

func (s fixedScheduler) Next(time.Time) time.Duration { return time.Duration(s) }

func TestRunTriggerAndStop(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1", "", nil)

	passes := make(chan Report, 10)
	h.monitor.scheduler = fixedScheduler(time.Hour)
	h.monitor.onPass = func(r Report) { passes <- r }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.monitor.Run(ctx)
		close(done)
	}()

	select {
	case <-passes:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass did not run")
	}

	require.Eventually(t, h.monitor.Trigger, 5*time.Second, 10*time.Millisecond)
	select {
	case <-passes:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered pass did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
