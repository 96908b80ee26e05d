package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgtg-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryBackend is an in-memory Backend that can be told to fail writes.
type memoryBackend struct {
	docs      map[string][]byte
	failWrite bool
	writes    int
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{docs: make(map[string][]byte)}
}

func (m *memoryBackend) Read(_ context.Context, name string) ([]byte, error) {
	data, ok := m.docs[name]
	if !ok {
		return nil, ErrNotExist
	}
	return data, nil
}

func (m *memoryBackend) Write(_ context.Context, name string, data []byte) error {
	if m.failWrite {
		return errors.New("disk full")
	}
	m.writes++
	m.docs[name] = append([]byte(nil), data...)
	return nil
}

func (*memoryBackend) Close() error { return nil }

func backendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Read(ctx, "missing.json")
	assert.True(t, IsNotFound(err), "Read() of missing document = %v, want ErrNotExist", err)

	require.NoError(t, b.Write(ctx, "doc.json", []byte(`{"a":1}`)))
	got, err := b.Read(ctx, "doc.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	require.NoError(t, b.Write(ctx, "doc.json", []byte(`{"a":2}`)))
	got, err = b.Read(ctx, "doc.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(got))

	require.NoError(t, b.Close())
}

func TestLocalBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir, testLogger())
	require.NoError(t, err)
	backendContract(t, b)

	// No temp files are left behind after successful writes.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "doc.json", e.Name())
	}
}

func TestSQLiteBackend(t *testing.T) {
	b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "tgtg.db"), testLogger())
	require.NoError(t, err)
	backendContract(t, b)
}

func TestRedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackend(client, "tgtg:", testLogger())

	require.NoError(t, b.Write(context.Background(), "probe.json", []byte(`{}`)))
	assert.True(t, mr.Exists("tgtg:probe.json"))

	backendContract(t, b)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "floppy"}, testLogger())
	assert.Error(t, err)
}

func TestCredentialStorePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocalBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	s := NewCredentialStore(backend, testLogger())
	require.NoError(t, s.Load(ctx))
	creds := notifier.Credentials{
		AccessToken:   "access",
		RefreshToken:  "refresh",
		Contact:       "a@b.co",
		LastRefreshed: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Put(ctx, "42", creds))
	require.NoError(t, s.Put(ctx, "7", creds))

	reloaded := NewCredentialStore(backend, testLogger())
	require.NoError(t, reloaded.Load(ctx))
	got, ok := reloaded.Get("42")
	require.True(t, ok)
	assert.Equal(t, creds, got)
	assert.Equal(t, []notifier.UserID{"42", "7"}, reloaded.Users())
}

func TestCredentialStoreFailedWriteLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	s := NewCredentialStore(backend, testLogger())
	require.NoError(t, s.Put(ctx, "1", notifier.Credentials{AccessToken: "old"}))

	backend.failWrite = true
	err := s.Put(ctx, "1", notifier.Credentials{AccessToken: "new"})
	require.Error(t, err)

	got, _ := s.Get("1")
	assert.Equal(t, "old", got.AccessToken)

	_, _, err = s.Delete(ctx, "1")
	require.Error(t, err)
	_, ok := s.Get("1")
	assert.True(t, ok, "failed delete must keep the entry")
}

func TestCredentialStorePutIfNewer(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		stored    *time.Time
		candidate time.Time
		want      bool
	}{
		{name: "no existing entry", stored: nil, candidate: t0, want: false},
		{name: "strictly newer", stored: &t0, candidate: t0.Add(time.Second), want: true},
		{name: "equal", stored: &t0, candidate: t0, want: false},
		{name: "older", stored: &t0, candidate: t0.Add(-time.Second), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewCredentialStore(newMemoryBackend(), testLogger())
			if tt.stored != nil {
				require.NoError(t, s.Put(ctx, "u", notifier.Credentials{AccessToken: "stored", LastRefreshed: *tt.stored}))
			}
			changed, err := s.PutIfNewer(ctx, "u", notifier.Credentials{AccessToken: "candidate", LastRefreshed: tt.candidate})
			require.NoError(t, err)
			assert.Equal(t, tt.want, changed)
		})
	}
}

// Two refreshes racing to store their results must leave the later one regardless of arrival order.
func TestCredentialStoreRefreshRaceProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	properties.Property("later refresh wins in either order", prop.ForAll(
		func(d1, d2 int, laterFirst bool) bool {
			if d1 == d2 {
				return true
			}
			ctx := context.Background()
			s := NewCredentialStore(newMemoryBackend(), testLogger())
			if err := s.Put(ctx, "u", notifier.Credentials{AccessToken: "initial", LastRefreshed: base}); err != nil {
				return false
			}
			early, late := min(d1, d2), max(d1, d2)
			a := notifier.Credentials{AccessToken: "early", LastRefreshed: base.Add(time.Duration(early) * time.Second)}
			b := notifier.Credentials{AccessToken: "late", LastRefreshed: base.Add(time.Duration(late) * time.Second)}
			first, second := a, b
			if laterFirst {
				first, second = b, a
			}
			if _, err := s.PutIfNewer(ctx, "u", first); err != nil {
				return false
			}
			if _, err := s.PutIfNewer(ctx, "u", second); err != nil {
				return false
			}
			got, _ := s.Get("u")
			return got.AccessToken == "late"
		},
		gen.IntRange(1, 10000),
		gen.IntRange(1, 10000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestPreferenceStoreEnsureAndUpdate(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	s := NewPreferenceStore(backend, testLogger())

	_, err := s.Update(ctx, "u", func(p *notifier.Preferences) { p.SoldOut = true })
	assert.True(t, IsNotFound(err), "Update() of unknown user = %v, want ErrNotExist", err)

	p, err := s.Ensure(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, notifier.DefaultPreferences(), p)

	p, err = s.Update(ctx, "u", func(p *notifier.Preferences) { p.Toggle(notifier.EventSoldOut) })
	require.NoError(t, err)
	assert.True(t, p.SoldOut)

	// Ensure does not reset an existing record.
	writes := backend.writes
	p, err = s.Ensure(ctx, "u")
	require.NoError(t, err)
	assert.True(t, p.SoldOut)
	assert.Equal(t, writes, backend.writes)
}

func TestPreferenceStoreEvaluateClearsExpiredSilence(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	s := NewPreferenceStore(backend, testLogger())
	_, err := s.Ensure(ctx, "u")
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = s.Silence(ctx, "u", now.Add(time.Hour))
	require.NoError(t, err)

	_, silenced, err := s.Evaluate(ctx, "u", now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, silenced)

	p, silenced, err := s.Evaluate(ctx, "u", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, silenced)
	assert.Nil(t, p.SilenceUntil)

	var persisted map[string]notifier.Preferences
	require.NoError(t, json.Unmarshal(backend.docs[PreferencesDocument], &persisted))
	assert.Nil(t, persisted["u"].SilenceUntil, "expired silence must be cleared on disk")
}

func TestPreferenceStoreEvaluateUnknownUserGetsDefaults(t *testing.T) {
	s := NewPreferenceStore(newMemoryBackend(), testLogger())
	p, silenced, err := s.Evaluate(context.Background(), "new", time.Now())
	require.NoError(t, err)
	assert.False(t, silenced)
	assert.Equal(t, notifier.DefaultPreferences(), p)
}

func TestSnapshotStoreFlushAndEvict(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	s := NewSnapshotStore(backend, testLogger())
	require.NoError(t, s.Load(ctx))

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Put(notifier.Snapshot{ItemID: "fresh", ItemsAvailable: 2, LastSeen: now})
	s.Put(notifier.Snapshot{ItemID: "stale", ItemsAvailable: 0, LastSeen: now.Add(-40 * 24 * time.Hour)})
	assert.Equal(t, 0, backend.writes, "Put must not persist")

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, backend.writes)

	removed, err := s.Evict(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())

	reloaded := NewSnapshotStore(backend, testLogger())
	require.NoError(t, reloaded.Load(ctx))
	_, ok := reloaded.Get("stale")
	assert.False(t, ok)
	got, ok := reloaded.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, 2, got.ItemsAvailable)
}

func TestSnapshotStoreLoadStampsMissingLastSeen(t *testing.T) {
	backend := newMemoryBackend()
	backend.docs[SnapshotsDocument] = []byte(`{"123":{"item_id":"123","items_available":3}}`)

	s := NewSnapshotStore(backend, testLogger())
	loadTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return loadTime }
	require.NoError(t, s.Load(context.Background()))

	got, ok := s.Get("123")
	require.True(t, ok)
	assert.Equal(t, loadTime, got.LastSeen)
	assert.Equal(t, 3, got.ItemsAvailable)
}
