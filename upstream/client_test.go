package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgtg-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.Client(), Config{
		BaseURL:      srv.URL,
		PollInterval: 10 * time.Millisecond,
		LoginTimeout: 50 * time.Millisecond,
	}, testLogger())
	c.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

const favoriteJSON = `{
	"item": {
		"item_id": "1234",
		"item_price": {"code": "EUR", "minor_units": 399, "decimals": 2},
		"item_value": {"code": "EUR", "minor_units": 1200, "decimals": 2}
	},
	"store": {
		"store_name": " Bakery Nord ",
		"store_location": {"address": {"address_line": "Main St 1, Berlin"}}
	},
	"pickup_interval": {"start": "2024-03-01T17:00:00Z", "end": "2024-03-01T18:00:00Z"},
	"display_name": "Bakery Nord (Surprise Bag)",
	"items_available": 3
}`

func TestLoginWaitsForConfirmation(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/" + authByEmailPath:
			var req authByEmailRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "a@b.co", req.Email)
			assert.Equal(t, deviceType, req.DeviceType)
			_, _ = io.WriteString(w, `{"state":"WAIT","polling_id":"poll-1"}`)
		case "/" + authPollingPath:
			var req authPollingRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "poll-1", req.RequestPollingID)
			if polls.Add(1) < 2 {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "datadome", Value: "abc"})
			_, _ = io.WriteString(w, `{"access_token":"at","refresh_token":"rt","startup_data":{"user":{"user_id":"u-9"}}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	creds, err := c.Login(context.Background(), "a@b.co")
	require.NoError(t, err)
	assert.Equal(t, "at", creds.AccessToken)
	assert.Equal(t, "rt", creds.RefreshToken)
	assert.Equal(t, "u-9", creds.UpstreamUserID)
	assert.Equal(t, "datadome=abc", creds.Cookie)
	assert.Equal(t, "a@b.co", creds.Contact)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), creds.LastRefreshed)
	assert.EqualValues(t, 2, polls.Load())
}

func TestLoginPollingTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+authByEmailPath {
			_, _ = io.WriteString(w, `{"state":"WAIT","polling_id":"poll-1"}`)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	_, err := c.Login(context.Background(), "a@b.co")
	var timeout *PollingTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 5, timeout.Attempts)
	assert.Equal(t, KindPollingTimeout, KindOf(err))
}

func TestLoginUnknownAccount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"state":"TERMS"}`)
	})

	_, err := c.Login(context.Background(), "new@b.co")
	assert.Equal(t, KindAPI, KindOf(err))
	assert.ErrorContains(t, err, "not linked")
}

func TestRefreshKeepsUnchangedFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+refreshPath, r.URL.Path)
		assert.Equal(t, "session=old", r.Header.Get("Cookie"))
		var req refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "rt", req.RefreshToken)
		_, _ = io.WriteString(w, `{"access_token":"at2"}`)
	})

	old := notifier.Credentials{
		AccessToken:    "at",
		RefreshToken:   "rt",
		Cookie:         "session=old",
		UpstreamUserID: "u-9",
		Contact:        "a@b.co",
		LastRefreshed:  time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	got, err := c.Refresh(context.Background(), old)
	require.NoError(t, err)
	assert.Equal(t, "at2", got.AccessToken)
	assert.Equal(t, "rt", got.RefreshToken)
	assert.Equal(t, "session=old", got.Cookie)
	assert.Equal(t, "u-9", got.UpstreamUserID)
	assert.True(t, got.Newer(old))
}

func TestFavorites(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+itemsPath, r.URL.Path)
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		var req itemsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.FavoritesOnly)
		assert.Equal(t, "u-9", req.UserID)
		_, _ = io.WriteString(w, `{"items":[`+favoriteJSON+`,{"item":{}}]}`)
	})

	items, err := c.Favorites(context.Background(), notifier.Credentials{AccessToken: "at", UpstreamUserID: "u-9"})
	require.NoError(t, err)
	require.Len(t, items, 1, "items without an id are skipped")

	it := items[0]
	assert.Equal(t, "1234", it.ItemID)
	assert.Equal(t, "Bakery Nord", it.StoreName)
	assert.Equal(t, "Main St 1, Berlin", it.Address)
	assert.Equal(t, 3, it.ItemsAvailable)
	assert.Equal(t, notifier.Price{Code: "EUR", MinorUnits: 399, Decimals: 2}, it.Price)
	assert.Equal(t, int64(1200), it.Value.MinorUnits)
	assert.Equal(t, time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC), it.PickupStart.UTC())
	assert.JSONEq(t, favoriteJSON, string(it.Raw))
}

func TestErrorStatusIsAPIError(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindForbidden},
		{http.StatusTooManyRequests, KindAPI},
		{http.StatusInternalServerError, KindAPI},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.Favorites(context.Background(), notifier.Credentials{AccessToken: "at"})
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, "nope", apiErr.Message)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestTransportErrorIsUnexpected(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(srv.Client(), Config{BaseURL: srv.URL}, testLogger())

	_, err := c.Favorites(context.Background(), notifier.Credentials{})
	require.Error(t, err)
	assert.Equal(t, KindUnexpected, KindOf(err))
	assert.False(t, errors.As(err, new(*APIError)))
}
