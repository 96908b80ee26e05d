// Package upstream talks to the Too Good To Go mobile API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tgtg-notifier/pkg/notifier"
)

const (
	DefaultBaseURL   = "https://apptoogoodtogo.com/api/"
	DefaultUserAgent = "TGTG/24.11.0 Dalvik/2.1.0 (Linux; U; Android 14; Pixel 7 Build/UQ1A.240105.004)"

	authByEmailPath    = "auth/v5/authByEmail"
	authPollingPath    = "auth/v5/authByRequestPollingId"
	refreshPath        = "token/v1/refresh"
	itemsPath          = "item/v8/"
	favoritesPageSize  = 400
	maxErrorBodyLength = 512
	deviceType         = "ANDROID"
)

// Config holds client settings.
type Config struct {
	BaseURL           string
	Language          string
	UserAgent         string
	RequestsPerSecond float64
	PollInterval      time.Duration // Wait between sign-in confirmation polls
	LoginTimeout      time.Duration // Total time a sign-in may wait for confirmation
}

// Client fetches favorites and manages tokens against the upstream API.
// Calls are never retried here; a failed call is retried on the next pass.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time
	cfg     Config
}

// New creates a new upstream client.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Language == "" {
		cfg.Language = "en-GB"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 5 * time.Minute
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		cfg:     cfg,
	}
}

type authByEmailRequest struct {
	DeviceType string `json:"device_type"`
	Email      string `json:"email"`
}

type authByEmailResponse struct {
	State     string `json:"state"`
	PollingID string `json:"polling_id"`
}

type authPollingRequest struct {
	DeviceType       string `json:"device_type"`
	Email            string `json:"email"`
	RequestPollingID string `json:"request_polling_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	StartupData  struct {
		User struct {
			UserID string `json:"user_id"`
		} `json:"user"`
	} `json:"startup_data"`
}

// Login starts an email sign-in and polls until the user confirms it from their mailbox.
// It returns *PollingTimeoutError when the confirmation does not arrive in time.
func (c *Client) Login(ctx context.Context, email string) (notifier.Credentials, error) {
	var started authByEmailResponse
	if _, err := c.post(ctx, authByEmailPath, "", "", authByEmailRequest{DeviceType: deviceType, Email: email}, &started); err != nil {
		return notifier.Credentials{}, fmt.Errorf("start email login: %w", err)
	}

	switch started.State {
	case "TERMS":
		return notifier.Credentials{}, &APIError{Message: fmt.Sprintf("%s is not linked to an account, sign up in the app first", email)}
	case "WAIT":
	default:
		return notifier.Credentials{}, &APIError{Message: fmt.Sprintf("unexpected login state %q", started.State)}
	}

	attempts := int(c.cfg.LoginTimeout / c.cfg.PollInterval)
	if attempts < 1 {
		attempts = 1
	}
	c.logger.Info("Waiting for login confirmation", "email", email, "max_attempts", attempts, "interval", c.cfg.PollInterval.String())

	for i := 0; i < attempts; i++ {
		var tok tokenResponse
		resp, err := c.post(ctx, authPollingPath, "", "", authPollingRequest{
			DeviceType:       deviceType,
			Email:            email,
			RequestPollingID: started.PollingID,
		}, &tok)
		if err != nil {
			return notifier.Credentials{}, fmt.Errorf("poll login confirmation: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			creds := notifier.Credentials{
				AccessToken:    tok.AccessToken,
				RefreshToken:   tok.RefreshToken,
				UpstreamUserID: tok.StartupData.User.UserID,
				Cookie:         cookieHeader(resp),
				Contact:        email,
				LastRefreshed:  c.now().UTC(),
			}
			c.logger.Info("Login confirmed", "email", email, "upstream_user_id", creds.UpstreamUserID, "attempt", i+1)
			return creds, nil
		}

		select {
		case <-ctx.Done():
			return notifier.Credentials{}, fmt.Errorf("poll login confirmation: %w", ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}
	}

	return notifier.Credentials{}, &PollingTimeoutError{Attempts: attempts}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges the refresh token for new tokens.
// The returned credentials carry a LastRefreshed of the time the exchange completed.
func (c *Client) Refresh(ctx context.Context, creds notifier.Credentials) (notifier.Credentials, error) {
	var tok tokenResponse
	resp, err := c.post(ctx, refreshPath, "", creds.Cookie, refreshRequest{RefreshToken: creds.RefreshToken}, &tok)
	if err != nil {
		return notifier.Credentials{}, fmt.Errorf("refresh token: %w", err)
	}

	out := creds
	out.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	if cookie := cookieHeader(resp); cookie != "" {
		out.Cookie = cookie
	}
	out.LastRefreshed = c.now().UTC()
	return out, nil
}

type itemsRequest struct {
	UserID        string   `json:"user_id"`
	Origin        origin   `json:"origin"`
	Radius        int      `json:"radius"`
	PageSize      int      `json:"page_size"`
	Page          int      `json:"page"`
	Discover      bool     `json:"discover"`
	FavoritesOnly bool     `json:"favorites_only"`
	ItemCategory  []string `json:"item_categories"`
	DietCategory  []string `json:"diet_categories"`
	WithStockOnly bool     `json:"with_stock_only"`
	HiddenOnly    bool     `json:"hidden_only"`
	WeCareOnly    bool     `json:"we_care_only"`
}

type origin struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type itemsResponse struct {
	Items []json.RawMessage `json:"items"`
}

// Favorites returns the current availability of every favorite of the session's account.
func (c *Client) Favorites(ctx context.Context, creds notifier.Credentials) ([]notifier.Item, error) {
	var body itemsResponse
	_, err := c.post(ctx, itemsPath, creds.AccessToken, creds.Cookie, itemsRequest{
		UserID:        creds.UpstreamUserID,
		Radius:        21,
		PageSize:      favoritesPageSize,
		Page:          1,
		FavoritesOnly: true,
		ItemCategory:  []string{},
		DietCategory:  []string{},
	}, &body)
	if err != nil {
		return nil, fmt.Errorf("fetch favorites: %w", err)
	}

	items := make([]notifier.Item, 0, len(body.Items))
	for _, raw := range body.Items {
		item, err := ParseItem(raw)
		if err != nil {
			c.logger.Warn("Skipping unparseable favorite", "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

type rawItem struct {
	Item struct {
		ItemID    string         `json:"item_id"`
		ItemPrice notifier.Price `json:"item_price"`
		ItemValue notifier.Price `json:"item_value"`
	} `json:"item"`
	Store struct {
		StoreName     string `json:"store_name"`
		StoreLocation struct {
			Address struct {
				AddressLine string `json:"address_line"`
			} `json:"address"`
		} `json:"store_location"`
	} `json:"store"`
	PickupInterval *struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"pickup_interval"`
	DisplayName    string `json:"display_name"`
	ItemsAvailable int    `json:"items_available"`
}

// ParseItem decodes one upstream favorite, keeping the raw payload alongside.
func ParseItem(raw json.RawMessage) (notifier.Item, error) {
	var r rawItem
	if err := json.Unmarshal(raw, &r); err != nil {
		return notifier.Item{}, fmt.Errorf("decode item: %w", err)
	}
	if r.Item.ItemID == "" {
		return notifier.Item{}, errors.New("item without item_id")
	}
	item := notifier.Item{
		ItemID:         r.Item.ItemID,
		ItemsAvailable: r.ItemsAvailable,
		DisplayName:    r.DisplayName,
		StoreName:      strings.TrimSpace(r.Store.StoreName),
		Address:        r.Store.StoreLocation.Address.AddressLine,
		Price:          r.Item.ItemPrice,
		Value:          r.Item.ItemValue,
		Raw:            append(json.RawMessage(nil), raw...),
	}
	if r.PickupInterval != nil {
		item.PickupStart = r.PickupInterval.Start
		item.PickupEnd = r.PickupInterval.End
	}
	return item, nil
}

// post sends a JSON request and decodes a 2xx JSON response into out.
// Any status of 300 or above is returned as *APIError.
func (c *Client) post(ctx context.Context, path, accessToken, cookie string, in, out any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", c.cfg.Language)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	c.logger.Debug("HTTP request starting", "method", http.MethodPost, "endpoint", path)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed", "endpoint", path, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"endpoint", path,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBodyLength {
			msg = msg[:maxErrorBodyLength]
		}
		return resp, &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out != nil && resp.StatusCode == http.StatusOK && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}

// cookieHeader flattens the Set-Cookie response headers into a Cookie request header value.
func cookieHeader(resp *http.Response) string {
	cookies := resp.Cookies()
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}
