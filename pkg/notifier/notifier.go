// Package notifier contains the core domain types for the Too Good To Go stock notification service.
package notifier

import (
	"encoding/json"
	"time"
)

// UserID identifies a user on the messaging platform (the Telegram chat ID in decimal).
type UserID string

// Credentials are the upstream session credentials of one user.
type Credentials struct {
	LastRefreshed  time.Time `json:"last_time_token_refreshed"` // Always stored in UTC
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	Cookie         string    `json:"cookie"`
	UpstreamUserID string    `json:"user_id"`                     // Upstream account ID
	Contact        string    `json:"email"`                       // Address used to sign in
	Username       string    `json:"telegram_username,omitempty"` // For greeting in system messages
}

// Newer reports whether c was refreshed strictly after other.
func (c Credentials) Newer(other Credentials) bool {
	return c.LastRefreshed.After(other.LastRefreshed)
}

// Event is a classified stock transition of an item between two observations.
type Event string

const (
	EventSoldOut        Event = "sold_out"
	EventNewStock       Event = "new_stock"
	EventStockReduced   Event = "stock_reduced"
	EventStockIncreased Event = "stock_increased"
)

// Events lists all event types in display order.
var Events = []Event{EventSoldOut, EventNewStock, EventStockReduced, EventStockIncreased}

// ParseEvent converts a wire name such as "new_stock" into an Event.
func ParseEvent(s string) (Event, bool) {
	for _, e := range Events {
		if string(e) == s {
			return e, true
		}
	}
	return "", false
}

// Label returns the human-readable name of the event.
func (e Event) Label() string {
	switch e {
	case EventSoldOut:
		return "Sold out"
	case EventNewStock:
		return "New stock"
	case EventStockReduced:
		return "Stock reduced"
	case EventStockIncreased:
		return "Stock increased"
	}
	return string(e)
}

// Preferences holds which events a user wants to hear about.
type Preferences struct {
	SilenceUntil   *time.Time `json:"silence_until,omitempty"` // Suppress all alerts until this instant
	SoldOut        bool       `json:"sold_out"`
	NewStock       bool       `json:"new_stock"`
	StockReduced   bool       `json:"stock_reduced"`
	StockIncreased bool       `json:"stock_increased"`
}

// DefaultPreferences returns the record created on first login: only new stock alerts.
func DefaultPreferences() Preferences {
	return Preferences{NewStock: true}
}

func (p *Preferences) flag(e Event) *bool {
	switch e {
	case EventSoldOut:
		return &p.SoldOut
	case EventNewStock:
		return &p.NewStock
	case EventStockReduced:
		return &p.StockReduced
	case EventStockIncreased:
		return &p.StockIncreased
	}
	return nil
}

// Enabled reports whether alerts for e are switched on.
func (p Preferences) Enabled(e Event) bool {
	f := p.flag(e)
	return f != nil && *f
}

// Set switches alerts for e on or off. Unknown events are ignored.
func (p *Preferences) Set(e Event, on bool) {
	if f := p.flag(e); f != nil {
		*f = on
	}
}

// Toggle flips the flag for e.
func (p *Preferences) Toggle(e Event) {
	if f := p.flag(e); f != nil {
		*f = !*f
	}
}

// SetAll switches every event flag on or off.
func (p *Preferences) SetAll(on bool) {
	for _, e := range Events {
		p.Set(e, on)
	}
}

// AnyEnabled reports whether at least one event flag is on.
func (p Preferences) AnyEnabled() bool {
	for _, e := range Events {
		if p.Enabled(e) {
			return true
		}
	}
	return false
}

// SilencedAt reports whether the silence window is still open at now.
func (p Preferences) SilencedAt(now time.Time) bool {
	return p.SilenceUntil != nil && now.Before(*p.SilenceUntil)
}

// Price is an upstream money amount in minor units.
type Price struct {
	Code       string `json:"code"`
	MinorUnits int64  `json:"minor_units"`
	Decimals   int    `json:"decimals"`
}

// Item is one favorite as reported by the upstream API.
type Item struct {
	PickupStart    time.Time       `json:"pickup_start"`
	PickupEnd      time.Time       `json:"pickup_end"`
	Price          Price           `json:"price"`
	Value          Price           `json:"value"`
	ItemID         string          `json:"item_id"`
	DisplayName    string          `json:"display_name"`
	StoreName      string          `json:"store_name"`
	Address        string          `json:"address"`
	Raw            json.RawMessage `json:"-"` // Full upstream payload
	ItemsAvailable int             `json:"items_available"`
}

// Snapshot is the last observation of an item, persisted across restarts.
type Snapshot struct {
	LastSeen       time.Time       `json:"last_seen"` // Last pass that returned this item
	ItemID         string          `json:"item_id"`
	StoreName      string          `json:"store_name"`
	Payload        json.RawMessage `json:"payload,omitempty"` // Upstream payload passed through as-is
	ItemsAvailable int             `json:"items_available"`
}

// SnapshotOf records item as observed at now.
func SnapshotOf(item Item, now time.Time) Snapshot {
	return Snapshot{
		ItemID:         item.ItemID,
		ItemsAvailable: item.ItemsAvailable,
		StoreName:      item.StoreName,
		Payload:        item.Raw,
		LastSeen:       now.UTC(),
	}
}
