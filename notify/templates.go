package notify

import (
	"fmt"
	"strconv"
	"strings"

	"tgtg-notifier/pkg/notifier"
)

const deepLinkBase = "https://share.toogoodtogo.com/item/"

const (
	loginPendingText = "📩 Please open your mail account.\n" +
		"You will receive an email with a confirmation link.\n" +
		"<i>Opening the email on mobile won't work if you have the Too Good To Go app installed.</i>\n\n" +
		"<b>You must open the link in your PC browser.</b>\n" +
		"<i>You do not need to enter a password.</i>"
	loginSucceededText  = "✅ You are now logged in!"
	alreadyLoggedInText = "👍 You are logged in!"
	loginTimedOutText   = "⏱ <b>Time expired. Please log in again.</b>"
	loginFailedText     = "❌ Cannot log in. Please try again later."
	loginErrorText      = "❌ An error happened while logging in. Please try again."
)

// DeepLink returns the link that opens itemID in the mobile app.
func DeepLink(itemID string) string {
	return deepLinkBase + itemID
}

func sessionExpiredText(username string) string {
	if username == "" {
		return "Hello, your session expired, please log in again to continue receiving notifications."
	}
	return fmt.Sprintf("Hello, %s, your session expired, please log in again to continue receiving notifications.", escapeHTML(username))
}

// FormatItem renders item as Telegram HTML. A non-empty event is appended as the last line.
func (s *Sender) FormatItem(item notifier.Item, event notifier.Event) string {
	var b strings.Builder

	b.WriteString("🍽 <b>" + escapeHTML(item.StoreName) + "</b>")
	if item.DisplayName != "" && item.DisplayName != item.StoreName {
		b.WriteString(" · " + escapeHTML(item.DisplayName))
	}
	b.WriteString("\n")
	if item.Address != "" {
		b.WriteString("🧭 " + escapeHTML(item.Address) + "\n")
	}
	if item.Price.Code != "" {
		b.WriteString(fmt.Sprintf("💰 %s -- (%s value)\n", FormatPrice(item.Price), FormatPrice(item.Value)))
	}
	b.WriteString("🥡 " + strconv.Itoa(item.ItemsAvailable))

	if item.ItemsAvailable > 0 && !item.PickupStart.IsZero() && !item.PickupEnd.IsZero() {
		start := item.PickupStart.In(s.location).Format(s.dateFormat)
		end := item.PickupEnd.In(s.location).Format(s.dateFormat)
		b.WriteString("\n⏰ " + escapeHTML(start) + " - " + escapeHTML(end))
	}

	if event != "" {
		b.WriteString("\n" + event.Label())
	}
	return b.String()
}

// FormatPrice renders a minor-unit amount with its currency code, e.g. "3.99 EUR".
func FormatPrice(p notifier.Price) string {
	if p.Decimals <= 0 {
		return strings.TrimSpace(fmt.Sprintf("%d %s", p.MinorUnits, p.Code))
	}
	div := int64(1)
	for range p.Decimals {
		div *= 10
	}
	sign := ""
	units := p.MinorUnits
	if units < 0 {
		sign = "-"
		units = -units
	}
	return strings.TrimSpace(fmt.Sprintf("%s%d.%0*d %s", sign, units/div, p.Decimals, units%div, p.Code))
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
