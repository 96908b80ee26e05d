package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

const (
	textLimit       = 4000 // Telegram rejects messages above 4096 characters
	openInAppButton = "Open in app 📱"
)

// botSender is the subset of *tele.Bot used for delivery.
type botSender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// TelegramProvider sends messages through the Telegram Bot API.
type TelegramProvider struct {
	bot     botSender
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewTelegramProvider creates a provider for the bot identified by token.
// The bot only sends; it never polls for updates.
func NewTelegramProvider(token string, messagesPerSecond float64, logger *slog.Logger) (*TelegramProvider, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newTelegramProvider(bot, messagesPerSecond, logger), nil
}

func newTelegramProvider(bot botSender, messagesPerSecond float64, logger *slog.Logger) *TelegramProvider {
	limit := rate.Inf
	if messagesPerSecond > 0 {
		limit = rate.Limit(messagesPerSecond)
	}
	return &TelegramProvider{
		bot:     bot,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Send delivers msg, splitting long texts. The deep-link button is attached to the last part.
func (p *TelegramProvider) Send(ctx context.Context, msg Message) error {
	chatID, err := strconv.ParseInt(string(msg.To), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.To, err)
	}
	chat := &tele.Chat{ID: chatID}

	parts := splitText(msg.Text, textLimit)
	for i, part := range parts {
		opts := &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		}
		if msg.DeepLinkItemID != "" && i == len(parts)-1 {
			opts.ReplyMarkup = deepLinkMarkup(msg.DeepLinkItemID)
		}
		if err := p.send(ctx, chat, part, opts); err != nil {
			return err
		}
	}
	return nil
}

func (p *TelegramProvider) send(ctx context.Context, chat *tele.Chat, text string, opts *tele.SendOptions) error {
	err := retry.Do(
		func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			p.logger.Debug("Telegram API request starting", "chat_id", chat.ID, "runes", len([]rune(text)))
			startTime := time.Now()
			_, sendErr := p.bot.Send(chat, text, opts)
			duration := time.Since(startTime)

			if sendErr != nil && isEntityError(sendErr) && opts.ParseMode != tele.ModeDefault {
				p.logger.Warn("Telegram rejected HTML, falling back to plain text", "chat_id", chat.ID, "error", sendErr)
				text = PlainText(text)
				opts.ParseMode = tele.ModeDefault
				_, sendErr = p.bot.Send(chat, text, opts)
			}
			if sendErr != nil {
				if isPermanent(sendErr) {
					p.logger.Warn("Telegram API refused message", "chat_id", chat.ID, "duration_ms", duration.Milliseconds(), "error", sendErr)
					return retry.Unrecoverable(sendErr)
				}
				p.logger.Warn("Telegram API send failed, will retry", "chat_id", chat.ID, "duration_ms", duration.Milliseconds(), "error", sendErr)
				return sendErr
			}

			p.logger.Debug("Telegram API request completed", "chat_id", chat.ID, "duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying telegram send after error", "attempt", n, "chat_id", chat.ID, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func deepLinkMarkup(itemID string) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(tele.Btn{Text: openInAppButton, URL: DeepLink(itemID)}))
	return rm
}

func isEntityError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

// isPermanent reports errors that will not go away on retry: the chat is gone, the bot was
// blocked, or the request itself is malformed.
func isPermanent(err error) bool {
	var tErr *tele.Error
	if errors.As(err, &tErr) {
		return tErr.Code == http.StatusBadRequest || tErr.Code == http.StatusForbidden
	}
	msg := err.Error()
	return strings.Contains(msg, "(400)") || strings.Contains(msg, "(403)")
}

// PlainText strips markup from Telegram HTML.
func PlainText(htmlText string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return htmlText
	}
	return doc.Text()
}

// splitText cuts s into chunks of at most limit runes, preferring line boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
	}
	return out
}
