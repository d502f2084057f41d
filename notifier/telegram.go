// Package notifier delivers violation notifications to Telegram, throttling
// repeat notifications per user.
package notifier

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banhammer/banhammer/detection"
	"github.com/banhammer/banhammer/logger"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
)

var ErrSendFailed = errors.New("telegram send failed")

// Telegram sends violation messages through the Bot API. The per-user gate
// is a TTL cache: an email present in the cache was notified within the
// notification interval. The gate is only primed on successful sends, so a
// failed delivery retries on the next sweep.
type Telegram struct {
	client   *resty.Client
	botToken string
	chatID   string
	gate     *gocache.Cache // nil when interval <= 0, every sweep notifies
}

func NewTelegram(botToken, chatID string, interval time.Duration) *Telegram {
	return newTelegram("https://api.telegram.org", botToken, chatID, interval)
}

func newTelegram(baseURL, botToken, chatID string, interval time.Duration) *Telegram {
	t := &Telegram{
		client:   resty.New().SetBaseURL(baseURL).SetTimeout(15 * time.Second),
		botToken: botToken,
		chatID:   chatID,
	}
	// go-cache treats a non-positive default TTL as "never expire", which
	// would suppress continuations forever; interval <= 0 means no throttling
	if interval > 0 {
		t.gate = gocache.New(interval, time.Minute)
	}
	return t
}

// NotifyNew sends the first notification for a fresh ban. It is not
// throttled, but it primes the gate so the first "continues" notification
// waits a full interval.
func (t *Telegram) NotifyNew(violation detection.Violation) error {
	if err := t.send(formatViolation("New device limit violation", violation)); err != nil {
		return err
	}
	t.prime(violation.Email)
	return nil
}

// NotifyContinues sends a follow-up for an ongoing ban, at most once per
// notification interval per user.
func (t *Telegram) NotifyContinues(violation detection.Violation) error {
	if t.gate != nil {
		if _, throttled := t.gate.Get(violation.Email); throttled {
			return nil
		}
	}
	if err := t.send(formatViolation("Violation continues", violation)); err != nil {
		return err
	}
	t.prime(violation.Email)
	return nil
}

func (t *Telegram) prime(email string) {
	if t.gate != nil {
		t.gate.SetDefault(email)
	}
}

func (t *Telegram) send(text string) error {
	resp, err := t.client.R().
		SetFormData(map[string]string{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.botToken))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("%w: unexpected status %d", ErrSendFailed, resp.StatusCode())
	}
	logger.GetLogger().Debug().Msg("telegram notification sent")
	return nil
}

func formatViolation(title string, violation detection.Violation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", title)
	fmt.Fprintf(&b, "User: <code>%s</code>\n", violation.Email)
	if violation.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", violation.Description)
	}
	if violation.TelegramID != "" {
		fmt.Fprintf(&b, "Telegram ID: <code>%s</code>\n", violation.TelegramID)
	}
	fmt.Fprintf(&b, "IPs: %d (limit %d)\n", violation.IPCount, violation.Limit)
	if len(violation.IPs) > 0 {
		fmt.Fprintf(&b, "Addresses: %s\n", strings.Join(violation.IPs, ", "))
	}
	if len(violation.Nodes) > 0 {
		fmt.Fprintf(&b, "Nodes: %s\n", strings.Join(violation.Nodes, ", "))
	}
	fmt.Fprintf(&b, "In violation for %ds", violation.ViolationDuration)
	return b.String()
}
