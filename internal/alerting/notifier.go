package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind groups operator notifications.
type Kind string

const (
	KindUnrecordedDeposits    Kind = "unrecorded_deposits"
	KindReconciliationFailure Kind = "reconciliation_failure"
	KindRiskHalt              Kind = "risk_halt"
)

// Field is one labelled line of a notification.
type Field struct {
	Name  string
	Value string
}

// Notification carries an operator-facing alert.
type Notification struct {
	Kind       Kind
	Title      string
	OccurredAt time.Time
	Fields     []Field
	Details    string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("kind", string(note.Kind)).Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Token Economy] %s\n", note.Title))
	if !note.OccurredAt.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.OccurredAt.UTC().Format(time.RFC3339)))
	}
	for _, f := range note.Fields {
		builder.WriteString(fmt.Sprintf("%s: %s\n", f.Name, f.Value))
	}
	if note.Details != "" {
		builder.WriteString(note.Details)
	}
	return builder.String()
}

// Throttled drops repeats of the same Kind within Cooldown.
type Throttled struct {
	next     Notifier
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[Kind]time.Time
}

// NewThrottled wraps next. A non-positive cooldown disables throttling.
func NewThrottled(next Notifier, cooldown time.Duration) *Throttled {
	return &Throttled{next: next, cooldown: cooldown, now: time.Now, last: make(map[Kind]time.Time)}
}

func (t *Throttled) Notify(ctx context.Context, note Notification) error {
	now := t.now()
	t.mu.Lock()
	if last, ok := t.last[note.Kind]; ok && t.cooldown > 0 && now.Sub(last) < t.cooldown {
		t.mu.Unlock()
		return nil
	}
	t.last[note.Kind] = now
	t.mu.Unlock()

	if err := t.next.Notify(ctx, note); err != nil {
		t.mu.Lock()
		delete(t.last, note.Kind)
		t.mu.Unlock()
		return err
	}
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Throttled)(nil)
)
