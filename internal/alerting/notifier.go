package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notifier delivers alerts to an external channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Recorder persists alerts as they are raised.
type Recorder interface {
	RecordAlert(ctx context.Context, alert Alert) error
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	label    string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a notifier posting to chatID. label prefixes every message.
func NewTelegramNotifier(botToken, chatID, baseURL, label string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if label == "" {
		label = "guardwatch"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		label:    label,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify posts the alert text via sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, alert Alert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    n.render(alert),
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
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().Str("alert_id", alert.ID).
		Str("kind", string(alert.Kind)).
		Str("severity", string(alert.Severity)).
		Msg("alert sent (telegram)")
	return nil
}

func (n *TelegramNotifier) render(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s]\n", n.label, strings.ToUpper(string(alert.Severity)))
	fmt.Fprintf(&b, "%s\n", alert.Title)
	if alert.Message != "" {
		fmt.Fprintf(&b, "%s\n", alert.Message)
	}
	fmt.Fprintf(&b, "Time: %s UTC\n", alert.LastSeen.UTC().Format(time.RFC3339))
	if alert.OccurrenceCount > 1 {
		fmt.Fprintf(&b, "Occurrences: %d\n", alert.OccurrenceCount)
	}
	return b.String()
}

// LogNotifier writes alerts to the structured log. Used when no chat channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the alert at a level matching its severity.
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	ev := n.logger.Info()
	switch alert.Severity {
	case SeverityCritical:
		ev = n.logger.Error()
	case SeverityWarning:
		ev = n.logger.Warn()
	}
	ev.Str("alert_id", alert.ID).
		Str("kind", string(alert.Kind)).
		Str("fingerprint", alert.Fingerprint).
		Str("message", alert.Message).
		Msg(alert.Title)
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
