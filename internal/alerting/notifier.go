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
	"github.com/shopspring/decimal"
)

// Deal is one hot listing worth telling somebody about.
type Deal struct {
	OEM          string
	Model        string
	Variant      string
	RetailerName string
	Price        decimal.Decimal
	Currency     string
	HotnessScore int
	ProductURL   string
}

// Notification bundles the hot deals of one pipeline run.
type Notification struct {
	RunID    int64
	FoundAt  time.Time
	MinScore int
	Deals    []Deal
}

// Notifier delivers hot-deal digests.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes digests through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
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

// Notify sends the rendered digest via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if len(note.Deals) == 0 {
		return nil
	}

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
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Int64("run_id", note.RunID).
		Int("deals", len(note.Deals)).
		Msg("hot deal digest sent (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Price Radar] Hot deals\n")
	builder.WriteString(fmt.Sprintf("Run: %d, found %s UTC\n", note.RunID, note.FoundAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Score threshold: %d\n\n", note.MinScore))
	for _, deal := range note.Deals {
		name := strings.TrimSpace(deal.OEM + " " + deal.Model)
		if deal.Variant != "" {
			name += " (" + deal.Variant + ")"
		}
		builder.WriteString(fmt.Sprintf("%s: %s %s at %s (score %d)\n",
			name, deal.Price.StringFixed(2), deal.Currency, deal.RetailerName, deal.HotnessScore))
		if deal.ProductURL != "" {
			builder.WriteString(deal.ProductURL + "\n")
		}
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
