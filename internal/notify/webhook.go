// Package notify provides notification services for miner events.
package notify

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/telemetry"
	"github.com/tos-network/tos-miner/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
	RateLimitDelay = 5 * time.Second
)

// Embed colors by severity
const (
	colorInfo  = 0x0099FF // Blue
	colorWarn  = 0xFFA500 // Orange
	colorError = 0xFF0000 // Red
	colorFatal = 0x8B0000 // Dark red
)

// Notifier forwards important telemetry events to Discord and Telegram
type Notifier struct {
	cfg    *config.NotifyConfig
	label  string
	min    telemetry.Severity
	client *http.Client

	retryDelay     time.Duration
	rateLimitDelay time.Duration
	pending        sync.WaitGroup
}

// NewNotifier creates a new notifier; label names this miner in messages
func NewNotifier(cfg *config.NotifyConfig, label string) *Notifier {
	return &Notifier{
		cfg:   cfg,
		label: label,
		min:   telemetry.ParseSeverity(cfg.MinSeverity),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelay:     RetryBaseDelay,
		rateLimitDelay: RateLimitDelay,
	}
}

// Name identifies the notifier as a telemetry sink
func (n *Notifier) Name() string { return "notify" }

// Handle sends an event when it reaches the configured severity.
// Sends run in the background so the bus dispatcher never waits on a webhook.
func (n *Notifier) Handle(e telemetry.Event) {
	if !n.cfg.Enabled || e.Severity < n.min {
		return
	}

	if n.cfg.DiscordURL != "" {
		n.pending.Add(1)
		go func() {
			defer n.pending.Done()
			n.sendDiscordMessageWithRetry(n.discordMessage(e))
		}()
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		n.pending.Add(1)
		go func() {
			defer n.pending.Done()
			n.sendTelegramMessageWithRetry(n.telegramText(e))
		}()
	}
}

// Wait blocks until in-flight notifications finish
func (n *Notifier) Wait() {
	n.pending.Wait()
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) discordMessage(e telemetry.Event) DiscordMessage {
	var fields []DiscordField
	for _, kv := range formatFields(e.Fields) {
		fields = append(fields, DiscordField{Name: kv[0], Value: kv[1], Inline: len(kv[1]) <= 24})
	}

	embed := DiscordEmbed{
		Title:       title(e.Kind),
		Description: e.Message,
		Color:       severityColor(e.Severity),
		Fields:      fields,
		Timestamp:   e.Time.UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.label,
		},
	}

	return DiscordMessage{
		Embeds: []DiscordEmbed{embed},
	}
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := sonic.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	if err := n.post(n.cfg.DiscordURL, body); err != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, err)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) telegramText(e telemetry.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n%s\n", title(e.Kind), e.Message)
	for _, kv := range formatFields(e.Fields) {
		fmt.Fprintf(&b, "%s: `%s`\n", kv[0], kv[1])
	}
	if n.label != "" {
		fmt.Fprintf(&b, "\n_%s_", n.label)
	}
	return strings.TrimRight(b.String(), "\n")
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	api := strings.TrimRight(n.cfg.TelegramAPI, "/")
	if api == "" {
		api = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", api, n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := sonic.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	if err := n.post(url, body); err != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, err)
	}
}

func (n *Notifier) post(url string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s, 8s
			delay := n.retryDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return nil
		}

		// Rate limited - wait longer
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited")
			time.Sleep(n.rateLimitDelay)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return lastErr
}

// title turns an event kind into a heading, e.g. process_failed -> Process Failed
func title(k telemetry.Kind) string {
	parts := strings.Split(string(k), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

func severityColor(s telemetry.Severity) int {
	switch {
	case s >= telemetry.SeverityFatal:
		return colorFatal
	case s >= telemetry.SeverityError:
		return colorError
	case s >= telemetry.SeverityWarn:
		return colorWarn
	default:
		return colorInfo
	}
}

// formatFields renders event fields as sorted key/value pairs
func formatFields(fields map[string]interface{}) [][2]string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(fields[k])
		switch k {
		case "user", "address":
			v = truncateAddress(v)
		case "prevhash", "digest":
			v = truncateHash(v)
		}
		out = append(out, [2]string{k, v})
	}
	return out
}

// truncateAddress returns a shortened address for display
func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
