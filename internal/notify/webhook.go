// Package notify sends Discord and Telegram webhooks for miner events.
package notify

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tos-network/poc-miner/internal/config"
	"github.com/tos-network/poc-miner/internal/events"
	"github.com/tos-network/poc-miner/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
	RateLimitDelay = 5 * time.Second
)

const defaultTelegramAPI = "https://api.telegram.org"

// Notifier handles sending notifications
type Notifier struct {
	cfg    *config.NotifyConfig
	client *http.Client

	telegramAPI string
	retryDelay  time.Duration
	rateDelay   time.Duration

	wg sync.WaitGroup
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		telegramAPI: defaultTelegramAPI,
		retryDelay:  RetryBaseDelay,
		rateDelay:   RateLimitDelay,
	}
}

// Enabled reports whether any webhook target is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.cfg.Enabled && (n.cfg.DiscordURL != "" || n.telegramReady())
}

func (n *Notifier) telegramReady() bool {
	return n.cfg.TelegramBot != "" && n.cfg.TelegramChat != ""
}

// Wait blocks until in-flight notifications are delivered or given up.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

// NotifyBlockWon sends notifications when one of our accounts forged a block
func (n *Notifier) NotifyBlockWon(height uint64, winner events.WinnerInfo) {
	if !n.Enabled() {
		return
	}

	name := winner.Name
	if name == "" {
		name = fmt.Sprintf("%d", winner.AccountID)
	}

	if n.cfg.DiscordURL != "" {
		embed := DiscordEmbed{
			Title:       "Block Won!",
			Description: fmt.Sprintf("**%s** forged a block", n.cfg.MinerName),
			Color:       0x00FF00, // Green
			Fields: []DiscordField{
				{Name: "Height", Value: fmt.Sprintf("%d", height), Inline: true},
				{Name: "Account", Value: name, Inline: true},
				{Name: "Account ID", Value: fmt.Sprintf("%d", winner.AccountID), Inline: false},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Footer:    &DiscordFooter{Text: n.cfg.MinerName},
		}
		n.async(func() { n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}}) })
	}

	if n.telegramReady() {
		text := fmt.Sprintf(
			"*Block Won!*\n\n"+
				"Height: `%d`\n"+
				"Account: `%s`\n"+
				"Account ID: `%d`",
			height, name, winner.AccountID,
		)
		n.async(func() { n.sendTelegramMessageWithRetry(text) })
	}
}

// NotifyConfirmed sends notifications when the pool confirms a deadline.
// It is a no-op unless notify_confirmed is set.
func (n *Notifier) NotifyConfirmed(height uint64, d events.DeadlineInfo) {
	if !n.Enabled() || !n.cfg.NotifyConfirmed {
		return
	}

	account := d.AccountName
	if account == "" {
		account = fmt.Sprintf("%d", d.AccountID)
	}
	deadline := d.DeadlineStr
	if deadline == "" {
		deadline = util.FormatDeadline(d.Deadline)
	}

	if n.cfg.DiscordURL != "" {
		embed := DiscordEmbed{
			Title:       "Deadline Confirmed",
			Description: fmt.Sprintf("**%s** had a deadline accepted by the pool", n.cfg.MinerName),
			Color:       0x0099FF, // Blue
			Fields: []DiscordField{
				{Name: "Height", Value: fmt.Sprintf("%d", height), Inline: true},
				{Name: "Deadline", Value: deadline, Inline: true},
				{Name: "Account", Value: account, Inline: true},
				{Name: "Nonce", Value: fmt.Sprintf("%d", d.Nonce), Inline: true},
				{Name: "Plot", Value: truncatePath(d.PlotFile), Inline: false},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Footer:    &DiscordFooter{Text: n.cfg.MinerName},
		}
		n.async(func() { n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}}) })
	}

	if n.telegramReady() {
		text := fmt.Sprintf(
			"*Deadline Confirmed*\n\n"+
				"Height: `%d`\n"+
				"Deadline: `%s`\n"+
				"Account: `%s`\n"+
				"Nonce: `%d`",
			height, deadline, account, d.Nonce,
		)
		n.async(func() { n.sendTelegramMessageWithRetry(text) })
	}
}

func (n *Notifier) async(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
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

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := util.MarshalJSON(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	if err := n.postWithRetry(n.cfg.DiscordURL, body); err != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, err)
	}
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramAPI, n.cfg.TelegramBot)

	body, err := util.MarshalJSON(TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	if err := n.postWithRetry(url, body); err != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, err)
	}
}

func (n *Notifier) postWithRetry(url string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s, 8s
			time.Sleep(n.retryDelay * time.Duration(1<<uint(attempt-1)))
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
			time.Sleep(n.rateDelay)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return lastErr
}

// truncatePath keeps the tail of a plot path for display
func truncatePath(path string) string {
	if len(path) <= 48 {
		return path
	}
	return "..." + path[len(path)-45:]
}
