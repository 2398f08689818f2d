// Package notify provides operator alerting for provider state changes.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/iptv-proxy/streamgate/internal/util"
)

// WebhookConfig holds webhook configuration
type WebhookConfig struct {
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramURL  string `mapstructure:"telegram_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	ServiceURL   string `mapstructure:"service_url"`
}

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles sending notifications
type Notifier struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *WebhookConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyProviderGrace sends notifications when a provider enters its grace window.
func (n *Notifier) NotifyProviderGrace(providerName string, current, max uint16) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordGraceNotification(providerName, current, max)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramGraceNotification(providerName, current, max)
	}
}

// NotifyProviderOverLimit sends notifications when a provider crosses its
// configured connection limit.
func (n *Notifier) NotifyProviderOverLimit(providerName string, current, max uint16) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordOverLimitNotification(providerName, current, max)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramOverLimitNotification(providerName, current, max)
	}
}

// NotifyProviderExhausted sends notifications when a provider has no more
// connections to give out, grace included.
func (n *Notifier) NotifyProviderExhausted(providerName string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordExhaustedNotification(providerName)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramExhaustedNotification(providerName)
	}
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

// sendDiscordGraceNotification sends a provider-entered-grace notification to Discord
func (n *Notifier) sendDiscordGraceNotification(providerName string, current, max uint16) {
	embed := DiscordEmbed{
		Title:       "Provider In Grace",
		Description: fmt.Sprintf("**%s** is serving the grace connection on `%s`", n.cfg.ServiceName, providerName),
		Color:       0xFFA500, // Orange
		Fields: []DiscordField{
			{Name: "Provider", Value: providerName, Inline: true},
			{Name: "Connections", Value: fmt.Sprintf("%d/%d", current, max), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.cfg.ServiceName,
		},
	}

	if n.cfg.ServiceURL != "" {
		embed.URL = n.cfg.ServiceURL
	}

	msg := DiscordMessage{
		Embeds: []DiscordEmbed{embed},
	}

	n.sendDiscordMessageWithRetry(msg)
}

// sendDiscordOverLimitNotification sends an over-limit notification to Discord
func (n *Notifier) sendDiscordOverLimitNotification(providerName string, current, max uint16) {
	embed := DiscordEmbed{
		Title:       "Provider Over Limit",
		Description: fmt.Sprintf("**%s** has exceeded its configured limit on `%s`", n.cfg.ServiceName, providerName),
		Color:       0xFF0000, // Red
		Fields: []DiscordField{
			{Name: "Provider", Value: providerName, Inline: true},
			{Name: "Connections", Value: fmt.Sprintf("%d/%d", current, max), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.cfg.ServiceName,
		},
	}

	msg := DiscordMessage{
		Embeds: []DiscordEmbed{embed},
	}

	n.sendDiscordMessageWithRetry(msg)
}

// sendDiscordExhaustedNotification sends a provider-exhausted notification to Discord
func (n *Notifier) sendDiscordExhaustedNotification(providerName string) {
	embed := DiscordEmbed{
		Title:       "Provider Exhausted",
		Description: fmt.Sprintf("**%s** has no connections left to give out on `%s`", n.cfg.ServiceName, providerName),
		Color:       0xFF0000, // Red
		Fields: []DiscordField{
			{Name: "Provider", Value: providerName, Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.cfg.ServiceName,
		},
	}

	msg := DiscordMessage{
		Embeds: []DiscordEmbed{embed},
	}

	n.sendDiscordMessageWithRetry(msg)
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		// Rate limited - wait longer
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Discord notification after %d attempts: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendTelegramGraceNotification sends a provider-entered-grace notification to Telegram
func (n *Notifier) sendTelegramGraceNotification(providerName string, current, max uint16) {
	text := fmt.Sprintf(
		"*Provider In Grace*\n\n"+
			"Provider: `%s`\n"+
			"Connections: `%d/%d`",
		providerName, current, max,
	)

	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramOverLimitNotification sends an over-limit notification to Telegram
func (n *Notifier) sendTelegramOverLimitNotification(providerName string, current, max uint16) {
	text := fmt.Sprintf(
		"*Provider Over Limit*\n\n"+
			"Provider: `%s`\n"+
			"Connections: `%d/%d`",
		providerName, current, max,
	)

	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramExhaustedNotification sends a provider-exhausted notification to Telegram
func (n *Notifier) sendTelegramExhaustedNotification(providerName string) {
	text := fmt.Sprintf(
		"*Provider Exhausted*\n\n"+
			"Provider: `%s`",
		providerName,
	)

	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		// Rate limited
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Telegram notification after %d attempts: %v", MaxRetries, lastErr)
	}
}
