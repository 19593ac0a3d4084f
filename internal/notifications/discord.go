package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
	pending    sync.WaitGroup
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(msg discordMessage) {
	if !d.Enabled() {
		return
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// Wait blocks until queued notifications are sent.
func (d *Discord) Wait() {
	d.pending.Wait()
}

// NotifyBreakerOpened alerts that calls for key are being rejected.
func (d *Discord) NotifyBreakerOpened(key string, failures, total int) {
	d.send(discordMessage{
		Content: "@here",
		Embeds: []discordEmbed{{
			Title:       "Circuit breaker open",
			Description: fmt.Sprintf("Calls to `%s` are being rejected.", key),
			Color:       0xFF0000, // Red
			Fields: []embedField{
				{Name: "Key", Value: fmt.Sprintf("`%s`", key), Inline: true},
				{Name: "Failures", Value: fmt.Sprintf("%d/%d", failures, total), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	})
}

// NotifyBreakerClosed reports that key recovered.
func (d *Discord) NotifyBreakerClosed(key string) {
	d.send(discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Circuit breaker closed",
			Description: fmt.Sprintf("`%s` recovered.", key),
			Color:       0x00FF00, // Green
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	})
}

// NotifyProvidersChanged reports a gateway rebuild after a configuration
// change.
func (d *Discord) NotifyProvidersChanged(providers []string) {
	value := "none"
	if len(providers) > 0 {
		value = strings.Join(providers, ", ")
	}
	d.send(discordMessage{
		Embeds: []discordEmbed{{
			Title:     "Provider configuration changed",
			Color:     0x3498DB, // Blue
			Fields:    []embedField{{Name: "Configured", Value: value}},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	})
}
