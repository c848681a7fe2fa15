// Package telegram sends chat notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Config controls the Bot API client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Client implements notify.ChatSender.
type Client struct {
	http *resty.Client
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Content-Type", "application/json")
	return &Client{http: client}
}

// SendMessage posts text to chatID.
func (c *Client) SendMessage(ctx context.Context, botToken, chatID, text string) error {
	if botToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if chatID == "" {
		return fmt.Errorf("telegram chat id is required")
	}
	var result apiResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(sendMessageRequest{ChatID: chatID, Text: text}).
		SetResult(&result).
		SetError(&result).
		Post("/bot" + botToken + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	if res.IsError() || !result.OK {
		return fmt.Errorf("telegram sendMessage: status %d: %s", res.StatusCode(), result.Description)
	}
	return nil
}
