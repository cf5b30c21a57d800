// Package telegram sends alerts through the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/waveyops/ledgerwatch/analyzer/httpmisc"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/notifier"
)

// defaultRetryAfter is used for a 429 that does not say how long to wait.
const defaultRetryAfter = 5 * time.Second

var retryAfterRE = regexp.MustCompile(`(?i)retry after (\d+)`)

// Client implements notifier.Notifier.
type Client struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *log.Logger
}

var _ notifier.Notifier = (*Client)(nil)

// NewClient creates a Bot API client.
func NewClient(cfg *config.NotifierConfig, logger *log.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.APIEndpoint, "/"),
		token:    cfg.BotToken,
		client:   &http.Client{Timeout: httpmisc.ClientTimeout},
		logger:   logger.WithModule("telegram"),
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send posts a Markdown message with link previews disabled.
func (c *Client) Send(ctx context.Context, chatID string, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.endpoint, c.token)
	resp, err := httpmisc.PostJSONWithClient(ctx, c.client, url, sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	if err != nil {
		// The URL carries the token; do not let it reach the logs.
		return fmt.Errorf("sendMessage: %s", strings.ReplaceAll(err.Error(), c.token, "<token>"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("sendMessage: reading response: %w", err)
	}
	var parsed apiResponse
	detail := ""
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			c.logger.Warn("undecodable Bot API response", "status", resp.StatusCode, "err", err)
			detail = fmt.Sprintf("decoding response: %v", err)
		}
	}
	if detail == "" {
		detail = parsed.Description
	}

	switch {
	case resp.StatusCode == http.StatusOK && (parsed.OK || len(body) == 0):
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &notifier.RateLimitedError{RetryAfter: retryAfter(&parsed)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("sendMessage: HTTP %d: %s", resp.StatusCode, detail)
	default:
		// Bad markup, unknown chat, revoked token, a 200 we cannot read:
		// retrying cannot help.
		return notifier.Permanent(fmt.Errorf("sendMessage: HTTP %d: %s", resp.StatusCode, detail))
	}
}

func retryAfter(r *apiResponse) time.Duration {
	if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
		return time.Duration(r.Parameters.RetryAfter) * time.Second
	}
	if m := retryAfterRE.FindStringSubmatch(r.Description); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultRetryAfter
}
