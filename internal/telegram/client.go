// Package telegram adapts the Bot API client to the Messenger capability the
// relay loops are written against.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dmrelay/internal/content"
	"dmrelay/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	maxMsgLen      = 4000
	updateTimeout  = 30 // long-poll seconds
	maxSendRetries = 2
)

// Client wraps one Bot API identity.
type Client struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

func NewClient(token string, logger *slog.Logger) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return &Client{bot: bot, logger: logger}, nil
}

// Validate checks a token against the API without keeping a client around.
// Used when the operator provisions the delivery credential.
func Validate(token string) (username string, err error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return "", err
	}
	return bot.Self.UserName, nil
}

func (c *Client) Self() tgbotapi.User { return c.bot.Self }

// Updates returns the long-poll update stream. The stream stops when ctx is
// cancelled; callers range over it until closed.
func (c *Client) Updates(ctx context.Context) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = updateTimeout
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		c.bot.StopReceivingUpdates()
	}()

	return updates
}

// DeliverPayload reconstructs the payload and sends it, returning the sent
// message id. The request is issued through MakeRequest with the codec-built
// parameters so protect_content reaches the wire. Rate limits surface as
// *domain.RateLimitError so callers can sleep the demanded duration instead
// of failing the job.
func (c *Client) DeliverPayload(ctx context.Context, chatID int64, p *domain.Payload, opts domain.SendOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	method, params, err := content.Request(chatID, p, opts)
	if err != nil {
		return 0, err
	}
	resp, err := c.bot.MakeRequest(method, params)
	if err != nil {
		return 0, wrapSendErr(err)
	}
	var sent tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return 0, fmt.Errorf("decode %s response: %w", method, err)
	}
	return sent.MessageID, nil
}

// SendText sends operator-facing plain text, split at the Bot API length
// limit, with a short retry on transient failures.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMsgLen {
			cutAt := strings.LastIndex(chunk[:maxMsgLen], "\n")
			if cutAt < maxMsgLen/2 {
				cutAt = maxMsgLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if err := c.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendChunk(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := c.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return nil
		}
		lastErr = wrapSendErr(err)

		var rl *domain.RateLimitError
		if errors.As(lastErr, &rl) {
			c.logger.Warn("telegram rate limited, backing off",
				"retry_after", rl.RetryAfter, "attempt", attempt+1)
			sleep(ctx, rl.RetryAfter)
			continue
		}

		if attempt < maxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			c.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			sleep(ctx, backoff)
		}
	}
	return lastErr
}

// wrapSendErr maps Bot API throttle responses to domain.RateLimitError and
// passes everything else through.
func wrapSendErr(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return &domain.RateLimitError{RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
	}
	if strings.Contains(err.Error(), "Too Many Requests") {
		return &domain.RateLimitError{RetryAfter: 3 * time.Second}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
