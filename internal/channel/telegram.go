package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/samims/dispatch/internal/model"
)

const DefaultTelegramEndpoint = "https://api.telegram.org"

// TelegramChannel calls the Bot API sendMessage method. Message.To, when
// set, overrides the configured chat id.
type TelegramChannel struct {
	cfg    TelegramConfig
	client *http.Client
}

func NewTelegramChannel(cfg TelegramConfig, client *http.Client) *TelegramChannel {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultTelegramEndpoint
	}
	return &TelegramChannel{cfg: cfg, client: client}
}

func (c *TelegramChannel) Type() model.ChannelType { return model.ChannelTelegram }

func (c *TelegramChannel) Send(ctx context.Context, msg Message) (res Result) {
	defer recoverInto(&res, model.ChannelTelegram)

	chatID := c.cfg.ChatID
	if msg.To != "" {
		chatID = msg.To
	}
	if chatID == "" {
		return failed("telegram: no chat id")
	}

	text, err := telegramText(msg)
	if err != nil {
		return failed("telegram: %v", err)
	}
	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + "/bot" + c.cfg.BotToken + "/sendMessage"
	body := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	status, raw, err := postJSON(ctx, c.client, endpoint, body, nil)
	if err != nil {
		// The request URL embeds the bot token.
		return failed("telegram: request failed: %v", redact(err.Error(), c.cfg.BotToken))
	}
	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil && ok(status) {
		return failed("telegram: decode response: %v", err)
	}
	if !ok(status) || !out.OK {
		detail := out.Description
		if detail == "" {
			detail = snippet(raw)
		}
		r := failed("telegram: api returned %d: %s", status, detail)
		r.StatusCode = status
		return r
	}
	return Result{Success: true, MessageID: fmt.Sprint(out.Result.MessageID), StatusCode: status}
}

func telegramText(msg Message) (string, error) {
	var b strings.Builder
	if msg.Subject != "" {
		b.WriteString("*" + msg.Subject + "*\n\n")
	}
	b.WriteString(msg.Body)
	if len(msg.Data) > 0 {
		data, err := json.MarshalIndent(msg.Data, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode data: %w", err)
		}
		b.WriteString("\n\n```json\n")
		b.Write(data)
		b.WriteString("\n```")
	}
	return b.String(), nil
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}
