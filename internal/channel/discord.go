package channel

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/samims/dispatch/internal/model"
)

// Discord caps embed fields at 25 per embed.
const discordMaxFields = 25

// DiscordChannel posts to an incoming webhook. Message.To, when set,
// overrides the configured webhook URL.
type DiscordChannel struct {
	cfg    DiscordConfig
	client *http.Client
}

func NewDiscordChannel(cfg DiscordConfig, client *http.Client) *DiscordChannel {
	return &DiscordChannel{cfg: cfg, client: client}
}

func (c *DiscordChannel) Type() model.ChannelType { return model.ChannelDiscord }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordPayload struct {
	Content   string         `json:"content"`
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Embeds    []discordEmbed `json:"embeds,omitempty"`
}

func (c *DiscordChannel) Send(ctx context.Context, msg Message) (res Result) {
	defer recoverInto(&res, model.ChannelDiscord)

	hook := c.cfg.WebhookURL
	if msg.To != "" {
		hook = msg.To
	}
	if hook == "" {
		return failed("discord: no webhook url configured")
	}

	content := msg.Body
	if msg.Subject != "" {
		content = "**" + msg.Subject + "**\n" + msg.Body
	}
	body := discordPayload{
		Content:   content,
		Username:  c.cfg.Username,
		AvatarURL: c.cfg.AvatarURL,
		Embeds:    discordEmbeds(msg.Data),
	}

	status, raw, err := postJSON(ctx, c.client, hook, body, nil)
	if err != nil {
		return failed("discord: %v", err)
	}
	if !ok(status) {
		r := failed("discord: webhook returned %d: %s", status, snippet(raw))
		r.StatusCode = status
		return r
	}
	return Result{Success: true, StatusCode: status}
}

// discordEmbeds renders data as one embed with a field per key, sorted so
// the rendering is stable.
func discordEmbeds(data map[string]any) []discordEmbed {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > discordMaxFields {
		keys = keys[:discordMaxFields]
	}
	fields := make([]discordField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, discordField{Name: k, Value: fmt.Sprint(data[k]), Inline: true})
	}
	return []discordEmbed{{Fields: fields}}
}
