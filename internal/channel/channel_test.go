package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/push"
	"github.com/samims/dispatch/internal/storage/memstore"
)

// deadURL returns the address of a server that is no longer listening.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func deadPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

type capture struct {
	mu     sync.Mutex
	req    *http.Request
	body   []byte
	status int
	reply  string
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.req = r.Clone(context.Background())
		c.body = b
		status, reply := c.status, c.reply
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}
}

func (c *capture) get() (*http.Request, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req, c.body
}

type fakeProvider struct {
	platform model.Platform
	result   push.SendResult
	panicMsg string
	calls    int
}

func (p *fakeProvider) Platform() model.Platform { return p.platform }

func (p *fakeProvider) ConvertNotificationPayload(model.NotificationPayload, push.Recipient, string, string) (push.Message, error) {
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	return nil, nil
}

func (p *fakeProvider) SendMessage(context.Context, push.Message) push.SendResult {
	p.calls++
	return p.result
}

func TestSendNeverFailsLoudlyOnUnreachableEndpoints(t *testing.T) {
	dead := deadURL(t)
	client := &http.Client{Timeout: 2 * time.Second}
	msg := Message{To: "", Subject: "Hi", Body: "there"}

	tests := []struct {
		name string
		ch   Channel
		to   string
	}{
		{"sms", NewSMSChannel(SMSConfig{AccountSID: "AC1", AuthToken: "t", From: "+1", Endpoint: dead}, client), "+15550100"},
		{"discord", NewDiscordChannel(DiscordConfig{WebhookURL: dead + "/hook"}, client), ""},
		{"discord malformed url", NewDiscordChannel(DiscordConfig{WebhookURL: "://nope"}, client), ""},
		{"telegram", NewTelegramChannel(TelegramConfig{BotToken: "secret-token", ChatID: "1", Endpoint: dead}, client), ""},
		{"email api", NewEmailChannel(NewAPITransport(EmailAPIConfig{APIKey: "k", From: "a@example.com", Endpoint: dead}, client)), "b@example.com"},
		{"email smtp", NewEmailChannel(NewSMTPTransport(EmailSMTPConfig{Host: "127.0.0.1", Port: deadPort(t), From: "a@example.com"}, time.Second)), "b@example.com"},
		{"email bad recipient", NewEmailChannel(NewAPITransport(EmailAPIConfig{APIKey: "k", From: "a@example.com"}, client)), "not-an-address"},
		{"push panics", NewPushChannel(&fakeProvider{platform: model.PlatformIOS, panicMsg: "boom"}), "tok"},
		{"push no token", NewPushChannel(&fakeProvider{platform: model.PlatformIOS}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := msg
			m.To = tt.to
			var res Result
			require.NotPanics(t, func() { res = tt.ch.Send(context.Background(), m) })
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
			assert.NotContains(t, res.Error, "secret-token")
		})
	}
}

func TestSMSChannelSend(t *testing.T) {
	c := &capture{status: http.StatusCreated, reply: `{"sid":"SM123"}`}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	ch := NewSMSChannel(SMSConfig{AccountSID: "AC1", AuthToken: "tok", From: "+15550000", Endpoint: srv.URL}, srv.Client())
	res := ch.Send(context.Background(), Message{To: "+15551111", Subject: "Alert", Body: "disk full"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "SM123", res.MessageID)

	req, body := c.get()
	assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", req.URL.Path)
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "AC1", user)
	assert.Equal(t, "tok", pass)
	assert.Contains(t, string(body), "Body=Alert%0A%0Adisk+full")
	assert.Contains(t, string(body), "To=%2B15551111")
}

func TestSMSChannelGatewayError(t *testing.T) {
	c := &capture{status: http.StatusBadRequest, reply: `{"message":"invalid To"}`}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	ch := NewSMSChannel(SMSConfig{AccountSID: "AC1", AuthToken: "tok", From: "+1", Endpoint: srv.URL}, srv.Client())
	res := ch.Send(context.Background(), Message{To: "x", Body: "b"})
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, res.Error, "invalid To")
}

func TestDiscordChannelSend(t *testing.T) {
	c := &capture{status: http.StatusNoContent}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	ch := NewDiscordChannel(DiscordConfig{WebhookURL: "http://unused.invalid", Username: "dispatch"}, srv.Client())
	res := ch.Send(context.Background(), Message{
		To:      srv.URL + "/api/webhooks/1/abc",
		Subject: "Deploy",
		Body:    "v2 is live",
		Data:    map[string]any{"region": "eu", "build": 42},
	})
	require.True(t, res.Success, res.Error)

	_, body := c.get()
	var got discordPayload
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "**Deploy**\nv2 is live", got.Content)
	assert.Equal(t, "dispatch", got.Username)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, []discordField{
		{Name: "build", Value: "42", Inline: true},
		{Name: "region", Value: "eu", Inline: true},
	}, got.Embeds[0].Fields)
}

func TestTelegramChannelSend(t *testing.T) {
	c := &capture{reply: `{"ok":true,"result":{"message_id":42}}`}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	ch := NewTelegramChannel(TelegramConfig{BotToken: "123:abc", ChatID: "default", Endpoint: srv.URL}, srv.Client())
	res := ch.Send(context.Background(), Message{
		To:      "777",
		Subject: "Hi",
		Body:    "Body",
		Data:    map[string]any{"k": "v"},
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "42", res.MessageID)

	req, body := c.get()
	assert.Equal(t, "/bot123:abc/sendMessage", req.URL.Path)
	var got map[string]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "777", got["chat_id"])
	assert.Equal(t, "Markdown", got["parse_mode"])
	assert.Equal(t, "*Hi*\n\nBody\n\n```json\n{\n  \"k\": \"v\"\n}\n```", got["text"])
}

func TestTelegramChannelAPIError(t *testing.T) {
	c := &capture{status: http.StatusBadRequest, reply: `{"ok":false,"description":"chat not found"}`}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	ch := NewTelegramChannel(TelegramConfig{BotToken: "t", ChatID: "1", Endpoint: srv.URL}, srv.Client())
	res := ch.Send(context.Background(), Message{Body: "b"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "chat not found")
}

func TestEmailAPITransport(t *testing.T) {
	c := &capture{reply: `{"id":"em_1"}`}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	ch := NewEmailChannel(NewAPITransport(EmailAPIConfig{APIKey: "re_key", From: "ops@example.com", Endpoint: srv.URL}, srv.Client()))
	res := ch.Send(context.Background(), Message{To: "user@example.com", Subject: "S", Body: "text", HTMLBody: "<p>html</p>"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "em_1", res.MessageID)

	req, body := c.get()
	assert.Equal(t, "Bearer re_key", req.Header.Get("Authorization"))
	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []any{"user@example.com"}, got["to"])
	assert.Equal(t, "<p>html</p>", got["html"])
	assert.Equal(t, "text", got["text"])
}

func TestEmailAPITransportError(t *testing.T) {
	c := &capture{status: http.StatusUnprocessableEntity, reply: `{"message":"invalid from"}`}
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	ch := NewEmailChannel(NewAPITransport(EmailAPIConfig{APIKey: "k", From: "x", Endpoint: srv.URL}, srv.Client()))
	res := ch.Send(context.Background(), Message{To: "user@example.com", Body: "b"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid from")
}

func TestPushChannel(t *testing.T) {
	t.Run("web requires keys", func(t *testing.T) {
		p := &fakeProvider{platform: model.PlatformWeb, result: push.SendResult{Success: true}}
		res := NewPushChannel(p).Send(context.Background(), Message{To: "https://push.example.com/sub/1"})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "p256dh")
		assert.Zero(t, p.calls)
	})
	t.Run("maps provider result", func(t *testing.T) {
		p := &fakeProvider{platform: model.PlatformAndroid, result: push.SendResult{StatusCode: 404, Expired: true}}
		res := NewPushChannel(p).Send(context.Background(), Message{To: "tok"})
		assert.False(t, res.Success)
		assert.True(t, res.Expired)
		assert.Equal(t, 404, res.StatusCode)
		assert.NotEmpty(t, res.Error)
	})
	t.Run("success", func(t *testing.T) {
		p := &fakeProvider{platform: model.PlatformIOS, result: push.SendResult{Success: true, MessageID: "apns-1"}}
		res := NewPushChannel(p).Send(context.Background(), Message{To: "tok"})
		assert.True(t, res.Success)
		assert.Equal(t, "apns-1", res.MessageID)
	})
}

func TestInAppChannel(t *testing.T) {
	store := memstore.New()
	ch := NewInAppChannel("app-1", store)

	res := ch.Send(context.Background(), Message{To: "contact-1", Subject: "Welcome", Body: "hello"})
	require.True(t, res.Success, res.Error)
	msgs := store.InAppMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "app-1", msgs[0].AppID)
	assert.Equal(t, "contact-1", msgs[0].ContactID)
	assert.Equal(t, res.MessageID, msgs[0].ID)

	store.InAppErr = errors.New("db down")
	res = ch.Send(context.Background(), Message{To: "contact-1", Body: "again"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "db down")
}

func TestComposeMIME(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	plain, err := composeMIME("ops@example.com", "Ops", Message{To: "u@example.com", Subject: "Hi", Body: "text only"}, "<id@example.com>", now)
	require.NoError(t, err)
	assert.Contains(t, string(plain), "Content-Type: text/plain; charset=utf-8")
	assert.NotContains(t, string(plain), "multipart")
	assert.Contains(t, string(plain), `From: "Ops" <ops@example.com>`)

	alt, err := composeMIME("ops@example.com", "", Message{To: "u@example.com", Subject: "Hi", Body: "text", HTMLBody: "<b>html</b>"}, "<id@example.com>", now)
	require.NoError(t, err)
	s := string(alt)
	assert.Contains(t, s, "Content-Type: multipart/alternative; boundary=")
	assert.Contains(t, s, "text/plain; charset=utf-8")
	assert.Contains(t, s, "text/html; charset=utf-8")
	assert.Less(t, strings.Index(s, "text/plain"), strings.Index(s, "text/html"))
}
