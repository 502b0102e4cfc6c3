package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/samims/dispatch/internal/model"
)

const DefaultSMSEndpoint = "https://api.twilio.com"

// SMSChannel posts to a Twilio compatible Messages resource.
type SMSChannel struct {
	cfg    SMSConfig
	client *http.Client
}

func NewSMSChannel(cfg SMSConfig, client *http.Client) *SMSChannel {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultSMSEndpoint
	}
	return &SMSChannel{cfg: cfg, client: client}
}

func (c *SMSChannel) Type() model.ChannelType { return model.ChannelSMS }

func (c *SMSChannel) Send(ctx context.Context, msg Message) (res Result) {
	defer recoverInto(&res, model.ChannelSMS)

	if msg.To == "" {
		return failed("sms: missing recipient number")
	}
	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + msg.Body
	}
	form := url.Values{"To": {msg.To}, "From": {c.cfg.From}, "Body": {text}}

	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") +
		"/2010-04-01/Accounts/" + url.PathEscape(c.cfg.AccountSID) + "/Messages.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return failed("sms: build request: %v", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, raw, err := do(c.client, req)
	if err != nil {
		return failed("sms: %v", err)
	}
	var out struct {
		SID     string `json:"sid"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &out)
	if !ok(status) {
		detail := out.Message
		if detail == "" {
			detail = snippet(raw)
		}
		r := failed("sms: gateway returned %d: %s", status, detail)
		r.StatusCode = status
		return r
	}
	return Result{Success: true, MessageID: out.SID, StatusCode: status}
}
