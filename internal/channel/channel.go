// Package channel implements the delivery surfaces (push, email, SMS,
// Discord, Telegram, in-app) behind a single Send contract, and the Registry
// that turns a stored channel row into a live instance.
//
// Send never panics and never returns an error value: every failure,
// including a recovered panic, is reported as a Result with Success false
// and a non-empty Error.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/samims/dispatch/internal/model"
)

// Message is the provider-neutral content handed to a channel.
type Message struct {
	To       string
	Subject  string
	Body     string
	HTMLBody string
	Data     map[string]any

	// Web push subscription keys, used by the push channel only.
	WebPushP256dh string
	WebPushAuth   string
	// Tracking ids injected into push payloads.
	NotificationID string
	DeviceID       string
}

type Result struct {
	Success    bool   `json:"success"`
	MessageID  string `json:"messageId,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	// Expired means the recipient address is permanently gone.
	Expired bool `json:"expired,omitempty"`
}

type Channel interface {
	Type() model.ChannelType
	Send(ctx context.Context, msg Message) Result
}

func failed(format string, a ...any) Result {
	msg := fmt.Sprintf(format, a...)
	if msg == "" {
		msg = "unknown error"
	}
	return Result{Error: msg}
}

// recoverInto converts a panic inside Send into a failed Result.
func recoverInto(res *Result, kind model.ChannelType) {
	if r := recover(); r != nil {
		*res = failed("%s channel: internal error: %v", strings.ToLower(string(kind)), r)
	}
}

// postJSON sends body as JSON and returns the status and at most 64KiB of
// the response.
func postJSON(ctx context.Context, client *http.Client, url string, body any, header http.Header) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, req)
}

func do(client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, b, nil
}

func ok(status int) bool { return status >= 200 && status < 300 }

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
