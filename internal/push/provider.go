// Package push implements the mobile and web push transports: APNs (token
// auth over HTTP/2), FCM HTTP v1 (OAuth2 service account) and Web Push
// (RFC 8291 payload encryption with VAPID).
//
// Every provider splits delivery in two steps. ConvertNotificationPayload is
// pure: it validates the recipient and builds the wire message, with the
// delivery tracking ids injected into the platform data slot.
// SendMessage performs the HTTP call and maps the response to a SendResult.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/samims/dispatch/internal/model"
)

// DefaultTimeout bounds one provider request when no client is injected.
const DefaultTimeout = 15 * time.Second

// Recipient is the device material a message is addressed to.
type Recipient struct {
	DeviceID string
	Token    string
	P256dh   string
	Auth     string
}

// Message is a provider specific wire message produced by
// ConvertNotificationPayload.
type Message interface {
	recipientToken() string
}

// SendResult is the outcome of one SendMessage call. Expired is set when the
// provider reports the token or subscription as permanently gone.
type SendResult struct {
	Success    bool   `json:"success"`
	MessageID  string `json:"messageId,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Expired    bool   `json:"expired,omitempty"`
}

// Provider is one push transport bound to one application's credentials.
type Provider interface {
	Platform() model.Platform
	ConvertNotificationPayload(payload model.NotificationPayload, to Recipient, notificationID, deviceID string) (Message, error)
	SendMessage(ctx context.Context, msg Message) SendResult
}

func failure(status int, format string, a ...any) SendResult {
	return SendResult{Success: false, StatusCode: status, Error: fmt.Sprintf(format, a...)}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// readBody drains at most 64KiB of a provider response.
func readBody(resp *http.Response) []byte {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return b
}

// trackingData merges the payload data with the delivery tracking ids.
func trackingData(data map[string]any, notificationID, deviceID string) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	if notificationID != "" {
		out["notificationId"] = notificationID
	}
	if deviceID != "" {
		out["deviceId"] = deviceID
	}
	return out
}

// stringData flattens values to strings, as FCM requires for its data map.
func stringData(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
