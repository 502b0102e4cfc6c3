package channel

import (
	"context"

	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/push"
)

// PushChannel adapts one push provider to the channel contract. Message.To
// is the device token, or the subscription endpoint for web push.
type PushChannel struct {
	provider push.Provider
}

func NewPushChannel(p push.Provider) *PushChannel {
	return &PushChannel{provider: p}
}

func (c *PushChannel) Type() model.ChannelType { return model.ChannelPush }

func (c *PushChannel) Send(ctx context.Context, msg Message) (res Result) {
	defer recoverInto(&res, model.ChannelPush)

	if msg.To == "" {
		return failed("push: missing device token")
	}
	if c.provider.Platform() == model.PlatformWeb && (msg.WebPushP256dh == "" || msg.WebPushAuth == "") {
		return failed("push: web push subscription requires p256dh and auth keys")
	}

	payload := model.NotificationPayload{Title: msg.Subject, Body: msg.Body, Data: msg.Data}
	to := push.Recipient{DeviceID: msg.DeviceID, Token: msg.To, P256dh: msg.WebPushP256dh, Auth: msg.WebPushAuth}
	wire, err := c.provider.ConvertNotificationPayload(payload, to, msg.NotificationID, msg.DeviceID)
	if err != nil {
		return failed("push: %v", err)
	}
	out := c.provider.SendMessage(ctx, wire)
	if !out.Success && out.Error == "" {
		out.Error = "push: provider reported failure"
	}
	return Result{
		Success:    out.Success,
		MessageID:  out.MessageID,
		Error:      out.Error,
		StatusCode: out.StatusCode,
		Expired:    out.Expired,
	}
}
