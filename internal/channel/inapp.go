package channel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/samims/dispatch/internal/model"
)

// InboxWriter persists in-app messages.
type InboxWriter interface {
	InsertInAppMessage(ctx context.Context, m model.InAppMessage) error
}

// InAppChannel writes the message to the contact's inbox. Message.To is the
// contact id.
type InAppChannel struct {
	appID string
	store InboxWriter
	now   func() time.Time
}

func NewInAppChannel(appID string, store InboxWriter) *InAppChannel {
	return &InAppChannel{appID: appID, store: store, now: time.Now}
}

func (c *InAppChannel) Type() model.ChannelType { return model.ChannelInApp }

func (c *InAppChannel) Send(ctx context.Context, msg Message) (res Result) {
	defer recoverInto(&res, model.ChannelInApp)

	if msg.To == "" {
		return failed("in-app: missing contact id")
	}
	m := model.InAppMessage{
		ID:        uuid.NewString(),
		AppID:     c.appID,
		ContactID: msg.To,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Data:      msg.Data,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.InsertInAppMessage(ctx, m); err != nil {
		return failed("in-app: %v", err)
	}
	return Result{Success: true, MessageID: m.ID}
}
