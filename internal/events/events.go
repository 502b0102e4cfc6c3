// Package events publishes delivery and workflow outcomes to Kafka. The
// record value is the same document the outcome webhooks receive.
package events

import (
	"context"
	"time"
)

// Event is one outcome notification.
type Event struct {
	Event     string         `json:"event"`
	AppID     string         `json:"appId"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

func New(event, appID string, payload map[string]any) Event {
	return Event{Event: event, AppID: appID, Timestamp: time.Now().UTC(), Payload: payload}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close()                               {}
