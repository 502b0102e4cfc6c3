package model

import (
	"encoding/json"
	"time"
)

type ChannelType string

const (
	ChannelEmail    ChannelType = "EMAIL"
	ChannelSMS      ChannelType = "SMS"
	ChannelDiscord  ChannelType = "DISCORD"
	ChannelTelegram ChannelType = "TELEGRAM"
	ChannelInApp    ChannelType = "IN_APP"
	ChannelPush     ChannelType = "PUSH"
)

// Channel is a configured delivery surface. Config is the raw provider
// document; string values inside it may be envelope-encrypted.
type Channel struct {
	ID        string          `json:"id"`
	AppID     string          `json:"appId"`
	Name      string          `json:"name"`
	Type      ChannelType     `json:"type"`
	Config    json.RawMessage `json:"config"`
	IsActive  bool            `json:"isActive"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Template is a channel-typed body with {{var}} placeholders.
type Template struct {
	ID        string      `json:"id"`
	AppID     string      `json:"appId"`
	ChannelID string      `json:"channelId,omitempty"`
	Type      ChannelType `json:"type"`
	Name      string      `json:"name"`
	Subject   string      `json:"subject,omitempty"`
	Body      string      `json:"body"`
	HTMLBody  string      `json:"htmlBody,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}
