package model

import "time"

// App owns every other row and carries the per-app push credentials.
// Secret fields are stored in envelope-encrypted form.
type App struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	APNsKeyID      string `json:"apnsKeyId,omitempty"`
	APNsTeamID     string `json:"apnsTeamId,omitempty"`
	APNsBundleID   string `json:"apnsBundleId,omitempty"`
	APNsPrivateKey string `json:"-"`
	APNsProduction bool   `json:"apnsProduction"`

	FCMServiceAccount string `json:"-"`

	VAPIDPublicKey  string `json:"vapidPublicKey,omitempty"`
	VAPIDPrivateKey string `json:"-"`
	VAPIDSubject    string `json:"vapidSubject,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Contact is an application-side subscriber that workflows deliver to.
type Contact struct {
	ID             string         `json:"id"`
	AppID          string         `json:"appId"`
	ExternalID     string         `json:"externalId"`
	Email          string         `json:"email,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	DiscordWebhook string         `json:"discordWebhook,omitempty"`
	TelegramChatID string         `json:"telegramChatId,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// InAppMessage is an inbox row written by the in-app channel.
type InAppMessage struct {
	ID        string         `json:"id"`
	AppID     string         `json:"appId"`
	ContactID string         `json:"contactId"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	ReadAt    *time.Time     `json:"readAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
