package model

import "time"

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryClicked   DeliveryStatus = "CLICKED"
)

// DeliveryLog records one attempt against one recipient. Rows are only ever
// inserted by the pipeline.
type DeliveryLog struct {
	ID               string         `json:"id"`
	NotificationID   string         `json:"notificationId"`
	AppID            string         `json:"appId"`
	DeviceID         string         `json:"deviceId,omitempty"`
	ChannelID        string         `json:"channelId,omitempty"`
	Recipient        string         `json:"recipient"`
	Status           DeliveryStatus `json:"status"`
	ProviderResponse string         `json:"providerResponse,omitempty"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	Attempts         int            `json:"attempts"`
	SentAt           *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt      *time.Time     `json:"deliveredAt,omitempty"`
	OpenedAt         *time.Time     `json:"openedAt,omitempty"`
	ClickedAt        *time.Time     `json:"clickedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}
