package model

import "time"

type Platform string

const (
	PlatformIOS     Platform = "IOS"
	PlatformAndroid Platform = "ANDROID"
	PlatformWeb     Platform = "WEB"
)

type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "ACTIVE"
	DeviceInactive DeviceStatus = "INACTIVE"
	DeviceExpired  DeviceStatus = "EXPIRED"
)

// Device is a registered push endpoint. Token holds the APNs/FCM token or,
// for web push, the subscription endpoint URL.
type Device struct {
	ID            string       `json:"id"`
	AppID         string       `json:"appId"`
	UserID        string       `json:"userId,omitempty"`
	Platform      Platform     `json:"platform"`
	Token         string       `json:"token"`
	WebPushP256dh string       `json:"webPushP256dh,omitempty"`
	WebPushAuth   string       `json:"webPushAuth,omitempty"`
	Status        DeviceStatus `json:"status"`
	LastSeenAt    time.Time    `json:"lastSeenAt"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}
