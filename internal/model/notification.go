package model

import "time"

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "PENDING"
	NotificationScheduled NotificationStatus = "SCHEDULED"
	NotificationSent      NotificationStatus = "SENT"
	NotificationDelivered NotificationStatus = "DELIVERED"
	NotificationFailed    NotificationStatus = "FAILED"
)

// NotificationPayload is the provider-neutral content of a push message.
type NotificationPayload struct {
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`
	Badge       *int           `json:"badge,omitempty"`
	Sound       string         `json:"sound,omitempty"`
	ClickAction string         `json:"clickAction,omitempty"`
	ImageURL    string         `json:"imageUrl,omitempty"`
}

// TargetSelection picks recipients: explicit device ids win over the
// platform filter. An empty selection targets every active device.
type TargetSelection struct {
	DeviceIDs []string   `json:"deviceIds,omitempty"`
	Platforms []Platform `json:"platforms,omitempty"`
	UserIDs   []string   `json:"userIds,omitempty"`
}

// Notification is a logical send request and its running counters.
type Notification struct {
	ID             string              `json:"id"`
	AppID          string              `json:"appId"`
	Payload        NotificationPayload `json:"payload"`
	Target         TargetSelection     `json:"target"`
	ScheduledAt    *time.Time          `json:"scheduledAt,omitempty"`
	DispatchedAt   *time.Time          `json:"dispatchedAt,omitempty"`
	Status         NotificationStatus  `json:"status"`
	TotalTargets   int                 `json:"totalTargets"`
	TotalSent      int                 `json:"totalSent"`
	TotalDelivered int                 `json:"totalDelivered"`
	TotalFailed    int                 `json:"totalFailed"`
	TotalClicked   int                 `json:"totalClicked"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// Settled reports whether every targeted recipient has an outcome.
func (n *Notification) Settled() bool {
	return n.TotalTargets > 0 && n.TotalSent+n.TotalFailed >= n.TotalTargets
}

// FinalStatus is the status a settled notification should carry.
func (n *Notification) FinalStatus() NotificationStatus {
	if n.TotalSent == 0 {
		return NotificationFailed
	}
	return NotificationSent
}
