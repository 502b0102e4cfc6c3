package model

// Delivery modes of a SendJob.
const (
	DeliveryModeDevice  = "device"
	DeliveryModeChannel = "channel"
)

// Outcome event names shared by hooks and the event stream.
const (
	EventNotificationSent   = "NOTIFICATION_SENT"
	EventNotificationFailed = "NOTIFICATION_FAILED"
	EventWorkflowCompleted  = "WORKFLOW_COMPLETED"
	EventWorkflowFailed     = "WORKFLOW_FAILED"
)

// SendJob is the notification queue payload for both delivery modes.
type SendJob struct {
	NotificationID string              `json:"notificationId"`
	AppID          string              `json:"appId"`
	DeliveryMode   string              `json:"deliveryMode"`
	DeviceID       string              `json:"deviceId,omitempty"`
	Platform       Platform            `json:"platform,omitempty"`
	Token          string              `json:"token,omitempty"`
	WebPushP256dh  string              `json:"webPushP256dh,omitempty"`
	WebPushAuth    string              `json:"webPushAuth,omitempty"`
	ChannelID      string              `json:"channelId,omitempty"`
	ChannelType    ChannelType         `json:"channelType,omitempty"`
	To             string              `json:"to,omitempty"`
	Payload        NotificationPayload `json:"payload"`
}

// WorkflowJob is the workflow queue payload. StepOrder is nil for the
// trigger job.
type WorkflowJob struct {
	WorkflowID   string         `json:"workflowId"`
	ExecutionID  string         `json:"executionId"`
	AppID        string         `json:"appId"`
	SubscriberID string         `json:"subscriberId,omitempty"`
	Payload      map[string]any `json:"payload"`
	StepOrder    *int           `json:"stepOrder,omitempty"`
}
