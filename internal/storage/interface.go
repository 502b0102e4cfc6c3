package storage

import (
	"context"

	"github.com/samims/dispatch/internal/model"
)

// DeviceFilter narrows a device lookup. Only ACTIVE devices are returned.
// IDs, when set, take precedence over the other fields.
type DeviceFilter struct {
	IDs       []string
	Platforms []model.Platform
	UserIDs   []string
}

type AppStorage interface {
	GetApp(ctx context.Context, id string) (model.App, error)
}

type DeviceStorage interface {
	// UpsertDevice is keyed on (app, token, user) and refreshes lastSeenAt,
	// keys and status of an existing row.
	UpsertDevice(ctx context.Context, d model.Device) (model.Device, error)
	GetDevice(ctx context.Context, id string) (model.Device, error)
	ListActiveDevices(ctx context.Context, appID string, filter DeviceFilter) ([]model.Device, error)
	UpdateDeviceStatus(ctx context.Context, id string, status model.DeviceStatus) error
}

type NotificationStorage interface {
	CreateNotification(ctx context.Context, n model.Notification) error
	GetNotification(ctx context.Context, id string) (model.Notification, error)
	SetNotificationTargets(ctx context.Context, id string, total int) error
	UpdateNotificationStatus(ctx context.Context, id string, status model.NotificationStatus) error
	// ClaimNotificationDispatch stamps dispatchedAt on a PENDING or SCHEDULED
	// notification that was never dispatched and moves it to PENDING. Any
	// other notification yields ErrConflict.
	ClaimNotificationDispatch(ctx context.Context, id string) (model.Notification, error)
	// ReleaseNotificationDispatch clears the claim after a dispatch that
	// enqueued nothing.
	ReleaseNotificationDispatch(ctx context.Context, id string) error
	// IncrementNotificationCounters atomically adds to totalSent/totalFailed
	// and returns the row after the update.
	IncrementNotificationCounters(ctx context.Context, id string, sent, failed int) (model.Notification, error)
}

type DeliveryLogStorage interface {
	InsertDeliveryLog(ctx context.Context, l model.DeliveryLog) error
	ListDeliveryLogs(ctx context.Context, notificationID string) ([]model.DeliveryLog, error)
}

type ChannelStorage interface {
	GetChannel(ctx context.Context, id string) (model.Channel, error)
	FindActiveChannel(ctx context.Context, appID string, t model.ChannelType) (model.Channel, error)
	GetTemplate(ctx context.Context, id string) (model.Template, error)
}

type ContactStorage interface {
	// GetContact matches either the contact id or its external id.
	GetContact(ctx context.Context, appID, idOrExternalID string) (model.Contact, error)
	InsertInAppMessage(ctx context.Context, m model.InAppMessage) error
}

type WorkflowStorage interface {
	GetWorkflow(ctx context.Context, id string) (model.Workflow, error)
	FindWorkflowByTrigger(ctx context.Context, appID, triggerID string) (model.Workflow, error)
	// ListSteps returns steps ordered by their order value.
	ListSteps(ctx context.Context, workflowID string) ([]model.WorkflowStep, error)

	CreateExecution(ctx context.Context, e model.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (model.WorkflowExecution, error)
	SetCurrentStep(ctx context.Context, executionID string, order int) error
	// FinishExecution moves a RUNNING execution to a terminal status. It
	// returns a conflict error when the execution is no longer RUNNING.
	FinishExecution(ctx context.Context, executionID string, status model.ExecutionStatus, errMsg string) error
	// MarkStepRun records that the side effect of (execution, order) fired.
	// first is false when it had already been recorded.
	MarkStepRun(ctx context.Context, executionID string, order int) (first bool, err error)
}

type HookStorage interface {
	ListActiveHooks(ctx context.Context, appID string) ([]model.Hook, error)
}

// Storage is the full relational store.
type Storage interface {
	Ping(ctx context.Context) error
	AppStorage
	DeviceStorage
	NotificationStorage
	DeliveryLogStorage
	ChannelStorage
	ContactStorage
	WorkflowStorage
	HookStorage
}
