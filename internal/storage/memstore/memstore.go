// Package memstore is an in-process storage.Storage used by tests and local
// runs without Postgres.
package memstore

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/storage"
)

type Store struct {
	mu sync.Mutex

	apps          map[string]model.App
	devices       map[string]model.Device
	notifications map[string]model.Notification
	logs          []model.DeliveryLog
	channels      map[string]model.Channel
	templates     map[string]model.Template
	contacts      map[string]model.Contact
	inApp         []model.InAppMessage
	workflows     map[string]model.Workflow
	steps         map[string][]model.WorkflowStep
	executions    map[string]model.WorkflowExecution
	stepRuns      map[string]bool
	hooks         map[string]model.Hook

	// InAppErr, when set, is returned by InsertInAppMessage.
	InAppErr error
}

var _ storage.Storage = (*Store)(nil)

func New() *Store {
	return &Store{
		apps:          make(map[string]model.App),
		devices:       make(map[string]model.Device),
		notifications: make(map[string]model.Notification),
		channels:      make(map[string]model.Channel),
		templates:     make(map[string]model.Template),
		contacts:      make(map[string]model.Contact),
		workflows:     make(map[string]model.Workflow),
		steps:         make(map[string][]model.WorkflowStep),
		executions:    make(map[string]model.WorkflowExecution),
		stepRuns:      make(map[string]bool),
		hooks:         make(map[string]model.Hook),
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Seeding helpers.

func (s *Store) PutApp(a model.App) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[a.ID] = a
}

func (s *Store) PutDevice(d model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Status == "" {
		d.Status = model.DeviceActive
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	s.devices[d.ID] = d
}

func (s *Store) PutChannel(c model.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.channels[c.ID] = c
}

func (s *Store) PutTemplate(t model.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

func (s *Store) PutContact(c model.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

func (s *Store) PutWorkflow(w model.Workflow, steps ...model.WorkflowStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
	for i := range steps {
		steps[i].WorkflowID = w.ID
	}
	sorted := append([]model.WorkflowStep(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	s.steps[w.ID] = sorted
}

func (s *Store) PutHook(h model.Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[h.ID] = h
}

// InAppMessages returns a copy of every persisted inbox row.
func (s *Store) InAppMessages() []model.InAppMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.InAppMessage(nil), s.inApp...)
}

func (s *Store) GetApp(_ context.Context, id string) (model.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return model.App{}, appErr.NewNotFound("app %s", id)
	}
	return a, nil
}

func (s *Store) UpsertDevice(_ context.Context, d model.Device) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, existing := range s.devices {
		if existing.AppID == d.AppID && existing.Token == d.Token && existing.UserID == d.UserID {
			existing.Platform = d.Platform
			existing.WebPushP256dh = d.WebPushP256dh
			existing.WebPushAuth = d.WebPushAuth
			existing.Status = model.DeviceActive
			existing.LastSeenAt = now
			existing.UpdatedAt = now
			s.devices[id] = existing
			return existing, nil
		}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Status = model.DeviceActive
	d.LastSeenAt, d.CreatedAt, d.UpdatedAt = now, now, now
	s.devices[d.ID] = d
	return d, nil
}

func (s *Store) GetDevice(_ context.Context, id string) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return model.Device{}, appErr.NewNotFound("device %s", id)
	}
	return d, nil
}

func (s *Store) ListActiveDevices(_ context.Context, appID string, f storage.DeviceFilter) ([]model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Device
	for _, d := range s.devices {
		if d.AppID != appID || d.Status != model.DeviceActive {
			continue
		}
		if len(f.IDs) > 0 {
			if !slices.Contains(f.IDs, d.ID) {
				continue
			}
		} else {
			if len(f.Platforms) > 0 && !slices.Contains(f.Platforms, d.Platform) {
				continue
			}
			if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, d.UserID) {
				continue
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateDeviceStatus(_ context.Context, id string, status model.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return appErr.NewNotFound("device %s", id)
	}
	d.Status = status
	d.UpdatedAt = time.Now()
	s.devices[id] = d
	return nil
}

func (s *Store) CreateNotification(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; ok {
		return appErr.NewConflict("notification %s exists", n.ID)
	}
	now := time.Now()
	n.CreatedAt, n.UpdatedAt = now, now
	s.notifications[n.ID] = n
	return nil
}

func (s *Store) GetNotification(_ context.Context, id string) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return model.Notification{}, appErr.NewNotFound("notification %s", id)
	}
	return n, nil
}

func (s *Store) SetNotificationTargets(_ context.Context, id string, total int) error {
	return s.updateNotification(id, func(n *model.Notification) { n.TotalTargets = total })
}

func (s *Store) UpdateNotificationStatus(_ context.Context, id string, status model.NotificationStatus) error {
	return s.updateNotification(id, func(n *model.Notification) { n.Status = status })
}

func (s *Store) ClaimNotificationDispatch(_ context.Context, id string) (model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return model.Notification{}, appErr.NewNotFound("notification %s", id)
	}
	if n.DispatchedAt != nil || (n.Status != model.NotificationPending && n.Status != model.NotificationScheduled) {
		return model.Notification{}, appErr.NewConflict("notification %s is already dispatched (%s)", id, n.Status)
	}
	now := time.Now()
	n.Status = model.NotificationPending
	n.DispatchedAt = &now
	n.UpdatedAt = now
	s.notifications[id] = n
	return n, nil
}

func (s *Store) ReleaseNotificationDispatch(_ context.Context, id string) error {
	return s.updateNotification(id, func(n *model.Notification) { n.DispatchedAt = nil })
}

func (s *Store) IncrementNotificationCounters(_ context.Context, id string, sent, failed int) (model.Notification, error) {
	var out model.Notification
	err := s.updateNotification(id, func(n *model.Notification) {
		n.TotalSent += sent
		n.TotalFailed += failed
		out = *n
	})
	return out, err
}

func (s *Store) updateNotification(id string, fn func(*model.Notification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return appErr.NewNotFound("notification %s", id)
	}
	fn(&n)
	n.UpdatedAt = time.Now()
	s.notifications[id] = n
	return nil
}

func (s *Store) InsertDeliveryLog(_ context.Context, l model.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.CreatedAt = time.Now()
	s.logs = append(s.logs, l)
	return nil
}

func (s *Store) ListDeliveryLogs(_ context.Context, notificationID string) ([]model.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeliveryLog
	for _, l := range s.logs {
		if l.NotificationID == notificationID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) GetChannel(_ context.Context, id string) (model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return model.Channel{}, appErr.NewNotFound("channel %s", id)
	}
	return c, nil
}

func (s *Store) FindActiveChannel(_ context.Context, appID string, t model.ChannelType) (model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found model.Channel
		ok    bool
	)
	for _, c := range s.channels {
		if c.AppID != appID || c.Type != t || !c.IsActive {
			continue
		}
		if !ok || c.CreatedAt.Before(found.CreatedAt) {
			found, ok = c, true
		}
	}
	if !ok {
		return model.Channel{}, appErr.NewNotFound("active %s channel for app %s", t, appID)
	}
	return found, nil
}

func (s *Store) GetTemplate(_ context.Context, id string) (model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return model.Template{}, appErr.NewNotFound("template %s", id)
	}
	return t, nil
}

func (s *Store) GetContact(_ context.Context, appID, idOrExternalID string) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.AppID == appID && (c.ID == idOrExternalID || c.ExternalID == idOrExternalID) {
			return c, nil
		}
	}
	return model.Contact{}, appErr.NewNotFound("contact %s", idOrExternalID)
}

func (s *Store) InsertInAppMessage(_ context.Context, m model.InAppMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InAppErr != nil {
		return s.InAppErr
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now()
	s.inApp = append(s.inApp, m)
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id string) (model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return model.Workflow{}, appErr.NewNotFound("workflow %s", id)
	}
	return w, nil
}

func (s *Store) FindWorkflowByTrigger(_ context.Context, appID, triggerID string) (model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found model.Workflow
		ok    bool
	)
	for _, w := range s.workflows {
		if w.AppID != appID || w.TriggerID != triggerID {
			continue
		}
		if !ok || (w.Status == model.WorkflowActive && found.Status != model.WorkflowActive) {
			found, ok = w, true
		}
	}
	if !ok {
		return model.Workflow{}, appErr.NewNotFound("workflow with trigger %s", triggerID)
	}
	return found, nil
}

func (s *Store) ListSteps(_ context.Context, workflowID string) ([]model.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.WorkflowStep(nil), s.steps[workflowID]...), nil
}

func (s *Store) CreateExecution(_ context.Context, e model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; ok {
		return appErr.NewConflict("execution %s exists", e.ID)
	}
	now := time.Now()
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.UpdatedAt = now
	s.executions[e.ID] = e
	return nil
}

func (s *Store) GetExecution(_ context.Context, id string) (model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return model.WorkflowExecution{}, appErr.NewNotFound("execution %s", id)
	}
	return e, nil
}

func (s *Store) SetCurrentStep(_ context.Context, executionID string, order int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return appErr.NewNotFound("execution %s", executionID)
	}
	e.CurrentStepOrder = order
	e.UpdatedAt = time.Now()
	s.executions[executionID] = e
	return nil
}

func (s *Store) FinishExecution(_ context.Context, executionID string, status model.ExecutionStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return appErr.NewNotFound("execution %s", executionID)
	}
	if e.Status != model.ExecutionRunning {
		return appErr.NewConflict("execution %s is not running", executionID)
	}
	now := time.Now()
	e.Status = status
	e.ErrorMessage = errMsg
	e.CompletedAt = &now
	e.UpdatedAt = now
	s.executions[executionID] = e
	return nil
}

func (s *Store) MarkStepRun(_ context.Context, executionID string, order int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := executionID + "#" + strconv.Itoa(order)
	if s.stepRuns[key] {
		return false, nil
	}
	s.stepRuns[key] = true
	return true, nil
}

func (s *Store) ListActiveHooks(_ context.Context, appID string) ([]model.Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Hook
	for _, h := range s.hooks {
		if h.AppID == appID && h.IsActive {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
