package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/dispatch/internal/channel"
	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/events"
	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/push"
	"github.com/samims/dispatch/internal/queue"
	"github.com/samims/dispatch/internal/storage/memstore"
	"github.com/samims/dispatch/internal/webhook"
)

// stubProvider fails every token starting with "bad" and reports tokens
// starting with "gone" as expired.
type stubProvider struct {
	platform model.Platform
}

func (p *stubProvider) Platform() model.Platform { return p.platform }

func (p *stubProvider) ConvertNotificationPayload(_ model.NotificationPayload, to push.Recipient, _, _ string) (push.Message, error) {
	if strings.HasPrefix(to.Token, "invalid") {
		return nil, appErr.NewValidation("token %q rejected", to.Token)
	}
	return &push.FCMMessage{Token: to.Token}, nil
}

func (p *stubProvider) SendMessage(_ context.Context, msg push.Message) push.SendResult {
	token := msg.(*push.FCMMessage).Token
	switch {
	case strings.HasPrefix(token, "bad"):
		return push.SendResult{StatusCode: 500, Error: "internal"}
	case strings.HasPrefix(token, "gone"):
		return push.SendResult{StatusCode: 410, Error: "Unregistered", Expired: true}
	}
	return push.SendResult{Success: true, MessageID: "msg-" + token}
}

type stubProviders struct {
	missing map[model.Platform]bool
}

func (s stubProviders) ForApp(_ model.App, platform model.Platform) (push.Provider, error) {
	if s.missing[platform] {
		return nil, appErr.NewConfig("no credentials for %s", platform)
	}
	return &stubProvider{platform: platform}, nil
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (h *hookRecorder) Dispatch(_ context.Context, _, event string, _ map[string]any) []webhook.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *hookRecorder) count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == event {
			n++
		}
	}
	return n
}

type eventRecorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (e *eventRecorder) Publish(_ context.Context, ev events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
	return nil
}

func (e *eventRecorder) Close() {}

type fixture struct {
	store  *memstore.Store
	hooks  *hookRecorder
	events *eventRecorder
	deps   Deps
}

func newFixture(t *testing.T, providers stubProviders) *fixture {
	t.Helper()
	store := memstore.New()
	store.PutApp(model.App{ID: "app-1"})
	f := &fixture{store: store, hooks: &hookRecorder{}, events: &eventRecorder{}}
	f.deps = Deps{
		Store:     store,
		Providers: providers,
		Channels:  channel.NewRegistry(channel.RegistryDeps{Channels: store, Apps: store, Inbox: store}),
		Hooks:     f.hooks,
		Events:    f.events,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return f
}

func (f *fixture) notification(t *testing.T, id string, targets int) {
	t.Helper()
	require.NoError(t, f.store.CreateNotification(context.Background(), model.Notification{
		ID: id, AppID: "app-1", Status: model.NotificationPending,
		Payload: model.NotificationPayload{Title: "T", Body: "B"},
	}))
	require.NoError(t, f.store.SetNotificationTargets(context.Background(), id, targets))
}

func sendJob(t *testing.T, sj model.SendJob, attempt, attempts int) *queue.Job {
	t.Helper()
	data, err := json.Marshal(sj)
	require.NoError(t, err)
	return &queue.Job{ID: "job-" + sj.DeviceID + sj.ChannelID, Name: JobName, Data: data, Attempts: attempts, AttemptsMade: attempt}
}

func deviceJob(n string, d model.Device) model.SendJob {
	return model.SendJob{
		NotificationID: n,
		AppID:          d.AppID,
		DeliveryMode:   model.DeliveryModeDevice,
		DeviceID:       d.ID,
		Platform:       d.Platform,
		Token:          d.Token,
		WebPushP256dh:  d.WebPushP256dh,
		WebPushAuth:    d.WebPushAuth,
		Payload:        model.NotificationPayload{Title: "T", Body: "B"},
	}
}

func mixedDevices() []model.Device {
	var out []model.Device
	for i := 0; i < 4; i++ {
		token := fmt.Sprintf("ios-%d", i)
		if i == 3 {
			token = "bad-ios"
		}
		out = append(out, model.Device{ID: fmt.Sprintf("d-ios-%d", i), AppID: "app-1", Platform: model.PlatformIOS, Token: token, Status: model.DeviceActive})
	}
	for i := 0; i < 3; i++ {
		d := model.Device{ID: fmt.Sprintf("d-web-%d", i), AppID: "app-1", Platform: model.PlatformWeb, Token: fmt.Sprintf("https://push.example/%d", i), WebPushP256dh: "p", WebPushAuth: "a", Status: model.DeviceActive}
		if i == 2 {
			d.WebPushAuth = ""
		}
		out = append(out, d)
	}
	return out
}

func TestWorkerNDevicesTwoPlatforms(t *testing.T) {
	f := newFixture(t, stubProviders{})
	w := NewWorker(f.deps)
	devices := mixedDevices()
	f.notification(t, "n-1", len(devices))

	for _, d := range devices {
		_ = w.Handle(context.Background(), sendJob(t, deviceJob("n-1", d), 1, 1))
	}

	logs, err := f.store.ListDeliveryLogs(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Len(t, logs, len(devices))

	n, err := f.store.GetNotification(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, len(devices), n.TotalSent+n.TotalFailed)
	assert.Equal(t, 5, n.TotalSent)
	assert.Equal(t, 2, n.TotalFailed)
	assert.Equal(t, model.NotificationSent, n.Status)
	assert.Equal(t, 5, f.hooks.count(model.EventNotificationSent))
	assert.Equal(t, 2, f.hooks.count(model.EventNotificationFailed))
	assert.Len(t, f.events.got, len(devices))
}

func TestWorkerRetryLogsEveryAttemptButCountsOnce(t *testing.T) {
	f := newFixture(t, stubProviders{})
	w := NewWorker(f.deps)
	f.notification(t, "n-2", 1)
	sj := deviceJob("n-2", model.Device{ID: "d1", AppID: "app-1", Platform: model.PlatformAndroid, Token: "bad-1"})

	err := w.Handle(context.Background(), sendJob(t, sj, 1, 2))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	n, _ := f.store.GetNotification(context.Background(), "n-2")
	assert.Zero(t, n.TotalFailed)
	assert.Zero(t, f.hooks.count(model.EventNotificationFailed))

	err = w.Handle(context.Background(), sendJob(t, sj, 2, 2))
	require.Error(t, err)
	n, _ = f.store.GetNotification(context.Background(), "n-2")
	assert.Equal(t, 1, n.TotalFailed)
	assert.Equal(t, model.NotificationFailed, n.Status)
	assert.Equal(t, 1, f.hooks.count(model.EventNotificationFailed))

	logs, _ := f.store.ListDeliveryLogs(context.Background(), "n-2")
	require.Len(t, logs, 2)
	assert.Equal(t, []int{1, 2}, []int{logs[0].Attempts, logs[1].Attempts})
	assert.Equal(t, model.DeliveryFailed, logs[1].Status)
}

func TestWorkerPermanentFailures(t *testing.T) {
	tests := []struct {
		name      string
		providers stubProviders
		device    model.Device
	}{
		{"missing web keys", stubProviders{}, model.Device{ID: "w", AppID: "app-1", Platform: model.PlatformWeb, Token: "https://push.example/1"}},
		{"invalid token", stubProviders{}, model.Device{ID: "i", AppID: "app-1", Platform: model.PlatformIOS, Token: "invalid"}},
		{"unconfigured platform", stubProviders{missing: map[model.Platform]bool{model.PlatformAndroid: true}}, model.Device{ID: "a", AppID: "app-1", Platform: model.PlatformAndroid, Token: "tok"}},
		{"expired token", stubProviders{}, model.Device{ID: "g", AppID: "app-1", Platform: model.PlatformAndroid, Token: "gone-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.providers)
			f.store.PutDevice(tt.device)
			f.notification(t, "n", 1)

			err := NewWorker(f.deps).Handle(context.Background(), sendJob(t, deviceJob("n", tt.device), 1, 3))
			require.Error(t, err)
			assert.True(t, queue.IsPermanent(err))

			n, _ := f.store.GetNotification(context.Background(), "n")
			assert.Equal(t, 1, n.TotalFailed)
			logs, _ := f.store.ListDeliveryLogs(context.Background(), "n")
			require.Len(t, logs, 1)
			assert.NotEmpty(t, logs[0].ErrorMessage)
		})
	}
}

func TestWorkerMarksExpiredDevice(t *testing.T) {
	f := newFixture(t, stubProviders{})
	d := model.Device{ID: "dev-gone", AppID: "app-1", Platform: model.PlatformWeb, Token: "gone-web", WebPushP256dh: "p", WebPushAuth: "a", Status: model.DeviceActive}
	f.store.PutDevice(d)
	f.notification(t, "n", 1)

	_ = NewWorker(f.deps).Handle(context.Background(), sendJob(t, deviceJob("n", d), 1, 3))
	got, err := f.store.GetDevice(context.Background(), "dev-gone")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceExpired, got.Status)
}

func TestWorkerChannelMode(t *testing.T) {
	f := newFixture(t, stubProviders{})
	f.store.PutChannel(model.Channel{ID: "ch-inbox", AppID: "app-1", Type: model.ChannelInApp, IsActive: true})
	f.notification(t, "n-ch", 2)

	ok := model.SendJob{NotificationID: "n-ch", AppID: "app-1", DeliveryMode: model.DeliveryModeChannel, ChannelID: "ch-inbox", ChannelType: model.ChannelInApp, To: "contact-1", Payload: model.NotificationPayload{Title: "Hi", Body: "there"}}
	require.NoError(t, NewWorker(f.deps).Handle(context.Background(), sendJob(t, ok, 1, 3)))
	require.Len(t, f.store.InAppMessages(), 1)

	missing := ok
	missing.ChannelID = "ch-unknown"
	err := NewWorker(f.deps).Handle(context.Background(), sendJob(t, missing, 1, 3))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	n, _ := f.store.GetNotification(context.Background(), "n-ch")
	assert.Equal(t, 1, n.TotalSent)
	assert.Equal(t, 1, n.TotalFailed)
}

func TestWorkerRejectsUndecodableJob(t *testing.T) {
	f := newFixture(t, stubProviders{})
	err := NewWorker(f.deps).Handle(context.Background(), &queue.Job{ID: "x", Data: json.RawMessage(`{`), Attempts: 3, AttemptsMade: 1})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestDirectSenderNDevicesTwoPlatforms(t *testing.T) {
	f := newFixture(t, stubProviders{})
	devices := mixedDevices()
	f.notification(t, "n-direct", len(devices))
	n, err := f.store.GetNotification(context.Background(), "n-direct")
	require.NoError(t, err)

	summary := NewDirectSender(f.deps, 3).Send(context.Background(), n, devices)
	assert.Equal(t, Summary{Sent: 5, Failed: 2}, summary)

	logs, err := f.store.ListDeliveryLogs(context.Background(), "n-direct")
	require.NoError(t, err)
	assert.Len(t, logs, len(devices))
	n, err = f.store.GetNotification(context.Background(), "n-direct")
	require.NoError(t, err)
	assert.Equal(t, len(devices), n.TotalSent+n.TotalFailed)
	assert.Equal(t, model.NotificationSent, n.Status)
}

func TestDirectSenderMissingProviderFailsGroup(t *testing.T) {
	f := newFixture(t, stubProviders{missing: map[model.Platform]bool{model.PlatformWeb: true}})
	devices := mixedDevices()
	f.notification(t, "n-cfg", len(devices))
	n, _ := f.store.GetNotification(context.Background(), "n-cfg")

	summary := NewDirectSender(f.deps, 0).Send(context.Background(), n, devices)
	assert.Equal(t, Summary{Sent: 3, Failed: 4}, summary)
	logs, _ := f.store.ListDeliveryLogs(context.Background(), "n-cfg")
	assert.Len(t, logs, len(devices))
}
