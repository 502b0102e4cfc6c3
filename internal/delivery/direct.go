package delivery

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/push"
)

// DefaultDirectConcurrency bounds in-flight provider calls of one direct send.
const DefaultDirectConcurrency = 20

// Summary counts the outcomes of one direct send.
type Summary struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// DirectSender delivers an immediate notification inline, without the queue.
type DirectSender struct {
	deps        Deps
	rec         *recorder
	concurrency int
	logger      *slog.Logger
}

func NewDirectSender(deps Deps, concurrency int) *DirectSender {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = DefaultDirectConcurrency
	}
	logger := deps.Logger.With("layer", "delivery", "component", "direct_sender")
	return &DirectSender{deps: deps, rec: newRecorder(deps, logger), concurrency: concurrency, logger: logger}
}

// Send groups devices by platform, builds one provider per group and sends
// to every device concurrently. Each device gets exactly one log row.
func (s *DirectSender) Send(ctx context.Context, n model.Notification, devices []model.Device) Summary {
	groups := make(map[model.Platform][]model.Device)
	var order []model.Platform
	for _, d := range devices {
		if _, ok := groups[d.Platform]; !ok {
			order = append(order, d.Platform)
		}
		groups[d.Platform] = append(groups[d.Platform], d)
	}

	var sent, failed atomic.Int64
	count := func(out outcome) {
		if out.success {
			sent.Add(1)
		} else {
			failed.Add(1)
		}
	}

	app, loadErr := s.deps.Store.GetApp(ctx, n.AppID)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, platform := range order {
		group := groups[platform]

		var p push.Provider
		err := loadErr
		if err == nil {
			p, err = s.deps.Providers.ForApp(app, platform)
		}
		if err != nil {
			s.logger.Warn("no provider for platform",
				slog.String("notification_id", n.ID),
				slog.String("platform", string(platform)),
				slog.Any("error", err))
			for _, d := range group {
				out := failedWith(err)
				s.rec.record(ctx, s.attempt(n, d), out)
				count(out)
			}
			continue
		}

		for _, d := range group {
			g.Go(func() error {
				var out outcome
				if err := validateDevice(d); err != nil {
					out = failedWith(err)
				} else {
					out, _ = sendToDevice(gctx, p, n.ID, n.Payload, d)
				}
				s.rec.record(ctx, s.attempt(n, d), out)
				count(out)
				return nil
			})
		}
	}
	_ = g.Wait()

	summary := Summary{Sent: int(sent.Load()), Failed: int(failed.Load())}
	s.logger.Info("direct send finished",
		slog.String("notification_id", n.ID),
		slog.Int("sent", summary.Sent),
		slog.Int("failed", summary.Failed))
	return summary
}

func (s *DirectSender) attempt(n model.Notification, d model.Device) attempt {
	return attempt{
		job: model.SendJob{
			NotificationID: n.ID,
			AppID:          n.AppID,
			DeliveryMode:   model.DeliveryModeDevice,
			DeviceID:       d.ID,
			Platform:       d.Platform,
			Token:          d.Token,
			WebPushP256dh:  d.WebPushP256dh,
			WebPushAuth:    d.WebPushAuth,
			Payload:        n.Payload,
		},
		number: 1,
		final:  true,
	}
}
