// Package webhook fans delivery and workflow outcomes out to the
// registered hooks of an app.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/samims/dispatch/internal/events"
	"github.com/samims/dispatch/internal/metrics"
	"github.com/samims/dispatch/internal/storage"
	"github.com/samims/dispatch/pkg/tracing"
)

const (
	SignatureHeader = "X-Dispatch-Signature"
	EventHeader     = "X-Dispatch-Event"
	DefaultTimeout  = 10 * time.Second
)

// Decrypter opens an envelope encrypted hook secret.
type Decrypter interface {
	DecryptIfEncrypted(value string) (string, error)
}

// Outcome is the result of one hook POST.
type Outcome struct {
	HookID     string
	URL        string
	StatusCode int
	Err        error
}

func (o Outcome) OK() bool { return o.Err == nil && o.StatusCode >= 200 && o.StatusCode < 300 }

type Dispatcher struct {
	hooks   storage.HookStorage
	crypt   Decrypter
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	tracer  *tracing.Tracer
}

func NewDispatcher(hooks storage.HookStorage, crypt Decrypter, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		hooks:   hooks,
		crypt:   crypt,
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger.With("layer", "webhook", "component", "dispatcher"),
		tracer:  tracing.NewTracer(otel.Tracer("dispatch/webhook")),
	}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatch POSTs the event to every active hook of the app that subscribes
// to it. Hooks run concurrently with their own timeout; failures are logged
// and reported in the outcomes, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, appID, event string, payload map[string]any) []Outcome {
	hooks, err := d.hooks.ListActiveHooks(ctx, appID)
	if err != nil {
		d.logger.Error("failed to load hooks", slog.String("app_id", appID), slog.Any("error", err))
		return nil
	}

	body, err := json.Marshal(events.New(event, appID, payload))
	if err != nil {
		d.logger.Error("failed to encode hook body", slog.String("event", event), slog.Any("error", err))
		return nil
	}

	var targets []int
	for i := range hooks {
		if hooks[i].Subscribes(event) {
			targets = append(targets, i)
		}
	}
	outcomes := make([]Outcome, len(targets))

	var g errgroup.Group
	for slot, i := range targets {
		h := hooks[i]
		g.Go(func() error {
			out := Outcome{HookID: h.ID, URL: h.URL}
			out.StatusCode, out.Err = d.post(ctx, h.URL, h.Secret, event, body)
			outcomes[slot] = out
			d.record(appID, event, out)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) post(ctx context.Context, url, secret, event string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx, span := d.tracer.StartClientSpan(ctx, "webhook.post", attribute.String("dispatch.event", event))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.tracer.RecordError(span, err)
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	if secret != "" && d.crypt != nil {
		plain, err := d.crypt.DecryptIfEncrypted(secret)
		if err != nil {
			err = fmt.Errorf("decrypt hook secret: %w", err)
			d.tracer.RecordError(span, err)
			return 0, err
		}
		secret = plain
	}
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.tracer.RecordError(span, err)
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("hook returned %d", resp.StatusCode)
		d.tracer.RecordError(span, err)
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) record(appID, event string, out Outcome) {
	if out.OK() {
		metrics.HookDispatch.WithLabelValues("delivered").Inc()
		d.logger.Debug("hook delivered", slog.String("hook_id", out.HookID), slog.String("event", event))
		return
	}
	metrics.HookDispatch.WithLabelValues("failed").Inc()
	d.logger.Warn("hook delivery failed",
		slog.String("app_id", appID),
		slog.String("hook_id", out.HookID),
		slog.String("event", event),
		slog.Int("status", out.StatusCode),
		slog.Any("error", out.Err))
}
