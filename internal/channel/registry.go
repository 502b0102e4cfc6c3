package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/push"
	"github.com/samims/dispatch/internal/storage"
)

// FieldDecrypter opens envelope encrypted values inside a config document.
type FieldDecrypter interface {
	DecryptFields(fields map[string]any) (map[string]any, error)
}

// PushProviders builds the push transport for an app and platform.
type PushProviders interface {
	ForApp(app model.App, platform model.Platform) (push.Provider, error)
}

type RegistryDeps struct {
	Channels    storage.ChannelStorage
	Apps        storage.AppStorage
	Inbox       InboxWriter
	Crypt       FieldDecrypter
	Push        PushProviders
	Client      *http.Client
	SMTPTimeout time.Duration
	Logger      *slog.Logger
}

// Registry turns stored channel rows into live Channel instances.
type Registry struct {
	deps   RegistryDeps
	logger *slog.Logger
}

func NewRegistry(deps RegistryDeps) *Registry {
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: push.DefaultTimeout}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		deps:   deps,
		logger: deps.Logger.With("layer", "channel", "component", "registry"),
	}
}

// Resolve loads the channel by id. An inactive channel yields ErrInactive.
func (r *Registry) Resolve(ctx context.Context, channelID string) (Channel, model.Channel, error) {
	row, err := r.deps.Channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, model.Channel{}, err
	}
	if !row.IsActive {
		return nil, row, fmt.Errorf("%w: channel %s", appErr.ErrInactive, channelID)
	}
	ch, err := r.Build(ctx, row)
	return ch, row, err
}

// ResolveActive loads the app's active channel of the given type.
func (r *Registry) ResolveActive(ctx context.Context, appID string, t model.ChannelType) (Channel, model.Channel, error) {
	row, err := r.deps.Channels.FindActiveChannel(ctx, appID, t)
	if err != nil {
		return nil, model.Channel{}, err
	}
	ch, err := r.Build(ctx, row)
	return ch, row, err
}

// Build decrypts and decodes the row's config and constructs the channel.
func (r *Registry) Build(ctx context.Context, row model.Channel) (Channel, error) {
	raw, err := r.decryptConfig(row)
	if err != nil {
		return nil, err
	}
	cfg, err := DecodeConfig(row.Type, raw)
	if err != nil {
		r.logger.Warn("rejected channel config",
			slog.String("channel_id", row.ID),
			slog.String("type", string(row.Type)),
			slog.Any("error", err))
		return nil, err
	}

	switch c := cfg.(type) {
	case EmailSMTPConfig:
		return NewEmailChannel(NewSMTPTransport(c, r.deps.SMTPTimeout)), nil
	case EmailAPIConfig:
		return NewEmailChannel(NewAPITransport(c, r.deps.Client)), nil
	case SMSConfig:
		return NewSMSChannel(c, r.deps.Client), nil
	case DiscordConfig:
		return NewDiscordChannel(c, r.deps.Client), nil
	case TelegramConfig:
		return NewTelegramChannel(c, r.deps.Client), nil
	case InAppConfig:
		if r.deps.Inbox == nil {
			return nil, appErr.NewConfig("in-app channel %s: no inbox store", row.ID)
		}
		return NewInAppChannel(row.AppID, r.deps.Inbox), nil
	case PushConfig:
		return r.buildPush(ctx, row, c)
	}
	return nil, appErr.NewConfig("unsupported channel config %T", cfg)
}

func (r *Registry) buildPush(ctx context.Context, row model.Channel, cfg PushConfig) (Channel, error) {
	if r.deps.Push == nil || r.deps.Apps == nil {
		return nil, appErr.NewConfig("push channel %s: push providers unavailable", row.ID)
	}
	app, err := r.deps.Apps.GetApp(ctx, row.AppID)
	if err != nil {
		return nil, err
	}
	p, err := r.deps.Push.ForApp(app, cfg.Platform)
	if err != nil {
		return nil, err
	}
	return NewPushChannel(p), nil
}

func (r *Registry) decryptConfig(row model.Channel) ([]byte, error) {
	trimmed := bytes.TrimSpace(row.Config)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || r.deps.Crypt == nil {
		return trimmed, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, appErr.NewConfig("channel %s: config is not a JSON object: %v", row.ID, err)
	}
	plain, err := r.deps.Crypt.DecryptFields(fields)
	if err != nil {
		return nil, appErr.NewConfig("channel %s: %v", row.ID, err)
	}
	out, err := json.Marshal(plain)
	if err != nil {
		return nil, appErr.NewConfig("channel %s: %v", row.ID, err)
	}
	return out, nil
}
