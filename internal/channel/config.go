package channel

import (
	"bytes"
	"encoding/json"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
	"github.com/samims/dispatch/internal/validation"
)

const (
	EmailProviderSMTP = "smtp"
	EmailProviderAPI  = "api"
)

// Config is the decoded provider configuration of one channel row. Each
// channel kind has exactly one concrete type, except email which has one
// per transport.
type Config interface {
	Kind() model.ChannelType
}

type EmailSMTPConfig struct {
	Provider string `json:"provider" validate:"required,eq=smtp"`
	Host     string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from" validate:"required,email"`
	FromName string `json:"fromName"`
	// ImplicitTLS dials TLS directly (port 465 style) instead of STARTTLS.
	ImplicitTLS bool `json:"implicitTls"`
}

type EmailAPIConfig struct {
	Provider string `json:"provider" validate:"required,eq=api"`
	APIKey   string `json:"apiKey" validate:"required"`
	From     string `json:"from" validate:"required"`
	Endpoint string `json:"endpoint" validate:"omitempty,url"`
}

type SMSConfig struct {
	AccountSID string `json:"accountSid" validate:"required"`
	AuthToken  string `json:"authToken" validate:"required"`
	From       string `json:"from" validate:"required"`
	Endpoint   string `json:"endpoint" validate:"omitempty,url"`
}

type DiscordConfig struct {
	WebhookURL string `json:"webhookUrl" validate:"omitempty,url"`
	Username   string `json:"username"`
	AvatarURL  string `json:"avatarUrl" validate:"omitempty,url"`
}

type TelegramConfig struct {
	BotToken string `json:"botToken" validate:"required"`
	ChatID   string `json:"chatId"`
	Endpoint string `json:"endpoint" validate:"omitempty,url"`
}

type InAppConfig struct{}

type PushConfig struct {
	Platform model.Platform `json:"platform" validate:"required,oneof=IOS ANDROID WEB"`
}

func (EmailSMTPConfig) Kind() model.ChannelType { return model.ChannelEmail }
func (EmailAPIConfig) Kind() model.ChannelType  { return model.ChannelEmail }
func (SMSConfig) Kind() model.ChannelType       { return model.ChannelSMS }
func (DiscordConfig) Kind() model.ChannelType   { return model.ChannelDiscord }
func (TelegramConfig) Kind() model.ChannelType  { return model.ChannelTelegram }
func (InAppConfig) Kind() model.ChannelType     { return model.ChannelInApp }
func (PushConfig) Kind() model.ChannelType      { return model.ChannelPush }

// DecodeConfig strictly decodes raw for the given channel type. Unknown
// fields, unknown types and failed validation are configuration errors.
func DecodeConfig(t model.ChannelType, raw []byte) (Config, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if t == model.ChannelInApp {
			return InAppConfig{}, nil
		}
		return nil, appErr.NewConfig("%s channel has no config", t)
	}

	var cfg Config
	switch t {
	case model.ChannelEmail:
		var head struct {
			Provider string `json:"provider"`
		}
		if err := json.Unmarshal(trimmed, &head); err != nil {
			return nil, appErr.NewConfig("email config: %v", err)
		}
		switch head.Provider {
		case EmailProviderSMTP:
			cfg = &EmailSMTPConfig{}
		case EmailProviderAPI:
			cfg = &EmailAPIConfig{}
		default:
			return nil, appErr.NewConfig("email config: unknown provider %q", head.Provider)
		}
	case model.ChannelSMS:
		cfg = &SMSConfig{}
	case model.ChannelDiscord:
		cfg = &DiscordConfig{}
	case model.ChannelTelegram:
		cfg = &TelegramConfig{}
	case model.ChannelInApp:
		cfg = &InAppConfig{}
	case model.ChannelPush:
		cfg = &PushConfig{}
	default:
		return nil, appErr.NewConfig("unknown channel type %q", t)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, appErr.NewConfig("%s config: %v", t, err)
	}
	if err := validation.Struct(cfg); err != nil {
		return nil, appErr.NewConfig("%s config: %v", t, err)
	}
	return deref(cfg), nil
}

func deref(cfg Config) Config {
	switch c := cfg.(type) {
	case *EmailSMTPConfig:
		return *c
	case *EmailAPIConfig:
		return *c
	case *SMSConfig:
		return *c
	case *DiscordConfig:
		return *c
	case *TelegramConfig:
		return *c
	case *InAppConfig:
		return *c
	case *PushConfig:
		return *c
	}
	return cfg
}
