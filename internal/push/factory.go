package push

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
)

// Decrypter opens envelope encrypted credential fields.
type Decrypter interface {
	DecryptIfEncrypted(value string) (string, error)
}

// FactoryOptions configures providers built by a Factory. Client, when set,
// is shared by every provider; otherwise each provider builds its own.
type FactoryOptions struct {
	Client       *http.Client
	Timeout      time.Duration
	APNsHost     string
	FCMEndpoint  string
	VAPIDSubject string
}

type cachedProvider struct {
	fingerprint string
	provider    Provider
}

// Factory builds providers from an app's stored credentials. Instances are
// reused while the stored (encrypted) credentials are unchanged.
type Factory struct {
	crypt Decrypter
	opts  FactoryOptions

	mu    sync.Mutex
	cache map[string]cachedProvider
}

func NewFactory(crypt Decrypter, opts FactoryOptions) *Factory {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Factory{crypt: crypt, opts: opts, cache: make(map[string]cachedProvider)}
}

// ForApp returns the provider for platform bound to app's credentials.
// Missing or unreadable credentials are configuration errors.
func (f *Factory) ForApp(app model.App, platform model.Platform) (Provider, error) {
	key := app.ID + "/" + string(platform)
	fp := fingerprint(app, platform)

	f.mu.Lock()
	if c, ok := f.cache[key]; ok && c.fingerprint == fp {
		f.mu.Unlock()
		return c.provider, nil
	}
	f.mu.Unlock()

	p, err := f.build(app, platform)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[key] = cachedProvider{fingerprint: fp, provider: p}
	f.mu.Unlock()
	return p, nil
}

func (f *Factory) build(app model.App, platform model.Platform) (Provider, error) {
	switch platform {
	case model.PlatformIOS:
		if app.APNsPrivateKey == "" {
			return nil, appErr.NewConfig("app %s has no APNs credentials", app.ID)
		}
		key, err := f.crypt.DecryptIfEncrypted(app.APNsPrivateKey)
		if err != nil {
			return nil, appErr.NewConfig("app %s: decrypt APNs key: %v", app.ID, err)
		}
		return NewAPNsProvider(APNsConfig{
			KeyID:      app.APNsKeyID,
			TeamID:     app.APNsTeamID,
			BundleID:   app.APNsBundleID,
			PrivateKey: key,
			Production: app.APNsProduction,
			Host:       f.opts.APNsHost,
			Timeout:    f.opts.Timeout,
		}, f.opts.Client)

	case model.PlatformAndroid:
		if app.FCMServiceAccount == "" {
			return nil, appErr.NewConfig("app %s has no FCM credentials", app.ID)
		}
		raw, err := f.crypt.DecryptIfEncrypted(app.FCMServiceAccount)
		if err != nil {
			return nil, appErr.NewConfig("app %s: decrypt FCM service account: %v", app.ID, err)
		}
		account, err := ParseServiceAccount(raw)
		if err != nil {
			return nil, err
		}
		client := f.opts.Client
		if client == nil {
			client = newHTTPClient(f.opts.Timeout)
		}
		return NewFCMProvider(account, f.opts.FCMEndpoint, client)

	case model.PlatformWeb:
		if app.VAPIDPrivateKey == "" {
			return nil, appErr.NewConfig("app %s has no VAPID credentials", app.ID)
		}
		key, err := f.crypt.DecryptIfEncrypted(app.VAPIDPrivateKey)
		if err != nil {
			return nil, appErr.NewConfig("app %s: decrypt VAPID key: %v", app.ID, err)
		}
		subject := app.VAPIDSubject
		if subject == "" {
			subject = f.opts.VAPIDSubject
		}
		client := f.opts.Client
		if client == nil {
			client = newHTTPClient(f.opts.Timeout)
		}
		return NewWebPushProvider(VAPIDConfig{
			PublicKey:  app.VAPIDPublicKey,
			PrivateKey: key,
			Subject:    subject,
		}, client)
	}
	return nil, appErr.NewConfig("unsupported platform %q", platform)
}

func fingerprint(app model.App, platform model.Platform) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	switch platform {
	case model.PlatformIOS:
		prod := "sandbox"
		if app.APNsProduction {
			prod = "production"
		}
		write(app.APNsKeyID, app.APNsTeamID, app.APNsBundleID, app.APNsPrivateKey, prod)
	case model.PlatformAndroid:
		write(app.FCMServiceAccount)
	case model.PlatformWeb:
		write(app.VAPIDPublicKey, app.VAPIDPrivateKey, app.VAPIDSubject)
	}
	return hex.EncodeToString(h.Sum(nil))
}
