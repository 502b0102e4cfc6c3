package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/http2"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
)

const (
	APNsProductionHost = "https://api.push.apple.com"
	APNsSandboxHost    = "https://api.sandbox.push.apple.com"

	// DefaultAPNsTTL is how long APNs stores a message for an offline device.
	DefaultAPNsTTL = 24 * time.Hour

	apnsTokenLifetime = time.Hour
	apnsTokenMargin   = 2 * time.Minute
)

// APNsConfig is the token-based authentication material of one app.
type APNsConfig struct {
	KeyID      string
	TeamID     string
	BundleID   string
	PrivateKey string // PEM encoded .p8 key
	Production bool
	// Host overrides the production/sandbox endpoint.
	Host    string
	Timeout time.Duration
}

// APNsMessage is a rendered APNs request.
type APNsMessage struct {
	Token      string
	Topic      string
	PushType   string
	Priority   int
	Expiration int64
	Payload    map[string]any
}

func (m *APNsMessage) recipientToken() string { return m.Token }

// APNsProvider sends over one persistent HTTP/2 connection pool and signs
// requests with a cached ES256 provider token.
type APNsProvider struct {
	cfg    APNsConfig
	key    *ecdsa.PrivateKey
	host   string
	client *http.Client
	now    func() time.Time

	mu    sync.Mutex
	token cachedToken
}

// NewAPNsProvider validates cfg and parses the signing key. A nil client
// selects an HTTP/2 transport.
func NewAPNsProvider(cfg APNsConfig, client *http.Client) (*APNsProvider, error) {
	if cfg.KeyID == "" || cfg.TeamID == "" || cfg.BundleID == "" || cfg.PrivateKey == "" {
		return nil, appErr.NewConfig("apns: keyId, teamId, bundleId and privateKey are required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, appErr.NewConfig("apns: parse private key: %v", err)
	}
	host := cfg.Host
	if host == "" {
		host = APNsSandboxHost
		if cfg.Production {
			host = APNsProductionHost
		}
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Transport: &http2.Transport{}, Timeout: timeout}
	}
	return &APNsProvider{cfg: cfg, key: key, host: host, client: client, now: time.Now}, nil
}

func (p *APNsProvider) Platform() model.Platform { return model.PlatformIOS }

// ConvertNotificationPayload builds the aps dictionary. Custom data and the
// tracking ids sit next to aps at the top level.
func (p *APNsProvider) ConvertNotificationPayload(payload model.NotificationPayload, to Recipient, notificationID, deviceID string) (Message, error) {
	if err := validateAPNsToken(to.Token); err != nil {
		return nil, err
	}
	aps := map[string]any{
		"alert": map[string]any{"title": payload.Title, "body": payload.Body},
	}
	if payload.Badge != nil {
		aps["badge"] = *payload.Badge
	}
	if payload.Sound != "" {
		aps["sound"] = payload.Sound
	} else {
		aps["sound"] = "default"
	}
	if payload.ClickAction != "" {
		aps["category"] = payload.ClickAction
	}
	if payload.ImageURL != "" {
		aps["mutable-content"] = 1
	}

	body := trackingData(payload.Data, notificationID, deviceID)
	if payload.ImageURL != "" {
		body["imageUrl"] = payload.ImageURL
	}
	body["aps"] = aps

	return &APNsMessage{
		Token:      to.Token,
		Topic:      p.cfg.BundleID,
		PushType:   "alert",
		Priority:   10,
		Expiration: p.now().Add(DefaultAPNsTTL).Unix(),
		Payload:    body,
	}, nil
}

func (p *APNsProvider) SendMessage(ctx context.Context, msg Message) SendResult {
	m, ok := msg.(*APNsMessage)
	if !ok {
		return failure(0, "apns: unexpected message type %T", msg)
	}
	body, err := json.Marshal(m.Payload)
	if err != nil {
		return failure(0, "apns: encode payload: %v", err)
	}
	bearer, err := p.bearer()
	if err != nil {
		return failure(0, "apns: sign provider token: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/3/device/"+m.Token, bytes.NewReader(body))
	if err != nil {
		return failure(0, "apns: build request: %v", err)
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", m.Topic)
	req.Header.Set("apns-push-type", m.PushType)
	req.Header.Set("apns-priority", strconv.Itoa(m.Priority))
	if m.Expiration > 0 {
		req.Header.Set("apns-expiration", strconv.FormatInt(m.Expiration, 10))
	}
	req.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return failure(0, "apns: request failed: %v", err)
	}
	defer resp.Body.Close()
	raw := readBody(resp)

	if resp.StatusCode == http.StatusOK {
		return SendResult{Success: true, MessageID: resp.Header.Get("apns-id"), StatusCode: resp.StatusCode}
	}

	var apiErr struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(raw, &apiErr)
	reason := apiErr.Reason
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	if reason == "ExpiredProviderToken" || reason == "InvalidProviderToken" {
		p.invalidate()
	}
	res := failure(resp.StatusCode, "apns: %d %s", resp.StatusCode, reason)
	res.Expired = resp.StatusCode == http.StatusGone || reason == "BadDeviceToken" || reason == "Unregistered"
	return res
}

// bearer returns the cached provider token, minting a new one when it is
// within apnsTokenMargin of its one hour lifetime.
func (p *APNsProvider) bearer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.token.usable(now, apnsTokenMargin) {
		return p.token.value, nil
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": p.cfg.TeamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = p.cfg.KeyID
	signed, err := tok.SignedString(p.key)
	if err != nil {
		return "", err
	}
	p.token = cachedToken{value: signed, expiresAt: now.Add(apnsTokenLifetime)}
	return signed, nil
}

func (p *APNsProvider) invalidate() {
	p.mu.Lock()
	p.token = cachedToken{}
	p.mu.Unlock()
}

func validateAPNsToken(token string) error {
	if len(token) < 64 || len(token) > 200 || len(token)%2 != 0 {
		return appErr.NewValidation("apns: device token must be 64-200 hex characters, got %d", len(token))
	}
	if _, err := hex.DecodeString(token); err != nil {
		return appErr.NewValidation("apns: device token is not hex")
	}
	return nil
}

// String keeps key material out of logs.
func (c APNsConfig) String() string {
	return fmt.Sprintf("APNsConfig{KeyID:%s TeamID:%s BundleID:%s Production:%t}", c.KeyID, c.TeamID, c.BundleID, c.Production)
}
