package push

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
)

const (
	webPushRecordSize = 4096
	webPushSaltSize   = 16
	webPushKeySize    = 65
	webPushAuthSize   = 16
	webPushTagSize    = 16
	// salt, rs, idlen and the sender key id.
	webPushHeaderSize = webPushSaltSize + 4 + 1 + webPushKeySize
	// MaxWebPushPayload is the largest plaintext whose encrypted body,
	// header included, stays within the 4096 bytes push services accept.
	MaxWebPushPayload = webPushRecordSize - webPushHeaderSize - webPushTagSize - 1

	DefaultWebPushTTL   = 86400
	DefaultVAPIDSubject = "mailto:support@example.com"
	vapidTokenLifetime  = 12 * time.Hour
)

// Subscription is a browser push subscription as returned by PushManager.
type Subscription struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// VAPIDConfig identifies the application server to push services.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string // raw 32 byte scalar (base64url) or PEM
	Subject    string
}

// WebPushMessage is an unencrypted web push request.
type WebPushMessage struct {
	Subscription Subscription
	Payload      []byte
	TTL          int
	Urgency      string
}

func (m *WebPushMessage) recipientToken() string { return m.Subscription.Endpoint }

// WebPushProvider encrypts payloads per RFC 8291 and authenticates with a
// VAPID (RFC 8292) token.
type WebPushProvider struct {
	key       *ecdsa.PrivateKey
	publicKey string
	subject   string
	client    *http.Client
	rand      io.Reader
	now       func() time.Time
}

// NewWebPushProvider parses the VAPID key pair.
func NewWebPushProvider(cfg VAPIDConfig, client *http.Client) (*WebPushProvider, error) {
	key, err := parseVAPIDKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	pub, err := key.PublicKey.ECDH()
	if err != nil {
		return nil, appErr.NewConfig("webpush: vapid public key: %v", err)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultVAPIDSubject
	}
	if client == nil {
		client = newHTTPClient(DefaultTimeout)
	}
	return &WebPushProvider{
		key:       key,
		publicKey: base64.RawURLEncoding.EncodeToString(pub.Bytes()),
		subject:   subject,
		client:    client,
		rand:      rand.Reader,
		now:       time.Now,
	}, nil
}

func (p *WebPushProvider) Platform() model.Platform { return model.PlatformWeb }

func (p *WebPushProvider) ConvertNotificationPayload(payload model.NotificationPayload, to Recipient, notificationID, deviceID string) (Message, error) {
	sub := Subscription{Endpoint: to.Token, P256dh: to.P256dh, Auth: to.Auth}
	if err := sub.validate(); err != nil {
		return nil, err
	}

	body := map[string]any{
		"title": payload.Title,
		"body":  payload.Body,
		"data":  trackingData(payload.Data, notificationID, deviceID),
	}
	if payload.ImageURL != "" {
		body["image"] = payload.ImageURL
	}
	if payload.ClickAction != "" {
		body["url"] = payload.ClickAction
	}
	if payload.Badge != nil {
		body["badge"] = *payload.Badge
	}
	if payload.Sound != "" {
		body["sound"] = payload.Sound
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, appErr.NewValidation("webpush: encode payload: %v", err)
	}
	if len(raw) > MaxWebPushPayload {
		return nil, appErr.NewValidation("webpush: payload is %d bytes, limit %d", len(raw), MaxWebPushPayload)
	}
	return &WebPushMessage{Subscription: sub, Payload: raw, TTL: DefaultWebPushTTL, Urgency: "normal"}, nil
}

func (p *WebPushProvider) SendMessage(ctx context.Context, msg Message) SendResult {
	m, ok := msg.(*WebPushMessage)
	if !ok {
		return failure(0, "webpush: unexpected message type %T", msg)
	}
	record, err := Encrypt(p.rand, m.Subscription, m.Payload)
	if err != nil {
		return failure(0, "webpush: encrypt: %v", err)
	}
	auth, err := p.vapidHeader(m.Subscription.Endpoint)
	if err != nil {
		return failure(0, "webpush: vapid: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Subscription.Endpoint, bytes.NewReader(record))
	if err != nil {
		return failure(0, "webpush: build request: %v", err)
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultWebPushTTL
	}
	urgency := m.Urgency
	if urgency != "high" {
		urgency = "normal"
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(ttl))
	req.Header.Set("Urgency", urgency)

	resp, err := p.client.Do(req)
	if err != nil {
		return failure(0, "webpush: request failed: %v", err)
	}
	defer resp.Body.Close()
	raw := readBody(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return SendResult{Success: true, MessageID: resp.Header.Get("Location"), StatusCode: resp.StatusCode}
	case http.StatusNotFound, http.StatusGone:
		res := failure(resp.StatusCode, "webpush: subscription expired (%d)", resp.StatusCode)
		res.Expired = true
		return res
	default:
		return failure(resp.StatusCode, "webpush: %d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}

// PublicKey returns the base64url application server key.
func (p *WebPushProvider) PublicKey() string { return p.publicKey }

func (p *WebPushProvider) vapidHeader(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": u.Scheme + "://" + u.Host,
		"exp": p.now().Add(vapidTokenLifetime).Unix(),
		"sub": p.subject,
	}).SignedString(p.key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vapid t=%s, k=%s", token, p.publicKey), nil
}

// Encrypt produces a single aes128gcm record for sub. random supplies the
// ephemeral key pair and the record salt.
func Encrypt(random io.Reader, sub Subscription, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxWebPushPayload {
		return nil, appErr.NewValidation("webpush: payload is %d bytes, limit %d", len(plaintext), MaxWebPushPayload)
	}
	uaPublicBytes, authSecret, err := sub.keys()
	if err != nil {
		return nil, err
	}
	uaPublic, err := ecdh.P256().NewPublicKey(uaPublicBytes)
	if err != nil {
		return nil, appErr.NewValidation("webpush: p256dh is not a P-256 point")
	}

	asPrivate, err := ecdh.P256().GenerateKey(random)
	if err != nil {
		return nil, err
	}
	asPublic := asPrivate.PublicKey().Bytes()
	shared, err := asPrivate.ECDH(uaPublic)
	if err != nil {
		return nil, err
	}

	keyInfo := make([]byte, 0, 14+2*webPushKeySize)
	keyInfo = append(keyInfo, "WebPush: info\x00"...)
	keyInfo = append(keyInfo, uaPublicBytes...)
	keyInfo = append(keyInfo, asPublic...)
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, authSecret, keyInfo), ikm); err != nil {
		return nil, err
	}

	salt := make([]byte, webPushSaltSize)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, err
	}
	cek, nonce, err := recordKeys(ikm, salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, webPushHeaderSize)
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, webPushRecordSize)
	header = append(header, byte(len(asPublic)))
	header = append(header, asPublic...)

	padded := append(append(make([]byte, 0, len(plaintext)+1), plaintext...), 0x02)
	return gcm.Seal(header, nonce, padded, nil), nil
}

// recordKeys derives the content encryption key and nonce from the input
// keying material and the record salt.
func recordKeys(ikm, salt []byte) (cek, nonce []byte, err error) {
	prk := hkdf.Extract(sha256.New, ikm, salt)
	cek = make([]byte, 16)
	if _, err = io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("Content-Encoding: aes128gcm\x00")), cek); err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, 12)
	if _, err = io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("Content-Encoding: nonce\x00")), nonce); err != nil {
		return nil, nil, err
	}
	return cek, nonce, nil
}

func (s Subscription) validate() error {
	u, err := url.Parse(s.Endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return appErr.NewValidation("webpush: subscription endpoint %q is not a URL", s.Endpoint)
	}
	if s.P256dh == "" || s.Auth == "" {
		return appErr.NewValidation("webpush: subscription requires p256dh and auth keys")
	}
	_, _, err = s.keys()
	return err
}

func (s Subscription) keys() (uaPublic, authSecret []byte, err error) {
	uaPublic, err = decodeBase64(s.P256dh)
	if err != nil || len(uaPublic) != webPushKeySize {
		return nil, nil, appErr.NewValidation("webpush: p256dh must be a 65 byte uncompressed point")
	}
	authSecret, err = decodeBase64(s.Auth)
	if err != nil || len(authSecret) != webPushAuthSize {
		return nil, nil, appErr.NewValidation("webpush: auth must be 16 bytes")
	}
	return uaPublic, authSecret, nil
}

func parseVAPIDKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, appErr.NewConfig("webpush: vapid private key is required")
	}
	if strings.HasPrefix(raw, "-----BEGIN") {
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(raw))
		if err != nil {
			return nil, appErr.NewConfig("webpush: parse vapid key: %v", err)
		}
		return key, nil
	}

	d, err := decodeBase64(raw)
	if err != nil || len(d) != 32 {
		return nil, appErr.NewConfig("webpush: vapid private key must be 32 bytes base64url")
	}
	priv, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, appErr.NewConfig("webpush: vapid private key: %v", err)
	}
	pub := priv.PublicKey().Bytes()
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:]),
		},
		D: new(big.Int).SetBytes(d),
	}, nil
}

// decodeBase64 accepts the url and standard alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
