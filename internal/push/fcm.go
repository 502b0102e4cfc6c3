package push

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
)

const (
	FCMEndpoint        = "https://fcm.googleapis.com"
	fcmScope           = "https://www.googleapis.com/auth/firebase.messaging"
	fcmDefaultTokenURI = "https://oauth2.googleapis.com/token"
	fcmAssertionTTL    = time.Hour
	fcmTokenMargin     = 60 * time.Second
)

// ServiceAccount is the subset of a Google service account key file used to
// mint OAuth2 access tokens.
type ServiceAccount struct {
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// ParseServiceAccount decodes a service account JSON document.
func ParseServiceAccount(raw string) (ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal([]byte(raw), &sa); err != nil {
		return sa, appErr.NewConfig("fcm: service account is not valid JSON: %v", err)
	}
	if sa.ProjectID == "" || sa.ClientEmail == "" || sa.PrivateKey == "" {
		return sa, appErr.NewConfig("fcm: service account needs project_id, client_email and private_key")
	}
	if sa.TokenURI == "" {
		sa.TokenURI = fcmDefaultTokenURI
	}
	return sa, nil
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Image string `json:"image,omitempty"`
}

type fcmAndroid struct {
	Priority     string         `json:"priority"`
	Notification map[string]any `json:"notification,omitempty"`
}

type fcmWebpush struct {
	FCMOptions map[string]string `json:"fcm_options,omitempty"`
}

// FCMMessage is the "message" object of an HTTP v1 send request.
type FCMMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *fcmAndroid       `json:"android,omitempty"`
	APNs         map[string]any    `json:"apns,omitempty"`
	Webpush      *fcmWebpush       `json:"webpush,omitempty"`
}

func (m *FCMMessage) recipientToken() string { return m.Token }

// FCMProvider sends through the FCM HTTP v1 API using a cached OAuth2
// access token obtained with a signed service account assertion.
type FCMProvider struct {
	account  ServiceAccount
	key      *rsa.PrivateKey
	endpoint string
	client   *http.Client
	now      func() time.Time

	mu      sync.Mutex
	token   cachedToken
	refresh singleflight.Group
}

// NewFCMProvider parses the service account key. endpoint may be empty for
// the public FCM host.
func NewFCMProvider(account ServiceAccount, endpoint string, client *http.Client) (*FCMProvider, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, appErr.NewConfig("fcm: parse private key: %v", err)
	}
	if endpoint == "" {
		endpoint = FCMEndpoint
	}
	if account.TokenURI == "" {
		account.TokenURI = fcmDefaultTokenURI
	}
	if client == nil {
		client = newHTTPClient(DefaultTimeout)
	}
	return &FCMProvider{
		account:  account,
		key:      key,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
		now:      time.Now,
	}, nil
}

func (p *FCMProvider) Platform() model.Platform { return model.PlatformAndroid }

func (p *FCMProvider) ConvertNotificationPayload(payload model.NotificationPayload, to Recipient, notificationID, deviceID string) (Message, error) {
	if strings.TrimSpace(to.Token) == "" {
		return nil, appErr.NewValidation("fcm: registration token is empty")
	}
	msg := &FCMMessage{
		Token: to.Token,
		Notification: fcmNotification{
			Title: payload.Title,
			Body:  payload.Body,
			Image: payload.ImageURL,
		},
		Data:    stringData(trackingData(payload.Data, notificationID, deviceID)),
		Android: &fcmAndroid{Priority: "high"},
	}

	androidNotification := map[string]any{}
	if payload.Sound != "" {
		androidNotification["sound"] = payload.Sound
	}
	if payload.ClickAction != "" {
		androidNotification["click_action"] = payload.ClickAction
	}
	if len(androidNotification) > 0 {
		msg.Android.Notification = androidNotification
	}

	aps := map[string]any{}
	if payload.Badge != nil {
		aps["badge"] = *payload.Badge
	}
	if payload.Sound != "" {
		aps["sound"] = payload.Sound
	}
	if len(aps) > 0 {
		msg.APNs = map[string]any{"payload": map[string]any{"aps": aps}}
	}
	if payload.ClickAction != "" {
		msg.Webpush = &fcmWebpush{FCMOptions: map[string]string{"link": payload.ClickAction}}
	}
	return msg, nil
}

func (p *FCMProvider) SendMessage(ctx context.Context, msg Message) SendResult {
	m, ok := msg.(*FCMMessage)
	if !ok {
		return failure(0, "fcm: unexpected message type %T", msg)
	}
	accessToken, err := p.accessToken(ctx)
	if err != nil {
		return failure(0, "fcm: %v", err)
	}
	body, err := json.Marshal(map[string]any{"message": m})
	if err != nil {
		return failure(0, "fcm: encode message: %v", err)
	}

	sendURL := p.endpoint + "/v1/projects/" + url.PathEscape(p.account.ProjectID) + "/messages:send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(body))
	if err != nil {
		return failure(0, "fcm: build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return failure(0, "fcm: request failed: %v", err)
	}
	defer resp.Body.Close()
	raw := readBody(resp)

	var out struct {
		Name  string `json:"name"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				ErrorCode string `json:"errorCode"`
			} `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out.Error == nil {
		return SendResult{Success: true, MessageID: out.Name, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		p.invalidate()
	}

	message := http.StatusText(resp.StatusCode)
	expired := resp.StatusCode == http.StatusNotFound
	if out.Error != nil {
		if out.Error.Message != "" {
			message = out.Error.Message
		}
		for _, d := range out.Error.Details {
			if d.ErrorCode == "UNREGISTERED" {
				expired = true
			}
		}
	}
	res := failure(resp.StatusCode, "fcm: %d %s", resp.StatusCode, message)
	res.Expired = expired
	return res
}

// accessToken returns the cached OAuth2 bearer token until fcmTokenMargin
// before it expires. Concurrent callers share one exchange, and a caller
// whose context ends stops waiting without cancelling it.
func (p *FCMProvider) accessToken(ctx context.Context) (string, error) {
	if tok, ok := p.cached(); ok {
		return tok, nil
	}
	ch := p.refresh.DoChan("token", func() (any, error) {
		if tok, ok := p.cached(); ok {
			return tok, nil
		}
		return p.exchange(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

func (p *FCMProvider) cached() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token.usable(p.now(), fcmTokenMargin) {
		return p.token.value, true
	}
	return "", false
}

// exchange trades a signed service account assertion for a new token.
func (p *FCMProvider) exchange(ctx context.Context) (string, error) {
	now := p.now()
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   p.account.ClientEmail,
		"scope": fcmScope,
		"aud":   p.account.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(fcmAssertionTTL).Unix(),
	}).SignedString(p.key)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return "", appErr.NewConfig("token exchange returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return "", appErr.NewConfig("token exchange returned no access token")
	}
	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	p.mu.Lock()
	p.token = cachedToken{value: tok.AccessToken, expiresAt: now.Add(ttl)}
	p.mu.Unlock()
	return tok.AccessToken, nil
}

func (p *FCMProvider) invalidate() {
	p.mu.Lock()
	p.token = cachedToken{}
	p.mu.Unlock()
}
