package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
)

type fcmServer struct {
	srv          *httptest.Server
	tokenCalls   atomic.Int32
	sendStatus   int
	sendResponse string
	// tokenGate, when set, holds token responses until it is closed.
	tokenGate chan struct{}

	mu          sync.Mutex
	lastMessage map[string]any
}

func (fs *fcmServer) message() map[string]any {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lastMessage
}

func newFCMServer(t *testing.T) *fcmServer {
	t.Helper()
	fs := &fcmServer{sendStatus: http.StatusOK, sendResponse: `{"name":"projects/proj-1/messages/0:123"}`}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fs.tokenCalls.Add(1)
		if fs.tokenGate != nil {
			<-fs.tokenGate
		}
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))

		claims := jwt.MapClaims{}
		_, _, err := jwt.NewParser().ParseUnverified(r.PostForm.Get("assertion"), claims)
		assert.NoError(t, err)
		assert.Equal(t, fcmScope, claims["scope"])
		assert.Equal(t, "svc@proj-1.iam.gserviceaccount.com", claims["iss"])
		assert.Equal(t, fs.srv.URL+"/token", claims["aud"])

		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "ya29.token", "expires_in": 3600})
	})
	mux.HandleFunc("/v1/projects/proj-1/messages:send", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ya29.token", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fs.mu.Lock()
		fs.lastMessage, _ = body["message"].(map[string]any)
		fs.mu.Unlock()
		w.WriteHeader(fs.sendStatus)
		_, _ = w.Write([]byte(fs.sendResponse))
	})
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func newFCM(t *testing.T, fs *fcmServer) *FCMProvider {
	t.Helper()
	keyPEM, _ := rsaPEM(t)
	p, err := NewFCMProvider(ServiceAccount{
		ProjectID:   "proj-1",
		ClientEmail: "svc@proj-1.iam.gserviceaccount.com",
		PrivateKey:  keyPEM,
		TokenURI:    fs.srv.URL + "/token",
	}, fs.srv.URL, fs.srv.Client())
	require.NoError(t, err)
	return p
}

func TestFCM_SendSuccessReusesAccessToken(t *testing.T) {
	fs := newFCMServer(t)
	p := newFCM(t, fs)
	badge := 1

	msg, err := p.ConvertNotificationPayload(model.NotificationPayload{
		Title:       "Sale",
		Body:        "50% off",
		Badge:       &badge,
		ClickAction: "https://example.com/sale",
		Data:        map[string]any{"count": 2, "tag": "promo"},
	}, Recipient{Token: "fcm-token"}, "n1", "d1")
	require.NoError(t, err)

	res := p.SendMessage(context.Background(), msg)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "projects/proj-1/messages/0:123", res.MessageID)

	res = p.SendMessage(context.Background(), msg)
	require.True(t, res.Success)
	assert.Equal(t, int32(1), fs.tokenCalls.Load())

	last := fs.message()
	require.NotNil(t, last)
	assert.Equal(t, "fcm-token", last["token"])
	data := last["data"].(map[string]any)
	assert.Equal(t, "2", data["count"])
	assert.Equal(t, "promo", data["tag"])
	assert.Equal(t, "n1", data["notificationId"])
	assert.Equal(t, "d1", data["deviceId"])
	notification := last["notification"].(map[string]any)
	assert.Equal(t, "Sale", notification["title"])
	webpush := last["webpush"].(map[string]any)
	assert.Equal(t, map[string]any{"link": "https://example.com/sale"}, webpush["fcm_options"])
}

func TestFCM_SlowTokenExchangeDoesNotHoldWaiters(t *testing.T) {
	fs := newFCMServer(t)
	fs.tokenGate = make(chan struct{})
	p := newFCM(t, fs)

	first := make(chan string, 1)
	go func() {
		tok, err := p.accessToken(context.Background())
		assert.NoError(t, err)
		first <- tok
	}()
	require.Eventually(t, func() bool { return fs.tokenCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.accessToken(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(fs.tokenGate)
	assert.Equal(t, "ya29.token", <-first)
	tok, err := p.accessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ya29.token", tok)
	assert.Equal(t, int32(1), fs.tokenCalls.Load())
}

func TestFCM_SendUnregistered(t *testing.T) {
	fs := newFCMServer(t)
	fs.sendStatus = http.StatusNotFound
	fs.sendResponse = `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND","details":[{"errorCode":"UNREGISTERED"}]}}`
	p := newFCM(t, fs)

	msg, err := p.ConvertNotificationPayload(model.NotificationPayload{Title: "x"}, Recipient{Token: "gone"}, "", "")
	require.NoError(t, err)
	res := p.SendMessage(context.Background(), msg)

	assert.False(t, res.Success)
	assert.True(t, res.Expired)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, res.Error, "Requested entity was not found.")
}

func TestFCM_ConvertRejectsEmptyToken(t *testing.T) {
	fs := newFCMServer(t)
	p := newFCM(t, fs)
	_, err := p.ConvertNotificationPayload(model.NotificationPayload{}, Recipient{Token: " "}, "", "")
	assert.True(t, errors.Is(err, appErr.ErrValidation))
}

func TestParseServiceAccount(t *testing.T) {
	sa, err := ParseServiceAccount(`{"project_id":"p","client_email":"e","private_key":"k"}`)
	require.NoError(t, err)
	assert.Equal(t, fcmDefaultTokenURI, sa.TokenURI)

	_, err = ParseServiceAccount(`{"project_id":"p"}`)
	assert.True(t, errors.Is(err, appErr.ErrConfig))

	_, err = ParseServiceAccount(`not json`)
	assert.True(t, errors.Is(err, appErr.ErrConfig))
}
