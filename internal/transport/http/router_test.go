package http

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwconfirm/internal/handler"
	"hwconfirm/internal/httputil"
	"hwconfirm/internal/model"
	"hwconfirm/internal/notify"
	"hwconfirm/internal/repository"
	"hwconfirm/internal/secretbox"
	"hwconfirm/internal/service"
	"hwconfirm/internal/signature"
	"hwconfirm/internal/store"
	"hwconfirm/internal/transport/http/middleware"
)

const testJWTSecret = "test-secret"

// fakeBroker stands in for the MQTT adapter and records published challenges.
type fakeBroker struct {
	mu         sync.Mutex
	challenges map[string]model.ChallengeMessage
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{challenges: make(map[string]model.ChallengeMessage)}
}

func (b *fakeBroker) PublishChallenge(ctx context.Context, deviceID string, msg model.ChallengeMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.challenges[msg.ConfirmationID] = msg
	return nil
}

func (b *fakeBroker) challenge(id string) (model.ChallengeMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.challenges[id]
	return msg, ok
}

func (b *fakeBroker) SubscribeDeviceResponses(deviceID string) error { return nil }

func (b *fakeBroker) UnsubscribeDeviceResponses(deviceID string) error { return nil }

func (b *fakeBroker) Status() string { return "connected" }

type testServer struct {
	*httptest.Server
	broker        *fakeBroker
	confirmations *service.ConfirmationService
	hub           *notify.Hub
}

func newTestServer(t *testing.T, limiter *middleware.RateLimiter) *testServer {
	t.Helper()

	box, err := secretbox.New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	kv := store.NewMemoryStore()
	broker := newFakeBroker()
	hub := notify.NewHub()

	devices := service.NewDeviceService(repository.NewDeviceRepository(kv, box), broker)
	confirmations := service.NewConfirmationService(
		repository.NewConfirmationRepository(kv), devices, broker, hub, time.Minute)
	t.Cleanup(confirmations.Stop)

	router := NewRouter(RouterConfig{
		DeviceHandler:       handler.NewDeviceHandler(devices),
		ConfirmationHandler: handler.NewConfirmationHandler(confirmations),
		HealthHandler:       handler.NewHealthHandler(broker),
		PushHandler:         handler.NewPushHandler(hub, testJWTSecret, []string{"http://localhost:3000"}),
		ConfirmLimiter:      limiter,
		JWTSecret:           testJWTSecret,
		AllowedOrigins:      []string{"http://localhost:3000"},
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, broker: broker, confirmations: confirmations, hub: hub}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, userID string, body interface{}) *stdhttp.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := stdhttp.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *stdhttp.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func errorCode(t *testing.T, resp *stdhttp.Response) string {
	t.Helper()
	var body httputil.ErrorResponse
	decode(t, resp, &body)
	return body.Error.Code
}

var testSecret = func() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}()

func (s *testServer) registerDevice(t *testing.T, userID, deviceID string) {
	t.Helper()
	resp := s.do(t, stdhttp.MethodPost, "/api/register-device", userID, model.RegisterDeviceRequest{
		DeviceID:     deviceID,
		DeviceSecret: hex.EncodeToString(testSecret),
	})
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
}

func (s *testServer) requestConfirm(t *testing.T, userID, deviceID, action string) string {
	t.Helper()
	resp := s.do(t, stdhttp.MethodPost, "/api/request-confirm", userID, model.RequestConfirmationRequest{
		DeviceID: deviceID,
		Action:   action,
	})
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)

	var body model.RequestConfirmationResponse
	decode(t, resp, &body)
	require.True(t, body.Success)
	require.NotEmpty(t, body.ConfirmationID)
	return body.ConfirmationID
}

func (s *testServer) pushURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// dialPush connects and sends the auth message for userID. A nil header
// authenticates the upgrade with a token for the same user.
func (s *testServer) dialPush(t *testing.T, userID string, header stdhttp.Header) *websocket.Conn {
	t.Helper()
	if header == nil {
		header = stdhttp.Header{}
		header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.pushURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(model.ControlMessage{Type: model.MessageTypeAuth, UserID: userID}))
	return conn
}

func TestHealth_Public(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.do(t, stdhttp.MethodGet, "/api/health", "", nil)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["mqtt"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestMetrics_Exposed(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.do(t, stdhttp.MethodGet, "/metrics", "", nil)
	assert.Equal(t, stdhttp.StatusOK, resp.StatusCode)
}

func TestProtectedRoutes_RequireToken(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{"/api/devices", "/api/confirmations", "/api/user-id"} {
		resp := srv.do(t, stdhttp.MethodGet, path, "", nil)
		assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestUserID_EchoesSubject(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.do(t, stdhttp.MethodGet, "/api/user-id", "U1", nil)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "U1", body["userId"])
}

func TestRegisterDevice_Validation(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		body model.RegisterDeviceRequest
	}{
		{"missing secret", model.RegisterDeviceRequest{DeviceID: "D1"}},
		{"short secret", model.RegisterDeviceRequest{DeviceID: "D1", DeviceSecret: "abcd"}},
		{"wildcard id", model.RegisterDeviceRequest{DeviceID: "D+1", DeviceSecret: hex.EncodeToString(testSecret)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.do(t, stdhttp.MethodPost, "/api/register-device", "U1", tt.body)
			assert.Equal(t, stdhttp.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, httputil.ErrCodeBadRequest, errorCode(t, resp))
		})
	}
}

func TestRegisterDevice_DuplicateConflicts(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registerDevice(t, "U1", "D1")

	resp := srv.do(t, stdhttp.MethodPost, "/api/register-device", "U2", model.RegisterDeviceRequest{
		DeviceID:     "D1",
		DeviceSecret: hex.EncodeToString(testSecret),
	})
	assert.Equal(t, stdhttp.StatusConflict, resp.StatusCode)
}

func TestListDevices_OwnerOnlyAndNoSecret(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registerDevice(t, "U1", "D1")
	srv.registerDevice(t, "U2", "D2")

	resp := srv.do(t, stdhttp.MethodGet, "/api/devices", "U1", nil)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)

	var raw map[string][]map[string]interface{}
	decode(t, resp, &raw)
	require.Len(t, raw["devices"], 1)
	assert.Equal(t, "D1", raw["devices"][0]["deviceId"])
	assert.NotContains(t, raw["devices"][0], "secret")
	assert.NotContains(t, raw["devices"][0], "deviceSecret")
}

func TestRemoveDevice(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registerDevice(t, "U1", "D1")

	resp := srv.do(t, stdhttp.MethodDelete, "/api/devices/D1", "U2", nil)
	assert.Equal(t, stdhttp.StatusForbidden, resp.StatusCode)

	resp = srv.do(t, stdhttp.MethodDelete, "/api/devices/D1", "U1", nil)
	assert.Equal(t, stdhttp.StatusOK, resp.StatusCode)

	resp = srv.do(t, stdhttp.MethodDelete, "/api/devices/D1", "U1", nil)
	assert.Equal(t, stdhttp.StatusNotFound, resp.StatusCode)
}

func TestRequestConfirm_Errors(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registerDevice(t, "U1", "D1")

	resp := srv.do(t, stdhttp.MethodPost, "/api/request-confirm", "U1", model.RequestConfirmationRequest{})
	assert.Equal(t, stdhttp.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, stdhttp.MethodPost, "/api/request-confirm", "U1", model.RequestConfirmationRequest{DeviceID: "nope"})
	assert.Equal(t, stdhttp.StatusNotFound, resp.StatusCode)

	resp = srv.do(t, stdhttp.MethodPost, "/api/request-confirm", "U2", model.RequestConfirmationRequest{DeviceID: "D1"})
	assert.Equal(t, stdhttp.StatusForbidden, resp.StatusCode)
	assert.Equal(t, httputil.ErrCodeForbidden, errorCode(t, resp))
}

func TestRequestConfirm_DeliveryFailure(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registerDevice(t, "U1", "D1")
	srv.broker.publishErr = errors.New("broker down")

	resp := srv.do(t, stdhttp.MethodPost, "/api/request-confirm", "U1", model.RequestConfirmationRequest{DeviceID: "D1"})
	assert.Equal(t, stdhttp.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, model.CodeDeliveryFailed, errorCode(t, resp))
}

func TestRequestConfirm_RateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(1, 1)
	t.Cleanup(limiter.Stop)
	srv := newTestServer(t, limiter)
	srv.registerDevice(t, "U1", "D1")

	srv.requestConfirm(t, "U1", "D1", "Login")

	resp := srv.do(t, stdhttp.MethodPost, "/api/request-confirm", "U1", model.RequestConfirmationRequest{DeviceID: "D1"})
	assert.Equal(t, stdhttp.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.CodeRateLimited, errorCode(t, resp))

	// Other users keep their own bucket
	srv.registerDevice(t, "U2", "D2")
	srv.requestConfirm(t, "U2", "D2", "Login")
}

func TestConfirmationFlow_PushAndPoll(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registerDevice(t, "U1", "D1")

	conn := srv.dialPush(t, "U1", nil)
	var ack model.ControlMessage
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, model.MessageTypeAuthSuccess, ack.Type)

	id := srv.requestConfirm(t, "U1", "D1", "Login to Dashboard")

	msg, ok := srv.broker.challenge(id)
	require.True(t, ok)
	assert.Len(t, msg.Challenge, 64)
	assert.Equal(t, "Login to Dashboard", msg.Action)

	srv.confirmations.HandleDeviceResponse(model.DeviceResponse{
		DeviceID:       "D1",
		ConfirmationID: id,
		SignatureHex:   signature.Sign(testSecret, msg.Challenge),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventConfirmationSuccess, ev.Type)
	assert.Equal(t, id, ev.ConfirmationID)
	assert.Equal(t, "D1", ev.DeviceID)

	resp := srv.do(t, stdhttp.MethodGet, "/api/confirmation/"+id, "U1", nil)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	var c model.Confirmation
	decode(t, resp, &c)
	assert.Equal(t, model.StatusConfirmed, c.Status)
	assert.NotNil(t, c.ConfirmedAt)

	// Other users cannot read it
	resp = srv.do(t, stdhttp.MethodGet, "/api/confirmation/"+id, "U2", nil)
	assert.Equal(t, stdhttp.StatusForbidden, resp.StatusCode)

	resp = srv.do(t, stdhttp.MethodGet, "/api/confirmations", "U1", nil)
	var list model.ConfirmationListResponse
	decode(t, resp, &list)
	assert.Len(t, list.Confirmations, 1)
}

func TestConfirmationFlow_InvalidSignatureFails(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registerDevice(t, "U1", "D1")

	conn := srv.dialPush(t, "U1", nil)
	var ack model.ControlMessage
	require.NoError(t, conn.ReadJSON(&ack))

	id := srv.requestConfirm(t, "U1", "D1", "Approve payment")
	srv.confirmations.HandleDeviceResponse(model.DeviceResponse{
		DeviceID:       "D1",
		ConfirmationID: id,
		SignatureHex:   strings.Repeat("0", 64),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventConfirmationFailed, ev.Type)
	assert.Equal(t, model.ReasonInvalidSignature, ev.Error)
}

func TestCancel(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registerDevice(t, "U1", "D1")
	id := srv.requestConfirm(t, "U1", "D1", "Login")

	resp := srv.do(t, stdhttp.MethodPost, "/api/confirmation/"+id+"/cancel", "U2", nil)
	assert.Equal(t, stdhttp.StatusForbidden, resp.StatusCode)

	resp = srv.do(t, stdhttp.MethodPost, "/api/confirmation/"+id+"/cancel", "U1", nil)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	var c model.Confirmation
	decode(t, resp, &c)
	assert.Equal(t, model.StatusFailed, c.Status)

	resp = srv.do(t, stdhttp.MethodPost, "/api/confirmation/"+id+"/cancel", "U1", nil)
	assert.Equal(t, stdhttp.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.CodeNotPending, errorCode(t, resp))
}

func TestPush_TokenMustMatchClaimedUser(t *testing.T) {
	srv := newTestServer(t, nil)

	header := stdhttp.Header{}
	header.Set("Authorization", "Bearer "+tokenFor(t, "U1"))
	conn := srv.dialPush(t, "U2", header)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 0, srv.hub.SessionCount())
}

func TestPush_RequiresToken(t *testing.T) {
	srv := newTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(srv.pushURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)

	header := stdhttp.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	_, resp, err = websocket.DefaultDialer.Dial(srv.pushURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.CodeTokenInvalid, errorCode(t, resp))
}

func TestPush_TokenlessClientCannotTakeOverSession(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registerDevice(t, "U1", "D1")

	owner := srv.dialPush(t, "U1", nil)
	var ack model.ControlMessage
	require.NoError(t, owner.ReadJSON(&ack))
	require.Equal(t, model.MessageTypeAuthSuccess, ack.Type)

	_, resp, err := websocket.DefaultDialer.Dial(srv.pushURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)

	id := srv.requestConfirm(t, "U1", "D1", "Transfer")
	msg, _ := srv.broker.challenge(id)
	srv.confirmations.HandleDeviceResponse(model.DeviceResponse{
		DeviceID:       "D1",
		ConfirmationID: id,
		SignatureHex:   signature.Sign(testSecret, msg.Challenge),
	})

	owner.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	require.NoError(t, owner.ReadJSON(&ev))
	assert.Equal(t, id, ev.ConfirmationID)
}

func TestPush_AcceptsTokenCookie(t *testing.T) {
	srv := newTestServer(t, nil)

	header := stdhttp.Header{}
	header.Set("Cookie", middleware.AccessTokenCookie+"="+tokenFor(t, "U1"))
	conn := srv.dialPush(t, "U1", header)

	var ack model.ControlMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, model.MessageTypeAuthSuccess, ack.Type)
}

func TestPush_RejectsForeignOrigin(t *testing.T) {
	srv := newTestServer(t, nil)

	header := stdhttp.Header{}
	header.Set("Origin", "https://evil.example")
	header.Set("Authorization", "Bearer "+tokenFor(t, "U1"))
	_, resp, err := websocket.DefaultDialer.Dial(srv.pushURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stdhttp.StatusForbidden, resp.StatusCode)
}

func TestPush_NewSessionReplacesOld(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registerDevice(t, "U1", "D1")

	first := srv.dialPush(t, "U1", nil)
	var ack model.ControlMessage
	require.NoError(t, first.ReadJSON(&ack))

	second := srv.dialPush(t, "U1", nil)
	require.NoError(t, second.ReadJSON(&ack))

	// The replaced connection is closed by the server
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	id := srv.requestConfirm(t, "U1", "D1", "Login")
	msg, _ := srv.broker.challenge(id)
	srv.confirmations.HandleDeviceResponse(model.DeviceResponse{
		DeviceID:       "D1",
		ConfirmationID: id,
		SignatureHex:   signature.Sign(testSecret, msg.Challenge),
	})

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	require.NoError(t, second.ReadJSON(&ev))
	assert.Equal(t, id, ev.ConfirmationID)
	assert.Equal(t, 1, srv.hub.SessionCount())
}
