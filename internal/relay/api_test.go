// ABOUTME: Tests for the HTTP surface: webhook, client API, SSE stream, and auth
// ABOUTME: Exercises the error taxonomy mapping onto HTTP status codes

package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier-hub/internal/auth"
	"github.com/2389/courier-hub/internal/push"
	"github.com/2389/courier-hub/internal/reply"
	"github.com/2389/courier-hub/internal/transport"
)

const testWebhookSecret = "hook-secret"

type serverFixture struct {
	server  *Server
	relay   *relayFixture
	handler http.Handler
}

func newServerFixture(t *testing.T, gen generator, jwtSecret string, allowed ...string) *serverFixture {
	t.Helper()

	f := newRelayFixture(t, gen, allowed...)

	catalog, err := reply.LoadCatalog("")
	require.NoError(t, err)

	var verifier *auth.JWTVerifier
	if jwtSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(jwtSecret))
	}

	s := &Server{
		relay:             f.relay,
		store:             f.store,
		broadcaster:       f.broadcaster,
		push:              push.NewNotifier("", "", "", f.store, 0),
		catalog:           catalog,
		verifier:          verifier,
		logger:            slog.Default(),
		webhookSecret:     testWebhookSecret,
		heartbeatInterval: defaultHeartbeatInterval,
	}

	return &serverFixture{server: s, relay: f, handler: s.routes()}
}

func (sf *serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	sf.handler.ServeHTTP(rec, req)
	return rec
}

func webhookHeaders() map[string]string {
	return map[string]string{"X-Webhook-Secret": testWebhookSecret}
}

func TestWebhook_StoresInboundMessage(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodPost, "/new-message", webhookRequest{
		From: "+15551234567",
		To:   testIdentity,
		Text: "hi",
	}, webhookHeaders())

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "stored", resp["status"])

	list := sf.do(t, http.MethodGet, "/api/v1/messages?chatId=%2B15551234567", nil, nil)
	require.Equal(t, http.StatusOK, list.Code)

	var messages []messageResponse
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Text)
	assert.False(t, messages[0].IsFromMe)
	assert.Equal(t, "+15551234567", messages[0].From)
}

func TestWebhook_WrongSecretHasNoSideEffects(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodPost, "/new-message", webhookRequest{
		From: "+15551234567",
		Text: "hi",
	}, map[string]string{"X-Webhook-Secret": "wrong"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	chats := sf.do(t, http.MethodGet, "/api/v1/chats", nil, nil)
	require.Equal(t, http.StatusOK, chats.Code)
	var chatList []chatResponse
	require.NoError(t, json.Unmarshal(chats.Body.Bytes(), &chatList))
	assert.Empty(t, chatList, "rejected webhook must not persist anything")
}

func TestWebhook_MissingSecretRejected(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodPost, "/new-message", webhookRequest{From: "a", Text: "hi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_EmptyTextIgnored(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodPost, "/new-message", webhookRequest{
		From: "+15551234567",
		Text: "",
	}, webhookHeaders())

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp["status"])
}

func TestWebhook_EchoIgnored(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodPost, "/new-message", webhookRequest{
		From:     testIdentity,
		Text:     "echo of my own send",
		IsFromMe: true,
	}, webhookHeaders())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")
}

func TestMessages_UnknownChatReturns404(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodGet, "/api/v1/messages?chatId=nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessages_RequiresChatID(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodGet, "/api/v1/messages", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessages_InvalidLimit(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodGet, "/api/v1/messages?chatId=x&limit=banana", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessages_MostRecentOldestFirst(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	for i := 0; i < 5; i++ {
		rec := sf.do(t, http.MethodPost, "/new-message", webhookRequest{
			From: "+15551234567",
			Text: fmt.Sprintf("msg-%d", i),
		}, webhookHeaders())
		require.Equal(t, http.StatusOK, rec.Code)
	}

	list := sf.do(t, http.MethodGet, "/api/v1/messages?chatId=%2B15551234567&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, list.Code)

	var messages []messageResponse
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, "msg-3", messages[0].Text)
	assert.Equal(t, "msg-4", messages[1].Text)
}

func TestSend_WhitelistDeniedReturns403(t *testing.T) {
	sf := newServerFixture(t, nil, "", "+15559999999")

	rec := sf.do(t, http.MethodPost, "/api/v1/messages/send", sendRequest{
		To:   "+15551234567",
		Text: "hello",
	}, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, sf.relay.transport.calls())
}

func TestSend_DeliveryFailureReturns502(t *testing.T) {
	sf := newServerFixture(t, nil, "", "+15551234567")
	sf.relay.transport.err = &transport.SendError{Recipient: "+15551234567", StatusCode: 500}

	rec := sf.do(t, http.MethodPost, "/api/v1/messages/send", sendRequest{
		To:   "+15551234567",
		Text: "hello",
	}, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)

	chats := sf.do(t, http.MethodGet, "/api/v1/chats", nil, nil)
	var chatList []chatResponse
	require.NoError(t, json.Unmarshal(chats.Body.Bytes(), &chatList))
	assert.Empty(t, chatList, "failed delivery must not persist a message")
}

func TestSend_Success(t *testing.T) {
	sf := newServerFixture(t, nil, "", "+15551234567")

	rec := sf.do(t, http.MethodPost, "/api/v1/messages/send", sendRequest{
		To:   "+15551234567",
		Text: "hello",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var msg messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.True(t, msg.IsFromMe)
	assert.Equal(t, "+15551234567", msg.To)
	assert.Equal(t, "hello", msg.Text)
	assert.NotEmpty(t, msg.ID)
	assert.NotEmpty(t, msg.Timestamp)
}

func TestSend_MissingFieldsReturns400(t *testing.T) {
	sf := newServerFixture(t, nil, "", "+15551234567")

	rec := sf.do(t, http.MethodPost, "/api/v1/messages/send", sendRequest{Text: "hello"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStream_DeliversStoredMessages(t *testing.T) {
	sf := newServerFixture(t, nil, "")
	sf.server.heartbeatInterval = time.Hour

	ts := httptest.NewServer(sf.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a moment to register its subscription
	time.Sleep(100 * time.Millisecond)

	rec := sf.do(t, http.MethodPost, "/new-message", webhookRequest{
		From: "+15551234567",
		Text: "live update",
	}, webhookHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	type sseEvent struct {
		event string
		data  string
	}
	eventCh := make(chan sseEvent, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		var evt sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				evt.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				evt.data = strings.TrimPrefix(line, "data: ")
				eventCh <- evt
				return
			}
		}
	}()

	select {
	case evt := <-eventCh:
		assert.Equal(t, "message", evt.event)
		var msg messageResponse
		require.NoError(t, json.Unmarshal([]byte(evt.data), &msg))
		assert.Equal(t, "live update", msg.Text)
		assert.Equal(t, "+15551234567", msg.ChatID)
	case <-time.After(5 * time.Second):
		t.Fatal("no SSE event received")
	}
}

func TestStream_HeartbeatKeepsConnectionAlive(t *testing.T) {
	sf := newServerFixture(t, nil, "")
	sf.server.heartbeatInterval = 50 * time.Millisecond

	ts := httptest.NewServer(sf.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	lineCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				lineCh <- line
				return
			}
		}
	}()

	select {
	case line := <-lineCh:
		assert.Equal(t, ": heartbeat", line)
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestDeviceRegisterUnregister(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodPost, "/api/v1/device/register", deviceRequest{
		UserID:      "user-1",
		DeviceToken: "token-a",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tokens, err := sf.relay.store.ListDeviceTokens(t.Context(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"token-a"}, tokens)

	rec = sf.do(t, http.MethodPost, "/api/v1/device/unregister", deviceRequest{
		UserID:      "user-1",
		DeviceToken: "token-a",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tokens, err = sf.relay.store.ListDeviceTokens(t.Context(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestDeviceRegister_RequiresToken(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodPost, "/api/v1/device/register", deviceRequest{UserID: "user-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBots_ListsPersonaCatalog(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodGet, "/api/v1/bots", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var bots []botResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bots))
	require.NotEmpty(t, bots)
	assert.Equal(t, "assistant", bots[0].Name)
	assert.True(t, bots[0].Default)
}

func TestHealthEndpoints(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	assert.Equal(t, http.StatusOK, sf.do(t, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, sf.do(t, http.MethodGet, "/health/ready", nil, nil).Code)
}

func TestAuth_SignupAndLogin(t *testing.T) {
	sf := newServerFixture(t, nil, "jwt-secret")

	rec := sf.do(t, http.MethodPost, "/api/v1/auth/signup", credentialsRequest{
		Email:    "user@example.com",
		Password: "hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var signup tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signup))
	assert.NotEmpty(t, signup.Token)
	assert.NotEmpty(t, signup.UserID)

	// Duplicate signup
	rec = sf.do(t, http.MethodPost, "/api/v1/auth/signup", credentialsRequest{
		Email:    "user@example.com",
		Password: "hunter2",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Login with correct credentials
	rec = sf.do(t, http.MethodPost, "/api/v1/auth/login", credentialsRequest{
		Email:    "user@example.com",
		Password: "hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var login tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	assert.Equal(t, signup.UserID, login.UserID)

	// Login with wrong password
	rec = sf.do(t, http.MethodPost, "/api/v1/auth/login", credentialsRequest{
		Email:    "user@example.com",
		Password: "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_ProtectsClientAPI(t *testing.T) {
	sf := newServerFixture(t, nil, "jwt-secret")

	rec := sf.do(t, http.MethodGet, "/api/v1/chats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Webhook and health stay open (webhook has its own gate)
	rec = sf.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = sf.do(t, http.MethodPost, "/new-message", webhookRequest{
		From: "+15551234567",
		Text: "hi",
	}, webhookHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)

	// A valid token unlocks the client API
	signup := sf.do(t, http.MethodPost, "/api/v1/auth/signup", credentialsRequest{
		Email:    "user@example.com",
		Password: "hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, signup.Code)

	var tok tokenResponse
	require.NoError(t, json.Unmarshal(signup.Body.Bytes(), &tok))

	rec = sf.do(t, http.MethodGet, "/api/v1/chats", nil, map[string]string{
		"Authorization": "Bearer " + tok.Token,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_DeviceRegistrationUsesTokenSubject(t *testing.T) {
	sf := newServerFixture(t, nil, "jwt-secret")

	signup := sf.do(t, http.MethodPost, "/api/v1/auth/signup", credentialsRequest{
		Email:    "user@example.com",
		Password: "hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, signup.Code)

	var tok tokenResponse
	require.NoError(t, json.Unmarshal(signup.Body.Bytes(), &tok))

	rec := sf.do(t, http.MethodPost, "/api/v1/device/register", deviceRequest{
		DeviceToken: "token-a",
	}, map[string]string{"Authorization": "Bearer " + tok.Token})
	require.Equal(t, http.StatusOK, rec.Code)

	tokens, err := sf.relay.store.ListDeviceTokens(t.Context(), tok.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"token-a"}, tokens)
}

func TestChats_CreateChat(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodPost, "/api/v1/chats", chatRequest{
		ID:          "+15551234567",
		DisplayName: "Alice",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var chat chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))
	assert.Equal(t, "+15551234567", chat.ID)
	assert.Equal(t, "Alice", chat.DisplayName)

	// Creating the same chat again conflicts
	rec = sf.do(t, http.MethodPost, "/api/v1/chats", chatRequest{ID: "+15551234567"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The empty chat lists cleanly
	list := sf.do(t, http.MethodGet, "/api/v1/messages?chatId=%2B15551234567", nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	var messages []messageResponse
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &messages))
	assert.Empty(t, messages)
}

func TestChats_CreateRequiresID(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodPost, "/api/v1/chats", chatRequest{DisplayName: "Alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChats_DeleteRemovesHistory(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodPost, "/new-message", webhookRequest{
		From: "+15551234567",
		Text: "hi",
	}, webhookHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = sf.do(t, http.MethodDelete, "/api/v1/chats/%2B15551234567", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deleted")

	list := sf.do(t, http.MethodGet, "/api/v1/messages?chatId=%2B15551234567", nil, nil)
	assert.Equal(t, http.StatusNotFound, list.Code)

	chats := sf.do(t, http.MethodGet, "/api/v1/chats", nil, nil)
	require.Equal(t, http.StatusOK, chats.Code)
	var chatList []chatResponse
	require.NoError(t, json.Unmarshal(chats.Body.Bytes(), &chatList))
	assert.Empty(t, chatList)
}

func TestChats_DeleteUnknownReturns404(t *testing.T) {
	sf := newServerFixture(t, nil, "")

	rec := sf.do(t, http.MethodDelete, "/api/v1/chats/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
