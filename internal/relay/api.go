// ABOUTME: HTTP handlers for the webhook, client API, and SSE stream
// ABOUTME: Maps relay and store errors onto the HTTP error taxonomy

package relay

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/courier-hub/internal/auth"
	"github.com/2389/courier-hub/internal/store"
	"github.com/2389/courier-hub/internal/transport"
)

const (
	// defaultListLimit is applied when a messages query has no limit
	defaultListLimit = 50

	// clientTokenTTL is the lifetime of signup/login JWTs
	clientTokenTTL = 30 * 24 * time.Hour

	defaultHeartbeatInterval = 30 * time.Second
)

// webhookRequest is the JSON body for POST /new-message.
type webhookRequest struct {
	ID          string `json:"id,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	From        string `json:"from"`
	To          string `json:"to,omitempty"`
	Text        string `json:"text"`
	IsFromMe    bool   `json:"isFromMe,omitempty"`
}

// sendRequest is the JSON body for POST /api/v1/messages/send.
type sendRequest struct {
	ChatID string `json:"chatId,omitempty"`
	To     string `json:"to"`
	Text   string `json:"text"`
}

// chatRequest is the JSON body for POST /api/v1/chats.
type chatRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// deviceRequest is the JSON body for device register/unregister.
type deviceRequest struct {
	UserID      string `json:"userId,omitempty"`
	DeviceToken string `json:"deviceToken"`
	Platform    string `json:"platform,omitempty"`
}

// credentialsRequest is the JSON body for signup and login.
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// tokenResponse is the JSON response for signup and login.
type tokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// messageResponse is the wire shape for a stored message.
type messageResponse struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	IsFromMe  bool   `json:"isFromMe"`
}

// chatResponse is the wire shape for a chat.
type chatResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

// botResponse is the wire shape for a persona catalog entry.
type botResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Default     bool   `json:"default"`
}

func toMessageResponse(m *store.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		ChatID:    m.ChatID,
		From:      m.Sender,
		To:        m.Recipient,
		Text:      m.Text,
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		IsFromMe:  m.Direction == store.DirectionOutbound,
	}
}

func toChatResponse(c *store.Chat) chatResponse {
	return chatResponse{
		ID:          c.ID,
		DisplayName: c.DisplayName,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleWebhook handles POST /new-message from the transport.
// The shared secret is a hard gate: a mismatch causes no side effects.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.webhookSecret)) != 1 {
		s.sendJSONError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.From == "" {
		s.sendJSONError(w, http.StatusBadRequest, "from is required")
		return
	}

	msg, status, err := s.relay.HandleInbound(r.Context(), &InboundEvent{
		MessageID:   req.ID,
		ChatID:      req.ChatID,
		DisplayName: req.DisplayName,
		Sender:      req.From,
		Recipient:   req.To,
		Text:        req.Text,
		IsFromMe:    req.IsFromMe,
	})
	if err != nil {
		s.logger.Error("inbound event failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if status == InboundIgnored {
		s.sendJSON(w, http.StatusOK, map[string]string{"status": string(InboundIgnored)})
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": string(InboundStored), "messageId": msg.ID})
}

// handleChats handles GET and POST /api/v1/chats.
func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listChats(w, r)
	case http.MethodPost:
		s.createChat(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context(), 0)
	if err != nil {
		s.logger.Error("listing chats", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]chatResponse, 0, len(chats))
	for _, c := range chats {
		response = append(response, toChatResponse(c))
	}
	s.sendJSON(w, http.StatusOK, response)
}

// createChat starts an empty conversation thread ahead of any message.
func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.ID
	}

	now := time.Now().UTC()
	chat := &store.Chat{
		ID:          req.ID,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateChat(r.Context(), chat); err != nil {
		if errors.Is(err, store.ErrDuplicateChat) {
			s.sendJSONError(w, http.StatusConflict, "chat already exists")
			return
		}
		s.logger.Error("creating chat", "chat_id", req.ID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.sendJSON(w, http.StatusCreated, toChatResponse(chat))
}

// handleChatByID handles DELETE /api/v1/chats/{chatId}, removing the
// chat and its entire message history.
func (s *Server) handleChatByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	chatID := strings.TrimPrefix(r.URL.Path, "/api/v1/chats/")
	if chatID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "chat ID is required")
		return
	}

	if err := s.store.DeleteChat(r.Context(), chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "chat not found")
			return
		}
		s.logger.Error("deleting chat", "chat_id", chatID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("chat deleted", "chat_id", chatID)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleMessages handles GET /api/v1/messages?chatId=X&limit=N.
// Returns the most recent N messages in ascending chronological order.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "chatId is required")
		return
	}

	limit := defaultListLimit
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			s.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	messages, err := s.store.ListMessages(r.Context(), chatID, limit)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		s.logger.Error("listing messages", "chat_id", chatID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		response = append(response, toMessageResponse(m))
	}
	s.sendJSON(w, http.StatusOK, response)
}

// handleSend handles POST /api/v1/messages/send.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := s.relay.SendMessage(r.Context(), req.ChatID, req.To, req.Text)
	switch {
	case errors.Is(err, ErrInvalidSend):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrNotAllowed):
		s.sendJSONError(w, http.StatusForbidden, "recipient not whitelisted")
		return
	case err != nil:
		var sendErr *transport.SendError
		if errors.As(err, &sendErr) {
			s.sendJSONError(w, http.StatusBadGateway, "message delivery failed")
			return
		}
		s.logger.Error("send failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.sendJSON(w, http.StatusOK, toMessageResponse(msg))
}

// handleStream handles GET /api/v1/stream as a Server-Sent Events feed.
// Each stored message is delivered as a "message" event; comment lines
// are written periodically to keep intermediaries from closing the
// connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, subID := s.broadcaster.Subscribe(r.Context())
	defer s.broadcaster.Unsubscribe(subID)

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case msg, ok := <-events:
			if !ok {
				return
			}
			s.writeSSEEvent(w, "message", toMessageResponse(msg))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// deviceUserID resolves which user a device request applies to.
// Authenticated requests use the token's subject; otherwise the body's
// userId, falling back to a fixed local account when auth is off.
func deviceUserID(r *http.Request, req *deviceRequest) string {
	if userID := auth.UserFromContext(r.Context()); userID != "" {
		return userID
	}
	if req.UserID != "" {
		return req.UserID
	}
	return "local"
}

// handleDeviceRegister handles POST /api/v1/device/register.
func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceToken == "" {
		s.sendJSONError(w, http.StatusBadRequest, "deviceToken is required")
		return
	}

	if err := s.push.Register(r.Context(), deviceUserID(r, &req), req.DeviceToken, req.Platform); err != nil {
		s.logger.Error("registering device", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// handleDeviceUnregister handles POST/DELETE /api/v1/device/unregister.
func (s *Server) handleDeviceUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceToken == "" {
		s.sendJSONError(w, http.StatusBadRequest, "deviceToken is required")
		return
	}

	if err := s.push.Unregister(r.Context(), deviceUserID(r, &req), req.DeviceToken); err != nil {
		s.logger.Error("unregistering device", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

// handleSignup handles POST /api/v1/auth/signup.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		s.sendJSONError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hashing password", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			s.sendJSONError(w, http.StatusConflict, "email already registered")
			return
		}
		s.logger.Error("creating user", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.issueToken(w, user)
}

// handleLogin handles POST /api/v1/auth/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.logger.Error("looking up user", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		s.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.issueToken(w, user)
}

// issueToken mints a client JWT for the user and writes the response
func (s *Server) issueToken(w http.ResponseWriter, user *store.User) {
	token, err := s.verifier.Generate(user.ID, clientTokenTTL)
	if err != nil {
		s.logger.Error("generating token", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.sendJSON(w, http.StatusOK, tokenResponse{Token: token, UserID: user.ID})
}

// handleBots handles GET /api/v1/bots, exposing the persona catalog.
func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	defaultName := s.catalog.Default().Name
	response := make([]botResponse, 0, len(s.catalog.Personas))
	for _, p := range s.catalog.Personas {
		response = append(response, botResponse{
			Name:        p.Name,
			Description: p.Description,
			Default:     p.Name == defaultName,
		})
	}
	s.sendJSON(w, http.StatusOK, response)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListChats(r.Context(), 1); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
