// ABOUTME: Best-effort push notification delivery for new messages
// ABOUTME: Owns the device registry and sends APNs-style alerts per token

package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/courier-hub/internal/store"
)

const defaultTimeout = 5 * time.Second

// Notifier delivers push notifications to registered devices.
// Delivery is best effort: failures are logged, never propagated, and a
// failure for one token does not affect the others. A Notifier with no
// endpoint configured is a no-op.
type Notifier struct {
	endpoint   string
	authToken  string
	topic      string
	store      store.Store
	httpClient *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a push notifier.
// An empty endpoint disables delivery. If timeout is zero, a 5 second
// default is used per device.
func NewNotifier(endpoint, authToken, topic string, st store.Store, timeout time.Duration) *Notifier {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Notifier{
		endpoint:   strings.TrimRight(endpoint, "/"),
		authToken:  authToken,
		topic:      topic,
		store:      st,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "push"),
	}
}

// Enabled reports whether push delivery is configured
func (n *Notifier) Enabled() bool {
	return n.endpoint != ""
}

// Register records a device token for a user.
// Re-registering the same (user, token) pair is idempotent.
func (n *Notifier) Register(ctx context.Context, userID, token, platform string) error {
	return n.store.RegisterDevice(ctx, &store.DeviceRegistration{
		UserID:   userID,
		Token:    token,
		Platform: platform,
	})
}

// Unregister removes a (user, token) pair. Unknown pairs are a no-op.
func (n *Notifier) Unregister(ctx context.Context, userID, token string) error {
	return n.store.UnregisterDevice(ctx, userID, token)
}

// alertPayload is the APNs notification body
type alertPayload struct {
	APS apsPayload `json:"aps"`
}

type apsPayload struct {
	Alert    apsAlert `json:"alert"`
	Sound    string   `json:"sound"`
	ThreadID string   `json:"thread-id,omitempty"`
}

type apsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Notify sends an alert for a new message to a user's registered devices.
// Each token is attempted independently; tokens the service reports as
// gone are purged from the registry. Errors are logged and swallowed.
func (n *Notifier) Notify(ctx context.Context, userID, chatID, title, body string) {
	if !n.Enabled() {
		return
	}

	tokens, err := n.store.ListDeviceTokens(ctx, userID)
	if err != nil {
		n.logger.Error("listing device tokens", "user_id", userID, "error", err)
		return
	}

	n.deliver(ctx, tokens, chatID, title, body)
}

// NotifyAll sends an alert to every registered device across users.
// Used for inbound messages, which every connected client should see.
func (n *Notifier) NotifyAll(ctx context.Context, chatID, title, body string) {
	if !n.Enabled() {
		return
	}

	tokens, err := n.store.ListAllDeviceTokens(ctx)
	if err != nil {
		n.logger.Error("listing device tokens", "error", err)
		return
	}

	n.deliver(ctx, tokens, chatID, title, body)
}

func (n *Notifier) deliver(ctx context.Context, tokens []string, chatID, title, body string) {
	if len(tokens) == 0 {
		return
	}

	payload, err := json.Marshal(alertPayload{
		APS: apsPayload{
			Alert:    apsAlert{Title: title, Body: body},
			Sound:    "default",
			ThreadID: chatID,
		},
	})
	if err != nil {
		n.logger.Error("encoding push payload", "error", err)
		return
	}

	sent := 0
	for _, token := range tokens {
		if err := n.send(ctx, token, payload); err != nil {
			n.logger.Warn("push delivery failed", "chat_id", chatID, "error", err)
			continue
		}
		sent++
	}

	n.logger.Debug("push notifications sent", "chat_id", chatID, "sent", sent, "total", len(tokens))
}

// send delivers the payload to a single device token
func (n *Notifier) send(ctx context.Context, token string, payload []byte) error {
	url := fmt.Sprintf("%s/3/device/%s", n.endpoint, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apns-push-type", "alert")
	if n.topic != "" {
		req.Header.Set("apns-topic", n.topic)
	}
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		// Token is no longer valid; drop it from the registry
		if err := n.store.PurgeDeviceToken(ctx, token); err != nil {
			n.logger.Warn("removing stale device token", "error", err)
		} else {
			n.logger.Info("removed stale device token")
		}
		return fmt.Errorf("device token gone")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("push service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return nil
}
