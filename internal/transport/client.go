// ABOUTME: HTTP client for the external message delivery API
// ABOUTME: Sends outbound texts and surfaces delivery failures as typed errors

package transport

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
)

const defaultTimeout = 10 * time.Second

// SendError describes a failed delivery attempt. StatusCode is zero when
// the request never reached the API (network error, timeout).
type SendError struct {
	Recipient  string
	StatusCode int
	Body       string
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sending to %s: API returned %d: %s", e.Recipient, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("sending to %s: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Client talks to the message delivery API.
// The API accepts POST {base}/send/ with an X-API-Key header and a JSON
// body naming the recipient and text.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// sendRequest is the delivery API request body
type sendRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// NewClient creates a delivery API client.
// If timeout is zero, a 10 second default is used.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "transport"),
	}
}

// Send delivers a text message to the given recipient.
// Returns a *SendError on any failure; a non-2xx API response includes
// the status code and response body.
func (c *Client) Send(ctx context.Context, recipient, text string) error {
	body, err := json.Marshal(sendRequest{Number: recipient, Text: text})
	if err != nil {
		return &SendError{Recipient: recipient, Err: fmt.Errorf("encoding request: %w", err)}
	}

	url := c.baseURL + "/send/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &SendError{Recipient: recipient, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SendError{Recipient: recipient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Cap the body read; error detail only
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &SendError{
			Recipient:  recipient,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	c.logger.Debug("message delivered", "recipient", recipient)
	return nil
}
