// ABOUTME: Tests for the message delivery API client
// ABOUTME: Covers request shape, API key header, and typed failure reporting

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_Success(t *testing.T) {
	var gotPath, gotKey string
	var gotBody sendRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 0)
	err := client.Send(context.Background(), "+15551234567", "hello")
	require.NoError(t, err)

	assert.Equal(t, "/send/", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "+15551234567", gotBody.Number)
	assert.Equal(t, "hello", gotBody.Text)
}

func TestSend_TrailingSlashBaseURL(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "key", 0)
	require.NoError(t, client.Send(context.Background(), "+15551234567", "hi"))
	assert.Equal(t, "/send/", gotPath)
}

func TestSend_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", 0)
	err := client.Send(context.Background(), "+15551234567", "hello")
	require.Error(t, err)

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, "+15551234567", sendErr.Recipient)
	assert.Equal(t, http.StatusBadGateway, sendErr.StatusCode)
	assert.Equal(t, "upstream unavailable", sendErr.Body)
}

func TestSend_NetworkError(t *testing.T) {
	// Point at a closed server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, "key", 0)
	err := client.Send(context.Background(), "+15551234567", "hello")
	require.Error(t, err)

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, 0, sendErr.StatusCode)
	assert.Error(t, sendErr.Err)
}

func TestSend_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Send(ctx, "+15551234567", "hello")
	require.Error(t, err)

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
}

func TestSend_NoAPIKeyOmitsHeader(t *testing.T) {
	var hasKey bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasKey = r.Header[http.CanonicalHeaderKey("X-API-Key")]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 0)
	require.NoError(t, client.Send(context.Background(), "+15551234567", "hi"))
	assert.False(t, hasKey, "X-API-Key header should be omitted when no key is configured")
}
