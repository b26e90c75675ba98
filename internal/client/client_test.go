// ABOUTME: Tests for the bridge API client.
// ABOUTME: Verifies endpoint paths, credential headers, and error mapping.

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrunrun/tableau-agentforce-custom-client/internal/messaging"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCreds() *messaging.Credentials {
	return &messaging.Credentials{AccessToken: "tok-abc", ConversationID: "conv-123"}
}

func TestInitialize_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/chat/initialize", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accessToken":"tok-abc","conversationId":"conv-123","lastEventId":"0"}`))
	}))
	defer srv.Close()

	creds, err := New(srv.URL, discardLogger()).Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", creds.AccessToken)
	assert.Equal(t, "conv-123", creds.ConversationID)
	assert.Equal(t, "0", creds.LastEventID)
}

func TestInitialize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"failed to initialize conversation"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	creds, err := New(srv.URL, discardLogger()).Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrInitialization))
	assert.Nil(t, creds)
}

func TestInitialize_EmptyCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accessToken":"","conversationId":""}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, discardLogger()).Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrInitialization))
}

func TestSend_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/message", r.URL.Path)
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		assert.Equal(t, "conv-123", r.Header.Get("X-Conversation-Id"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"message":"Hi there"}`, string(body))

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := New(srv.URL, discardLogger()).Send(context.Background(), testCreds(), "Hi there")
	require.NoError(t, err)
}

func TestSend_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"failed to send message"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL, discardLogger()).Send(context.Background(), testCreds(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrDispatch))
}

func TestEnd_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/end", r.URL.Path)
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		assert.Equal(t, "conv-123", r.Header.Get("X-Conversation-Id"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := New(srv.URL, discardLogger()).End(context.Background(), testCreds())
	require.NoError(t, err)
}

func TestEnd_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"failed to end conversation"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL, discardLogger()).End(context.Background(), testCreds())
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrDispatch))
}

func TestOpenEvents_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/events", r.URL.Path)
		assert.Equal(t, "tok-abc", r.URL.Query().Get("token"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: X\ndata: y\n\n"))
	}))
	defer srv.Close()

	body, err := New(srv.URL, discardLogger()).OpenEvents(context.Background(), "tok-abc")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "event: X\ndata: y\n\n", string(data))
}

func TestOpenEvents_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"failed to connect to event stream"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	body, err := New(srv.URL, discardLogger()).OpenEvents(context.Background(), "tok-abc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, messaging.ErrUpstreamUnavailable))
	assert.Nil(t, body)
}
