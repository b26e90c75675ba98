// ABOUTME: Tests for the upstream messaging client.
// ABOUTME: Covers two-step initialization, dispatch failures, and event stream open.

package messaging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrunrun/tableau-agentforce-custom-client/internal/config"
)

func testConfig() config.SalesforceConfig {
	return config.SalesforceConfig{
		OrgID:           "00Dxx0000001gER",
		ScrtURL:         "example.my.salesforce-scrt.com",
		ESDeveloperName: "Demo_Messaging",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitialize_Success(t *testing.T) {
	var tokenBody map[string]any
	var convBody map[string]any
	var convAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/iamessage/api/v2/authorization/unauthenticated/access-token":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&tokenBody))
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"accessToken": "tok-123",
				"lastEventId": "evt-0",
			})
		case "/iamessage/api/v2/conversation":
			convAuth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&convBody))
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())

	creds, err := client.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok-123", creds.AccessToken)
	assert.Equal(t, "evt-0", creds.LastEventID)
	assert.Equal(t, strings.ToLower(creds.ConversationID), creds.ConversationID)
	_, err = uuid.Parse(creds.ConversationID)
	assert.NoError(t, err, "conversation ID should be a UUID")

	// Token exchange body contract
	assert.Equal(t, "00Dxx0000001gER", tokenBody["orgId"])
	assert.Equal(t, "Demo_Messaging", tokenBody["esDeveloperName"])
	assert.Equal(t, "1", tokenBody["capabilitiesVersion"])
	assert.Equal(t, "Web", tokenBody["platform"])

	// Conversation creation uses the fresh token and the same ID we got back
	assert.Equal(t, "Bearer tok-123", convAuth)
	assert.Equal(t, creds.ConversationID, convBody["conversationId"])
}

func TestInitialize_TokenExchangeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())

	creds, err := client.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitialization)
	assert.Nil(t, creds)
}

func TestInitialize_ConversationCreationFails(t *testing.T) {
	// Token succeeds, conversation creation fails: the whole initialization
	// reports failure and no credentials are returned.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/iamessage/api/v2/authorization/unauthenticated/access-token":
			json.NewEncoder(w).Encode(map[string]string{"accessToken": "tok-123"})
		case "/iamessage/api/v2/conversation":
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())

	creds, err := client.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitialization)
	assert.Nil(t, creds)
}

func TestInitialize_EmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())

	_, err := client.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrInitialization)
}

func TestSend_Success(t *testing.T) {
	var gotPath, gotAuth string
	var body map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())
	creds := &Credentials{AccessToken: "tok-123", ConversationID: "conv-1"}

	err := client.Send(context.Background(), creds, "Hello")
	require.NoError(t, err)

	assert.Equal(t, "/iamessage/api/v2/conversation/conv-1/message", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)

	msg := body["message"].(map[string]any)
	assert.Equal(t, "StaticContentMessage", msg["messageType"])
	content := msg["staticContent"].(map[string]any)
	assert.Equal(t, "Text", content["formatType"])
	assert.Equal(t, "Hello", content["text"])
	assert.NotEmpty(t, msg["id"])
}

func TestSend_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())
	creds := &Credentials{AccessToken: "tok-123", ConversationID: "conv-1"}

	err := client.Send(context.Background(), creds, "Hello")
	assert.ErrorIs(t, err, ErrDispatch)
}

func TestEnd_Success(t *testing.T) {
	var gotMethod, gotPath, gotQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("esDeveloperName")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())
	creds := &Credentials{AccessToken: "tok-123", ConversationID: "conv-1"}

	err := client.End(context.Background(), creds)
	require.NoError(t, err)

	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/iamessage/api/v2/conversation/conv-1", gotPath)
	assert.Equal(t, "Demo_Messaging", gotQuery)
}

func TestEnd_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())

	err := client.End(context.Background(), &Credentials{AccessToken: "t", ConversationID: "c"})
	assert.ErrorIs(t, err, ErrDispatch)
}

func TestOpenEvents_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/eventrouter/v1/sse", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "00Dxx0000001gER", r.Header.Get("X-Org-Id"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("event: PING\ndata: {}\n\n"))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())

	body, err := client.OpenEvents(context.Background(), "tok-123")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "event: PING")
}

func TestOpenEvents_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())

	body, err := client.OpenEvents(context.Background(), "bad-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Nil(t, body)
}

func TestOpenEvents_ContextCancelClosesStream(t *testing.T) {
	streamDone := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(streamDone)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClientWithBaseURL(testConfig(), srv.URL, discardLogger())

	body, err := client.OpenEvents(ctx, "tok-123")
	require.NoError(t, err)
	defer body.Close()

	cancel()

	select {
	case <-streamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream handler did not observe cancellation")
	}
}
