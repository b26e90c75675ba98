// ABOUTME: HTTP client for the Salesforce Messaging for In-App and Web REST API.
// ABOUTME: Handles token exchange, conversation lifecycle, message dispatch, and the SSE event source.

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jrunrun/tableau-agentforce-custom-client/internal/config"
)

// Sentinel errors for the upstream provider. Callers match with errors.Is;
// wrapped variants carry HTTP status detail.
var (
	// ErrInitialization indicates token exchange or conversation creation failed.
	ErrInitialization = errors.New("messaging: initialization failed")

	// ErrUpstreamUnavailable indicates the SSE event source rejected the connection.
	ErrUpstreamUnavailable = errors.New("messaging: event stream unavailable")

	// ErrDispatch indicates a message send or conversation end was rejected.
	ErrDispatch = errors.New("messaging: dispatch failed")
)

// Credentials holds the per-session upstream identity. Created once by
// Initialize, held in memory only, discarded when the session ends.
type Credentials struct {
	AccessToken    string `json:"accessToken"`
	ConversationID string `json:"conversationId"`
	LastEventID    string `json:"lastEventId,omitempty"`
}

// Client talks to a single Salesforce messaging deployment.
type Client struct {
	cfg    config.SalesforceConfig
	http   *http.Client
	logger *slog.Logger

	// baseURL overrides the https://{scrt_url} scheme+host, for tests
	baseURL string
}

// NewClient creates a messaging client for the configured deployment.
func NewClient(cfg config.SalesforceConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// NewClientWithBaseURL creates a client pointed at an explicit base URL
// instead of https://{scrt_url}. Used by tests with httptest servers.
func NewClientWithBaseURL(cfg config.SalesforceConfig, baseURL string, logger *slog.Logger) *Client {
	c := NewClient(cfg, logger)
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	// The SSE stream must not be killed by the request timeout
	c.http.Timeout = 0
	return c
}

func (c *Client) url(path string) string {
	if c.baseURL != "" {
		return c.baseURL + path
	}
	return "https://" + c.cfg.ScrtURL + path
}

// tokenRequest is the JSON body for the unauthenticated access token exchange.
type tokenRequest struct {
	OrgID               string       `json:"orgId"`
	ESDeveloperName     string       `json:"esDeveloperName"`
	CapabilitiesVersion string       `json:"capabilitiesVersion"`
	Platform            string       `json:"platform"`
	Context             tokenContext `json:"context"`
}

type tokenContext struct {
	AppName       string `json:"appName"`
	ClientVersion string `json:"clientVersion"`
}

// tokenResponse is the upstream token exchange response.
type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	LastEventID string `json:"lastEventId"`
}

// createConversationRequest is the JSON body for conversation creation.
type createConversationRequest struct {
	ConversationID  string `json:"conversationId"`
	ESDeveloperName string `json:"esDeveloperName"`
}

// sendMessageRequest is the JSON body for sending a static text message.
type sendMessageRequest struct {
	Message         messagePayload `json:"message"`
	ESDeveloperName string         `json:"esDeveloperName"`
}

type messagePayload struct {
	ID            string        `json:"id"`
	MessageType   string        `json:"messageType"`
	StaticContent staticContent `json:"staticContent"`
}

type staticContent struct {
	FormatType string `json:"formatType"`
	Text       string `json:"text"`
}

// Initialize obtains an access token and creates a fresh conversation.
// Two-step and non-atomic: if conversation creation fails after the token
// exchange succeeded, the token is discarded and the whole call fails.
func (c *Client) Initialize(ctx context.Context) (*Credentials, error) {
	tok, err := c.fetchAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	conversationID := strings.ToLower(uuid.New().String())
	if err := c.createConversation(ctx, tok.AccessToken, conversationID); err != nil {
		return nil, err
	}

	c.logger.Info("conversation created", "conversation_id", conversationID)

	return &Credentials{
		AccessToken:    tok.AccessToken,
		ConversationID: conversationID,
		LastEventID:    tok.LastEventID,
	}, nil
}

func (c *Client) fetchAccessToken(ctx context.Context) (*tokenResponse, error) {
	body := tokenRequest{
		OrgID:               c.cfg.OrgID,
		ESDeveloperName:     c.cfg.ESDeveloperName,
		CapabilitiesVersion: "1",
		Platform:            "Web",
		Context: tokenContext{
			AppName:       "DemoMessagingClient",
			ClientVersion: "1.0.0",
		},
	}

	resp, err := c.postJSON(ctx, c.url("/iamessage/api/v2/authorization/unauthenticated/access-token"), "", body)
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange: %v", ErrInitialization, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: token exchange returned status %d", ErrInitialization, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("%w: parsing token response: %v", ErrInitialization, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token exchange returned no access token", ErrInitialization)
	}

	return &tok, nil
}

func (c *Client) createConversation(ctx context.Context, token, conversationID string) error {
	body := createConversationRequest{
		ConversationID:  conversationID,
		ESDeveloperName: c.cfg.ESDeveloperName,
	}

	resp, err := c.postJSON(ctx, c.url("/iamessage/api/v2/conversation"), token, body)
	if err != nil {
		return fmt.Errorf("%w: creating conversation: %v", ErrInitialization, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: conversation creation returned status %d", ErrInitialization, resp.StatusCode)
	}

	return nil
}

// Send dispatches a user-authored text message to the conversation.
// Failures are non-retryable at this layer; the caller rolls back its
// optimistic state. Overlapping sends are not serialized here.
func (c *Client) Send(ctx context.Context, creds *Credentials, text string) error {
	body := sendMessageRequest{
		Message: messagePayload{
			ID:          strings.ToLower(uuid.New().String()),
			MessageType: "StaticContentMessage",
			StaticContent: staticContent{
				FormatType: "Text",
				Text:       text,
			},
		},
		ESDeveloperName: c.cfg.ESDeveloperName,
	}

	url := c.url("/iamessage/api/v2/conversation/" + creds.ConversationID + "/message")
	resp, err := c.postJSON(ctx, url, creds.AccessToken, body)
	if err != nil {
		return fmt.Errorf("%w: sending message: %v", ErrDispatch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: message send returned status %d", ErrDispatch, resp.StatusCode)
	}

	return nil
}

// End closes the conversation upstream. The session is considered over
// locally regardless of the outcome; callers decide whether a failure here
// is fatal (explicit close) or log-only (idle timeout).
func (c *Client) End(ctx context.Context, creds *Credentials) error {
	url := c.url("/iamessage/api/v2/conversation/" + creds.ConversationID + "?esDeveloperName=" + c.cfg.ESDeveloperName)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("%w: creating end request: %v", ErrDispatch, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ending conversation: %v", ErrDispatch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: conversation end returned status %d", ErrDispatch, resp.StatusCode)
	}

	return nil
}

// OpenEvents opens the long-lived SSE event source for the given token.
// The returned body delivers the raw event stream; closing it (or
// cancelling ctx) tears down the upstream connection. The caller owns the
// body and must close it.
func (c *Client) OpenEvents(ctx context.Context, token string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/eventrouter/v1/sse"), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating stream request: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Org-Id", c.cfg.OrgID)

	// The stream client must not enforce a request timeout
	streamClient := &http.Client{Transport: c.http.Transport}

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to event stream: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: event stream returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.Body == nil {
		return nil, fmt.Errorf("%w: event stream returned no body", ErrUpstreamUnavailable)
	}

	return resp.Body, nil
}

// postJSON sends a JSON POST with optional bearer auth.
func (c *Client) postJSON(ctx context.Context, url, token string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.http.Do(req)
}
