// ABOUTME: HTTP client for the bridge chat API, used by the terminal client.
// ABOUTME: Implements the session transport against /chat/* endpoints.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jrunrun/tableau-agentforce-custom-client/internal/messaging"
)

// Client talks to a running bridge over its HTTP API. It satisfies the
// session transport, so a terminal session drives the same relay path a
// browser would.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the bridge at baseURL.
func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "client"),
	}
}

// Initialize requests fresh conversation credentials from the bridge.
func (c *Client) Initialize(ctx context.Context) (*messaging.Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chat/initialize", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating initialize request: %v", messaging.ErrInitialization, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", messaging.ErrInitialization, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: initialize returned status %d", messaging.ErrInitialization, resp.StatusCode)
	}

	var creds messaging.Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("%w: parsing initialize response: %v", messaging.ErrInitialization, err)
	}
	if creds.AccessToken == "" || creds.ConversationID == "" {
		return nil, fmt.Errorf("%w: initialize response missing credentials", messaging.ErrInitialization)
	}

	return &creds, nil
}

// Send posts a user message through the bridge.
func (c *Client) Send(ctx context.Context, creds *messaging.Credentials, text string) error {
	body, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return fmt.Errorf("%w: encoding message: %v", messaging.ErrDispatch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: creating send request: %v", messaging.ErrDispatch, err)
	}
	c.setCredentialHeaders(req, creds)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending message: %v", messaging.ErrDispatch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: message send returned status %d", messaging.ErrDispatch, resp.StatusCode)
	}
	return nil
}

// End closes the conversation through the bridge.
func (c *Client) End(ctx context.Context, creds *messaging.Credentials) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/end", nil)
	if err != nil {
		return fmt.Errorf("%w: creating end request: %v", messaging.ErrDispatch, err)
	}
	c.setCredentialHeaders(req, creds)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ending conversation: %v", messaging.ErrDispatch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: conversation end returned status %d", messaging.ErrDispatch, resp.StatusCode)
	}
	return nil
}

// OpenEvents connects to the relayed event stream. The returned body stays
// open until the context is canceled or the bridge ends the stream.
func (c *Client) OpenEvents(ctx context.Context, token string) (io.ReadCloser, error) {
	endpoint := c.baseURL + "/chat/events?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating stream request: %v", messaging.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Long-lived stream: bypass the request timeout
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to event stream: %v", messaging.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: event stream returned status %d", messaging.ErrUpstreamUnavailable, resp.StatusCode)
	}

	c.logger.Debug("event stream opened", "url", c.baseURL+"/chat/events")
	return resp.Body, nil
}

func (c *Client) setCredentialHeaders(req *http.Request, creds *messaging.Credentials) {
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("X-Conversation-Id", creds.ConversationID)
}
