// ABOUTME: HTTP API handlers for starting, messaging, and ending chat conversations.
// ABOUTME: Maps upstream failures onto JSON error responses with bridge status codes.

package bridge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jrunrun/tableau-agentforce-custom-client/internal/messaging"
)

// InitializeResponse is the JSON response for GET /chat/initialize. The
// browser holds these credentials and presents them on every later call.
type InitializeResponse struct {
	AccessToken    string `json:"accessToken"`
	ConversationID string `json:"conversationId"`
	LastEventID    string `json:"lastEventId"`
}

// SendMessageRequest is the JSON request body for POST /chat/message.
type SendMessageRequest struct {
	Message string `json:"message"`
}

// handleInitialize handles GET /chat/initialize requests. It exchanges
// credentials upstream and creates a fresh conversation.
func (b *Bridge) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	creds, err := b.upstream.Initialize(r.Context())
	if err != nil {
		b.logger.Error("failed to initialize conversation", "error", err)
		b.sendJSONError(w, http.StatusBadGateway, "failed to initialize conversation")
		return
	}

	b.logger.Info("conversation initialized", "conversation_id", creds.ConversationID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(InitializeResponse{
		AccessToken:    creds.AccessToken,
		ConversationID: creds.ConversationID,
		LastEventID:    creds.LastEventID,
	})
}

// handleSendMessage handles POST /chat/message requests. Credentials come
// from the Authorization and X-Conversation-Id headers; the body carries
// only the message text.
func (b *Bridge) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	creds, err := credentialsFromRequest(r)
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := parseSendRequest(r.Body)
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := b.upstream.Send(r.Context(), creds, req.Message); err != nil {
		b.logger.Error("failed to send message", "conversation_id", creds.ConversationID, "error", err)
		b.sendJSONError(w, http.StatusBadGateway, "failed to send message")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleEnd handles POST /chat/end requests.
func (b *Bridge) handleEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	creds, err := credentialsFromRequest(r)
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := b.upstream.End(r.Context(), creds); err != nil {
		b.logger.Error("failed to end conversation", "conversation_id", creds.ConversationID, "error", err)
		b.sendJSONError(w, http.StatusBadGateway, "failed to end conversation")
		return
	}

	b.logger.Info("conversation ended", "conversation_id", creds.ConversationID)
	w.WriteHeader(http.StatusNoContent)
}

// credentialsFromRequest extracts conversation credentials from request
// headers. Both the bearer token and the conversation id are required.
func credentialsFromRequest(r *http.Request) (*messaging.Credentials, error) {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token == auth {
		return nil, errors.New("bearer token is required")
	}

	conversationID := r.Header.Get("X-Conversation-Id")
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	return &messaging.Credentials{
		AccessToken:    token,
		ConversationID: conversationID,
	}, nil
}

// parseSendRequest parses and validates a SendMessageRequest from the given
// reader. Returns an error if the JSON is invalid or the message is missing.
func parseSendRequest(r io.Reader) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.Message == "" {
		return nil, errors.New("message is required")
	}

	return &req, nil
}

// sendJSONError writes a JSON error response.
func (b *Bridge) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
