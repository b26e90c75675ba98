// ABOUTME: Conversation event taxonomy and payload decoding for the relayed stream.
// ABOUTME: Maps upstream SSE event types onto typed state transitions.

package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types delivered by the upstream event router. Exact and
// case-sensitive - anything else on the stream is ignored.
const (
	EventConversationMessage = "CONVERSATION_MESSAGE"
	EventParticipantChanged  = "CONVERSATION_PARTICIPANT_CHANGED"
	EventTypingStarted       = "CONVERSATION_TYPING_STARTED_INDICATOR"
	EventTypingStopped       = "CONVERSATION_TYPING_STOPPED_INDICATOR"
)

// botRole is matched case-insensitively against message sender roles and
// participant "add" roles.
const botRole = "chatbot"

// removedAgentRole is matched with exact case against participant "remove"
// roles. The asymmetry with botRole matching is part of the upstream
// contract and is preserved deliberately.
const removedAgentRole = "agent"

// conversationEventEnvelope is the outer JSON shape of message and
// participant events.
type conversationEventEnvelope struct {
	ConversationEntry conversationEntry `json:"conversationEntry"`
}

type conversationEntry struct {
	Sender          entrySender `json:"sender"`
	EntryPayload    string      `json:"entryPayload"`
	ClientTimestamp int64       `json:"clientTimestamp"`
}

type entrySender struct {
	Role string `json:"role"`
}

// messageEntryPayload is the JSON-encoded inner payload of a
// CONVERSATION_MESSAGE entry.
type messageEntryPayload struct {
	AbstractMessage abstractMessage `json:"abstractMessage"`
}

type abstractMessage struct {
	ID            string               `json:"id"`
	StaticContent staticMessageContent `json:"staticContent"`
}

type staticMessageContent struct {
	Text string `json:"text"`
}

// participantEntryPayload is the JSON-encoded inner payload of a
// CONVERSATION_PARTICIPANT_CHANGED entry.
type participantEntryPayload struct {
	Entries []participantChange `json:"entries"`
}

type participantChange struct {
	Operation   string         `json:"operation"`
	DisplayName string         `json:"displayName"`
	Participant participantRef `json:"participant"`
}

type participantRef struct {
	Role string `json:"role"`
}

// parseAssistantMessage decodes a CONVERSATION_MESSAGE event payload.
// Returns ok=false when the sender is not the bot - those entries (echoes
// of the user's own messages, routing notices) produce no state change.
func parseAssistantMessage(data string) (Message, bool, error) {
	var env conversationEventEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return Message{}, false, fmt.Errorf("decoding conversation event: %w", err)
	}

	if !strings.EqualFold(env.ConversationEntry.Sender.Role, botRole) {
		return Message{}, false, nil
	}

	var payload messageEntryPayload
	if err := json.Unmarshal([]byte(env.ConversationEntry.EntryPayload), &payload); err != nil {
		return Message{}, false, fmt.Errorf("decoding message entry payload: %w", err)
	}
	if payload.AbstractMessage.ID == "" {
		return Message{}, false, fmt.Errorf("message entry payload has no id")
	}

	ts := time.Now()
	if ms := env.ConversationEntry.ClientTimestamp; ms > 0 {
		ts = time.UnixMilli(ms)
	}

	return Message{
		ID:        payload.AbstractMessage.ID,
		Role:      RoleAssistant,
		Text:      payload.AbstractMessage.StaticContent.Text,
		Timestamp: ts,
	}, true, nil
}

// parseParticipantChanges decodes a CONVERSATION_PARTICIPANT_CHANGED event
// payload into its list of change entries.
func parseParticipantChanges(data string) ([]participantChange, error) {
	var env conversationEventEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("decoding participant event: %w", err)
	}

	var payload participantEntryPayload
	if err := json.Unmarshal([]byte(env.ConversationEntry.EntryPayload), &payload); err != nil {
		return nil, fmt.Errorf("decoding participant entry payload: %w", err)
	}

	return payload.Entries, nil
}
