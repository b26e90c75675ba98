// ABOUTME: Conversation session state machine for the web chat bridge.
// ABOUTME: Owns credentials, the event stream reader, and the idle-timeout timer.

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jrunrun/tableau-agentforce-custom-client/internal/messaging"
	"github.com/jrunrun/tableau-agentforce-custom-client/internal/sse"
)

// Status describes the session lifecycle state.
type Status string

const (
	// StatusIdle means no credentials and no stream. Initial state.
	StatusIdle Status = "idle"
	// StatusConnecting means initialization is in flight.
	StatusConnecting Status = "connecting"
	// StatusConnected means the event stream is open.
	StatusConnected Status = "connected"
	// StatusTerminated means the session ended: explicit close, idle
	// timeout, or stream failure. Only Start leaves this state.
	StatusTerminated Status = "terminated"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single conversation entry. The messages list is append-only
// and its order is the arrival order of accepted events.
type Message struct {
	ID        string
	Role      string
	Text      string
	Timestamp time.Time
}

// Participant identifies the bot or human agent currently in the chat.
type Participant struct {
	DisplayName string
	Role        string
}

// State is the aggregate conversation state handed to renderers.
// AwaitingReply holds between a user send and the next assistant message
// or send failure. Connected tracks event-stream readiness, not message
// traffic.
type State struct {
	Status        Status
	Messages      []Message
	Connected     bool
	AwaitingReply bool
	PeerTyping    bool
	CurrentAgent  *Participant
	LastError     string
}

// Transport is the upstream surface the session drives. Implemented by
// messaging.Client (direct) and client.Client (through the bridge relay).
type Transport interface {
	Initialize(ctx context.Context) (*messaging.Credentials, error)
	Send(ctx context.Context, creds *messaging.Credentials, text string) error
	End(ctx context.Context, creds *messaging.Credentials) error
	OpenEvents(ctx context.Context, token string) (io.ReadCloser, error)
}

const defaultIdleTimeout = 5 * time.Minute

// Config holds session dependencies.
type Config struct {
	Transport   Transport
	IdleTimeout time.Duration // zero means the 5 minute default
	Logger      *slog.Logger
}

// Session owns one conversation's state. All state mutations are
// serialized through a single mutex; events from a superseded stream and
// stale idle-timer callbacks are discarded by a generation check before
// any mutation.
type Session struct {
	transport   Transport
	idleTimeout time.Duration
	logger      *slog.Logger

	mu           sync.Mutex
	state        State
	creds        *messaging.Credentials
	gen          int
	stream       *sse.Stream
	cancelStream context.CancelFunc
	idleTimer    *time.Timer

	updates chan struct{}
}

// New creates a session in the idle state.
func New(cfg Config) *Session {
	timeout := cfg.IdleTimeout
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		transport:   cfg.Transport,
		idleTimeout: timeout,
		logger:      logger.With("component", "session"),
		state:       State{Status: StatusIdle},
		updates:     make(chan struct{}, 1),
	}
}

// Updates returns a coalesced notification channel: a receive means the
// state changed since the last Snapshot.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Snapshot returns a copy of the current conversation state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.state
	snap.Messages = make([]Message, len(s.state.Messages))
	copy(snap.Messages, s.state.Messages)
	if s.state.CurrentAgent != nil {
		agent := *s.state.CurrentAgent
		snap.CurrentAgent = &agent
	}
	return snap
}

// Start begins a new conversation, discarding any existing one first. The
// prior stream is closed before the new session state is initialized, so
// no event from it can be applied afterwards. On failure the session is
// left disconnected; there is no automatic retry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.teardownLocked()
	s.state = State{Status: StatusConnecting}
	s.notifyLocked()
	s.mu.Unlock()

	creds, err := s.transport.Initialize(ctx)
	if err != nil {
		s.failStart(gen, StatusIdle, "failed to start chat")
		return err
	}

	// The stream outlives this call; its lifetime is bound to the session
	// generation, not the Start context.
	streamCtx, cancel := context.WithCancel(context.Background())
	body, err := s.transport.OpenEvents(streamCtx, creds.AccessToken)
	if err != nil {
		cancel()
		s.failStart(gen, StatusTerminated, "failed to connect to event stream")
		return err
	}
	stream := sse.NewStream(body)

	s.mu.Lock()
	if s.gen != gen {
		// A newer Start superseded us while we were connecting
		s.mu.Unlock()
		cancel()
		_ = stream.Close()
		return nil
	}
	s.creds = creds
	s.stream = stream
	s.cancelStream = cancel
	s.state.Status = StatusConnected
	s.state.Connected = stream.ReadyState() == sse.Open
	s.resetIdleLocked(gen)
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info("session started", "conversation_id", creds.ConversationID)

	go s.readLoop(stream, gen)
	return nil
}

// failStart records a failed Start unless a newer generation took over.
func (s *Session) failStart(gen int, status Status, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.state.Status = status
	s.state.Connected = false
	s.state.LastError = msg
	s.notifyLocked()
}

// Send dispatches a user message. The message is appended optimistically;
// a dispatch failure removes exactly that message again, clears
// AwaitingReply, and surfaces the error. Overlapping sends are not
// serialized here - callers get ordering by awaiting each call.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.creds == nil {
		s.mu.Unlock()
		return errors.New("session: no active conversation")
	}
	creds := s.creds
	gen := s.gen
	msg := Message{
		ID:        strings.ToLower(uuid.New().String()),
		Role:      RoleUser,
		Text:      text,
		Timestamp: time.Now(),
	}
	s.state.Messages = append(s.state.Messages, msg)
	s.state.AwaitingReply = true
	s.state.LastError = ""
	s.resetIdleLocked(gen)
	s.notifyLocked()
	s.mu.Unlock()

	if err := s.transport.Send(ctx, creds, text); err != nil {
		s.rollbackSend(gen, msg.ID)
		return err
	}
	return nil
}

// rollbackSend inverts the optimistic append of the message with the given id.
func (s *Session) rollbackSend(gen int, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	kept := s.state.Messages[:0]
	for _, m := range s.state.Messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	s.state.Messages = kept
	s.state.AwaitingReply = false
	s.state.LastError = "failed to send message"
	s.notifyLocked()
}

// Close ends the conversation explicitly. The upstream end call happens
// first; if it fails the error is surfaced and local state is kept, like
// any other dispatch failure.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()
	if creds == nil {
		return nil
	}

	if err := s.transport.End(ctx, creds); err != nil {
		s.mu.Lock()
		s.state.LastError = "failed to close chat"
		s.notifyLocked()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.gen++
	s.teardownLocked()
	s.state = State{Status: StatusTerminated}
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info("session closed", "conversation_id", creds.ConversationID)
	return nil
}

// readLoop drains the event stream and applies each event, until the
// stream closes or the generation is superseded.
func (s *Session) readLoop(stream *sse.Stream, gen int) {
	for {
		evt, err := stream.Next()
		if err != nil {
			s.streamClosed(gen, err)
			return
		}
		s.handleEvent(gen, evt)
	}
}

// streamClosed handles the stream ending from the upstream side.
func (s *Session) streamClosed(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.gen++
	s.teardownLocked()
	s.state.Status = StatusTerminated
	s.state.Connected = false
	s.state.PeerTyping = false
	s.state.AwaitingReply = false
	if err != nil && !errors.Is(err, io.EOF) {
		s.state.LastError = "connection to event stream lost"
		s.logger.Error("event stream failed", "error", err)
	} else {
		s.logger.Info("event stream closed by upstream")
	}
	s.notifyLocked()
}

// handleEvent maps one decoded event onto a state transition. Malformed
// payloads are logged and dropped; the stream stays up.
func (s *Session) handleEvent(gen int, evt sse.Event) {
	switch evt.Type {
	case EventConversationMessage:
		msg, ok, err := parseAssistantMessage(evt.Data)
		if err != nil {
			s.logger.Warn("dropping malformed conversation message", "error", err)
			return
		}
		if !ok {
			return
		}
		s.mu.Lock()
		if s.liveLocked(gen) {
			s.state.Messages = append(s.state.Messages, msg)
			s.state.PeerTyping = false
			s.state.AwaitingReply = false
			s.state.Connected = true
			s.resetIdleLocked(gen)
			s.notifyLocked()
		}
		s.mu.Unlock()

	case EventParticipantChanged:
		changes, err := parseParticipantChanges(evt.Data)
		if err != nil {
			s.logger.Warn("dropping malformed participant change", "error", err)
			return
		}
		s.mu.Lock()
		if s.liveLocked(gen) {
			s.applyParticipantChangesLocked(changes)
			s.notifyLocked()
		}
		s.mu.Unlock()

	case EventTypingStarted:
		s.mu.Lock()
		if s.liveLocked(gen) {
			s.state.PeerTyping = true
			s.resetIdleLocked(gen)
			s.notifyLocked()
		}
		s.mu.Unlock()

	case EventTypingStopped:
		s.mu.Lock()
		if s.liveLocked(gen) {
			s.state.PeerTyping = false
			s.notifyLocked()
		}
		s.mu.Unlock()

	default:
		s.logger.Debug("ignoring event", "type", evt.Type)
	}
}

// applyParticipantChangesLocked applies join/leave entries. Note the
// asymmetric role matching: "add" compares case-insensitively against the
// bot role, "remove" requires the literal role tag "agent".
func (s *Session) applyParticipantChangesLocked(changes []participantChange) {
	for _, ch := range changes {
		switch {
		case ch.Operation == "add" && strings.EqualFold(ch.Participant.Role, botRole):
			s.state.CurrentAgent = &Participant{
				DisplayName: ch.DisplayName,
				Role:        ch.Participant.Role,
			}
			s.appendSystemLocked(ch.DisplayName + " has joined the chat")
		case ch.Operation == "remove" && ch.Participant.Role == removedAgentRole:
			s.state.CurrentAgent = nil
			s.appendSystemLocked(ch.DisplayName + " has left the chat")
		}
	}
}

// expireIdle is the idle-timer callback. Guarded on the generation and on
// credentials still being present, so a racing Close or Start makes it a
// no-op. Local termination proceeds even if the upstream end call fails.
func (s *Session) expireIdle(gen int) {
	s.mu.Lock()
	if s.gen != gen || s.creds == nil || !s.state.Connected {
		s.mu.Unlock()
		return
	}
	creds := s.creds
	s.gen++
	s.teardownLocked()
	s.state.Status = StatusTerminated
	s.state.Connected = false
	s.state.AwaitingReply = false
	s.state.PeerTyping = false
	s.appendSystemLocked("Chat ended due to inactivity")
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info("session ended by idle timeout", "conversation_id", creds.ConversationID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.End(ctx, creds); err != nil {
		s.logger.Warn("upstream end after idle timeout failed", "error", err)
	}
}

// liveLocked reports whether events for the given generation may still
// mutate state.
func (s *Session) liveLocked(gen int) bool {
	return s.gen == gen && s.creds != nil
}

// resetIdleLocked re-arms the idle timer for the given generation.
func (s *Session) resetIdleLocked(gen int) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		s.expireIdle(gen)
	})
}

// teardownLocked releases the stream, timer, and credentials. Callers bump
// the generation first so in-flight callbacks see themselves as stale.
func (s *Session) teardownLocked() {
	if s.cancelStream != nil {
		s.cancelStream()
		s.cancelStream = nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.creds = nil
}

func (s *Session) appendSystemLocked(text string) {
	s.state.Messages = append(s.state.Messages, Message{
		ID:        strings.ToLower(uuid.New().String()),
		Role:      RoleSystem,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// notifyLocked signals Updates without blocking; pending notifications
// coalesce.
func (s *Session) notifyLocked() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
