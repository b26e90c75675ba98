// ABOUTME: Server-Sent Events wire decoder for the relayed conversation stream.
// ABOUTME: Parses event/data/id framing and tracks stream readiness.

package sse

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// Event is a single decoded Server-Sent Event.
type Event struct {
	Type string
	Data string
	ID   string
}

// Decoder reads discrete events off an SSE byte stream, preserving arrival
// order. It is not safe for concurrent use.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r in an SSE decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Individual events can exceed the default 64K token limit
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next complete event from the stream. It returns io.EOF
// when the stream ends cleanly, or the underlying read error otherwise.
// Events with no data lines (heartbeats) are delivered with empty Data.
func (d *Decoder) Next() (Event, error) {
	var evt Event
	var dataLines []string
	sawField := false

	for d.scanner.Scan() {
		line := d.scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if sawField {
				evt.Data = strings.Join(dataLines, "\n")
				return evt, nil
			}
			continue
		}

		// Comment line, per the SSE spec
		if strings.HasPrefix(line, ":") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			evt.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			sawField = true
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			sawField = true
		case strings.HasPrefix(line, "id:"):
			evt.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			sawField = true
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}

	// Stream ended mid-event: deliver what we have
	if sawField {
		evt.Data = strings.Join(dataLines, "\n")
		return evt, nil
	}

	return Event{}, io.EOF
}

// ReadyState describes the stream's connection readiness.
type ReadyState int

const (
	// Connecting means the transport has not yet delivered a response.
	Connecting ReadyState = iota
	// Open means the event source accepted the connection.
	Open
	// Closed means the stream has ended, by either side.
	Closed
)

// String returns the readiness name.
func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Stream couples a decoder with the underlying body and a tri-state
// readiness. The state becomes Open as soon as the stream is constructed
// from an accepted response, and Closed on EOF, read error, or Close -
// independent of whether any events have arrived.
type Stream struct {
	decoder *Decoder
	body    io.ReadCloser

	mu    sync.Mutex
	state ReadyState
}

// NewStream wraps an accepted event-stream response body. The stream starts
// in the Open state because construction implies the transport handshake
// already succeeded.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{
		decoder: NewDecoder(body),
		body:    body,
		state:   Open,
	}
}

// ReadyState returns the current readiness.
func (s *Stream) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Next returns the next event. Any error, including io.EOF, transitions the
// stream to Closed.
func (s *Stream) Next() (Event, error) {
	evt, err := s.decoder.Next()
	if err != nil {
		s.setClosed()
	}
	return evt, err
}

// Close tears down the underlying body. Safe to call more than once.
func (s *Stream) Close() error {
	s.setClosed()
	return s.body.Close()
}

func (s *Stream) setClosed() {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
}
