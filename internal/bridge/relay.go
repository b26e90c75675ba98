// ABOUTME: Byte-for-byte relay of the upstream event stream to the browser.
// ABOUTME: Forwards raw SSE bytes with flush-through; no event parsing or buffering.

package bridge

import (
	"net/http"
)

// handleEvents handles GET /chat/events requests. It opens exactly one
// upstream stream per request and copies its bytes through unmodified so
// the browser's EventSource sees the upstream framing as-is.
//
// The upstream stream is bound to the request context: when the browser
// disconnects, the upstream connection is torn down, and when the upstream
// ends, the response ends with it.
func (b *Bridge) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		b.sendJSONError(w, http.StatusBadRequest, "token is required")
		return
	}

	// Check streaming support before connecting upstream (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		b.logger.Error("streaming not supported")
		b.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	upstream, err := b.upstream.OpenEvents(r.Context(), token)
	if err != nil {
		b.logger.Error("failed to open event stream", "error", err)
		b.sendJSONError(w, http.StatusBadGateway, "failed to connect to event stream")
		return
	}
	defer upstream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	b.logger.Info("event stream relay opened", "remote_addr", r.RemoteAddr)

	// Flush after every read so partial events reach the browser without
	// delay. Buffering here would stall typing indicators.
	buf := make([]byte, 4096)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				b.logger.Debug("client disconnected from event stream")
				return
			}
			flusher.Flush()
		}
		if err != nil {
			b.logger.Info("upstream event stream ended", "error", err)
			return
		}
	}
}
