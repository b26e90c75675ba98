// ABOUTME: HTTP bridge server between the browser chat UI and the messaging backend.
// ABOUTME: Owns the server lifecycle, routing, CORS, and health endpoints.

package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jrunrun/tableau-agentforce-custom-client/internal/config"
	"github.com/jrunrun/tableau-agentforce-custom-client/internal/messaging"
)

// Upstream is the messaging surface the bridge forwards to.
type Upstream interface {
	Initialize(ctx context.Context) (*messaging.Credentials, error)
	Send(ctx context.Context, creds *messaging.Credentials, text string) error
	End(ctx context.Context, creds *messaging.Credentials) error
	OpenEvents(ctx context.Context, token string) (io.ReadCloser, error)
}

// Bridge terminates browser HTTP requests and forwards them upstream. It
// holds no conversation state; credentials travel with each request.
type Bridge struct {
	config     *config.Config
	logger     *slog.Logger
	upstream   Upstream
	httpServer *http.Server
}

// New creates a bridge from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	b := &Bridge{
		config:   cfg,
		logger:   logger.With("component", "bridge"),
		upstream: messaging.NewClient(cfg.Salesforce, logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/chat/initialize", b.handleInitialize)
	mux.HandleFunc("/chat/message", b.handleSendMessage)
	mux.HandleFunc("/chat/end", b.handleEnd)
	mux.HandleFunc("/chat/events", b.handleEvents)

	b.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           b.withCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return b, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := b.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		b.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := b.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (b *Bridge) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server. In-flight event relays are
// interrupted when their connections close.
func (b *Bridge) Shutdown(ctx context.Context) error {
	return b.httpServer.Shutdown(ctx)
}

// handleHealth returns 200 OK if the server is alive.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// withCORS wraps the mux with origin handling for the browser client.
func (b *Bridge) withCORS(next http.Handler) http.Handler {
	allowed := b.config.Server.AllowedOrigin
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && (allowed == "*" || allowed == origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Conversation-Id")
			// Credentials only for explicit origins. Echoing a wildcard
			// match with Allow-Credentials enables CSRF.
			if allowed != "*" {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
