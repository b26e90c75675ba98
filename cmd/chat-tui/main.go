// ABOUTME: Terminal chat client for the chat-bridge server
// ABOUTME: Drives a conversation session over the bridge HTTP API

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/jrunrun/tableau-agentforce-custom-client/internal/client"
	"github.com/jrunrun/tableau-agentforce-custom-client/internal/session"
)

func main() {
	// Parse command line flags
	server := flag.String("server", "http://localhost:3001", "Bridge server URL")
	idleTimeout := flag.Duration("idle-timeout", 5*time.Minute, "End the conversation after this much inactivity")
	flag.Parse()

	fmt.Printf("chat-tui connected to %s\n", *server)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	// Setup context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *idleTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server string, idleTimeout time.Duration) error {
	transport := client.New(server, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sess := session.New(session.Config{
		Transport:   transport,
		IdleTimeout: idleTimeout,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	fmt.Print("Starting conversation... ")
	if err := sess.Start(ctx); err != nil {
		fmt.Println()
		return fmt.Errorf("starting conversation: %w", err)
	}
	color.Green("connected")
	fmt.Println()

	// Render session changes as they arrive
	renderCtx, stopRender := context.WithCancel(ctx)
	defer stopRender()
	go renderLoop(renderCtx, sess)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return endSession(sess)
		case err := <-errCh:
			if err == io.EOF {
				return endSession(sess)
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return endSession(sess)
		}

		if input == "/help" {
			printHelp()
			fmt.Println()
			continue
		}

		if input == "/status" {
			printStatus(sess.Snapshot())
			fmt.Println()
			continue
		}

		if input == "/end" {
			if err := endSession(sess); err != nil {
				fmt.Printf("[error] %v\n", err)
			} else {
				fmt.Println("Conversation ended.")
			}
			fmt.Println()
			continue
		}

		if input == "/new" {
			fmt.Print("Starting a new conversation... ")
			if err := sess.Start(ctx); err != nil {
				fmt.Println()
				fmt.Printf("[error] %v\n", err)
			} else {
				color.Green("connected")
			}
			fmt.Println()
			continue
		}

		if err := sess.Send(ctx, input); err != nil {
			fmt.Printf("[error] %v\n", err)
			fmt.Println()
		}
	}
}

// renderLoop prints assistant and system messages as the session applies
// them, plus typing and termination notices.
func renderLoop(ctx context.Context, sess *session.Session) {
	var printed int
	var typingShown bool
	lastStatus := session.StatusConnected

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Updates():
		}

		snap := sess.Snapshot()

		// A new Start resets the message log
		if printed > len(snap.Messages) {
			printed = 0
		}

		for _, msg := range snap.Messages[printed:] {
			switch msg.Role {
			case session.RoleAssistant:
				name := "Assistant"
				if snap.CurrentAgent != nil {
					name = snap.CurrentAgent.DisplayName
				}
				fmt.Printf("%s %s\n", color.CyanString(name+":"), msg.Text)
			case session.RoleSystem:
				color.HiBlack("-- %s --", msg.Text)
			}
			// User messages are already echoed by the prompt
		}
		printed = len(snap.Messages)

		if snap.PeerTyping && !typingShown {
			color.HiBlack("(typing...)")
		}
		typingShown = snap.PeerTyping

		if snap.Status != lastStatus {
			lastStatus = snap.Status
			if snap.Status == session.StatusTerminated && snap.LastError != "" {
				color.Red("[%s]", snap.LastError)
			}
		}
	}
}

// endSession closes the conversation, tolerating sessions that are already
// over.
func endSession(sess *session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return sess.Close(ctx)
}

func printStatus(snap session.State) {
	fmt.Printf("Status:   %s\n", snap.Status)
	fmt.Printf("Messages: %d\n", len(snap.Messages))
	if snap.CurrentAgent != nil {
		fmt.Printf("Agent:    %s\n", snap.CurrentAgent.DisplayName)
	}
	if snap.PeerTyping {
		fmt.Println("Peer is typing")
	}
	if snap.LastError != "" {
		fmt.Printf("Error:    %s\n", snap.LastError)
	}
}

// printHelp displays available commands.
func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new      End the current conversation and start a fresh one")
	fmt.Println("  /end      End the current conversation")
	fmt.Println("  /status   Show session status")
	fmt.Println("  /help     Show this help")
	fmt.Println("  /quit     Exit")
}
