package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		message   string
		contextID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent interactively or send a one-shot message",
		Long: `Chat with the agent through the running server. Each turn runs as a
task; the conversation shares one context id so the agent keeps history.

Examples:
  vibekit chat                          # Interactive REPL
  vibekit chat -m "What can you do?"    # One-shot message
  vibekit chat -c my-context            # Continue a conversation`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(message, contextID)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&contextID, "context", "c", "", "context id (default: fresh conversation)")
	return cmd
}

func runChat(message, contextID string) {
	conn, err := dialGateway()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if message != "" {
		reply, _, err := chatTurn(conn, contextID, message)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", formatChatError(err))
			os.Exit(1)
		}
		fmt.Println(reply)
		return
	}

	fmt.Fprintln(os.Stderr, "\nvibekit chat")
	fmt.Fprintln(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh conversation")
	fmt.Fprintln(os.Stderr, "")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			contextID = ""
			fmt.Fprintln(os.Stderr, "New conversation started")
			continue
		}

		reply, ctxID, err := chatTurn(conn, contextID, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n\n", formatChatError(err))
			continue
		}
		contextID = ctxID
		fmt.Printf("\n%s\n\n", reply)
	}
}

// chatTurn sends one blocking message/send and returns the agent's reply
// text and the context id the turn ran under.
func chatTurn(conn *websocket.Conn, contextID, text string) (string, string, error) {
	params := a2a.MessageSendParams{
		Message: a2a.Message{
			Kind:      "message",
			MessageID: uuid.NewString(),
			Role:      a2a.RoleUser,
			ContextID: contextID,
			Parts:     []a2a.Part{a2a.TextPart(text)},
		},
		Configuration: &a2a.SendConfiguration{Blocking: true},
	}

	resp, err := rpcOnConn(conn, protocol.MethodMessageSend, params, 5*time.Minute)
	if err != nil {
		return "", "", err
	}
	if !resp.OK {
		msg := "request failed"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return "", "", fmt.Errorf("%s", msg)
	}

	var snap a2a.Task
	if err := decodePayload(resp.Payload, &snap); err != nil {
		return "", "", fmt.Errorf("parse task snapshot: %w", err)
	}

	if snap.Status.State == a2a.TaskStateFailed {
		msg := "task failed"
		if snap.Status.Message != nil && snap.Status.Message.Text() != "" {
			msg = snap.Status.Message.Text()
		}
		return "", snap.ContextID, fmt.Errorf("%s", msg)
	}

	reply := ""
	if snap.Status.Message != nil {
		reply = snap.Status.Message.Text()
	}
	if reply == "" {
		// Fall back to the last agent message in history.
		for i := len(snap.History) - 1; i >= 0; i-- {
			if snap.History[i].Role == a2a.RoleAgent && snap.History[i].Text() != "" {
				reply = snap.History[i].Text()
				break
			}
		}
	}
	return reply, snap.ContextID, nil
}

// formatChatError maps raw provider errors onto short actionable messages.
// Raw API payloads are never shown.
func formatChatError(err error) string {
	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "429", "quota exceeded"):
		return "API rate limit reached. Please try again later."
	case containsAny(lower, "context length", "maximum context", "prompt is too long", "request_too_large"):
		return "Context overflow. Use /new to start a fresh conversation."
	case containsAny(lower, "invalid api key", "unauthorized", "authentication", "401", "403"):
		return "Authentication error. Check your provider API key configuration."
	case containsAny(lower, "billing", "insufficient credits", "payment required", "402"):
		return "API billing error. Check your provider's billing dashboard."
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return "Request timed out. Please try again."
	case strings.Contains(lower, "overloaded"):
		return "The model service is temporarily overloaded. Please try again in a moment."
	}
	return err.Error()
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
