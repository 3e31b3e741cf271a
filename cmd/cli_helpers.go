package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

// dialGateway connects to the running gateway's WebSocket endpoint,
// authenticating with the configured bearer token at upgrade time.
func dialGateway() (*websocket.Conn, error) {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	addr := cfg.Gateway.Addr
	if addr == "" {
		addr = "127.0.0.1:41241"
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}

	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w (is the server running?)", u.String(), err)
	}
	return conn, nil
}

// gatewayRPC sends one request over a fresh connection and returns the
// matching response, skipping any event frames pushed in between.
func gatewayRPC(method string, params interface{}) (*protocol.ResponseFrame, error) {
	conn, err := dialGateway()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return rpcOnConn(conn, method, params, 30*time.Second)
}

// rpcOnConn sends a request on an open connection and waits for its
// response.
func rpcOnConn(conn *websocket.Conn, method string, params interface{}, timeout time.Duration) (*protocol.ResponseFrame, error) {
	reqID := uuid.NewString()[:8]
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: method,
		Params: raw,
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		frameType, _ := protocol.ParseFrameType(msg)
		if frameType != protocol.FrameTypeResponse {
			continue
		}
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.ID != reqID {
			continue
		}
		return &resp, nil
	}
}

// requireOK exits with the response's error when the call failed.
func requireOK(resp *protocol.ResponseFrame, err error) *protocol.ResponseFrame {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !resp.OK {
		msg := "unknown error"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
		os.Exit(1)
	}
	return resp
}

// taskEvent is the decoded payload of a task.* event frame; only the
// fields the CLI prints.
type taskEvent struct {
	Kind   string `json:"kind"`
	TaskID string `json:"taskId"`
	Status struct {
		State   a2a.TaskState `json:"state"`
		Message *a2a.Message  `json:"message"`
	} `json:"status"`
	Final    bool         `json:"final"`
	Artifact a2a.Artifact `json:"artifact"`
	Current  int          `json:"current"`
	Total    int          `json:"total"`
	Parts    []a2a.Part   `json:"parts"`
}

// watchEvents reads event frames until the task's final status update or,
// with stopAtPause, an input-required status. Each event is printed as
// one line on stderr. Returns the last observed state.
func watchEvents(conn *websocket.Conn, stopAtPause bool) a2a.TaskState {
	var last a2a.TaskState
	conn.SetReadDeadline(time.Time{})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return last
		}
		frameType, _ := protocol.ParseFrameType(msg)
		if frameType != protocol.FrameTypeEvent {
			continue
		}
		var evt struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		var ev taskEvent
		json.Unmarshal(evt.Payload, &ev)

		switch evt.Event {
		case protocol.EventTaskStatus:
			last = ev.Status.State
			line := string(ev.Status.State)
			if ev.Status.Message != nil {
				if text := ev.Status.Message.Text(); text != "" {
					line += ": " + text
				}
			}
			fmt.Fprintf(os.Stderr, "  [%s]\n", line)
			if ev.Final {
				return last
			}
			if stopAtPause && ev.Status.State == a2a.TaskStateInputRequired {
				return last
			}
		case protocol.EventTaskProgress:
			fmt.Fprintf(os.Stderr, "  [progress] %d/%d\n", ev.Current, ev.Total)
		case protocol.EventTaskArtifact:
			fmt.Fprintf(os.Stderr, "  [artifact] %s\n", ev.Artifact.Name)
		case protocol.EventTaskMessage:
			var m a2a.Message
			if json.Unmarshal(evt.Payload, &m) == nil && m.Text() != "" {
				fmt.Fprintf(os.Stderr, "  %s\n", m.Text())
			}
		}
	}
}

// truncateCell shortens a table cell to the given display width. Width
// is terminal cells, not bytes, so wide runes survive intact.
func truncateCell(s string, width int) string {
	return runewidth.Truncate(s, width, "...")
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

// decodePayload re-marshals an RPC payload into a typed struct.
func decodePayload(payload interface{}, dst interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
