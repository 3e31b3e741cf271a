package methods

import (
	"context"
	"encoding/json"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/gateway"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

// MessageMethods handles message/send and message/stream. Both route
// through the agent engine; stream additionally forwards the task's
// events to the calling client.
type MessageMethods struct {
	engine      *agent.Engine
	rateLimiter *gateway.RateLimiter
}

func NewMessageMethods(engine *agent.Engine, rl *gateway.RateLimiter) *MessageMethods {
	return &MessageMethods{engine: engine, rateLimiter: rl}
}

// Register adds message methods to the router.
func (m *MessageMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodMessageSend, m.handleSend)
	router.Register(protocol.MethodMessageStream, m.handleStream)
}

func (m *MessageMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if !allow(m.rateLimiter, client) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrResourceExhausted, "rate limit exceeded"))
		return
	}

	var params a2a.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}

	if params.Configuration != nil && params.Configuration.Blocking {
		// Blocking sends wait for the task to settle; run off the read
		// pump so the client can keep issuing requests meanwhile.
		go m.sendBlocking(ctx, client, req.ID, &params.Message, historyLen(params.Configuration))
		return
	}

	d, err := m.engine.HandleMessage(ctx, &params.Message)
	if err != nil {
		client.SendResponse(errorResponse(req.ID, err, protocol.ErrInvalidRequest))
		return
	}
	m.respondSnapshot(ctx, client, req.ID, d.TaskID, historyLen(params.Configuration))
}

func (m *MessageMethods) handleStream(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if !allow(m.rateLimiter, client) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrResourceExhausted, "rate limit exceeded"))
		return
	}

	var params a2a.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}

	d, err := m.engine.HandleMessageStream(ctx, &params.Message)
	if err != nil {
		client.SendResponse(errorResponse(req.ID, err, protocol.ErrInvalidRequest))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"taskId":    d.TaskID,
		"contextId": d.ContextID,
	}))
	go func() {
		defer d.Close()
		gateway.ForwardTask(client, d.Events, true)
	}()
}

// sendBlocking dispatches the message, consumes the event stream until the
// task settles (terminal or paused for input), and responds with the final
// snapshot.
func (m *MessageMethods) sendBlocking(ctx context.Context, client *gateway.Client, reqID string, msg *a2a.Message, historyLength int) {
	d, err := m.engine.HandleMessageStream(ctx, msg)
	if err != nil {
		client.SendResponse(errorResponse(reqID, err, protocol.ErrInvalidRequest))
		return
	}
	defer d.Close()

	awaitSettle(d.Events, client.Done())
	m.respondSnapshot(ctx, client, reqID, d.TaskID, historyLength)
}

func (m *MessageMethods) respondSnapshot(ctx context.Context, client *gateway.Client, reqID, taskID string, historyLength int) {
	snap, err := m.engine.Handler().Store().Get(ctx, taskID)
	if err != nil {
		client.SendResponse(errorResponse(reqID, err, protocol.ErrInternal))
		return
	}
	if historyLength > 0 && len(snap.History) > historyLength {
		snap.History = snap.History[len(snap.History)-historyLength:]
	}
	client.SendResponse(protocol.NewOKResponse(reqID, snap))
}

func historyLen(cfg *a2a.SendConfiguration) int {
	if cfg == nil {
		return 0
	}
	return cfg.HistoryLength
}

// awaitSettle consumes events until a final status, an input-required
// pause, the stream closing, or the client disconnecting.
func awaitSettle(events <-chan bus.Envelope, done <-chan struct{}) {
	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			if st, ok := env.Event.(*a2a.TaskStatusUpdateEvent); ok {
				if st.Final || st.Status.State == a2a.TaskStateInputRequired {
					return
				}
			}
		case <-done:
			return
		}
	}
}
