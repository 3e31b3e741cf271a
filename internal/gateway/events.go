package gateway

import (
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

// TaskEventFrame converts a bus envelope into the event frame pushed to
// WebSocket clients. The second return is true on the task's final status
// update, after which no further events follow.
func TaskEventFrame(env bus.Envelope) (protocol.EventFrame, bool) {
	frame := protocol.EventFrame{
		Type:    protocol.FrameTypeEvent,
		Seq:     env.Seq,
		Payload: env.Event,
	}
	switch ev := env.Event.(type) {
	case *a2a.TaskStatusUpdateEvent:
		frame.Event = protocol.EventTaskStatus
		return frame, ev.Final
	case *a2a.TaskArtifactUpdateEvent:
		frame.Event = protocol.EventTaskArtifact
	case *a2a.TaskProgressUpdateEvent:
		frame.Event = protocol.EventTaskProgress
	default:
		// Messages (dispatch acks, notifications) and anything new.
		frame.Event = protocol.EventTaskMessage
	}
	return frame, false
}

// ForwardTask streams a subscription's events to one client until the
// final status update, the stream closing, or the client disconnecting.
// With stopAtPause set, an input-required status also ends the stream;
// message streaming uses that, resubscription watches through pauses.
func ForwardTask(client *Client, events <-chan bus.Envelope, stopAtPause bool) {
	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			frame, final := TaskEventFrame(env)
			client.SendEvent(frame)
			if final {
				return
			}
			if stopAtPause {
				if st, ok := env.Event.(*a2a.TaskStatusUpdateEvent); ok && st.Status.State == a2a.TaskStateInputRequired {
					return
				}
			}
		case <-client.Done():
			return
		}
	}
}
