package methods

import (
	"errors"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/gateway"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

// errorResponse maps domain errors onto protocol error codes. Unrecognized
// errors get the fallback code, which callers choose by surface: routing
// methods fall back to INVALID_REQUEST, task operations to INTERNAL.
func errorResponse(reqID string, err error, fallback string) *protocol.ResponseFrame {
	var (
		ve  *workflow.ValidationError
		rse *workflow.ResumeStateError
	)
	switch {
	case errors.As(err, &ve):
		resp := protocol.NewErrorResponse(reqID, protocol.ErrValidationFailed, ve.Error())
		resp.Error.Details = ve.Fields
		return resp
	case errors.As(err, &rse):
		return protocol.NewErrorResponse(reqID, protocol.ErrFailedPrecondition, err.Error())
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, workflow.ErrUnknownPlugin),
		errors.Is(err, workflow.ErrNoActiveWorkflow):
		return protocol.NewErrorResponse(reqID, protocol.ErrNotFound, err.Error())
	case errors.Is(err, task.ErrNotCancelable),
		errors.Is(err, workflow.ErrAdvanceInFlight):
		return protocol.NewErrorResponse(reqID, protocol.ErrFailedPrecondition, err.Error())
	default:
		return protocol.NewErrorResponse(reqID, fallback, err.Error())
	}
}

// allow applies the shared rate limiter to a client, keyed by peer host.
func allow(rl *gateway.RateLimiter, client *gateway.Client) bool {
	return rl == nil || rl.Allow(client.RateKey())
}
