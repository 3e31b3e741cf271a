// Package methods implements the gateway RPC method sets: message routing
// through the agent engine, task queries and cancelation, and direct
// workflow control. Each set is a struct registered onto the method
// router.
package methods

import (
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/gateway"
)

// RegisterAll wires every method set onto the gateway's router.
func RegisterAll(srv *gateway.Server, engine *agent.Engine) {
	router := srv.Router()
	limiter := srv.Limiter()
	NewMessageMethods(engine, limiter).Register(router)
	NewTaskMethods(engine.Handler()).Register(router)
	NewWorkflowMethods(engine.Handler(), limiter).Register(router)
}
