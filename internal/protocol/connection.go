// Package protocol defines the boundary between the runtime layer and
// protocol implementations. No business identifiers (workspace id, agent id)
// cross this boundary: the runtime hands a protocol implementation an
// AgentHost that carries them implicitly, and receives an AgentConnection
// to drive the agent.
package protocol

import "context"

// AdapterCommand specifies how to launch an adapter subprocess.
//
// Env entries overlay the inherited process environment rather than
// replacing it, so adapters keep PATH, HOME, and platform locators and can
// find their own credentials. An empty value is meaningful: it clears a
// variable to force an interactive login flow.
type AdapterCommand struct {
	Path string
	Args []string
	Env  map[string]string
}

// AgentConnection is the runtime-facing capability set of a connected agent.
type AgentConnection interface {
	// SendPrompt fires session/prompt and returns when the agent completes
	// the turn, reporting the stop reason. Streaming updates arrive on the
	// AgentHost before this returns.
	SendPrompt(ctx context.Context, sessionID string, text string) (stopReason string, err error)

	// CancelTurn fires the cancel notification. Idempotent; never blocks
	// on agent acknowledgement.
	CancelTurn(sessionID string) error

	// Shutdown closes stdin (EOF to the agent), waits bounded for exit,
	// escalates to kill, and joins the reader goroutines. Always releases
	// the process.
	Shutdown(ctx context.Context) error
}
