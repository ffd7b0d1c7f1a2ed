package gateway

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of the gateway connection.
type State string

const (
	// StateStopped means no gateway process is running.
	StateStopped State = "stopped"
	// StateStarting means the process is launching or the handshake is in
	// progress.
	StateStarting State = "starting"
	// StateRunning means the process is up and the session is authenticated.
	StateRunning State = "running"
	// StateDegraded means the process is up but the connection dropped and
	// reconnection is in progress.
	StateDegraded State = "degraded"
	// StateError means startup or authentication failed and no recovery is
	// in progress.
	StateError State = "error"
)

// Status is a point-in-time snapshot of the gateway.
type Status struct {
	State     State `json:"state"`
	Connected bool  `json:"connected"`
	PID       int   `json:"pid"`
}

// Event is a gateway-originated event forwarded to listeners.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatMessage is a conversation message, either an in-progress delta or
// the final content.
type ChatMessage struct {
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}
