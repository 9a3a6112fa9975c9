package models

import "time"

// Bridge wire types. The native bridge accepts scripts and named function
// calls and emits game events over SSE; these mirror its JSON bodies.

// BridgeResult is the uniform response envelope of /script/exec and
// /script/call.
type BridgeResult struct {
	Success bool         `json:"success"`
	Result  any          `json:"result,omitempty"`
	Error   *BridgeError `json:"error,omitempty"`
}

// BridgeError carries the upstream error body unchanged.
type BridgeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *BridgeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Well-known bridge error codes.
const (
	BridgeCodeNetworkError    = "NETWORK_ERROR"
	BridgeCodeTimeout         = "TIMEOUT"
	BridgeCodeUnknownFunction = "UNKNOWN_FUNCTION"
	BridgeCodeScriptError     = "SCRIPT_ERROR"
)

// BridgeHealth is the /health response.
type BridgeHealth struct {
	BridgeUp bool   `json:"bridgeUp"`
	RemoteUp bool   `json:"remoteUp"`
	Uptime   int64  `json:"uptime"`
	Version  string `json:"version"`
}

// GameEvent is one record of the bridge's SSE event stream. IDs are not
// unique across reconnects; consumers de-duplicate turn-start events on ID.
type GameEvent struct {
	ID        int64          `json:"id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Turn      int            `json:"turn"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventTypeTurnStart is emitted by the game when a controlled player's turn
// begins. Payload carries PlayerID and Turn.
const EventTypeTurnStart = "TurnStart"

// EventTypeConnected is a synthetic event injected by the bridge client
// after an SSE reconnect; it is never emitted by the game itself.
const EventTypeConnected = "connected"
