package event

// SessionOpenedEvent fires after a session finishes its build and is
// registered in the session map.
type SessionOpenedEvent struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Host      string `json:"host"`
}

func (SessionOpenedEvent) EventName() string { return "session.opened" }

// SessionClosedEvent fires once per session, from the idempotent close path.
type SessionClosedEvent struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

func (SessionClosedEvent) EventName() string { return "session.closed" }

// ForwardStateEvent fires when a forwarder binds or fails after the session
// is live.
type ForwardStateEvent struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"` // "L", "R" or "D"
	Bind      string `json:"bind"`
	Error     string `json:"error,omitempty"`
}

func (ForwardStateEvent) EventName() string { return "forward.state" }

// VaultLockedEvent fires when an unlock token is explicitly removed.
type VaultLockedEvent struct {
	UserID string `json:"user_id"`
}

func (VaultLockedEvent) EventName() string { return "vault.locked" }
