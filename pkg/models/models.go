package models

import "time"

// Response is the uniform HTTP response envelope.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// SavedHost is a per-user saved SSH destination. SecretID, when set, points
// into the user's vault.
type SavedHost struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	SecretID  string    `json:"secret_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEvent is one line of the day-partitioned audit log.
type AuditEvent struct {
	TS        time.Time `json:"ts"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"` // "connect" or "disconnect"
	Host      string    `json:"host"`
	Port      int       `json:"port"`
}
