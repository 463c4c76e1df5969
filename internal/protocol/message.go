package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all terminal channel frames.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Encode marshals a message built from msgType and payload.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Server → Client message types.
const (
	TypeSessionReady = "session.ready"
	TypeOutput       = "pty-output"
	TypeExit         = "exit"
	TypeError        = "error"
)

// Client → Server message types.
const (
	TypeInput  = "input"
	TypeResize = "resize"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrSpawnFailed       = "SPAWN_FAILED"
)

// Server → Client payloads.

type SessionReadyPayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type OutputPayload struct {
	Data string `json:"data"`
}

type ExitPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// InputPayload carries keystrokes. Encoding is empty for UTF-8 text and
// EncodingBase64 for raw bytes that are not valid UTF-8.
type InputPayload struct {
	Data     string `json:"data"`
	Encoding string `json:"encoding,omitempty"`
}

// ResizePayload uses int so that out-of-range values are caught by
// validation instead of failing to decode.
type ResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}
