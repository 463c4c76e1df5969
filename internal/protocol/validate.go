package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeInput:  true,
	TypeResize: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeInput:
		var p InputPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Data == "" {
			return nil, fmt.Errorf("missing required field 'data' in %s payload", msg.Type)
		}
		if _, err := p.Bytes(); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}

	case TypeResize:
		var p ResizePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		// Zero is allowed and treated as a no-op by the session manager.
		if p.Cols < 0 || p.Rows < 0 || p.Cols > math.MaxUint16 || p.Rows > math.MaxUint16 {
			return nil, fmt.Errorf("resize dimensions out of range: %dx%d", p.Cols, p.Rows)
		}
	}

	return &msg, nil
}

// DecodeServerMessage parses a frame received from the server.
func DecodeServerMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
