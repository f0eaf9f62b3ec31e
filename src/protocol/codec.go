package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when a frame is not valid JSON or carries no type.
var ErrMalformed = errors.New("malformed message")

// Decode parses a wire frame into a Message and resolves the canonical kind.
// Unknown types are not an error: the message comes back with KindUnknown
// and the original spelling intact. Malformed JSON or a missing type field
// returns ErrMalformed.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	msg.Kind = Canonicalize(msg.Type)
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg, nil
}

// Encode serializes a message for the wire. The canonical spelling is
// always written, regardless of what Type held.
func Encode(msg Message) ([]byte, error) {
	if msg.Kind != "" && msg.Kind != KindUnknown {
		msg.Type = string(msg.Kind)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return json.Marshal(msg)
}

// NewMessage builds an envelope with the current time.
func NewMessage(kind Kind, roomID, userID string, payload map[string]any) Message {
	return Message{
		Kind:      kind,
		Type:      string(kind),
		RoomID:    roomID,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}
