package protocol

import "time"

// Kind is a canonical message type identifier. Wire messages may carry
// legacy spellings; Decode resolves them before anything downstream sees
// the message.
type Kind string

const (
	KindJoin              Kind = "join"
	KindLeave             Kind = "leave"
	KindCursorMove        Kind = "cursor_move"
	KindFeatureCreated    Kind = "feature_created"
	KindFeatureUpdated    Kind = "feature_updated"
	KindFeatureDeleted    Kind = "feature_deleted"
	KindAnnotationCreated Kind = "annotation_created"
	KindAnnotationUpdated Kind = "annotation_updated"
	KindAnnotationDeleted Kind = "annotation_deleted"
	KindChat              Kind = "chat"
	KindStatus            Kind = "status"
	KindPing              Kind = "ping"
	KindPong              Kind = "pong"

	// KindUnknown marks a message whose type the codec does not recognize.
	// Unknown messages are forwarded to observers but never change store state.
	KindUnknown Kind = "unknown"
)

// aliases maps every accepted wire spelling, legacy and canonical,
// to its canonical kind.
var aliases = map[string]Kind{
	"join":               KindJoin,
	"join_room":          KindJoin,
	"leave":              KindLeave,
	"leave_room":         KindLeave,
	"cursor_move":        KindCursorMove,
	"feature_created":    KindFeatureCreated,
	"feature_add":        KindFeatureCreated,
	"feature_updated":    KindFeatureUpdated,
	"feature_update":     KindFeatureUpdated,
	"feature_deleted":    KindFeatureDeleted,
	"feature_delete":     KindFeatureDeleted,
	"annotation_created": KindAnnotationCreated,
	"annotation_add":     KindAnnotationCreated,
	"annotation_updated": KindAnnotationUpdated,
	"annotation_update":  KindAnnotationUpdated,
	"annotation_deleted": KindAnnotationDeleted,
	"annotation_delete":  KindAnnotationDeleted,
	"chat":               KindChat,
	"chat_message":       KindChat,
	"status":             KindStatus,
	"ping":               KindPing,
	"pong":               KindPong,
}

// Canonicalize resolves a wire type spelling to its canonical kind.
// Unrecognized spellings map to KindUnknown.
func Canonicalize(wireType string) Kind {
	if k, ok := aliases[wireType]; ok {
		return k
	}
	return KindUnknown
}

// IsHeartbeat reports whether the kind is a ping or pong frame. Heartbeats
// are handled by the connection layer and never reach the session store.
func (k Kind) IsHeartbeat() bool {
	return k == KindPing || k == KindPong
}

// Message is a decoded wire envelope. It exists only for the duration of
// a dispatch; nothing retains it after processing.
type Message struct {
	// Kind is the canonical type, resolved from Type during decode.
	Kind Kind `json:"-"`

	// Type is the spelling that arrived on the wire. Preserved so unknown
	// messages can be forwarded without losing information.
	Type     string         `json:"type"`
	RoomID   string         `json:"roomId,omitempty"`
	UserID   string         `json:"userId,omitempty"`
	Username string         `json:"username,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`

	// Timestamp is epoch milliseconds on the wire; defaulted to receipt
	// time when the sender omits it.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// SentAt returns the message timestamp as a time.Time.
func (m Message) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// PayloadID returns the "id" field of the payload, if present. Feature and
// annotation payloads carry their object id here.
func (m Message) PayloadID() (string, bool) {
	if m.Payload == nil {
		return "", false
	}
	id, ok := m.Payload["id"].(string)
	return id, ok && id != ""
}

// Cursor is a user's pointer position, either in screen space or as a
// geographic coordinate. Exactly one representation is set.
type Cursor struct {
	X, Y     float64
	Lng, Lat float64
	Geo      bool
}

// CursorPosition extracts a cursor from a cursor_move payload. Both the
// {position:{x,y}} and the bare {lng,lat} shapes are accepted.
func (m Message) CursorPosition() (Cursor, bool) {
	if m.Payload == nil {
		return Cursor{}, false
	}
	if pos, ok := m.Payload["position"].(map[string]any); ok {
		x, xok := toFloat(pos["x"])
		y, yok := toFloat(pos["y"])
		if xok && yok {
			return Cursor{X: x, Y: y}, true
		}
	}
	lng, lok := toFloat(m.Payload["lng"])
	lat, aok := toFloat(m.Payload["lat"])
	if lok && aok {
		return Cursor{Lng: lng, Lat: lat, Geo: true}, true
	}
	return Cursor{}, false
}

// StatusOverride returns an explicit status string from a status payload.
func (m Message) StatusOverride() (string, bool) {
	if m.Payload == nil {
		return "", false
	}
	s, ok := m.Payload["status"].(string)
	return s, ok && s != ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
