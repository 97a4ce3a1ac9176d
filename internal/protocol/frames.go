// Package protocol is the frame envelope shared by the relay server and its clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

const (
	TypeGetOnlineUsers = "get_online_users" // c→s: ask for a full snapshot
	TypeOnlineUsers    = "online_users"     // s→c: full snapshot, list of identities
	TypePresenceDiff   = "presence_diff"    // s→c: incremental change
	TypeChatMessage    = "chat_message"     // both ways
	TypeChatAck        = "chat_ack"         // s→c: delivery status for the sender
	TypeUserTyping     = "user_typing"      // c→s→c: sender is typing to receiver
)

type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceDiff carries identities that joined or left the online set.
type PresenceDiff struct {
	Added   []domain.Identity `json:"added,omitempty"`
	Removed []domain.Identity `json:"removed,omitempty"`
}

// ChatAck tells the sender what became of its message. Timestamp is the
// store's stamp and is zero when the message failed.
type ChatAck struct {
	ID        string                `json:"id"`
	Status    domain.DeliveryStatus `json:"status"`
	Timestamp time.Time             `json:"timestamp,omitzero"`
	Error     string                `json:"error,omitempty"`
}

type Typing struct {
	Sender   domain.UserID `json:"sender"`
	Receiver domain.UserID `json:"receiver"`
}

// IsEphemeral reports whether a frame may be dropped under backpressure.
// Chat messages and acks never are.
func IsEphemeral(typ string) bool {
	switch typ {
	case TypeUserTyping, TypePresenceDiff, TypeOnlineUsers, TypeGetOnlineUsers:
		return true
	default:
		return false
	}
}

func NewFrame(typ string, payload any) (Frame, error) {
	f := Frame{Type: typ}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	f.Payload = raw

	return f, nil
}

// MustFrame is NewFrame for payload types that always marshal.
func MustFrame(typ string, payload any) Frame {
	f, err := NewFrame(typ, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Frame) Decode(dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s: empty payload", domain.ErrProtocol, f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrProtocol, f.Type, err)
	}

	return nil
}

func Parse(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", domain.ErrProtocol)
	}

	return f, nil
}
