package domain

import (
	"strings"
	"time"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusPersisted DeliveryStatus = "persisted"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// ChatMessage.ID is generated by the sender before transmission and is the dedupe key everywhere downstream.
type ChatMessage struct {
	ID        string         `json:"id"`
	Sender    UserID         `json:"sender"`
	Receiver  UserID         `json:"receiver"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Status    DeliveryStatus `json:"status,omitempty"`
}

func (m ChatMessage) Conversation() Conversation {
	return NewConversation(m.Sender, m.Receiver)
}

// Less orders messages by timestamp, then id.
func (m ChatMessage) Less(o ChatMessage) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}

	return m.ID < o.ID
}

// Validate checks the fields a sender controls. maxLen <= 0 disables the length check.
func (m *ChatMessage) Validate(maxLen int) error {
	m.ID = strings.TrimSpace(m.ID)
	m.Content = strings.TrimSpace(m.Content)

	switch {
	case m.ID == "":
		return ErrMissingMessageID
	case m.Sender <= 0 || m.Receiver <= 0:
		return ErrInvalidIdentity
	case m.Sender == m.Receiver:
		return ErrSelfMessage
	case m.Content == "":
		return ErrEmptyMessage
	case maxLen > 0 && len(m.Content) > maxLen:
		return ErrMessageTooLong
	}

	return nil
}
