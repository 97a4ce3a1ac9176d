package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Cursor points at the oldest message of the previous page; the next page holds strictly older messages.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func EncodeCursor(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(data), nil
}

func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", domain.ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", domain.ErrInvalidCursor, err)
	}

	return &c, nil
}

func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}

	return limit
}

// Page turns a newest-first slice into an ascending page plus the cursor for the next older page.
func Page(newestFirst []domain.ChatMessage, limit int) ([]domain.ChatMessage, string) {
	var next string
	if len(newestFirst) == limit && limit > 0 {
		oldest := newestFirst[len(newestFirst)-1]
		next, _ = EncodeCursor(Cursor{CreatedAt: oldest.Timestamp.UTC(), ID: oldest.ID})
	}

	out := make([]domain.ChatMessage, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}

	return out, next
}
