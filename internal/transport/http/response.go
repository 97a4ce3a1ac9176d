package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessagesResponse struct {
	Items      []domain.ChatMessage `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type UsersResponse struct {
	Items []domain.DirectoryEntry `json:"items"`
}

type OnlineResponse struct {
	Items []domain.Identity `json:"items"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, domain.ErrInvalidIdentity):
		return http.StatusBadRequest, "invalid peer"
	case errors.Is(err, domain.ErrUnknownIdentity), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "peer not found"
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
