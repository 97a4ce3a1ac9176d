package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/session"
	"github.com/cwrk-planet/chat-relay/pkg/logger"
)

type HistorySvc interface {
	Conversation(ctx context.Context, me, peer domain.UserID, before string, limit int) ([]domain.ChatMessage, string, error)
}

type Directory interface {
	Users(ctx context.Context) ([]domain.DirectoryEntry, error)
}

type OnlineLister interface {
	Snapshot() []domain.Identity
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	history   HistorySvc
	directory Directory
	online    OnlineLister
	db        Pinger
}

func NewHandler(history HistorySvc, directory Directory, online OnlineLister, db Pinger) *Handler {
	return &Handler{history: history, directory: directory, online: online, db: db}
}

// GET /api/messages?peer=&before=&limit=
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	me, ok := session.IdentityFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthenticated"})
		return
	}

	q := r.URL.Query()
	peer, err := domain.ParseUserID(q.Get("peer"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid peer"})
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	msgs, next, err := h.history.Conversation(r.Context(), me.ID, peer, q.Get("before"), limit)
	if err != nil {
		status, text := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.FromContext(r.Context()).Error("handler.GetMessages", "peer", peer, logger.Err(err))
		}
		writeJSON(w, status, ErrorResponse{Error: text})
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}

	writeJSON(w, http.StatusOK, MessagesResponse{Items: msgs, NextCursor: next})
}

// GET /api/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	me, ok := session.IdentityFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthenticated"})
		return
	}
	writeJSON(w, http.StatusOK, me)
}

// GET /api/online
func (h *Handler) GetOnline(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, OnlineResponse{Items: h.online.Snapshot()})
}

// GET /api/users
func (h *Handler) GetUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.directory.Users(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("handler.GetUsers", logger.Err(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	if users == nil {
		users = []domain.DirectoryEntry{}
	}

	writeJSON(w, http.StatusOK, UsersResponse{Items: users})
}

// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			logger.FromContext(r.Context()).Warn("health: store unreachable", logger.Err(err))
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
