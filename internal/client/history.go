package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

// HTTPHistory reads the durable store through the relay's HTTP API.
type HTTPHistory struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPHistory(baseURL, token string, client *http.Client) *HTTPHistory {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPHistory{base: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

type messagesResponse struct {
	Items      []domain.ChatMessage `json:"items"`
	NextCursor string               `json:"next_cursor"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *HTTPHistory) Conversation(ctx context.Context, peer domain.UserID, before string, limit int) ([]domain.ChatMessage, string, error) {
	q := url.Values{"peer": {peer.String()}}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp messagesResponse
	if err := h.get(ctx, "/api/messages?"+q.Encode(), &resp); err != nil {
		return nil, "", err
	}

	return resp.Items, resp.NextCursor, nil
}

// Me returns the identity the token belongs to.
func (h *HTTPHistory) Me(ctx context.Context) (domain.Identity, error) {
	var me domain.Identity
	if err := h.get(ctx, "/api/me", &me); err != nil {
		return domain.Identity{}, err
	}
	return me, nil
}

// Users lists every identity the relay knows, ordered by nickname.
func (h *HTTPHistory) Users(ctx context.Context) ([]domain.DirectoryEntry, error) {
	var resp struct {
		Items []domain.DirectoryEntry `json:"items"`
	}
	if err := h.get(ctx, "/api/users", &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (h *HTTPHistory) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+path, nil)
	if err != nil {
		return err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.ErrUnauthenticated
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrUnknownIdentity
	case resp.StatusCode != http.StatusOK:
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, e.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	return nil
}
