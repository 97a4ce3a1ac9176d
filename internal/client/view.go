package client

import (
	"github.com/cwrk-planet/chat-relay/internal/domain"
)

// View is a snapshot of the session handed to the renderer. It shares no
// memory with the session.
type View struct {
	Me         domain.Identity
	Conn       ConnState
	Peer       domain.Identity // zero when no conversation is open
	Loading    bool
	HasOlder   bool
	Messages   []domain.ChatMessage
	PeerTyping bool
	Online     []domain.Identity
	Directory  []domain.DirectoryEntry // every user by nickname; Online follows live presence
	Unread     map[domain.UserID]int
	Pending    int
	Notice     string
}

// Renderer is called from the session loop after every state change.
// It must not call back into the session synchronously.
type Renderer func(View)
