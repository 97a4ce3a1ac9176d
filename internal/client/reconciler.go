package client

import (
	"sort"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

// Reconciler owns the rendered log of the open conversation. Live messages
// that arrive while a history fetch is in flight are queued and merged after
// it lands, so the outcome does not depend on which one wins the race.
// Not safe for concurrent use; the session loop is its only caller.
type Reconciler struct {
	me   domain.UserID
	conv domain.Conversation
	open bool

	log  []domain.ChatMessage // ascending by (timestamp, id)
	seen map[string]struct{}

	gen      uint64
	fetching bool
	queued   []domain.ChatMessage
	older    string
}

func NewReconciler(me domain.UserID) *Reconciler {
	return &Reconciler{me: me, seen: make(map[string]struct{})}
}

// Open switches to the conversation with peer and starts a fetch generation.
func (r *Reconciler) Open(peer domain.UserID) uint64 {
	r.reset()
	r.conv = domain.NewConversation(r.me, peer)
	r.open = true
	r.fetching = true

	return r.gen
}

func (r *Reconciler) Close() {
	r.reset()
}

func (r *Reconciler) reset() {
	r.gen++
	r.open = false
	r.conv = domain.Conversation{}
	r.log = nil
	r.seen = make(map[string]struct{})
	r.fetching = false
	r.queued = nil
	r.older = ""
}

func (r *Reconciler) Peer() domain.UserID {
	if !r.open {
		return 0
	}
	return r.conv.Peer(r.me)
}

func (r *Reconciler) Fetching() bool { return r.fetching }

func (r *Reconciler) OlderCursor() string { return r.older }

// BeginOlder starts a fetch for the page before the oldest rendered message.
// Live traffic keeps merging directly since older pages cannot reorder it.
func (r *Reconciler) BeginOlder() (uint64, string, bool) {
	if !r.open || r.fetching || r.older == "" {
		return 0, "", false
	}
	return r.gen, r.older, true
}

// Loaded merges a fetched page. Results from a superseded generation are
// ignored. The first page also drains the live queue.
func (r *Reconciler) Loaded(gen uint64, msgs []domain.ChatMessage, older string, initial bool) bool {
	if gen != r.gen || !r.open {
		return false
	}
	for _, m := range msgs {
		r.merge(m)
	}
	if initial {
		r.older = older
		r.fetching = false
		for _, m := range r.queued {
			r.merge(m)
		}
		r.queued = nil
	} else {
		r.older = older
	}

	return true
}

// Failed ends the in-flight fetch and renders whatever was queued.
func (r *Reconciler) Failed(gen uint64) {
	if gen != r.gen || !r.fetching {
		return
	}
	r.fetching = false
	for _, m := range r.queued {
		r.merge(m)
	}
	r.queued = nil
}

// Live offers a message for the open conversation. It returns false when the
// message belongs to another conversation.
func (r *Reconciler) Live(m domain.ChatMessage) bool {
	if !r.open || m.Conversation() != r.conv {
		return false
	}
	if r.fetching {
		r.queued = append(r.queued, m)
		return true
	}
	r.merge(m)

	return true
}

// Ack applies the store's verdict on one of our own messages.
func (r *Reconciler) Ack(id string, st domain.DeliveryStatus, ts time.Time) {
	for i := range r.queued {
		if r.queued[i].ID == id {
			r.queued[i].Status = st
			if !ts.IsZero() {
				r.queued[i].Timestamp = ts
			}
		}
	}

	i := r.index(id)
	if i < 0 {
		return
	}
	m := r.log[i]
	m.Status = st
	if ts.IsZero() || ts.Equal(m.Timestamp) {
		r.log[i] = m
		return
	}
	// timestamp moved to the store's stamp; reinsert to keep order
	r.log = append(r.log[:i], r.log[i+1:]...)
	m.Timestamp = ts
	r.insert(m)
}

func (r *Reconciler) Messages() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(r.log))
	copy(out, r.log)
	return out
}

func (r *Reconciler) merge(m domain.ChatMessage) {
	if _, dup := r.seen[m.ID]; dup {
		i := r.index(m.ID)
		if i >= 0 && rank(m.Status) > rank(r.log[i].Status) {
			r.log[i].Status = m.Status
		}
		return
	}
	r.seen[m.ID] = struct{}{}
	r.insert(m)
}

func (r *Reconciler) insert(m domain.ChatMessage) {
	i := sort.Search(len(r.log), func(i int) bool { return m.Less(r.log[i]) })
	r.log = append(r.log, domain.ChatMessage{})
	copy(r.log[i+1:], r.log[i:])
	r.log[i] = m
}

func (r *Reconciler) index(id string) int {
	if _, ok := r.seen[id]; !ok {
		return -1
	}
	for i := len(r.log) - 1; i >= 0; i-- {
		if r.log[i].ID == id {
			return i
		}
	}
	return -1
}

func rank(s domain.DeliveryStatus) int {
	switch s {
	case domain.StatusPending:
		return 1
	case domain.StatusPersisted:
		return 2
	case domain.StatusDelivered:
		return 3
	case domain.StatusFailed:
		return 4
	default:
		return 0
	}
}
