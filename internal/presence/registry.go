// Package presence keeps the authoritative set of identities with an open connection.
package presence

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/metrics"
	"github.com/cwrk-planet/chat-relay/internal/protocol"
)

// Conn is the registry's view of one live connection.
// Send must not block and Close must not call back into the registry.
type Conn interface {
	Identity() domain.Identity
	Send(f protocol.Frame) error
	Close() error
}

// Registry holds at most one connection per identity. Every mutation and the
// broadcast it triggers happen under one lock, so all connections observe
// diffs in mutation order.
type Registry struct {
	mu    sync.Mutex
	conns map[domain.UserID]Conn
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		conns: make(map[domain.UserID]Conn),
		log:   log.With("component", "presence"),
	}
}

// Register makes c the authoritative connection for its identity. A previous
// connection for the same identity is closed and returned.
func (r *Registry) Register(c Conn) (superseded Conn) {
	ident := c.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	old, existed := r.conns[ident.ID]
	if existed && old == c {
		return nil
	}
	r.conns[ident.ID] = c

	if existed {
		_ = old.Close()
		metrics.Connections.WithLabelValues("superseded").Inc()
		r.log.Info("connection superseded", "user", ident.ID, "nickname", ident.Nickname)
		return old
	}

	metrics.OnlineIdentities.Set(float64(len(r.conns)))
	r.broadcastLocked(protocol.PresenceDiff{Added: []domain.Identity{ident}})

	return nil
}

// Unregister removes c if it is still the authoritative connection for its
// identity. A superseded connection unregistering is a no-op.
func (r *Registry) Unregister(c Conn) bool {
	ident := c.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[ident.ID]; !ok || cur != c {
		return false
	}
	delete(r.conns, ident.ID)

	metrics.OnlineIdentities.Set(float64(len(r.conns)))
	r.broadcastLocked(protocol.PresenceDiff{Removed: []domain.Identity{ident}})

	return true
}

// Snapshot returns the online identities ordered by id.
func (r *Registry) Snapshot() []domain.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

// SendSnapshot sends the full online set to c. Used on handshake and on
// get_online_users so a client converges even if it missed diffs.
func (r *Registry) SendSnapshot(c Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return c.Send(protocol.MustFrame(protocol.TypeOnlineUsers, r.snapshotLocked()))
}

func (r *Registry) Lookup(id domain.UserID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.conns)
}

func (r *Registry) snapshotLocked() []domain.Identity {
	out := make([]domain.Identity, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Identity())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (r *Registry) broadcastLocked(diff protocol.PresenceDiff) {
	f := protocol.MustFrame(protocol.TypePresenceDiff, diff)
	for id, c := range r.conns {
		if err := c.Send(f); err != nil {
			r.log.Debug("presence diff not delivered", "user", id, "err", err)
		}
	}
}
