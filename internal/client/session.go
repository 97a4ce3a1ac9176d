package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/protocol"
	"github.com/cwrk-planet/chat-relay/pkg/logger"

	"github.com/google/uuid"
)

type Transport interface {
	Send(f protocol.Frame) error
}

type History interface {
	Conversation(ctx context.Context, peer domain.UserID, before string, limit int) ([]domain.ChatMessage, string, error)
}

type SessionOptions struct {
	MaxContentLen  int
	HistoryLimit   int
	TypingDebounce time.Duration
	TypingTimeout  time.Duration
}

// Session is the client's state: who I am, who I am talking to, what is
// waiting to be sent. Everything is owned by one loop goroutine (Run);
// exported methods only post commands to it.
type Session struct {
	me      domain.Identity
	tr      Transport
	history History
	render  Renderer
	log     *slog.Logger
	opts    SessionOptions
	newID   func() string
	now     func() time.Time

	cmds chan func()
	done chan struct{}
	ctx  context.Context

	// loop-owned
	conn     ConnState
	outbox   []domain.ChatMessage
	online   map[domain.UserID]domain.Identity
	known    map[domain.UserID]domain.Identity
	users    []domain.Identity
	unread   map[domain.UserID]int
	counted  map[domain.UserID]map[string]struct{} // ids behind unread, so resends count once
	rec      *Reconciler
	typing   *Typing
	dispatch *Dispatcher
	notice   string
	convCtx  context.Context
	convStop context.CancelFunc
}

func NewSession(me domain.Identity, tr Transport, history History, render Renderer, opts SessionOptions, log *slog.Logger) *Session {
	if log == nil {
		log = logger.L()
	}
	if render == nil {
		render = func(View) {}
	}
	if opts.MaxContentLen <= 0 {
		opts.MaxContentLen = 4000
	}

	s := &Session{
		me:      me,
		tr:      tr,
		history: history,
		render:  render,
		log:     log.With("component", "session", "me", me.ID),
		opts:    opts,
		newID:   uuid.NewString,
		now:     time.Now,
		cmds:    make(chan func(), 64),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		conn:    StateConnecting,
		online:  make(map[domain.UserID]domain.Identity),
		known:   map[domain.UserID]domain.Identity{me.ID: me},
		unread:  make(map[domain.UserID]int),
		counted: make(map[domain.UserID]map[string]struct{}),
		rec:     NewReconciler(me.ID),
	}
	s.typing = NewTyping(opts.TypingDebounce, opts.TypingTimeout, s.post, s.emitTyping, func() {})

	s.dispatch = NewDispatcher(s.log)
	s.dispatch.Handle(protocol.TypeOnlineUsers, s.onOnlineUsers)
	s.dispatch.Handle(protocol.TypePresenceDiff, s.onPresenceDiff)
	s.dispatch.Handle(protocol.TypeChatMessage, s.onChatMessage)
	s.dispatch.Handle(protocol.TypeChatAck, s.onChatAck)
	s.dispatch.Handle(protocol.TypeUserTyping, s.onUserTyping)

	return s
}

// Run is the session loop. It returns when ctx ends, after cancelling every
// timer and in-flight fetch.
func (s *Session) Run(ctx context.Context) {
	s.ctx = ctx
	defer close(s.done)
	s.emit()

	for {
		select {
		case fn := <-s.cmds:
			fn()
			s.emit()
		case <-ctx.Done():
			s.closeConversation()
			return
		}
	}
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// HandleFrame is the connection manager's inbound callback.
func (s *Session) HandleFrame(f protocol.Frame) {
	s.post(func() { s.dispatch.Dispatch(f) })
}

// HandleState is the connection manager's state callback.
func (s *Session) HandleState(st ConnState) {
	s.post(func() {
		s.conn = st
		if st == StateOpen {
			s.notice = ""
			s.flushOutbox()
			s.refetch()
		}
	})
}

// Open switches the visible log to the conversation with peer.
func (s *Session) Open(peer domain.UserID) {
	s.post(func() { s.openConversation(peer) })
}

func (s *Session) CloseConversation() {
	s.post(s.closeConversation)
}

// LoadOlder fetches the page before the oldest visible message.
func (s *Session) LoadOlder() {
	s.post(func() {
		gen, before, ok := s.rec.BeginOlder()
		if !ok {
			return
		}
		s.fetch(gen, s.rec.Peer(), before, false)
	})
}

// SendText queues a message for the open conversation and sends it if connected.
func (s *Session) SendText(text string) {
	s.post(func() {
		peer := s.rec.Peer()
		if peer == 0 {
			s.notice = "open a conversation first"
			return
		}
		msg := domain.ChatMessage{
			ID:        s.newID(),
			Sender:    s.me.ID,
			Receiver:  peer,
			Content:   strings.TrimSpace(text),
			Timestamp: s.now(),
			Status:    domain.StatusPending,
		}
		if err := msg.Validate(s.opts.MaxContentLen); err != nil {
			s.notice = "not sent: " + err.Error()
			return
		}

		s.outbox = append(s.outbox, msg)
		s.rec.Live(msg)
		s.transmit(msg)
	})
}

// SetDirectory installs the user list, so offline peers show by nickname.
func (s *Session) SetDirectory(entries []domain.DirectoryEntry) {
	s.post(func() {
		s.users = make([]domain.Identity, 0, len(entries))
		for _, e := range entries {
			s.users = append(s.users, e.Identity)
			s.known[e.ID] = e.Identity
		}
	})
}

// Keystroke feeds the local typing state machine.
func (s *Session) Keystroke() {
	s.post(func() { s.typing.Keystroke(s.rec.Peer()) })
}

// RequestOnline asks the relay for a full presence snapshot.
func (s *Session) RequestOnline() {
	s.post(func() {
		_ = s.tr.Send(protocol.MustFrame(protocol.TypeGetOnlineUsers, nil))
	})
}

func (s *Session) openConversation(peer domain.UserID) {
	if peer == 0 || peer == s.me.ID {
		s.notice = "invalid peer"
		return
	}
	s.closeConversation()

	gen := s.rec.Open(peer)
	delete(s.unread, peer)
	delete(s.counted, peer)
	// unconfirmed sends queue behind the fetch like live traffic
	s.mergeOutbox()

	s.convCtx, s.convStop = context.WithCancel(s.ctx)
	s.fetch(gen, peer, "", true)
}

func (s *Session) closeConversation() {
	if s.convStop != nil {
		s.convStop()
		s.convCtx, s.convStop = nil, nil
	}
	s.typing.Reset()
	s.rec.Close()
}

// refetch reloads the open conversation after a reconnect; anything sent
// while offline is in the store now.
func (s *Session) refetch() {
	if peer := s.rec.Peer(); peer != 0 {
		s.openConversation(peer)
	}
}

// fetch runs the history call off-loop and posts the result back. Closing
// the conversation cancels it.
func (s *Session) fetch(gen uint64, peer domain.UserID, before string, initial bool) {
	if s.convCtx == nil {
		return
	}
	ctx, limit := s.convCtx, s.opts.HistoryLimit
	go func() {
		msgs, older, err := s.history.Conversation(ctx, peer, before, limit)
		s.post(func() {
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Warn("history fetch failed", "peer", peer, logger.Err(err))
					s.notice = fmt.Sprintf("history unavailable: %v", err)
				}
				if initial {
					s.rec.Failed(gen)
				}
				return
			}
			s.rec.Loaded(gen, msgs, older, initial)
		})
	}()
}

// mergeOutbox offers our unconfirmed messages to the freshly opened log;
// the reconciler keeps only those for its conversation.
func (s *Session) mergeOutbox() {
	for _, m := range s.outbox {
		s.rec.Live(m)
	}
}

func (s *Session) transmit(msg domain.ChatMessage) {
	if s.conn != StateOpen {
		return
	}
	if err := s.tr.Send(protocol.MustFrame(protocol.TypeChatMessage, msg)); err != nil {
		// stays in the outbox; flushed on the next Open
		s.log.Debug("send deferred", "msg_id", msg.ID, logger.Err(err))
	}
}

// flushOutbox resends everything unconfirmed in submission order, ids intact.
func (s *Session) flushOutbox() {
	for _, m := range s.outbox {
		s.transmit(m)
	}
}

func (s *Session) emitTyping(peer domain.UserID) {
	if s.conn != StateOpen {
		return
	}
	_ = s.tr.Send(protocol.MustFrame(protocol.TypeUserTyping, protocol.Typing{Sender: s.me.ID, Receiver: peer}))
}

func (s *Session) onOnlineUsers(f protocol.Frame) error {
	var ids []domain.Identity
	if err := f.Decode(&ids); err != nil {
		return err
	}
	s.online = make(map[domain.UserID]domain.Identity, len(ids))
	for _, id := range ids {
		s.online[id.ID] = id
		s.known[id.ID] = id
	}
	return nil
}

func (s *Session) onPresenceDiff(f protocol.Frame) error {
	var d protocol.PresenceDiff
	if err := f.Decode(&d); err != nil {
		return err
	}
	for _, id := range d.Added {
		s.online[id.ID] = id
		s.known[id.ID] = id
	}
	for _, id := range d.Removed {
		delete(s.online, id.ID)
		if s.typing.PeerTyping(id.ID) {
			s.typing.RemoteStopped(id.ID)
		}
	}
	return nil
}

func (s *Session) onChatMessage(f protocol.Frame) error {
	var msg domain.ChatMessage
	if err := f.Decode(&msg); err != nil {
		return err
	}
	if msg.ID == "" || msg.Receiver != s.me.ID {
		return fmt.Errorf("%w: chat_message not addressed to us", domain.ErrProtocol)
	}
	if msg.Status == "" {
		msg.Status = domain.StatusDelivered
	}

	if s.rec.Live(msg) {
		s.typing.RemoteStopped(msg.Sender)
		return nil
	}
	seen := s.counted[msg.Sender]
	if seen == nil {
		seen = make(map[string]struct{})
		s.counted[msg.Sender] = seen
	}
	if _, dup := seen[msg.ID]; dup {
		return nil
	}
	seen[msg.ID] = struct{}{}
	s.unread[msg.Sender]++

	return nil
}

func (s *Session) onChatAck(f protocol.Frame) error {
	var ack protocol.ChatAck
	if err := f.Decode(&ack); err != nil {
		return err
	}

	i := s.outboxIndex(ack.ID)
	if i < 0 {
		// ack for a resend we already settled
		return nil
	}
	if ack.Status == domain.StatusPending {
		return nil
	}
	s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
	if ack.Status == domain.StatusFailed {
		s.notice = "not sent: " + ack.Error
	}
	s.rec.Ack(ack.ID, ack.Status, ack.Timestamp)

	return nil
}

func (s *Session) onUserTyping(f protocol.Frame) error {
	var t protocol.Typing
	if err := f.Decode(&t); err != nil {
		return err
	}
	if t.Sender == 0 || t.Sender != s.rec.Peer() {
		return nil
	}
	s.typing.Remote(t.Sender)

	return nil
}

func (s *Session) outboxIndex(id string) int {
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) emit() {
	s.render(s.view())
}

func (s *Session) view() View {
	v := View{
		Me:       s.me,
		Conn:     s.conn,
		Loading:  s.rec.Fetching(),
		HasOlder: s.rec.OlderCursor() != "",
		Messages: s.rec.Messages(),
		Unread:   make(map[domain.UserID]int, len(s.unread)),
		Pending:  len(s.outbox),
		Notice:   s.notice,
	}
	if peer := s.rec.Peer(); peer != 0 {
		v.Peer = s.known[peer]
		v.Peer.ID = peer
		v.PeerTyping = s.typing.PeerTyping(peer)
	}
	for id, n := range s.unread {
		v.Unread[id] = n
	}
	v.Online = make([]domain.Identity, 0, len(s.online))
	for _, id := range s.online {
		v.Online = append(v.Online, id)
	}
	sort.Slice(v.Online, func(i, j int) bool { return v.Online[i].ID < v.Online[j].ID })

	v.Directory = make([]domain.DirectoryEntry, 0, len(s.users))
	for _, u := range s.users {
		_, on := s.online[u.ID]
		v.Directory = append(v.Directory, domain.DirectoryEntry{Identity: u, Online: on})
	}

	return v
}
