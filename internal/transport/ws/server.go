package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/metrics"
	"github.com/cwrk-planet/chat-relay/internal/presence"
	"github.com/cwrk-planet/chat-relay/internal/protocol"
	"github.com/cwrk-planet/chat-relay/internal/service"
	"github.com/cwrk-planet/chat-relay/internal/session"
	"github.com/cwrk-planet/chat-relay/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Presence interface {
	Register(c presence.Conn) presence.Conn
	Unregister(c presence.Conn) bool
	SendSnapshot(c presence.Conn) error
	Lookup(id domain.UserID) (presence.Conn, bool)
}

type Relayer interface {
	Relay(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
}

type Options struct {
	CookieName     string
	PingEvery      time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendQueue      int
	MaxMessageSize int64
	RateRPS        float64
	RateBurst      int
	AllowedOrigins []string
}

func (o *Options) defaults() {
	if o.CookieName == "" {
		o.CookieName = "session_token"
	}
	if o.PingEvery <= 0 {
		o.PingEvery = 15 * time.Second
	}
	if o.PongWait <= o.PingEvery {
		o.PongWait = 2 * o.PingEvery
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.RateRPS <= 0 {
		o.RateRPS = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 40
	}
}

type handlerFunc func(ctx context.Context, c *wsConn, f protocol.Frame)

type Server struct {
	upgrader websocket.Upgrader
	opts     Options
	resolver session.Resolver
	presence Presence
	relay    Relayer
	handlers map[string]handlerFunc

	// connection workers outlive the HTTP handler's request context
	base    context.Context
	stop    context.CancelFunc
	workers sync.WaitGroup
}

func NewServer(opts Options, resolver session.Resolver, presence Presence, relay Relayer) *Server {
	opts.defaults()
	base, stop := context.WithCancel(context.Background())

	s := &Server{
		opts:     opts,
		resolver: resolver,
		presence: presence,
		relay:    relay,
		base:     base,
		stop:     stop,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
	s.handlers = map[string]handlerFunc{
		protocol.TypeGetOnlineUsers: s.handleGetOnlineUsers,
		protocol.TypeChatMessage:    s.handleChatMessage,
		protocol.TypeUserTyping:     s.handleUserTyping,
	}

	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWS: GET /ws. The session token is resolved before the upgrade so an
// unauthenticated peer never gets a socket.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ident, err := s.resolver.CurrentIdentity(r.Context(), session.TokenFromRequest(r, s.opts.CookieName))
	if err != nil {
		metrics.Connections.WithLabelValues("rejected").Inc()
		if !errors.Is(err, domain.ErrUnauthenticated) {
			logger.FromContext(r.Context()).Warn("ws session lookup failed", logger.Err(err))
		}
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		logger.FromContext(r.Context()).Warn("ws upgrade failed", "user", ident.ID, logger.Err(err))
		return
	}

	connID := uuid.NewString()
	log := logger.FromContext(r.Context()).With("user", ident.ID, "nickname", ident.Nickname, "conn_id", connID)
	c := newWsConn(conn, ident, connID, s.opts, log)

	s.workers.Add(1)
	defer s.workers.Done()

	ctx, cancel := context.WithCancel(logger.WithContext(s.base, log))
	defer cancel()

	metrics.Connections.WithLabelValues("opened").Inc()
	log.Info("ws connected", "remote", r.RemoteAddr)

	s.presence.Register(c)
	if err := s.presence.SendSnapshot(c); err != nil {
		log.Debug("ws initial snapshot not queued", logger.Err(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx, c)
	}()
	s.readLoop(ctx, c)

	s.presence.Unregister(c)
	c.closeWith(websocket.CloseNormalClosure, "")
	<-done

	metrics.Connections.WithLabelValues("closed").Inc()
	log.Info("ws disconnected")
}

// Shutdown closes every live socket and waits for the workers to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	c.conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				c.log.Debug("ws read failed", logger.Err(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		f, err := protocol.Parse(data)
		if err != nil {
			metrics.FramesIn.WithLabelValues("malformed").Inc()
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			c.log.Debug("ws frame dropped", logger.Err(err))
			continue
		}

		if !c.limiter.Allow() {
			metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
			if f.Type == protocol.TypeChatMessage {
				s.rejectChat(c, f, "rate limited")
			}
			continue
		}

		h, ok := s.handlers[f.Type]
		if !ok {
			metrics.FramesIn.WithLabelValues("unknown").Inc()
			metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
			c.log.Warn("ws unknown frame type", "type", f.Type)
			continue
		}
		metrics.FramesIn.WithLabelValues(f.Type).Inc()
		h(ctx, c, f)
	}
}

func (s *Server) writeLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.opts.PingEvery)
	defer ticker.Stop()
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case f := <-c.send:
			if err := c.write(f, s.opts.WriteWait); err != nil {
				c.log.Debug("ws write failed", "type", f.Type, logger.Err(err))
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closed:
			c.writeClose(s.opts.WriteWait)
			return
		case <-ctx.Done():
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			c.writeClose(s.opts.WriteWait)
			return
		}
	}
}

func (s *Server) handleGetOnlineUsers(_ context.Context, c *wsConn, _ protocol.Frame) {
	if err := s.presence.SendSnapshot(c); err != nil {
		c.log.Debug("ws snapshot not queued", logger.Err(err))
	}
}

func (s *Server) handleChatMessage(ctx context.Context, c *wsConn, f protocol.Frame) {
	var msg domain.ChatMessage
	if err := f.Decode(&msg); err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		c.log.Debug("ws chat frame dropped", logger.Err(err))
		return
	}
	// the connection's identity is the only sender it may speak for
	if msg.Sender != 0 && msg.Sender != c.ident.ID {
		c.log.Warn("ws chat sender overwritten", "claimed", msg.Sender)
	}
	msg.Sender = c.ident.ID
	msg.Timestamp = time.Time{}
	msg.Status = ""

	out, err := s.relay.Relay(ctx, msg)
	if err != nil {
		c.log.Info("ws chat not relayed", "msg_id", msg.ID, "receiver", msg.Receiver, logger.Err(err))
	}
	if sendErr := c.Send(service.Ack(out, err)); sendErr != nil {
		c.log.Debug("ws ack not queued", "msg_id", msg.ID, logger.Err(sendErr))
	}
}

func (s *Server) handleUserTyping(_ context.Context, c *wsConn, f protocol.Frame) {
	var t protocol.Typing
	if err := f.Decode(&t); err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	t.Sender = c.ident.ID
	if t.Receiver == t.Sender || t.Receiver <= 0 {
		return
	}

	peer, ok := s.presence.Lookup(t.Receiver)
	if !ok {
		return
	}
	_ = peer.Send(protocol.MustFrame(protocol.TypeUserTyping, t))
}

func (s *Server) rejectChat(c *wsConn, f protocol.Frame, reason string) {
	var msg domain.ChatMessage
	if err := f.Decode(&msg); err != nil || msg.ID == "" {
		return
	}
	ack := protocol.ChatAck{ID: msg.ID, Status: domain.StatusFailed, Error: reason}
	_ = c.Send(protocol.MustFrame(protocol.TypeChatAck, ack))
}

var _ presence.Conn = (*wsConn)(nil)
