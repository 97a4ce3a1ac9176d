package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/protocol"
	"github.com/cwrk-planet/chat-relay/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

type ManagerOptions struct {
	URL   string
	Token string

	PingEvery time.Duration
	PongWait  time.Duration
	WriteWait time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
	// A connection that stayed up this long resets the backoff.
	StableAfter time.Duration
	// Give up reconnecting after this long without a stable connection.
	GiveUpAfter time.Duration

	Dialer *websocket.Dialer
}

func (o *ManagerOptions) defaults() {
	if o.PingEvery <= 0 {
		o.PingEvery = 15 * time.Second
	}
	if o.PongWait <= o.PingEvery {
		o.PongWait = 2 * o.PingEvery
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Jitter <= 0 || o.Jitter >= 1 {
		o.Jitter = 0.5
	}
	if o.StableAfter <= 0 {
		o.StableAfter = o.MaxBackoff
	}
	if o.GiveUpAfter <= 0 {
		o.GiveUpAfter = 15 * time.Minute
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Manager keeps one websocket to the relay open, reconnecting with backoff.
// Inbound frames and state changes are reported through callbacks from the
// manager's goroutine; Send may be called from anywhere.
type Manager struct {
	opts ManagerOptions
	log  *slog.Logger

	onFrame func(protocol.Frame)
	onState func(ConnState)

	mu    sync.Mutex
	conn  *websocket.Conn
	state ConnState

	writeMu sync.Mutex
}

func NewManager(opts ManagerOptions, log *slog.Logger) *Manager {
	opts.defaults()
	if log == nil {
		log = logger.L()
	}
	return &Manager{
		opts:    opts,
		log:     log.With("component", "conn"),
		state:   StateClosed,
		onFrame: func(protocol.Frame) {},
		onState: func(ConnState) {},
	}
}

// OnFrame and OnState must be set before Run.
func (m *Manager) OnFrame(f func(protocol.Frame)) { m.onFrame = f }
func (m *Manager) OnState(f func(ConnState))      { m.onState = f }

func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed {
		m.log.Info("connection state", "state", s.String())
		m.onState(s)
	}
}

// Send writes f on the open connection or returns ErrNotConnected.
func (m *Manager) Send(f protocol.Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
	if err := conn.WriteJSON(f); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}

	return nil
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff
	b.RandomizationFactor = m.opts.Jitter
	b.Multiplier = 2
	b.Reset()
	return b
}

// Run connects and keeps reconnecting until ctx ends, the relay rejects the
// session, or reconnecting has failed for GiveUpAfter.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(StateClosed)
	m.setState(StateConnecting)

	for {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, m.connectOnce(ctx)
		},
			backoff.WithBackOff(m.newBackOff()),
			backoff.WithMaxElapsedTime(m.opts.GiveUpAfter),
			backoff.WithNotify(func(err error, next time.Duration) {
				m.setState(StateReconnecting)
				m.log.Warn("reconnecting", "in", next.Round(time.Millisecond), logger.Err(err))
			}),
		)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.log.Error("giving up on relay connection", logger.Err(err))
			return err
		}
		// a stable connection dropped: reconnect at once with fresh backoff
		m.setState(StateReconnecting)
	}
}

// connectOnce dials and serves one connection. nil means the connection was
// stable before it dropped.
func (m *Manager) connectOnce(ctx context.Context) error {
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return backoff.Permanent(fmt.Errorf("%w: relay rejected session", domain.ErrUnauthenticated))
		}
		return fmt.Errorf("%w: dial: %v", domain.ErrConnection, err)
	}

	opened := time.Now()
	err = m.serve(ctx, conn)
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	m.log.Warn("connection lost", "after", time.Since(opened).Round(time.Millisecond), logger.Err(err))
	if time.Since(opened) >= m.opts.StableAfter {
		return nil
	}

	return fmt.Errorf("%w: connection dropped: %v", domain.ErrConnection, err)
}

func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.heartbeat(hbCtx, conn)

	m.setState(StateOpen)
	// never trust presence from before the gap
	if err := m.Send(protocol.MustFrame(protocol.TypeGetOnlineUsers, nil)); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))

		f, err := protocol.Parse(data)
		if err != nil {
			m.log.Debug("frame dropped", logger.Err(err))
			continue
		}
		m.onFrame(f)
	}
}

// heartbeat pings on a timer; a missing pong trips the read deadline. It also
// closes the socket when ctx ends so the blocked read returns.
func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(m.opts.PingEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(m.opts.WriteWait))
			_ = conn.Close()
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteWait)); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					m.log.Debug("ping failed", logger.Err(err))
				}
				_ = conn.Close()
				return
			}
		}
	}
}
