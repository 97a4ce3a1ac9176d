package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/metrics"
	"github.com/cwrk-planet/chat-relay/internal/protocol"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("send queue full")
)

// wsConn is one authenticated socket. Any goroutine may call Send; only the
// write loop touches the socket for writing.
type wsConn struct {
	conn  *websocket.Conn
	ident domain.Identity
	id    string

	send    chan protocol.Frame
	limiter *rate.Limiter
	log     *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	closeCode int
	closeText string
}

func newWsConn(c *websocket.Conn, ident domain.Identity, id string, opts Options, log *slog.Logger) *wsConn {
	return &wsConn{
		conn:    c,
		ident:   ident,
		id:      id,
		send:    make(chan protocol.Frame, opts.SendQueue),
		limiter: rate.NewLimiter(rate.Limit(opts.RateRPS), opts.RateBurst),
		log:     log,
		closed:  make(chan struct{}),
	}
}

func (c *wsConn) Identity() domain.Identity { return c.ident }

// Send enqueues f without blocking. Ephemeral frames are dropped when the
// queue is full; anything else closes the connection so the client resyncs
// through history instead of silently missing a message.
func (c *wsConn) Send(f protocol.Frame) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	select {
	case c.send <- f:
		return nil
	default:
	}

	if protocol.IsEphemeral(f.Type) {
		metrics.FramesDropped.WithLabelValues("backpressure").Inc()
		return errQueueFull
	}
	metrics.FramesDropped.WithLabelValues("backpressure_close").Inc()
	c.log.Warn("ws send queue overflow, closing", "type", f.Type)
	c.closeWith(websocket.CloseTryAgainLater, "slow consumer")

	return errQueueFull
}

// Close asks the write loop to say goodbye and drop the socket.
func (c *wsConn) Close() error {
	c.closeWith(websocket.CloseGoingAway, "superseded")
	return nil
}

func (c *wsConn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.closed)
	})
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *wsConn) write(f protocol.Frame, wait time.Duration) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wait))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) writeClose(wait time.Duration) {
	code, text := c.closeCode, c.closeText
	if code == 0 {
		code, text = websocket.CloseNormalClosure, ""
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wait))
}
