package client

import (
	"log/slog"

	"github.com/cwrk-planet/chat-relay/internal/protocol"
	"github.com/cwrk-planet/chat-relay/pkg/logger"
)

type FrameHandler func(f protocol.Frame) error

// Dispatcher routes each inbound frame to exactly one handler by type.
type Dispatcher struct {
	handlers map[string]FrameHandler
	log      *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]FrameHandler), log: log}
}

func (d *Dispatcher) Handle(typ string, h FrameHandler) {
	d.handlers[typ] = h
}

// Dispatch reports whether a handler accepted the frame. Unknown types and
// handler errors are logged and contained.
func (d *Dispatcher) Dispatch(f protocol.Frame) bool {
	h, ok := d.handlers[f.Type]
	if !ok {
		d.log.Warn("unknown frame type dropped", "type", f.Type)
		return false
	}
	if err := h(f); err != nil {
		d.log.Debug("frame dropped", "type", f.Type, logger.Err(err))
		return false
	}

	return true
}
