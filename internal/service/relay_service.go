package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/metrics"
	"github.com/cwrk-planet/chat-relay/internal/presence"
	"github.com/cwrk-planet/chat-relay/internal/protocol"
	"github.com/cwrk-planet/chat-relay/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type MessageStore interface {
	Append(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	Conversation(ctx context.Context, conv domain.Conversation, before string, limit int) ([]domain.ChatMessage, string, error)
}

type IdentityStore interface {
	Identity(ctx context.Context, id domain.UserID) (domain.Identity, error)
}

type Presence interface {
	Lookup(id domain.UserID) (presence.Conn, bool)
}

const lockStripes = 64

// RelayService persists a chat message and then forwards it to the receiver's
// live connection. The store is the source of truth; live delivery is a
// best-effort notification on top of a successful write.
type RelayService struct {
	store      MessageStore
	identities IdentityStore
	presence   Presence
	maxLen     int

	// per-conversation append order; live forwards happen under the same lock
	// so the receiver sees frames in store order
	stripes [lockStripes]sync.Mutex

	tracer trace.Tracer
}

func NewRelayService(store MessageStore, identities IdentityStore, presence Presence, maxLen int) *RelayService {
	return &RelayService{
		store:      store,
		identities: identities,
		presence:   presence,
		maxLen:     maxLen,
		tracer:     otel.Tracer("github.com/cwrk-planet/chat-relay/internal/service"),
	}
}

// Relay returns msg with its final delivery status. A non-nil error always
// comes with StatusFailed and means the message was neither stored nor
// delivered live.
func (s *RelayService) Relay(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	ctx, span := s.tracer.Start(ctx, "relay.Relay", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.Int64("message.sender", int64(msg.Sender)),
		attribute.Int64("message.receiver", int64(msg.Receiver)),
	))
	defer span.End()

	out, err := s.relay(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out.Status = domain.StatusFailed
	}
	span.SetAttributes(attribute.String("message.status", string(out.Status)))
	metrics.RelayOutcomes.WithLabelValues(string(out.Status)).Inc()

	return out, err
}

func (s *RelayService) relay(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	log := logger.FromContext(ctx)

	if err := msg.Validate(s.maxLen); err != nil {
		return msg, err
	}
	// 1. both ends must be known; an unknown receiver never reaches the store
	for _, id := range []domain.UserID{msg.Sender, msg.Receiver} {
		if _, err := s.identities.Identity(ctx, id); err != nil {
			if errors.Is(err, domain.ErrUnknownIdentity) {
				return msg, fmt.Errorf("relay %s: user %d: %w", msg.ID, id, err)
			}
			return msg, fmt.Errorf("relay %s: lookup user %d: %w: %v", msg.ID, id, domain.ErrPersistence, err)
		}
	}

	mu := s.stripe(msg.Conversation())
	mu.Lock()
	defer mu.Unlock()

	// 2. persist; nothing is relayed live unless this succeeds
	stored, err := s.store.Append(ctx, msg)
	if err != nil {
		log.ErrorContext(ctx, "relay persist failed", logger.Args(ctx, "msg_id", msg.ID, logger.Err(err))...)
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrUnknownIdentity) {
			return msg, fmt.Errorf("relay %s: %w", msg.ID, err)
		}
		return msg, fmt.Errorf("relay %s: %w: %v", msg.ID, domain.ErrPersistence, err)
	}
	stored.Status = domain.StatusPersisted

	// 3. best-effort live forward
	conn, online := s.presence.Lookup(stored.Receiver)
	if !online {
		return stored, nil
	}
	live := stored
	live.Status = domain.StatusDelivered
	if err := conn.Send(protocol.MustFrame(protocol.TypeChatMessage, live)); err != nil {
		log.DebugContext(ctx, "relay live forward failed, receiver will fetch history",
			"msg_id", stored.ID, "receiver", stored.Receiver, logger.Err(err))
		return stored, nil
	}

	return live, nil
}

func (s *RelayService) stripe(c domain.Conversation) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(c.Key()))
	return &s.stripes[h.Sum32()%lockStripes]
}

// Ack builds the chat_ack frame for the sender.
func Ack(msg domain.ChatMessage, err error) protocol.Frame {
	ack := protocol.ChatAck{ID: msg.ID, Status: msg.Status, Timestamp: msg.Timestamp}
	if err != nil {
		ack.Timestamp = time.Time{}
		ack.Status = domain.StatusFailed
		ack.Error = publicError(err)
	}

	return protocol.MustFrame(protocol.TypeChatAck, ack)
}

func publicError(err error) string {
	switch {
	case errors.Is(err, domain.ErrPersistence):
		return "not sent: storage unavailable"
	case errors.Is(err, domain.ErrUnknownIdentity):
		return "unknown receiver"
	case errors.Is(err, domain.ErrConflict):
		return "duplicate message id"
	case errors.Is(err, domain.ErrMissingMessageID),
		errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrMessageTooLong),
		errors.Is(err, domain.ErrSelfMessage),
		errors.Is(err, domain.ErrInvalidIdentity):
		return err.Error()
	default:
		return "not sent"
	}
}
