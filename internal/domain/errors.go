package domain

import "errors"

var (
	// transient channel failure; clients retry with backoff
	ErrConnection = errors.New("connection error")
	// malformed or unrecognised frame; dropped, connection kept
	ErrProtocol = errors.New("protocol error")
	// durable store write failed; the message is Failed and never relayed live
	ErrPersistence = errors.New("persistence error")

	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrUnknownIdentity  = errors.New("unknown identity")
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrMissingMessageID = errors.New("message id is required")
	ErrEmptyMessage     = errors.New("empty message")
	ErrMessageTooLong   = errors.New("message too long")
	ErrSelfMessage      = errors.New("cannot message yourself")

	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidCursor = errors.New("invalid cursor")
)
