package piece

import (
	"errors"

	"github.com/WendelHime/peerwire/internal/wire"
)

var (
	// ErrInvalidBlock is returned for a block that does not match the piece
	// geometry. It is a protocol error of the peer that sent it.
	ErrInvalidBlock = &wire.ProtocolError{Kind: wire.MalformedMessage, Detail: "block does not match piece geometry"}

	// ErrStorage wraps storage failures. It is fatal to the run.
	ErrStorage = errors.New("storage failure")

	// ErrPoisoned ends a run in which every incomplete piece failed
	// verification too many times.
	ErrPoisoned = errors.New("remaining pieces failed verification")

	ErrStopped = errors.New("piece service stopped")
)
