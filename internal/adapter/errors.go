package adapter

import (
	"errors"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/audio"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/engine"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/pool"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/protocol"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/stream"
)

// Error categories sent to clients in error events.
const (
	CategoryInvalidFormat       = "invalid_format"
	CategoryUnsupportedEncoding = "unsupported_encoding"
	CategoryCapacityExceeded    = "capacity_exceeded"
	CategorySessionClosed       = "session_closed"
	CategorySessionExists       = "session_exists"
	CategoryEngineFailure       = "engine_failure"
	CategoryInvalidMessage      = "invalid_message"
	CategoryInternal            = "internal"
)

var ErrInternal = errors.New("internal error")

// Categorize maps an error from any layer to its client-facing category.
func Categorize(err error) string {
	var engErr *stream.EngineError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrInvalidFormat):
		return CategoryInvalidFormat
	case errors.Is(err, audio.ErrUnsupportedEncoding):
		return CategoryUnsupportedEncoding
	case errors.Is(err, pool.ErrCapacityExceeded):
		return CategoryCapacityExceeded
	case errors.Is(err, pool.ErrSessionExists):
		return CategorySessionExists
	case errors.Is(err, stream.ErrSessionClosed),
		errors.Is(err, stream.ErrSessionNotStarted),
		errors.Is(err, pool.ErrNotFound),
		errors.Is(err, pool.ErrClosed):
		return CategorySessionClosed
	case errors.Is(err, protocol.ErrInvalidMessage),
		errors.Is(err, engine.ErrUnknownModel):
		return CategoryInvalidMessage
	case errors.Is(err, ErrInternal):
		return CategoryInternal
	case errors.Is(err, stream.ErrEngineFatal), errors.As(err, &engErr):
		return CategoryEngineFailure
	}
	return CategoryInternal
}
