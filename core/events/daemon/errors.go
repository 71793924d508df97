package daemon

import (
	"errors"

	"github.com/JasperFx/jasperfx-sub002/core/events"
)

var (
	ErrAgentStopped   = errors.New("agent is stopped")
	ErrQueueCompleted = errors.New("execution queue is completed")
	ErrUnknownShard   = errors.New("unknown shard")
	ErrNoProjection   = errors.New("unknown projection")
	ErrTimeout        = errors.New("timed out waiting for shard")
)

// ErrorHandlingOptions tells which data problems may be skipped instead of
// failing the shard.
type ErrorHandlingOptions struct {
	SkipApplyErrors         bool
	SkipSerializationErrors bool
	SkipUnknownEvents       bool
}

// CanSkip reports whether a loader may skip an event that failed to decode
// with err.
func (o ErrorHandlingOptions) CanSkip(err error) bool {
	var unknown *events.UnknownEventTypeError
	if errors.As(err, &unknown) {
		return o.SkipUnknownEvents
	}
	var deser *events.EventDeserializationError
	if errors.As(err, &deser) {
		return o.SkipSerializationErrors
	}
	return false
}
