package ports

import (
	"kioskrtc/internal/core/domain"
)

// Signaler is the send side of the relay channel shared by the orchestrator
// and every peer session.
type Signaler interface {
	Send(msg domain.Message) error
}

// StatePublisher fans source state changes out to observers outside the
// process.
type StatePublisher interface {
	Publish(state domain.SourceState) error
}
