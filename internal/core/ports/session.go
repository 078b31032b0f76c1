package ports

import (
	"context"

	"kioskrtc/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerSession is the orchestrator's view of one negotiated session.
type PeerSession interface {
	Remote() domain.Identity
	State() domain.ConnectionState
	Epoch() uint64
	OfferPending() bool

	// Initialize discards any transport and starts a new epoch.
	Initialize() error
	CreateOffer(ctx context.Context) error
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription) error
	HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	Metrics() *domain.PeerMetrics
	RemoteTracks() []domain.MediaTrack
	OnEvent(fn func(domain.SessionEvent))

	Close()
	Closed() bool
}

// SessionFactory creates a session to remote. Sessions are created idle;
// the first negotiation builds the transport.
type SessionFactory interface {
	NewSession(remote domain.Identity) PeerSession
}
