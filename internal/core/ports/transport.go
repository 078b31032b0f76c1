package ports

import (
	"kioskrtc/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// TransportFactory builds one fresh media transport per session epoch.
type TransportFactory interface {
	NewTransport() (Transport, error)
}

// Transport is the peer-connection primitive a session negotiates over.
// Calls may block; callers bound them with their own timeouts.
type Transport interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	// CommitLocalDescription applies desc locally and returns the copy to
	// put on the wire.
	CommitLocalDescription(desc webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	// AwaitingAnswer reports whether a local offer is outstanding.
	AwaitingAnswer() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) error
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	// SetMaxBitrate caps outgoing media of kind; zero removes the cap.
	SetMaxBitrate(kind webrtc.RTPCodecType, bps uint64) error
	SetCodecPreference(kind webrtc.RTPCodecType, mimeType string) error

	Stats() (domain.RawStats, error)

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(domain.MediaTrack))

	Close() error
}
