package domain

import "time"

// MediaTrack is an opaque remote media handle handed to the render surface.
type MediaTrack interface {
	ID() string
	StreamID() string
}

// SourceState is the per-source view published to the presentation layer.
type SourceState struct {
	Source          Identity        `json:"source"`
	Connection      ConnectionState `json:"connection"`
	RemoteTracks    []MediaTrack    `json:"-"`
	Heartbeat       HeartbeatStatus `json:"heartbeat"`
	Loading         LoadingState    `json:"loading,omitempty"`
	ManuallyStopped bool            `json:"manually_stopped"`
	Metrics         *PeerMetrics    `json:"metrics,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// HasMedia reports whether at least one remote track is attached.
func (s SourceState) HasMedia() bool {
	return len(s.RemoteTracks) > 0
}

// Clone copies the state so callers cannot mutate the orchestrator's copy.
func (s SourceState) Clone() SourceState {
	out := s
	if s.RemoteTracks != nil {
		out.RemoteTracks = append([]MediaTrack(nil), s.RemoteTracks...)
	}
	if s.Metrics != nil {
		m := *s.Metrics
		out.Metrics = &m
	}
	return out
}

// SessionEventType tags a SessionEvent.
type SessionEventType int

const (
	EventStateChanged SessionEventType = iota
	EventTrackAdded
	EventMetricsUpdated
)

// SessionEvent is the single notification a peer session emits.
type SessionEvent struct {
	Type    SessionEventType
	Remote  Identity
	State   ConnectionState
	Track   MediaTrack
	Metrics PeerMetrics
}
