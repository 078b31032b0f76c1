package domain

import "fmt"

// SignalingState is the lifecycle of the relay channel.
type SignalingState int

const (
	SignalingDisconnected SignalingState = iota
	SignalingConnecting
	SignalingConnected
	SignalingReconnecting
)

func (s SignalingState) String() string {
	switch s {
	case SignalingDisconnected:
		return "disconnected"
	case SignalingConnecting:
		return "connecting"
	case SignalingConnected:
		return "connected"
	case SignalingReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionState is the lifecycle of one peer session's media transport.
// It is independent of SignalingState.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionReconnecting
	ConnectionFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionReconnecting:
		return "reconnecting"
	case ConnectionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ConnectionState) UnmarshalText(text []byte) error {
	for c := ConnectionDisconnected; c <= ConnectionFailed; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// HeartbeatStatus is the liveness verdict for one source.
type HeartbeatStatus int

const (
	HeartbeatUnknown HeartbeatStatus = iota
	HeartbeatOk
	HeartbeatWarning
	HeartbeatDead
)

func (s HeartbeatStatus) String() string {
	switch s {
	case HeartbeatOk:
		return "ok"
	case HeartbeatWarning:
		return "warning"
	case HeartbeatDead:
		return "dead"
	default:
		return "unknown"
	}
}

func (s HeartbeatStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *HeartbeatStatus) UnmarshalText(text []byte) error {
	for h := HeartbeatUnknown; h <= HeartbeatDead; h++ {
		if h.String() == string(text) {
			*s = h
			return nil
		}
	}
	return fmt.Errorf("unknown heartbeat status %q", text)
}

// LoadingState is the transient indicator shown between a lifecycle intent
// and the matching connection state transition.
type LoadingState string

const (
	LoadingNone     LoadingState = ""
	LoadingStarting LoadingState = "starting"
	LoadingStopping LoadingState = "stopping"
)

// StopReason distinguishes a deliberate stop from a crash. Values travel
// verbatim on the wire.
type StopReason string

const (
	StopReasonManual      StopReason = "manual"
	StopReasonNetworkLost StopReason = "network_lost"
)

// Deliberate reports whether the stop was intentional. An absent reason
// counts as deliberate.
func (r StopReason) Deliberate() bool {
	return r != StopReasonNetworkLost
}

// StreamAction is a remote start/stop command.
type StreamAction string

const (
	ActionStart StreamAction = "start"
	ActionStop  StreamAction = "stop"
)

func (a StreamAction) Valid() bool {
	return a == ActionStart || a == ActionStop
}
