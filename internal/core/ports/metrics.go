package ports

import (
	"kioskrtc/internal/core/domain"
)

// MetricsRecorder receives orchestrator observations for export.
type MetricsRecorder interface {
	SetSignalingState(state domain.SignalingState)
	SetConnectionState(source domain.Identity, state domain.ConnectionState)
	SetHeartbeatStatus(source domain.Identity, status domain.HeartbeatStatus)
	SetQualityScore(source domain.Identity, score int)
	IncMessagesReceived(msgType domain.MessageType)
	IncMessagesDropped(reason string)
	IncOfferRequests(source domain.Identity)
	IncSessionsClosed(source domain.Identity, reason string)
}
