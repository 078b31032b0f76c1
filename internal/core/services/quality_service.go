package services

import (
	"strings"

	"kioskrtc/internal/core/domain"
)

// Threshold is a warn/error pair for one metric and the penalty each tier
// subtracts from the score.
type Threshold struct {
	Warn         float64
	Error        float64
	WarnPenalty  int
	ErrorPenalty int
}

// QualityThresholds holds the tiers for every scored metric. Thresholds for
// metrics where higher is better (FPS, bitrate, resolution, bandwidth) are
// lower bounds; the rest are upper bounds.
type QualityThresholds struct {
	RTT              Threshold // ms
	PacketLoss       Threshold // percent
	FPS              Threshold
	Jitter           Threshold // ms
	VideoBitrate     Threshold // kbps
	Height           Threshold // px
	AvailableBitrate Threshold // kbps
	FramesDropped    Threshold // per sample
}

type QualityService struct {
	thresholds QualityThresholds
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		RTT:              Threshold{Warn: 150, Error: 300, WarnPenalty: 10, ErrorPenalty: 25},
		PacketLoss:       Threshold{Warn: 2, Error: 5, WarnPenalty: 10, ErrorPenalty: 25},
		FPS:              Threshold{Warn: 24, Error: 15, WarnPenalty: 5, ErrorPenalty: 15},
		Jitter:           Threshold{Warn: 30, Error: 50, WarnPenalty: 5, ErrorPenalty: 15},
		VideoBitrate:     Threshold{Warn: 1000, Error: 500, WarnPenalty: 5, ErrorPenalty: 15},
		Height:           Threshold{Warn: 720, Error: 480, WarnPenalty: 5, ErrorPenalty: 10},
		AvailableBitrate: Threshold{Warn: 2000, Error: 1000, WarnPenalty: 5, ErrorPenalty: 10},
		FramesDropped:    Threshold{Warn: 5, Error: 30, WarnPenalty: 5, ErrorPenalty: 10},
	}
}

func NewQualityService() *QualityService {
	return &QualityService{thresholds: DefaultQualityThresholds()}
}

// GetThresholds returns the scoring tiers
func (qs *QualityService) GetThresholds() QualityThresholds {
	return qs.thresholds
}

// Derive builds a metrics snapshot from the current raw sample and the
// previous one. Rates need a previous sample; without it they stay zero.
func (qs *QualityService) Derive(current domain.RawStats, previous *domain.RawStats) domain.PeerMetrics {
	m := domain.PeerMetrics{
		Timestamp: current.Timestamp,
		Video: domain.VideoMetrics{
			Width:      current.Video.FrameWidth,
			Height:     current.Video.FrameHeight,
			Codec:      codecName(current.Video.Codec),
			PacketLoss: lossPercent(current.Video),
			Jitter:     current.Video.Jitter * 1000,
		},
		Audio: domain.AudioMetrics{
			PacketLoss: lossPercent(current.Audio),
			Jitter:     current.Audio.Jitter * 1000,
		},
		Connection: domain.ConnectionMetrics{
			RTT:                 current.RoundTripTime * 1000,
			BytesSent:           current.BytesSent,
			BytesReceived:       current.BytesReceived,
			LocalCandidateType:  current.LocalCandidateType,
			RemoteCandidateType: current.RemoteCandidateType,
			AvailableBitrate:    current.AvailableOutgoingBitrate,
		},
	}

	if previous != nil {
		dt := current.Timestamp.Sub(previous.Timestamp).Seconds()
		if dt > 0 {
			m.Video.Bitrate = bitrate(streamBytes(current.Video), streamBytes(previous.Video), dt)
			m.Audio.Bitrate = bitrate(streamBytes(current.Audio), streamBytes(previous.Audio), dt)
			if current.Video.FramesDecoded >= previous.Video.FramesDecoded {
				m.Video.FPS = float64(current.Video.FramesDecoded-previous.Video.FramesDecoded) / dt
			}
			if current.Video.FramesDropped >= previous.Video.FramesDropped {
				m.Video.FramesDropped = current.Video.FramesDropped - previous.Video.FramesDropped
			}
		}
	}

	m.QualityScore = qs.Score(m)
	return m
}

// Score starts at 100 and subtracts the tier penalty of every metric past a
// threshold. Metrics that are zero are treated as not reported.
func (qs *QualityService) Score(m domain.PeerMetrics) int {
	t := qs.thresholds
	score := 100

	score -= above(m.Connection.RTT, t.RTT)
	score -= above(m.Video.PacketLoss, t.PacketLoss)
	score -= above(m.Video.Jitter, t.Jitter)
	score -= below(m.Video.FPS, t.FPS)
	score -= below(m.Video.Bitrate/1000, t.VideoBitrate)
	score -= below(float64(m.Video.Height), t.Height)
	score -= below(m.Connection.AvailableBitrate/1000, t.AvailableBitrate)
	score -= above(float64(m.Video.FramesDropped), t.FramesDropped)

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func above(v float64, t Threshold) int {
	switch {
	case v <= 0:
		return 0
	case v > t.Error:
		return t.ErrorPenalty
	case v > t.Warn:
		return t.WarnPenalty
	}
	return 0
}

func below(v float64, t Threshold) int {
	switch {
	case v <= 0:
		return 0
	case v < t.Error:
		return t.ErrorPenalty
	case v < t.Warn:
		return t.WarnPenalty
	}
	return 0
}

func streamBytes(s domain.RawStreamStats) uint64 {
	if s.BytesReceived > 0 {
		return s.BytesReceived
	}
	return s.BytesSent
}

func bitrate(cur, prev uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) * 8 / seconds
}

func lossPercent(s domain.RawStreamStats) float64 {
	if s.PacketsLost <= 0 {
		return 0
	}
	total := float64(s.PacketsReceived) + float64(s.PacketsLost)
	if total == 0 {
		return 0
	}
	return float64(s.PacketsLost) / total * 100
}

func codecName(mime string) string {
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		return mime[i+1:]
	}
	return mime
}
