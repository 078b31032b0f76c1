package domain

import "time"

type VideoMetrics struct {
	Bitrate       float64 `json:"bitrate"` // bits per second
	FPS           float64 `json:"fps"`
	Width         uint32  `json:"width"`
	Height        uint32  `json:"height"`
	Codec         string  `json:"codec"`
	PacketLoss    float64 `json:"packet_loss"` // percent
	Jitter        float64 `json:"jitter"`      // milliseconds
	FramesDropped uint64  `json:"frames_dropped"`
}

type AudioMetrics struct {
	Bitrate    float64 `json:"bitrate"`
	PacketLoss float64 `json:"packet_loss"`
	Jitter     float64 `json:"jitter"`
}

type ConnectionMetrics struct {
	RTT                 float64 `json:"rtt"` // milliseconds
	BytesSent           uint64  `json:"bytes_sent"`
	BytesReceived       uint64  `json:"bytes_received"`
	LocalCandidateType  string  `json:"local_candidate_type"`
	RemoteCandidateType string  `json:"remote_candidate_type"`
	AvailableBitrate    float64 `json:"available_bitrate"` // bits per second
}

// PeerMetrics is derived from raw transport statistics on every sampling
// tick and replaced wholesale.
type PeerMetrics struct {
	Video        VideoMetrics      `json:"video"`
	Audio        AudioMetrics      `json:"audio"`
	Connection   ConnectionMetrics `json:"connection"`
	QualityScore int               `json:"quality_score"`
	Timestamp    time.Time         `json:"timestamp"`
}

// RawStreamStats holds cumulative counters for one media kind.
type RawStreamStats struct {
	BytesReceived   uint64
	BytesSent       uint64
	PacketsReceived uint64
	PacketsSent     uint64
	PacketsLost     int64
	Jitter          float64 // seconds
	FramesDecoded   uint64
	FramesDropped   uint64
	FrameWidth      uint32
	FrameHeight     uint32
	Codec           string
}

// RawStats is one snapshot pulled from the transport.
type RawStats struct {
	Timestamp                time.Time
	Video                    RawStreamStats
	Audio                    RawStreamStats
	RoundTripTime            float64 // seconds
	AvailableOutgoingBitrate float64
	BytesSent                uint64
	BytesReceived            uint64
	LocalCandidateType       string
	RemoteCandidateType      string
}
