package webrtc

import (
	"sync"

	"kioskrtc/internal/core/domain"
	"kioskrtc/internal/core/ports"
	"kioskrtc/internal/core/services"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// MediaDefaults are applied to every session the factory creates.
type MediaDefaults struct {
	PreferredVideoCodec string
	PreferredAudioCodec string
	MaxVideoBitrate     uint64
	MaxAudioBitrate     uint64
}

// SessionFactory builds peer sessions that share one transport factory,
// signaler and local media set.
type SessionFactory struct {
	local      domain.Identity
	transports ports.TransportFactory
	signaler   ports.Signaler
	quality    *services.QualityService
	cfg        SessionConfig
	media      MediaDefaults
	logger     *zap.SugaredLogger

	mu          sync.Mutex
	localTracks []webrtc.TrackLocal
}

func NewSessionFactory(
	local domain.Identity,
	transports ports.TransportFactory,
	signaler ports.Signaler,
	quality *services.QualityService,
	cfg SessionConfig,
	media MediaDefaults,
	logger *zap.SugaredLogger,
) *SessionFactory {
	return &SessionFactory{
		local:      local,
		transports: transports,
		signaler:   signaler,
		quality:    quality,
		cfg:        cfg,
		media:      media,
		logger:     logger,
	}
}

// SetLocalTracks sets the media attached to sessions created afterwards.
func (f *SessionFactory) SetLocalTracks(tracks []webrtc.TrackLocal) {
	f.mu.Lock()
	f.localTracks = append([]webrtc.TrackLocal(nil), tracks...)
	f.mu.Unlock()
}

func (f *SessionFactory) NewSession(remote domain.Identity) ports.PeerSession {
	s := NewPeerSession(f.local, remote, f.transports, f.signaler, f.quality, f.cfg, f.logger)

	f.mu.Lock()
	tracks := f.localTracks
	f.mu.Unlock()
	if len(tracks) > 0 {
		s.SetLocalTracks(tracks)
	}

	if f.media.PreferredVideoCodec != "" {
		_ = s.SetPreferredCodec(webrtc.RTPCodecTypeVideo, f.media.PreferredVideoCodec)
	}
	if f.media.PreferredAudioCodec != "" {
		_ = s.SetPreferredCodec(webrtc.RTPCodecTypeAudio, f.media.PreferredAudioCodec)
	}
	if f.media.MaxVideoBitrate > 0 {
		_ = s.SetMaxBitrate(webrtc.RTPCodecTypeVideo, f.media.MaxVideoBitrate)
	}
	if f.media.MaxAudioBitrate > 0 {
		_ = s.SetMaxBitrate(webrtc.RTPCodecTypeAudio, f.media.MaxAudioBitrate)
	}
	return s
}
