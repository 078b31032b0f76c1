package webrtc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"kioskrtc/internal/core/domain"
	"kioskrtc/internal/core/ports"
	"kioskrtc/pkg/validation"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TransportConfig WebRTC configuration
type TransportConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

type registeredCodec struct {
	params webrtc.RTPCodecParameters
	kind   webrtc.RTPCodecType
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

var supportedCodecs = []registeredCodec{
	{
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback},
			PayloadType:        96,
		},
		kind: webrtc.RTPCodecTypeVideo,
	},
	{
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0", RTCPFeedback: videoFeedback},
			PayloadType:        98,
		},
		kind: webrtc.RTPCodecTypeVideo,
	},
	{
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 102,
		},
		kind: webrtc.RTPCodecTypeVideo,
	},
	{
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
			PayloadType:        111,
		},
		kind: webrtc.RTPCodecTypeAudio,
	},
}

// PionFactory builds pion peer connections sharing one API instance.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger

	// mu serializes NewPeerConnection; the interceptor callbacks below fire
	// inside it and hand over the per-connection counters.
	mu         sync.Mutex
	lastStats  stats.Getter
	lastFrames *frameInterceptor
}

func NewPionFactory(cfg TransportConfig, logger *zap.SugaredLogger) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range supportedCodecs {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.params.MimeType, err)
		}
	}

	f := &PionFactory{
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
		logger: logger,
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	statsFactory, err := stats.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create stats interceptor: %w", err)
	}
	statsFactory.OnNewPeerConnection(func(_ string, getter stats.Getter) {
		f.lastStats = getter
	})
	registry.Add(statsFactory)
	registry.Add(&frameInterceptorFactory{onNew: func(i *frameInterceptor) {
		f.lastFrames = i
	}})

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid UDP port range: %w", err)
		}
	}

	f.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return f, nil
}

func (f *PionFactory) NewTransport() (ports.Transport, error) {
	f.mu.Lock()
	pc, err := f.api.NewPeerConnection(f.config)
	streams, frames := f.lastStats, f.lastFrames
	f.lastStats, f.lastFrames = nil, nil
	f.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionTransport{
		pc:         pc,
		logger:     f.logger,
		streams:    streams,
		frames:     frames,
		maxBitrate: make(map[webrtc.RTPCodecType]uint64),
		codecPrefs: make(map[webrtc.RTPCodecType]string),
	}, nil
}

type pionTransport struct {
	pc      *webrtc.PeerConnection
	logger  *zap.SugaredLogger
	streams stats.Getter
	frames  *frameInterceptor

	mu         sync.Mutex
	maxBitrate map[webrtc.RTPCodecType]uint64
	codecPrefs map[webrtc.RTPCodecType]string
}

func (t *pionTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	t.applyCodecPreferences()
	return t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.applyCodecPreferences()
	return t.pc.CreateAnswer(nil)
}

// CommitLocalDescription applies desc unmodified and returns a copy carrying
// bandwidth lines for any configured caps. The local side rejects a munged
// description, so only the wire copy is changed.
func (t *pionTransport) CommitLocalDescription(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, err
	}

	t.mu.Lock()
	caps := make(map[webrtc.RTPCodecType]uint64, len(t.maxBitrate))
	for k, v := range t.maxBitrate {
		caps[k] = v
	}
	t.mu.Unlock()

	wire, err := withBandwidth(desc, caps)
	if err != nil {
		t.logger.Warnw("failed to apply bitrate cap to description", "error", err)
		return desc, nil
	}
	return wire, nil
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AwaitingAnswer() bool {
	return t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go drainRTCP(sender)
	return nil
}

func (t *pionTransport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Kind() != kind || tr.Sender() == nil {
			continue
		}
		return tr.Sender().ReplaceTrack(track)
	}
	return domain.ErrTrackNotFound
}

func (t *pionTransport) SetMaxBitrate(kind webrtc.RTPCodecType, bps uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bps == 0 {
		delete(t.maxBitrate, kind)
		return nil
	}
	t.maxBitrate[kind] = bps
	return nil
}

func (t *pionTransport) SetCodecPreference(kind webrtc.RTPCodecType, mimeType string) error {
	if mimeType == "" {
		t.mu.Lock()
		delete(t.codecPrefs, kind)
		t.mu.Unlock()
		return nil
	}
	for _, c := range supportedCodecs {
		if c.kind == kind && strings.EqualFold(c.params.MimeType, mimeType) {
			t.mu.Lock()
			t.codecPrefs[kind] = c.params.MimeType
			t.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("codec %s is not supported for %s", mimeType, kind)
}

// applyCodecPreferences moves the preferred codec of each kind to the front
// of every matching transceiver's capability list.
func (t *pionTransport) applyCodecPreferences() {
	t.mu.Lock()
	prefs := make(map[webrtc.RTPCodecType]string, len(t.codecPrefs))
	for k, v := range t.codecPrefs {
		prefs[k] = v
	}
	t.mu.Unlock()

	for _, tr := range t.pc.GetTransceivers() {
		mime, ok := prefs[tr.Kind()]
		if !ok {
			continue
		}
		if err := tr.SetCodecPreferences(orderCodecs(tr.Kind(), mime)); err != nil {
			t.logger.Warnw("failed to set codec preferences",
				"kind", tr.Kind().String(),
				"codec", mime,
				"error", err,
			)
		}
	}
}

func orderCodecs(kind webrtc.RTPCodecType, preferred string) []webrtc.RTPCodecParameters {
	var first, rest []webrtc.RTPCodecParameters
	for _, c := range supportedCodecs {
		if c.kind != kind {
			continue
		}
		if strings.EqualFold(c.params.MimeType, preferred) {
			first = append(first, c.params)
		} else {
			rest = append(rest, c.params)
		}
	}
	return append(first, rest...)
}

func (t *pionTransport) Stats() (domain.RawStats, error) {
	raw := collectStats(t.pc.GetStats(), time.Now())
	t.collectStreams(&raw)
	return raw, nil
}

// collectStreams adds the per-SSRC counters of every sending and receiving
// track. GetStats carries no RTP stream entries, so these come from the
// interceptors.
func (t *pionTransport) collectStreams(raw *domain.RawStats) {
	if t.streams == nil {
		return
	}
	for _, tr := range t.pc.GetTransceivers() {
		if sender := tr.Sender(); sender != nil && sender.Track() != nil {
			target := streamFor(raw, sender.Track().Kind().String())
			if target == nil {
				continue
			}
			params := sender.GetParameters()
			for _, enc := range params.Encodings {
				if s := t.streams.Get(uint32(enc.SSRC)); s != nil {
					addOutbound(target, s)
				}
			}
			if target.Codec == "" && len(params.Codecs) > 0 {
				target.Codec = params.Codecs[0].MimeType
			}
		}

		receiver := tr.Receiver()
		if receiver == nil {
			continue
		}
		for _, track := range receiver.Tracks() {
			ssrc := uint32(track.SSRC())
			target := streamFor(raw, track.Kind().String())
			if ssrc == 0 || target == nil {
				continue
			}
			codec := track.Codec()
			if s := t.streams.Get(ssrc); s != nil {
				addInbound(target, s, codec.ClockRate)
			}
			if t.frames != nil {
				if f, ok := t.frames.get(ssrc); ok {
					addFrames(target, f)
				}
			}
			if codec.MimeType != "" {
				target.Codec = codec.MimeType
			}
		}
	}
}

func (t *pionTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *pionTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *pionTransport) OnTrack(fn func(domain.MediaTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			t.requestKeyframe(track)
		}
		go drainReceiverRTCP(receiver)
		remote := newRemoteTrack(track)
		go remote.run()
		fn(remote)
	})
}

// requestKeyframe asks the remote encoder for a fresh keyframe so the first
// rendered frame does not wait for the next periodic one.
func (t *pionTransport) requestKeyframe(track *webrtc.TrackRemote) {
	err := t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		t.logger.Debugw("failed to send PLI", "ssrc", track.SSRC(), "error", err)
	}
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

// drainRTCP keeps interceptors fed; it exits when the sender is closed.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

// withBandwidth adds TIAS and AS lines to every media section that has a cap.
func withBandwidth(desc webrtc.SessionDescription, caps map[webrtc.RTPCodecType]uint64) (webrtc.SessionDescription, error) {
	if len(caps) == 0 {
		return desc, nil
	}

	parsed, err := validation.ParseSessionDescription(desc.SDP)
	if err != nil {
		return desc, err
	}

	for _, md := range parsed.MediaDescriptions {
		bps, ok := caps[webrtc.NewRTPCodecType(md.MediaName.Media)]
		if !ok {
			continue
		}
		kept := md.Bandwidth[:0]
		for _, bw := range md.Bandwidth {
			if bw.Type != "AS" && bw.Type != "TIAS" {
				kept = append(kept, bw)
			}
		}
		md.Bandwidth = append(kept,
			sdp.Bandwidth{Type: "TIAS", Bandwidth: bps},
			sdp.Bandwidth{Type: "AS", Bandwidth: (bps + 999) / 1000},
		)
	}

	out, err := parsed.Marshal()
	if err != nil {
		return desc, fmt.Errorf("failed to marshal description: %w", err)
	}
	return webrtc.SessionDescription{Type: desc.Type, SDP: string(out)}, nil
}

// collectStats reads the transport-level parts of a pion stats report: the
// nominated candidate pair and its candidate types.
func collectStats(report webrtc.StatsReport, now time.Time) domain.RawStats {
	raw := domain.RawStats{Timestamp: now}
	candidateTypes := make(map[string]string)
	var localID, remoteID string

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if !st.Nominated {
				continue
			}
			raw.RoundTripTime = st.CurrentRoundTripTime
			raw.AvailableOutgoingBitrate = st.AvailableOutgoingBitrate
			raw.BytesSent = st.BytesSent
			raw.BytesReceived = st.BytesReceived
			localID, remoteID = st.LocalCandidateID, st.RemoteCandidateID
		case webrtc.ICECandidateStats:
			candidateTypes[st.ID] = st.CandidateType.String()
		}
	}

	raw.LocalCandidateType = candidateTypes[localID]
	raw.RemoteCandidateType = candidateTypes[remoteID]
	return raw
}

func streamFor(raw *domain.RawStats, kind string) *domain.RawStreamStats {
	switch kind {
	case "video":
		return &raw.Video
	case "audio":
		return &raw.Audio
	}
	return nil
}
