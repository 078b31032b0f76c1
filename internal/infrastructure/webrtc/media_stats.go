package webrtc

import (
	"encoding/binary"
	"strings"
	"sync"

	"kioskrtc/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

// frameStats counts inbound video frames of one SSRC. A frame ends at the RTP
// marker bit; a frame that saw a sequence gap counts as dropped.
type frameStats struct {
	Decoded uint64
	Dropped uint64
	Width   uint32
	Height  uint32
}

type frameInterceptorFactory struct {
	onNew func(*frameInterceptor)
}

func (f *frameInterceptorFactory) NewInterceptor(string) (interceptor.Interceptor, error) {
	i := &frameInterceptor{streams: make(map[uint32]*frameCounter)}
	if f.onNew != nil {
		f.onNew(i)
	}
	return i, nil
}

type frameInterceptor struct {
	interceptor.NoOp

	mu      sync.Mutex
	streams map[uint32]*frameCounter
}

func (i *frameInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	if !strings.HasPrefix(strings.ToLower(info.MimeType), "video/") {
		return reader
	}
	counter := &frameCounter{vp8: strings.EqualFold(info.MimeType, webrtc.MimeTypeVP8)}
	i.mu.Lock()
	i.streams[info.SSRC] = counter
	i.mu.Unlock()

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err != nil {
			return n, a, err
		}
		pkt := &rtp.Packet{}
		if pkt.Unmarshal(b[:n]) == nil {
			counter.observe(pkt)
		}
		return n, a, nil
	})
}

func (i *frameInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	i.mu.Lock()
	delete(i.streams, info.SSRC)
	i.mu.Unlock()
}

func (i *frameInterceptor) get(ssrc uint32) (frameStats, bool) {
	i.mu.Lock()
	counter, ok := i.streams[ssrc]
	i.mu.Unlock()
	if !ok {
		return frameStats{}, false
	}
	return counter.snapshot(), true
}

type frameCounter struct {
	vp8 bool

	mu      sync.Mutex
	started bool
	lastSeq uint16
	broken  bool
	stats   frameStats
}

func (c *frameCounter) observe(pkt *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started && pkt.SequenceNumber != c.lastSeq+1 {
		// late or duplicate packets do not move the cursor
		if int16(pkt.SequenceNumber-c.lastSeq) <= 0 {
			return
		}
		c.broken = true
	}
	c.started = true
	c.lastSeq = pkt.SequenceNumber

	if c.vp8 {
		if w, h, ok := vp8KeyframeSize(pkt.Payload); ok {
			c.stats.Width, c.stats.Height = w, h
		}
	}
	if pkt.Marker {
		if c.broken {
			c.stats.Dropped++
		} else {
			c.stats.Decoded++
		}
		c.broken = false
	}
}

func (c *frameCounter) snapshot() frameStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// vp8KeyframeSize reads the frame size from the uncompressed header of a VP8
// keyframe (RFC 6386 section 9.1).
func vp8KeyframeSize(payload []byte) (uint32, uint32, bool) {
	var desc codecs.VP8Packet
	frame, err := desc.Unmarshal(payload)
	if err != nil || desc.S != 1 || desc.PID != 0 || len(frame) < 10 {
		return 0, 0, false
	}
	if frame[0]&0x01 != 0 {
		return 0, 0, false
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0, false
	}
	w := binary.LittleEndian.Uint16(frame[6:8]) & 0x3fff
	h := binary.LittleEndian.Uint16(frame[8:10]) & 0x3fff
	return uint32(w), uint32(h), true
}

// addInbound folds the receive counters of one SSRC into target. The stats
// interceptor keeps jitter in RTP clock units.
func addInbound(target *domain.RawStreamStats, s *stats.Stats, clockRate uint32) {
	in := s.InboundRTPStreamStats
	target.BytesReceived += in.BytesReceived
	target.PacketsReceived += in.PacketsReceived
	target.PacketsLost += in.PacketsLost
	if clockRate > 0 {
		target.Jitter = in.Jitter / float64(clockRate)
	}
}

// addOutbound folds the send counters of one SSRC into target. Jitter comes
// from the remote's receiver reports and is already in seconds.
func addOutbound(target *domain.RawStreamStats, s *stats.Stats) {
	out := s.OutboundRTPStreamStats
	target.BytesSent += out.BytesSent
	target.PacketsSent += out.PacketsSent
	if s.RemoteInboundRTPStreamStats.Jitter > 0 {
		target.Jitter = s.RemoteInboundRTPStreamStats.Jitter
	}
}

func addFrames(target *domain.RawStreamStats, f frameStats) {
	target.FramesDecoded += f.Decoded
	target.FramesDropped += f.Dropped
	if f.Height > 0 {
		target.FrameWidth, target.FrameHeight = f.Width, f.Height
	}
}

// RemoteTrack is an inbound track read by the transport so that its packets
// pass the stats interceptors. Packets fan out to subscribers and are
// discarded when there are none.
type RemoteTrack struct {
	track *webrtc.TrackRemote

	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(*rtp.Packet)
}

func newRemoteTrack(track *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{track: track, subs: make(map[uint64]func(*rtp.Packet))}
}

func (r *RemoteTrack) ID() string { return r.track.ID() }
func (r *RemoteTrack) StreamID() string { return r.track.StreamID() }
func (r *RemoteTrack) Kind() webrtc.RTPCodecType { return r.track.Kind() }
func (r *RemoteTrack) Codec() webrtc.RTPCodecParameters { return r.track.Codec() }

// Subscribe registers fn for every packet read from now on. The returned func
// removes it.
func (r *RemoteTrack) Subscribe(fn func(*rtp.Packet)) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// run reads until the track ends.
func (r *RemoteTrack) run() {
	for {
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			return
		}
		r.mu.RLock()
		for _, fn := range r.subs {
			fn(pkt)
		}
		r.mu.RUnlock()
	}
}
