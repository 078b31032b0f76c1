package webrtc

import (
	"sync"
	"testing"
	"time"

	"kioskrtc/internal/core/domain"
	"kioskrtc/pkg/logger"

	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vp8Keyframe returns a VP8 keyframe bitstream prefix with the given size.
func vp8Keyframe(width, height uint16, size int) []byte {
	frame := make([]byte, size)
	copy(frame, []byte{
		0x10, 0x02, 0x00, // frame tag, keyframe
		0x9d, 0x01, 0x2a, // start code
		byte(width), byte(width >> 8),
		byte(height), byte(height >> 8),
	})
	return frame
}

// vp8Payload prepends a minimal payload descriptor marking a partition start.
func vp8Payload(frame []byte) []byte {
	return append([]byte{0x10}, frame...)
}

func TestVP8KeyframeSize(t *testing.T) {
	w, h, ok := vp8KeyframeSize(vp8Payload(vp8Keyframe(1280, 720, 32)))
	require.True(t, ok)
	assert.Equal(t, uint32(1280), w)
	assert.Equal(t, uint32(720), h)

	interframe := vp8Keyframe(1280, 720, 32)
	interframe[0] |= 0x01
	_, _, ok = vp8KeyframeSize(vp8Payload(interframe))
	assert.False(t, ok)

	// continuation packets carry no header
	_, _, ok = vp8KeyframeSize(append([]byte{0x00}, vp8Keyframe(1280, 720, 32)...))
	assert.False(t, ok)

	_, _, ok = vp8KeyframeSize([]byte{0x10, 0x00})
	assert.False(t, ok)
}

func TestFrameCounter(t *testing.T) {
	c := &frameCounter{vp8: true}
	packet := func(seq uint16, marker bool, payload []byte) *rtp.Packet {
		return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Marker: marker}, Payload: payload}
	}

	c.observe(packet(65534, false, vp8Payload(vp8Keyframe(640, 480, 32))))
	c.observe(packet(65535, true, []byte{0x00, 0xaa}))
	// wraps around
	c.observe(packet(0, true, []byte{0x10, 0x01}))
	// gap: the frame ending at 3 is incomplete
	c.observe(packet(3, true, []byte{0x10, 0x01}))
	// late packet is ignored
	c.observe(packet(2, true, []byte{0x10, 0x01}))
	c.observe(packet(4, true, []byte{0x10, 0x01}))

	got := c.snapshot()
	assert.Equal(t, uint64(3), got.Decoded)
	assert.Equal(t, uint64(1), got.Dropped)
	assert.Equal(t, uint32(640), got.Width)
	assert.Equal(t, uint32(480), got.Height)
}

func TestStreamCounters(t *testing.T) {
	var s stats.Stats
	s.InboundRTPStreamStats.BytesReceived = 5000
	s.InboundRTPStreamStats.PacketsReceived = 50
	s.InboundRTPStreamStats.PacketsLost = 2
	s.InboundRTPStreamStats.Jitter = 900
	s.OutboundRTPStreamStats.BytesSent = 7000
	s.OutboundRTPStreamStats.PacketsSent = 70
	s.RemoteInboundRTPStreamStats.Jitter = 0.004

	var in domain.RawStreamStats
	addInbound(&in, &s, 90000)
	assert.Equal(t, uint64(5000), in.BytesReceived)
	assert.Equal(t, uint64(50), in.PacketsReceived)
	assert.Equal(t, int64(2), in.PacketsLost)
	assert.InDelta(t, 0.01, in.Jitter, 1e-9)

	var out domain.RawStreamStats
	addOutbound(&out, &s)
	assert.Equal(t, uint64(7000), out.BytesSent)
	assert.Equal(t, uint64(70), out.PacketsSent)
	assert.InDelta(t, 0.004, out.Jitter, 1e-9)

	addFrames(&in, frameStats{Decoded: 30, Dropped: 1, Width: 1920, Height: 1080})
	assert.Equal(t, uint64(30), in.FramesDecoded)
	assert.Equal(t, uint64(1), in.FramesDropped)
	assert.Equal(t, uint32(1080), in.FrameHeight)
}

func negotiateLoopback(t *testing.T, offerer, answerer *pionTransport) {
	t.Helper()

	offer, err := offerer.CreateOffer(false)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer.pc)
	_, err = offerer.CommitLocalDescription(offer)
	require.NoError(t, err)
	<-gathered

	require.NoError(t, answerer.SetRemoteDescription(*offerer.pc.LocalDescription()))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(answerer.pc)
	_, err = answerer.CommitLocalDescription(answer)
	require.NoError(t, err)
	<-gathered

	require.NoError(t, offerer.SetRemoteDescription(*answerer.pc.LocalDescription()))
}

func TestPionTransport_LoopbackMediaCounters(t *testing.T) {
	factory, err := NewPionFactory(TransportConfig{}, logger.Nop())
	require.NoError(t, err)

	sendTransport, err := factory.NewTransport()
	require.NoError(t, err)
	defer sendTransport.Close()
	recvTransport, err := factory.NewTransport()
	require.NoError(t, err)
	defer recvTransport.Close()

	sender := sendTransport.(*pionTransport)
	receiver := recvTransport.(*pionTransport)
	require.NotNil(t, sender.streams)
	require.NotNil(t, receiver.frames)
	assert.NotSame(t, sender.frames, receiver.frames)

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "kiosk")
	require.NoError(t, err)
	require.NoError(t, sender.AddTrack(track))

	tracks := make(chan *RemoteTrack, 1)
	receiver.OnTrack(func(track domain.MediaTrack) {
		tracks <- track.(*RemoteTrack)
	})

	negotiateLoopback(t, sender, receiver)

	frame := vp8Keyframe(640, 480, 600)
	write := func() {
		require.NoError(t, track.WriteSample(media.Sample{Data: frame, Duration: 33 * time.Millisecond}))
	}

	var remote *RemoteTrack
	deadline := time.After(10 * time.Second)
	for remote == nil {
		write()
		select {
		case remote = <-tracks:
		case <-deadline:
			t.Fatal("remote track never arrived")
		case <-time.After(20 * time.Millisecond):
		}
	}
	assert.Equal(t, "video", remote.ID())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, remote.Kind())

	var mu sync.Mutex
	var delivered int
	unsubscribe := remote.Subscribe(func(*rtp.Packet) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	defer unsubscribe()

	for i := 0; i < 100; i++ {
		write()
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		raw, err := receiver.Stats()
		return err == nil && raw.Video.BytesReceived > 0 && raw.Video.FramesDecoded > 0 && raw.Video.FrameHeight > 0
	}, 5*time.Second, 50*time.Millisecond)

	raw, err := receiver.Stats()
	require.NoError(t, err)
	assert.Positive(t, raw.Video.PacketsReceived)
	assert.Equal(t, uint32(640), raw.Video.FrameWidth)
	assert.Equal(t, uint32(480), raw.Video.FrameHeight)
	assert.Equal(t, webrtc.MimeTypeVP8, raw.Video.Codec)
	assert.Zero(t, raw.Audio.BytesReceived)

	require.Eventually(t, func() bool {
		raw, err := sender.Stats()
		return err == nil && raw.Video.BytesSent > 0 && raw.Video.PacketsSent > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Positive(t, delivered)
	mu.Unlock()
}
