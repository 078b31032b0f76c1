package webrtc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kioskrtc/internal/core/domain"
	apperrors "kioskrtc/pkg/errors"
	"kioskrtc/pkg/logger"
	"kioskrtc/pkg/retry"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionConfig() SessionConfig {
	return SessionConfig{
		OperationTimeout: time.Second,
		StatsInterval:    0,
		Reconnect: retry.Policy{
			InitialDelay:   10 * time.Millisecond,
			MaxDelay:       40 * time.Millisecond,
			Multiplier:     2,
			JitterFraction: 0,
		},
	}
}

func newTestSession(cfg SessionConfig) (*PeerSession, *fakeFactory, *fakeSignaler) {
	factory := &fakeFactory{}
	sig := &fakeSignaler{}
	s := NewPeerSession("operator-1", "display1", factory, sig, nil, cfg, logger.Nop())
	return s, factory, sig
}

var remoteOffer = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
var remoteAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (r *eventRecorder) record(e domain.SessionEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) states() []domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ConnectionState
	for _, e := range r.events {
		if e.Type == domain.EventStateChanged {
			out = append(out, e.State)
		}
	}
	return out
}

func TestPeerSession_CreateOfferSendsOffer(t *testing.T) {
	s, factory, sig := newTestSession(testSessionConfig())

	require.NoError(t, s.CreateOffer(context.Background()))

	assert.Equal(t, 1, factory.count())
	assert.Equal(t, uint64(1), s.Epoch())
	assert.False(t, s.OfferPending())
	assert.Equal(t, domain.ConnectionConnecting, s.State())

	offers := sig.ofType(domain.TypeOffer)
	require.Len(t, offers, 1)
	offer := offers[0].(*domain.Offer)
	assert.Equal(t, domain.Identity("display1"), offer.Target)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Offer.Type)

	// an existing transport is reused
	require.NoError(t, s.HandleAnswer(context.Background(), remoteAnswer))
	require.NoError(t, s.CreateOffer(context.Background()))
	assert.Equal(t, 1, factory.count())
}

func TestPeerSession_OfferPendingClearedOnTimeout(t *testing.T) {
	cfg := testSessionConfig()
	cfg.OperationTimeout = 30 * time.Millisecond
	s, factory, _ := newTestSession(cfg)

	block := make(chan struct{})
	defer close(block)
	factory.prepare = func(ft *fakeTransport) { ft.block = block }

	err := s.CreateOffer(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeOperationTimeout))
	assert.False(t, s.OfferPending())
}

func TestPeerSession_OfferPendingClearedOnFailure(t *testing.T) {
	s, factory, _ := newTestSession(testSessionConfig())
	factory.prepare = func(ft *fakeTransport) { ft.offerErr = errors.New("boom") }

	err := s.CreateOffer(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNegotiationFailed))
	assert.False(t, s.OfferPending())
}

func TestPeerSession_OfferPendingClearedOnSendFailure(t *testing.T) {
	s, _, sig := newTestSession(testSessionConfig())
	sig.err = apperrors.NewChannelNotOpenError()

	err := s.CreateOffer(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeChannelNotOpen))
	assert.False(t, s.OfferPending())
}

func TestPeerSession_DuplicateOfferRejected(t *testing.T) {
	s, factory, sig := newTestSession(testSessionConfig())
	block := make(chan struct{})
	factory.prepare = func(ft *fakeTransport) { ft.block = block }

	done := make(chan error, 1)
	go func() { done <- s.CreateOffer(context.Background()) }()

	require.Eventually(t, s.OfferPending, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.CreateOffer(context.Background()), domain.ErrOfferPending)

	close(block)
	require.NoError(t, <-done)
	assert.False(t, s.OfferPending())
	assert.Len(t, sig.ofType(domain.TypeOffer), 1)
}

func TestPeerSession_HandleAnswerGuards(t *testing.T) {
	s, _, _ := newTestSession(testSessionConfig())

	assert.ErrorIs(t, s.HandleAnswer(context.Background(), remoteAnswer), domain.ErrNoTransport)

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	assert.ErrorIs(t, s.HandleAnswer(context.Background(), remoteAnswer), domain.ErrUnexpectedAnswer)

	require.NoError(t, s.CreateOffer(context.Background()))
	require.NoError(t, s.HandleAnswer(context.Background(), remoteAnswer))
	// a late duplicate of the same answer
	assert.ErrorIs(t, s.HandleAnswer(context.Background(), remoteAnswer), domain.ErrUnexpectedAnswer)
}

func TestPeerSession_HandleOfferAnswers(t *testing.T) {
	s, factory, sig := newTestSession(testSessionConfig())

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))

	answers := sig.ofType(domain.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.Identity("display1"), answers[0].(*domain.Answer).Target)
	assert.True(t, factory.get(0).HasRemoteDescription())

	// candidates after the remote description go straight through
	require.NoError(t, s.AddICECandidate(candidate(1)))
	assert.Len(t, factory.get(0).appliedCandidates(), 1)
	assert.Zero(t, s.PendingCandidates())
}

func TestPeerSession_BufferedCandidatesFlushOnAnswer(t *testing.T) {
	s, factory, _ := newTestSession(testSessionConfig())

	require.NoError(t, s.CreateOffer(context.Background()))
	require.NoError(t, s.AddICECandidate(candidate(1)))
	require.NoError(t, s.AddICECandidate(candidate(2)))
	assert.Equal(t, 2, s.PendingCandidates())
	assert.Empty(t, factory.get(0).appliedCandidates())

	require.NoError(t, s.HandleAnswer(context.Background(), remoteAnswer))
	assert.Equal(t, []webrtc.ICECandidateInit{candidate(1), candidate(2)}, factory.get(0).appliedCandidates())
	assert.Zero(t, s.PendingCandidates())
}

func TestPeerSession_CandidatesBeforeTransportAreDiscarded(t *testing.T) {
	s, factory, _ := newTestSession(testSessionConfig())

	require.NoError(t, s.AddICECandidate(candidate(1)))
	assert.Equal(t, 1, s.PendingCandidates())

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	assert.Empty(t, factory.get(0).appliedCandidates())
	assert.Zero(t, s.PendingCandidates())
}

func TestPeerSession_OfferOnConnectedSessionStartsNewEpoch(t *testing.T) {
	s, factory, _ := newTestSession(testSessionConfig())
	rec := &eventRecorder{}
	s.OnEvent(rec.record)

	require.NoError(t, s.CreateOffer(context.Background()))
	first := factory.get(0)
	first.emitState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, domain.ConnectionConnected, s.State())

	// in flight for the first negotiation
	require.NoError(t, s.AddICECandidate(candidate(7)))

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	require.Equal(t, 2, factory.count())
	second := factory.get(1)

	assert.Equal(t, uint64(2), s.Epoch())
	assert.True(t, first.isClosed())
	assert.Empty(t, first.appliedCandidates())
	assert.Empty(t, second.appliedCandidates())
	assert.Equal(t, domain.ConnectionConnecting, s.State())

	// the superseded transport can no longer move the session
	first.emitState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, domain.ConnectionConnecting, s.State())

	second.emitState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, []domain.ConnectionState{
		domain.ConnectionConnecting,
		domain.ConnectionConnected,
		domain.ConnectionConnecting,
		domain.ConnectionConnected,
	}, rec.states())
}

func TestPeerSession_ICERestartKeepsEpoch(t *testing.T) {
	s, factory, sig := newTestSession(testSessionConfig())

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	tr := factory.get(0)
	tr.emitState(webrtc.PeerConnectionStateConnected)

	tr.emitState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, domain.ConnectionReconnecting, s.State())

	require.Eventually(t, func() bool { return tr.restartCount() >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), s.Epoch())
	assert.Equal(t, 1, factory.count())
	assert.NotEmpty(t, sig.ofType(domain.TypeOffer))

	tr.emitState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, domain.ConnectionConnected, s.State())

	// let an attempt already past its timer finish
	time.Sleep(20 * time.Millisecond)
	restarts := tr.restartCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, restarts, tr.restartCount())
	s.Close()
}

func TestPeerSession_ICERestartRetriesUntilConnected(t *testing.T) {
	s, factory, _ := newTestSession(testSessionConfig())
	defer s.Close()

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	tr := factory.get(0)
	tr.emitState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool { return tr.restartCount() >= 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, domain.ConnectionReconnecting, s.State())
}

func TestPeerSession_CloseIsIdempotentAndCancelsRestart(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Reconnect.InitialDelay = 50 * time.Millisecond
	s, factory, _ := newTestSession(cfg)
	rec := &eventRecorder{}
	s.OnEvent(rec.record)

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	tr := factory.get(0)
	tr.emitState(webrtc.PeerConnectionStateDisconnected)

	s.Close()
	s.Close()

	assert.True(t, tr.isClosed())
	assert.True(t, s.Closed())
	assert.Equal(t, domain.ConnectionDisconnected, s.State())

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, tr.restartCount())

	err := s.CreateOffer(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionClosed))
	assert.True(t, apperrors.HasCode(s.AddICECandidate(candidate(1)), apperrors.ErrCodeSessionClosed))

	states := rec.states()
	assert.Equal(t, domain.ConnectionDisconnected, states[len(states)-1])
}

func TestPeerSession_LocalCandidatesAreSignaled(t *testing.T) {
	s, factory, sig := newTestSession(testSessionConfig())
	require.NoError(t, s.CreateOffer(context.Background()))

	factory.get(0).emitCandidate(candidate(3))
	msgs := sig.ofType(domain.TypeCandidate)
	require.Len(t, msgs, 1)
	c := msgs[0].(*domain.Candidate)
	assert.Equal(t, domain.Identity("display1"), c.Target)
	assert.Equal(t, candidate(3), c.Candidate)

	s.Close()
	factory.get(0).emitCandidate(candidate(4))
	assert.Len(t, sig.ofType(domain.TypeCandidate), 1)
}

func TestPeerSession_RemoteTracks(t *testing.T) {
	s, factory, _ := newTestSession(testSessionConfig())
	rec := &eventRecorder{}
	s.OnEvent(rec.record)

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	factory.get(0).emitTrack(fakeTrack{id: "video", stream: "display1"})

	tracks := s.RemoteTracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, "video", tracks[0].ID())

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	assert.Empty(t, s.RemoteTracks())
}

func TestPeerSession_SampleStats(t *testing.T) {
	s, factory, _ := newTestSession(testSessionConfig())
	rec := &eventRecorder{}
	s.OnEvent(rec.record)

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	tr := factory.get(0)

	s.SampleStats()
	assert.Nil(t, s.Metrics())

	tr.emitState(webrtc.PeerConnectionStateConnected)
	t0 := time.Now()
	tr.setStats(domain.RawStats{Timestamp: t0, Video: domain.RawStreamStats{BytesReceived: 0}})
	s.SampleStats()
	tr.setStats(domain.RawStats{Timestamp: t0.Add(time.Second), Video: domain.RawStreamStats{BytesReceived: 250_000}, RoundTripTime: 0.02})
	s.SampleStats()

	m := s.Metrics()
	require.NotNil(t, m)
	assert.InDelta(t, 2_000_000, m.Video.Bitrate, 1)
	assert.Equal(t, 100, m.QualityScore)

	s.Close()
	assert.Nil(t, s.Metrics())
}

func TestPeerSession_StatsLoopRunsWhileConnected(t *testing.T) {
	cfg := testSessionConfig()
	cfg.StatsInterval = 5 * time.Millisecond
	s, factory, _ := newTestSession(cfg)

	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	tr := factory.get(0)
	tr.setStats(domain.RawStats{Timestamp: time.Now()})
	tr.emitState(webrtc.PeerConnectionStateConnected)

	require.Eventually(t, func() bool { return s.Metrics() != nil }, time.Second, time.Millisecond)
	s.Close()
}

func TestPeerSession_TrackAndEncodingControls(t *testing.T) {
	s, factory, _ := newTestSession(testSessionConfig())

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	require.NoError(t, err)
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)

	s.SetLocalTracks([]webrtc.TrackLocal{video, audio})
	require.NoError(t, s.SetMaxBitrate(webrtc.RTPCodecTypeVideo, 1_500_000))
	require.NoError(t, s.SetPreferredCodec(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeH264))

	require.NoError(t, s.CreateOffer(context.Background()))
	tr := factory.get(0)
	assert.Len(t, tr.tracks, 2)
	assert.Equal(t, uint64(1_500_000), tr.caps[webrtc.RTPCodecTypeVideo])
	assert.Equal(t, webrtc.MimeTypeH264, tr.prefs[webrtc.RTPCodecTypeVideo])

	replacement, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video2", "local")
	require.NoError(t, err)
	require.NoError(t, s.ReplaceTrack(replacement))
	assert.Equal(t, replacement, tr.replaced[webrtc.RTPCodecTypeVideo])

	require.NoError(t, s.SetMaxBitrate(webrtc.RTPCodecTypeVideo, 0))
	_, capped := tr.caps[webrtc.RTPCodecTypeVideo]
	assert.False(t, capped)

	// the replacement survives a rebuild
	require.NoError(t, s.HandleOffer(context.Background(), remoteOffer))
	rebuilt := factory.get(1)
	assert.Contains(t, rebuilt.tracks, webrtc.TrackLocal(replacement))
	assert.NotContains(t, rebuilt.tracks, webrtc.TrackLocal(video))
}

func TestParseBitrate(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "auto", want: 0},
		{in: "", want: 0},
		{in: "2500000", want: 2_500_000},
		{in: "800k", want: 800_000},
		{in: "2M", want: 2_000_000},
		{in: "fast", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBitrate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
