package services

import (
	"context"
	"sync"

	"kioskrtc/internal/core/domain"
	"kioskrtc/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:96 VP8/90000\r\n"

type fakeSession struct {
	remote domain.Identity

	mu      sync.Mutex
	calls   []string
	state   domain.ConnectionState
	epoch   uint64
	pending bool
	closed  bool
	onEvent func(domain.SessionEvent)
	tracks  []domain.MediaTrack
}

func (s *fakeSession) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeSession) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSession) Remote() domain.Identity { return s.remote }

func (s *fakeSession) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *fakeSession) OfferPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *fakeSession) Initialize() error {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	s.record("initialize")
	return nil
}

func (s *fakeSession) CreateOffer(context.Context) error {
	s.mu.Lock()
	if s.epoch == 0 {
		s.epoch = 1
	}
	s.mu.Unlock()
	s.record("create_offer")
	return nil
}

func (s *fakeSession) HandleOffer(context.Context, webrtc.SessionDescription) error {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	s.record("offer")
	return nil
}

func (s *fakeSession) HandleAnswer(context.Context, webrtc.SessionDescription) error {
	s.record("answer")
	return nil
}

func (s *fakeSession) AddICECandidate(webrtc.ICECandidateInit) error {
	s.record("candidate")
	return nil
}

func (s *fakeSession) Metrics() *domain.PeerMetrics { return nil }

func (s *fakeSession) RemoteTracks() []domain.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MediaTrack(nil), s.tracks...)
}

func (s *fakeSession) OnEvent(fn func(domain.SessionEvent)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.record("close")
	s.setState(domain.ConnectionDisconnected)
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) setState(state domain.ConnectionState) {
	s.mu.Lock()
	s.state = state
	cb := s.onEvent
	s.mu.Unlock()
	if cb != nil {
		cb(domain.SessionEvent{Type: domain.EventStateChanged, Remote: s.remote, State: state})
	}
}

func (s *fakeSession) addTrack(track domain.MediaTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	cb := s.onEvent
	s.mu.Unlock()
	if cb != nil {
		cb(domain.SessionEvent{Type: domain.EventTrackAdded, Remote: s.remote, Track: track})
	}
}

func (s *fakeSession) publishMetrics(m domain.PeerMetrics) {
	s.mu.Lock()
	cb := s.onEvent
	s.mu.Unlock()
	if cb != nil {
		cb(domain.SessionEvent{Type: domain.EventMetricsUpdated, Remote: s.remote, Metrics: m})
	}
}

type fakeSessionFactory struct {
	mu       sync.Mutex
	sessions map[domain.Identity][]*fakeSession
}

func newFakeSessionFactory() *fakeSessionFactory {
	return &fakeSessionFactory{sessions: make(map[domain.Identity][]*fakeSession)}
}

func (f *fakeSessionFactory) NewSession(remote domain.Identity) ports.PeerSession {
	s := &fakeSession{remote: remote}
	f.mu.Lock()
	f.sessions[remote] = append(f.sessions[remote], s)
	f.mu.Unlock()
	return s
}

func (f *fakeSessionFactory) count(remote domain.Identity) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions[remote])
}

func (f *fakeSessionFactory) latest(remote domain.Identity) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.sessions[remote]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type recordingSignaler struct {
	mu       sync.Mutex
	messages []domain.Message
}

func (s *recordingSignaler) Send(msg domain.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSignaler) ofType(t domain.MessageType) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.MessageType() == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSignaler) requestTargets() []domain.Identity {
	var out []domain.Identity
	for _, m := range s.ofType(domain.TypeRequestOffer) {
		out = append(out, m.(*domain.RequestOffer).Target)
	}
	return out
}

type stateRecorder struct {
	mu     sync.Mutex
	states []domain.SourceState
}

func (r *stateRecorder) record(st domain.SourceState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *stateRecorder) sawLoading(source domain.Identity, loading domain.LoadingState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st.Source == source && st.Loading == loading {
			return true
		}
	}
	return false
}

type metricsRecorder struct {
	noopMetrics
	mu      sync.Mutex
	dropped map[string]int
}

func (m *metricsRecorder) IncMessagesDropped(reason string) {
	m.mu.Lock()
	if m.dropped == nil {
		m.dropped = make(map[string]int)
	}
	m.dropped[reason]++
	m.mu.Unlock()
}

func (m *metricsRecorder) droppedFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

type testTrack struct{ id string }

func (t testTrack) ID() string       { return t.id }
func (t testTrack) StreamID() string { return "stream-" + t.id }

func from[M domain.Message](id domain.Identity, msg M) M {
	msg.SetSender(id)
	return msg
}

func testOffer(id domain.Identity, target domain.Identity) *domain.Offer {
	return from(id, &domain.Offer{
		Routing: domain.Routing{Target: target},
		Offer:   webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP},
	})
}

func testCandidate(id domain.Identity, target domain.Identity) *domain.Candidate {
	mid := "0"
	return from(id, &domain.Candidate{
		Routing:   domain.Routing{Target: target},
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 5000 typ host", SDPMid: &mid},
	})
}
