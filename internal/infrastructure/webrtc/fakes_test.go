package webrtc

import (
	"fmt"
	"sync"

	"kioskrtc/internal/core/domain"
	"kioskrtc/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

type fakeTransport struct {
	mu sync.Mutex

	id            int
	remoteSet     bool
	localOffer    bool
	closed        bool
	offers        int
	restartOffers int
	answers       int
	candidates    []webrtc.ICECandidateInit
	tracks        []webrtc.TrackLocal
	replaced      map[webrtc.RTPCodecType]webrtc.TrackLocal
	caps          map[webrtc.RTPCodecType]uint64
	prefs         map[webrtc.RTPCodecType]string
	stats         domain.RawStats

	block    chan struct{}
	offerErr error

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(domain.MediaTrack)
}

func newFakeTransport(id int) *fakeTransport {
	return &fakeTransport{
		id:       id,
		replaced: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		caps:     make(map[webrtc.RTPCodecType]uint64),
		prefs:    make(map[webrtc.RTPCodecType]string),
	}
}

func (t *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	block := t.block
	t.mu.Unlock()
	if block != nil {
		<-block
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offerErr != nil {
		return webrtc.SessionDescription{}, t.offerErr
	}
	t.offers++
	if iceRestart {
		t.restartOffers++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d-%d", t.id, t.offers)}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", t.id)}, nil
}

func (t *fakeTransport) CommitLocalDescription(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if desc.Type == webrtc.SDPTypeOffer {
		t.localOffer = true
	}
	return desc, nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteSet = true
	if desc.Type == webrtc.SDPTypeAnswer {
		t.localOffer = false
	}
	return nil
}

func (t *fakeTransport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSet
}

func (t *fakeTransport) AwaitingAnswer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localOffer
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *fakeTransport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaced[kind] = track
	return nil
}

func (t *fakeTransport) SetMaxBitrate(kind webrtc.RTPCodecType, bps uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bps == 0 {
		delete(t.caps, kind)
	} else {
		t.caps[kind] = bps
	}
	return nil
}

func (t *fakeTransport) SetCodecPreference(kind webrtc.RTPCodecType, mime string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prefs[kind] = mime
	return nil
}

func (t *fakeTransport) Stats() (domain.RawStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats, nil
}

func (t *fakeTransport) setStats(s domain.RawStats) {
	t.mu.Lock()
	t.stats = s
	t.mu.Unlock()
}

func (t *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnTrack(fn func(domain.MediaTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) emitState(st webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (t *fakeTransport) emitCandidate(c webrtc.ICECandidateInit) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (t *fakeTransport) emitTrack(track domain.MediaTrack) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

func (t *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) restartCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restartOffers
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	prepare    func(*fakeTransport)
}

func (f *fakeFactory) NewTransport() (ports.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := newFakeTransport(len(f.transports) + 1)
	if f.prepare != nil {
		f.prepare(t)
	}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) get(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.Message
	err  error
}

func (s *fakeSignaler) Send(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.sent...)
}

func (s *fakeSignaler) ofType(t domain.MessageType) []domain.Message {
	var out []domain.Message
	for _, m := range s.messages() {
		if m.MessageType() == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeTrack struct {
	id, stream string
}

func (t fakeTrack) ID() string       { return t.id }
func (t fakeTrack) StreamID() string { return t.stream }

func candidate(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.%d 5000 typ host", n, n)}
}
