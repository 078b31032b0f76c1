package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kioskrtc/internal/core/domain"
	"kioskrtc/internal/core/ports"
	apperrors "kioskrtc/pkg/errors"
	"kioskrtc/pkg/tracing"
	"kioskrtc/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type OrchestratorConfig struct {
	Role domain.Role
	// Sources are the senders a receiver or operator watches. Empty means
	// every peer that announces a stream.
	Sources []domain.Identity

	HeartbeatInterval time.Duration
	LoadingDebounce   time.Duration
	LoadingTimeout    time.Duration

	// InboundRate limits messages per second accepted from one peer; zero
	// disables the limit.
	InboundRate  float64
	InboundBurst int
	QueueSize    int
}

func DefaultOrchestratorConfig(role domain.Role) OrchestratorConfig {
	return OrchestratorConfig{
		Role:              role,
		HeartbeatInterval: 5 * time.Second,
		LoadingDebounce:   300 * time.Millisecond,
		LoadingTimeout:    15 * time.Second,
		InboundRate:       50,
		InboundBurst:      100,
		QueueSize:         128,
	}
}

// OrchestratorDeps are the collaborators an orchestrator drives. Publisher
// and Metrics are optional.
type OrchestratorDeps struct {
	Sessions  ports.SessionFactory
	Signaler  ports.Signaler
	Heartbeat *HeartbeatMonitor
	Requester *OfferRequester
	Publisher ports.StatePublisher
	Metrics   ports.MetricsRecorder
}

// ControlHandler runs a stream_control command addressed to this endpoint.
type ControlHandler func(from domain.Identity, action domain.StreamAction)

// DuckingHandler applies an audio_ducking request addressed to this endpoint.
type DuckingHandler func(from domain.Identity, ducking bool, gain float64)

type loadingIndicator struct {
	gen   uint64
	want  domain.LoadingState
	timer *time.Timer
}

// Orchestrator owns the peer sessions of one endpoint, keyed by remote
// identity, and turns relay traffic into per-source state.
type Orchestrator struct {
	identity  domain.Identity
	cfg       OrchestratorConfig
	sessions  ports.SessionFactory
	signaler  ports.Signaler
	heartbeat *HeartbeatMonitor
	requester *OfferRequester
	publisher ports.StatePublisher
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	watched       map[domain.Identity]bool
	peers         map[domain.Identity]ports.PeerSession
	states        map[domain.Identity]*domain.SourceState
	queues        map[domain.Identity]*sessionQueue
	limiters      map[domain.Identity]*rate.Limiter
	loading       map[domain.Identity]*loadingIndicator
	observers     map[int]func(domain.SourceState)
	nextObserver  int
	signaling     domain.SignalingState
	everConnected bool
	blockReason   string

	// sender only
	live      bool
	onControl ControlHandler
	onDucking DuckingHandler
	beatStop  chan struct{}
	beatDone  chan struct{}
}

func NewOrchestrator(identity domain.Identity, cfg OrchestratorConfig, deps OrchestratorDeps, logger *zap.SugaredLogger) (*Orchestrator, error) {
	if !cfg.Role.Valid() {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown role %q", cfg.Role))
	}
	if err := validation.ValidateIdentity(identity.String()); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if deps.Sessions == nil || deps.Signaler == nil {
		return nil, apperrors.NewInvalidInputError("session factory and signaler are required")
	}
	if deps.Heartbeat == nil {
		deps.Heartbeat = NewHeartbeatMonitor(DefaultHeartbeatConfig(), logger)
	}
	if deps.Requester == nil {
		deps.Requester = NewOfferRequester(0, logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		identity:  identity,
		cfg:       cfg,
		sessions:  deps.Sessions,
		signaler:  deps.Signaler,
		heartbeat: deps.Heartbeat,
		requester: deps.Requester,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    logger.With("role", string(cfg.Role), "identity", identity.String()),
		ctx:       ctx,
		cancel:    cancel,
		watched:   make(map[domain.Identity]bool),
		peers:     make(map[domain.Identity]ports.PeerSession),
		states:    make(map[domain.Identity]*domain.SourceState),
		queues:    make(map[domain.Identity]*sessionQueue),
		limiters:  make(map[domain.Identity]*rate.Limiter),
		loading:   make(map[domain.Identity]*loadingIndicator),
		observers: make(map[int]func(domain.SourceState)),
	}

	if cfg.Role != domain.RoleSender {
		for _, source := range cfg.Sources {
			o.watched[source] = true
			o.stateLocked(source)
		}
	}

	o.requester.OnRequest(o.sendRequestOffer)
	o.heartbeat.OnStatusChange(o.handleHeartbeatChange)
	return o, nil
}

func (o *Orchestrator) Identity() domain.Identity { return o.identity }
func (o *Orchestrator) Role() domain.Role         { return o.cfg.Role }

// Start runs the liveness sweep and the offer retry sweep on receivers and
// operators.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.cfg.Role == domain.RoleSender {
		return
	}
	o.heartbeat.Start(ctx)
	o.requester.Start(ctx)
}

// Close stops every loop, closes every session and waits for queued
// negotiation work to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	sessions := make([]ports.PeerSession, 0, len(o.peers))
	for id, s := range o.peers {
		sessions = append(sessions, s)
		delete(o.peers, id)
	}
	queues := make([]*sessionQueue, 0, len(o.queues))
	for id, q := range o.queues {
		queues = append(queues, q)
		delete(o.queues, id)
	}
	for _, ind := range o.loading {
		if ind.timer != nil {
			ind.timer.Stop()
		}
	}
	o.live = false
	beatDone := o.detachBeatLocked()
	o.mu.Unlock()

	o.cancel()
	if beatDone != nil {
		<-beatDone
	}
	o.heartbeat.Stop()
	o.requester.Stop()
	for _, s := range sessions {
		s.Close()
	}
	for _, q := range queues {
		q.close()
	}
	o.logger.Infow("orchestrator closed", "sessions", len(sessions))
}

// OnStateChange registers fn for every source state change and returns a
// function that removes it.
func (o *Orchestrator) OnStateChange(fn func(domain.SourceState)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextObserver
	o.nextObserver++
	o.observers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.observers, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) Snapshot(source domain.Identity) (domain.SourceState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[source]
	if !ok {
		return domain.SourceState{}, false
	}
	return st.Clone(), true
}

// Snapshots returns every known source ordered by identity.
func (o *Orchestrator) Snapshots() []domain.SourceState {
	o.mu.Lock()
	out := make([]domain.SourceState, 0, len(o.states))
	for _, st := range o.states {
		out = append(out, st.Clone())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Signaling returns the relay channel state and, once the identity was
// refused, the relay's reason.
func (o *Orchestrator) Signaling() (domain.SignalingState, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.signaling, o.blockReason
}

// SendStreamControl asks source to start or stop its stream.
func (o *Orchestrator) SendStreamControl(source domain.Identity, action domain.StreamAction) error {
	if err := validation.ValidateIdentity(source.String()); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateStreamAction(string(action)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	o.logger.Infow("sending stream control", "source", source, "action", action)
	return o.signaler.Send(&domain.StreamControl{Routing: domain.Routing{Target: source}, Action: action})
}

// SendAudioDucking asks target to lower or restore its audio.
func (o *Orchestrator) SendAudioDucking(target domain.Identity, ducking bool, gain float64) error {
	if err := validation.ValidateIdentity(target.String()); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateGain(gain); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return o.signaler.Send(&domain.AudioDucking{Routing: domain.Routing{Target: target}, Ducking: ducking, Gain: gain})
}

// RequestOffer asks source for a fresh offer regardless of pending state.
func (o *Orchestrator) RequestOffer(source domain.Identity) error {
	if o.cfg.Role == domain.RoleSender {
		return domain.ErrWrongRole
	}
	if err := validation.ValidateIdentity(source.String()); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	o.requester.SetManuallyStopped(source, false)
	o.updateState(source, func(st *domain.SourceState) { st.ManuallyStopped = false })
	return o.sendRequest(source)
}

func (o *Orchestrator) sendRequestOffer(source domain.Identity) {
	if err := o.sendRequest(source); err != nil {
		o.logger.Warnw("failed to request offer", "source", source, "error", err)
	}
}

func (o *Orchestrator) sendRequest(source domain.Identity) error {
	o.metrics.IncOfferRequests(source)
	return o.signaler.Send(&domain.RequestOffer{Routing: domain.Routing{Target: source}})
}

// HandleSignalingState follows the relay channel. blockReason is set once
// the relay refused this identity.
func (o *Orchestrator) HandleSignalingState(state domain.SignalingState, blockReason string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.signaling = state
	if blockReason != "" {
		o.blockReason = blockReason
	}
	restored := state == domain.SignalingConnected && o.everConnected && o.live
	if state == domain.SignalingConnected {
		o.everConnected = true
	}
	o.mu.Unlock()

	o.metrics.SetSignalingState(state)
	o.requester.SetSignalingConnected(state == domain.SignalingConnected)
	if blockReason != "" {
		o.logger.Errorw("signaling blocked", "reason", blockReason)
	}
	if restored && o.cfg.Role == domain.RoleSender {
		o.broadcast(&domain.StreamRestored{})
	}
}

// HandleMessage dispatches one inbound relay message. It must be called from
// a single goroutine.
func (o *Orchestrator) HandleMessage(msg domain.Message) {
	from := msg.Sender()
	_, span := tracing.TraceSignal(o.ctx, string(msg.MessageType()), from.String())
	defer span.End()
	o.metrics.IncMessagesReceived(msg.MessageType())

	switch m := msg.(type) {
	case *domain.LoginSuccess:
		o.handlePresence(m.Clients)
		return
	case *domain.PeerConnected:
		o.handlePeerConnected(m.Peer)
		return
	case *domain.PeerDisconnected:
		o.handlePeerDisconnected(m.Peer)
		return
	case *domain.Login, *domain.LoginError, *domain.Ping, *domain.Pong:
		return
	}

	if reason := o.admit(msg); reason != "" {
		o.metrics.IncMessagesDropped(reason)
		o.logger.Warnw("dropping message", "type", msg.MessageType(), "from", from, "reason", reason)
		return
	}

	switch m := msg.(type) {
	case *domain.Offer:
		o.enqueue(from, "handle_offer", func(ctx context.Context, s ports.PeerSession) error {
			return s.HandleOffer(ctx, m.Offer)
		})
	case *domain.Answer:
		o.enqueueExisting(from, "handle_answer", func(ctx context.Context, s ports.PeerSession) error {
			return s.HandleAnswer(ctx, m.Answer)
		})
	case *domain.Candidate:
		o.enqueueExisting(from, "add_candidate", func(_ context.Context, s ports.PeerSession) error {
			return s.AddICECandidate(m.Candidate)
		})
	case *domain.RequestOffer:
		o.handleRequestOffer(from)
	case *domain.StreamStarting:
		o.handleStreamStarting(from)
	case *domain.StreamStarted:
		o.handleStreamLive(from)
	case *domain.StreamRestored:
		o.handleStreamLive(from)
	case *domain.StreamStopping:
		if o.isWatched(from) {
			o.announceLoading(from, domain.LoadingStopping)
		}
	case *domain.StreamStopped:
		o.handleStreamStopped(from, m.Reason)
	case *domain.StreamHeartbeat:
		if o.isWatched(from) {
			o.heartbeat.RecordHeartbeat(from)
		}
	case *domain.StreamError:
		o.handleStreamError(from, m)
	case *domain.PageOpened:
		o.handlePageOpened(from)
	case *domain.StreamControl:
		o.handleStreamControl(from, m.Action)
	case *domain.AudioDucking:
		o.handleAudioDucking(from, m.Ducking, m.Gain)
	default:
		o.logger.Warnw("unhandled message type", "type", msg.MessageType(), "from", from)
	}
}

// admit returns a non-empty drop reason for messages that must not be
// processed.
func (o *Orchestrator) admit(msg domain.Message) string {
	from := msg.Sender()
	if from == "" {
		return "missing_sender"
	}
	if from == o.identity {
		return "own_message"
	}
	if err := validation.ValidateIdentity(from.String()); err != nil {
		return "invalid_sender"
	}
	if t, ok := msg.(domain.Targeted); ok {
		if target := t.TargetIdentity(); target != "" && target != o.identity {
			return "wrong_target"
		}
	}
	if !o.allow(from) {
		return "rate_limited"
	}

	var err error
	switch m := msg.(type) {
	case *domain.Offer:
		err = validation.ValidateSessionDescription(m.Offer, webrtc.SDPTypeOffer)
	case *domain.Answer:
		err = validation.ValidateSessionDescription(m.Answer, webrtc.SDPTypeAnswer)
	case *domain.Candidate:
		err = validation.ValidateCandidate(m.Candidate)
	case *domain.StreamControl:
		err = validation.ValidateStreamAction(string(m.Action))
	case *domain.AudioDucking:
		err = validation.ValidateGain(m.Gain)
	}
	if err != nil {
		o.logger.Debugw("message failed validation", "type", msg.MessageType(), "error", err)
		return "invalid_payload"
	}
	return ""
}

func (o *Orchestrator) allow(from domain.Identity) bool {
	if o.cfg.InboundRate <= 0 {
		return true
	}
	o.mu.Lock()
	l, ok := o.limiters[from]
	if !ok {
		burst := o.cfg.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(o.cfg.InboundRate), burst)
		o.limiters[from] = l
	}
	o.mu.Unlock()
	return l.Allow()
}

func (o *Orchestrator) isWatched(source domain.Identity) bool {
	if o.cfg.Role == domain.RoleSender {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.watched) == 0 {
		return !source.IsOperator()
	}
	return o.watched[source]
}

// enqueue runs task against the session for source, creating the session
// if needed, in arrival order.
func (o *Orchestrator) enqueue(source domain.Identity, op string, task func(context.Context, ports.PeerSession) error) {
	o.push(source, op, true, task)
}

// enqueueExisting is enqueue for messages that only make sense inside a
// running negotiation. Without a session at run time the work is dropped.
func (o *Orchestrator) enqueueExisting(source domain.Identity, op string, task func(context.Context, ports.PeerSession) error) {
	o.push(source, op, false, task)
}

func (o *Orchestrator) push(source domain.Identity, op string, create bool, task func(context.Context, ports.PeerSession) error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	q, ok := o.queues[source]
	if !ok {
		q = newSessionQueue(o.cfg.QueueSize)
		o.queues[source] = q
	}
	pushed := q.push(func() {
		var s ports.PeerSession
		if create {
			s = o.sessionFor(source)
		} else {
			s = o.existingSession(source)
			if s == nil {
				o.metrics.IncMessagesDropped("no_session")
				o.logger.Debugw("dropping late message", "source", source, "operation", op)
			}
		}
		if s == nil {
			return
		}
		if err := task(o.ctx, s); err != nil {
			o.logNegotiationError(source, op, err)
		}
	})
	o.mu.Unlock()

	if !pushed {
		o.metrics.IncMessagesDropped("queue_full")
		o.logger.Warnw("session queue full, dropping work", "source", source, "operation", op)
	}
}

func (o *Orchestrator) logNegotiationError(source domain.Identity, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrOfferPending):
		o.logger.Debugw("offer already in progress", "source", source, "operation", op)
	case apperrors.HasCode(err, apperrors.ErrCodeSessionClosed):
		o.logger.Debugw("session closed during negotiation", "source", source, "operation", op)
	default:
		o.logger.Warnw("negotiation failed", "source", source, "operation", op, "error", err)
	}
}

// sessionFor returns the live session to source, creating it on first use.
func (o *Orchestrator) sessionFor(source domain.Identity) ports.PeerSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if s, ok := o.peers[source]; ok && !s.Closed() {
		return s
	}
	s := o.sessions.NewSession(source)
	s.OnEvent(func(e domain.SessionEvent) { o.handleSessionEvent(s, e) })
	o.peers[source] = s
	o.stateLocked(source)
	o.logger.Debugw("peer session created", "source", source)
	return s
}

func (o *Orchestrator) existingSession(source domain.Identity) ports.PeerSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if s, ok := o.peers[source]; ok && !s.Closed() {
		return s
	}
	return nil
}

// detachSession removes the session to source so its later events are
// ignored. The caller closes it outside the lock.
func (o *Orchestrator) detachSession(source domain.Identity) ports.PeerSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.peers[source]
	if !ok {
		return nil
	}
	delete(o.peers, source)
	return s
}

func (o *Orchestrator) closeSession(source domain.Identity, reason string) bool {
	s := o.detachSession(source)
	if s == nil {
		return false
	}
	s.Close()
	o.metrics.IncSessionsClosed(source, reason)
	o.logger.Infow("peer session closed", "source", source, "reason", reason)
	return true
}

func (o *Orchestrator) handleSessionEvent(s ports.PeerSession, e domain.SessionEvent) {
	o.mu.Lock()
	if o.closed || o.peers[e.Remote] != s {
		o.mu.Unlock()
		return
	}
	st := o.stateLocked(e.Remote)
	switch e.Type {
	case domain.EventStateChanged:
		st.Connection = e.State
		switch e.State {
		case domain.ConnectionConnected:
			o.resolveLoadingLocked(e.Remote, domain.LoadingStarting)
			st.LastError = ""
		case domain.ConnectionDisconnected, domain.ConnectionFailed:
			o.resolveLoadingLocked(e.Remote, domain.LoadingStopping)
			st.RemoteTracks = nil
		}
	case domain.EventTrackAdded:
		st.RemoteTracks = s.RemoteTracks()
	case domain.EventMetricsUpdated:
		m := e.Metrics
		st.Metrics = &m
	}
	snap := o.touchLocked(st)
	o.mu.Unlock()

	switch e.Type {
	case domain.EventStateChanged:
		o.metrics.SetConnectionState(e.Remote, e.State)
		switch e.State {
		case domain.ConnectionConnected:
			o.requester.MarkSourceConnected(e.Remote)
		case domain.ConnectionDisconnected, domain.ConnectionFailed:
			o.requester.MarkSourceDisconnected(e.Remote)
		}
	case domain.EventMetricsUpdated:
		o.metrics.SetQualityScore(e.Remote, e.Metrics.QualityScore)
	}
	o.emit(snap)
}

func (o *Orchestrator) handleHeartbeatChange(c HeartbeatChange) {
	o.metrics.SetHeartbeatStatus(c.Source, c.Status)
	if c.Status == domain.HeartbeatDead {
		o.logger.Warnw("source heartbeat lost", "source", c.Source, "previous", c.Previous.String())
	}
	o.updateState(c.Source, func(st *domain.SourceState) { st.Heartbeat = c.Status })
}

func (o *Orchestrator) handlePresence(clients []domain.Identity) {
	if o.cfg.Role == domain.RoleSender {
		return
	}
	for _, client := range clients {
		if client != o.identity && o.isWatched(client) {
			o.requester.SetSourceAvailable(client, true)
		}
	}
	o.requester.RequestFromAvailableSources()
}

func (o *Orchestrator) handlePeerConnected(peer domain.Identity) {
	if peer == o.identity || !o.isWatched(peer) {
		return
	}
	o.logger.Infow("source joined relay", "source", peer)
	o.requester.SetSourceAvailable(peer, true)
	o.requester.RequestFromAvailableSources()
}

// handlePeerDisconnected keeps the media session: a relay drop says nothing
// about the peer-to-peer transport.
func (o *Orchestrator) handlePeerDisconnected(peer domain.Identity) {
	if !o.isWatched(peer) {
		return
	}
	o.logger.Infow("source left relay", "source", peer)
	o.requester.SetSourceAvailable(peer, false)
}

func (o *Orchestrator) handleStreamStarting(from domain.Identity) {
	if !o.isWatched(from) {
		return
	}
	o.heartbeat.RecordHeartbeat(from)
	o.requester.SetManuallyStopped(from, false)
	o.requester.SetSourceAvailable(from, true)
	o.updateState(from, func(st *domain.SourceState) {
		st.ManuallyStopped = false
		st.LastError = ""
	})
	o.announceLoading(from, domain.LoadingStarting)
}

// handleStreamLive covers stream_started and stream_restored.
func (o *Orchestrator) handleStreamLive(from domain.Identity) {
	if !o.isWatched(from) {
		return
	}
	o.heartbeat.RecordHeartbeat(from)
	o.requester.SetManuallyStopped(from, false)
	o.requester.SetSourceAvailable(from, true)
	o.updateState(from, func(st *domain.SourceState) { st.ManuallyStopped = false })
	o.requester.RequestFromAvailableSources()
}

// handleStreamStopped treats only network_lost as involuntary; the session
// is then left to its own reconnection.
func (o *Orchestrator) handleStreamStopped(from domain.Identity, reason domain.StopReason) {
	if !o.isWatched(from) {
		return
	}
	if !reason.Deliberate() {
		o.logger.Warnw("source lost its network", "source", from)
		o.updateState(from, func(st *domain.SourceState) { st.LastError = string(reason) })
		return
	}

	o.logger.Infow("source stopped deliberately", "source", from, "reason", reason)
	o.requester.SetManuallyStopped(from, true)
	o.heartbeat.ResetSource(from)
	o.closeSession(from, "stream_stopped")
	o.requester.MarkSourceDisconnected(from)

	o.mu.Lock()
	st := o.stateLocked(from)
	st.ManuallyStopped = true
	st.Connection = domain.ConnectionDisconnected
	st.RemoteTracks = nil
	st.Metrics = nil
	o.resolveLoadingLocked(from, domain.LoadingStopping)
	snap := o.touchLocked(st)
	o.mu.Unlock()

	o.metrics.SetConnectionState(from, domain.ConnectionDisconnected)
	o.emit(snap)
}

func (o *Orchestrator) handleStreamError(from domain.Identity, m *domain.StreamError) {
	if !o.isWatched(from) {
		return
	}
	text := m.Error
	if m.Message != "" {
		text = fmt.Sprintf("%s: %s", m.Error, m.Message)
	}
	o.logger.Warnw("source reported error", "source", from, "error", text)
	o.updateState(from, func(st *domain.SourceState) { st.LastError = text })
}

// handlePageOpened drops the session to a peer whose page reloaded.
// Receivers and operators ask for a new offer straight away.
func (o *Orchestrator) handlePageOpened(from domain.Identity) {
	closed := o.closeSession(from, "page_opened")
	if o.cfg.Role == domain.RoleSender {
		return
	}
	if !o.isWatched(from) {
		return
	}
	o.requester.MarkSourceDisconnected(from)
	o.requester.SetManuallyStopped(from, false)
	o.requester.SetSourceAvailable(from, true)

	o.mu.Lock()
	st := o.stateLocked(from)
	st.ManuallyStopped = false
	if closed {
		st.Connection = domain.ConnectionDisconnected
		st.RemoteTracks = nil
		st.Metrics = nil
	}
	snap := o.touchLocked(st)
	o.mu.Unlock()
	o.emit(snap)

	o.sendRequestOffer(from)
}

func (o *Orchestrator) handleStreamControl(from domain.Identity, action domain.StreamAction) {
	if o.cfg.Role != domain.RoleSender {
		o.logger.Debugw("ignoring stream control", "from", from)
		return
	}
	o.mu.Lock()
	handler := o.onControl
	o.mu.Unlock()

	o.logger.Infow("stream control received", "from", from, "action", action)
	if handler != nil {
		handler(from, action)
		return
	}
	var err error
	switch action {
	case domain.ActionStart:
		err = o.StartStream(o.ctx)
	case domain.ActionStop:
		err = o.StopStream(domain.StopReasonManual)
	}
	if err != nil {
		o.logger.Warnw("stream control failed", "action", action, "error", err)
	}
}

func (o *Orchestrator) handleAudioDucking(from domain.Identity, ducking bool, gain float64) {
	o.mu.Lock()
	handler := o.onDucking
	o.mu.Unlock()
	if handler == nil {
		o.logger.Debugw("no ducking handler", "from", from)
		return
	}
	handler(from, ducking, gain)
}

// announceLoading shows loading for source once the debounce elapses, unless
// the matching connection transition happens first. A safety timeout clears
// it in any case.
func (o *Orchestrator) announceLoading(source domain.Identity, loading domain.LoadingState) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	ind := o.indicatorLocked(source)
	ind.gen++
	ind.want = loading
	if ind.timer != nil {
		ind.timer.Stop()
		ind.timer = nil
	}
	gen := ind.gen
	if o.cfg.LoadingDebounce > 0 {
		ind.timer = time.AfterFunc(o.cfg.LoadingDebounce, func() { o.showLoading(source, gen) })
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.showLoading(source, gen)
}

func (o *Orchestrator) showLoading(source domain.Identity, gen uint64) {
	o.mu.Lock()
	ind := o.indicatorLocked(source)
	if o.closed || ind.gen != gen || ind.want == domain.LoadingNone {
		o.mu.Unlock()
		return
	}
	st := o.stateLocked(source)
	st.Loading = ind.want
	if o.cfg.LoadingTimeout > 0 {
		ind.timer = time.AfterFunc(o.cfg.LoadingTimeout, func() { o.expireLoading(source, gen) })
	}
	snap := o.touchLocked(st)
	o.mu.Unlock()
	o.emit(snap)
}

func (o *Orchestrator) expireLoading(source domain.Identity, gen uint64) {
	o.mu.Lock()
	ind := o.indicatorLocked(source)
	if o.closed || ind.gen != gen {
		o.mu.Unlock()
		return
	}
	o.logger.Debugw("loading indicator timed out", "source", source, "loading", ind.want)
	ind.want = domain.LoadingNone
	ind.timer = nil
	st := o.stateLocked(source)
	st.Loading = domain.LoadingNone
	snap := o.touchLocked(st)
	o.mu.Unlock()
	o.emit(snap)
}

// resolveLoadingLocked clears a pending or shown indicator of kind.
func (o *Orchestrator) resolveLoadingLocked(source domain.Identity, kind domain.LoadingState) {
	ind, ok := o.loading[source]
	if !ok || ind.want != kind {
		return
	}
	ind.gen++
	ind.want = domain.LoadingNone
	if ind.timer != nil {
		ind.timer.Stop()
		ind.timer = nil
	}
	o.stateLocked(source).Loading = domain.LoadingNone
}

func (o *Orchestrator) indicatorLocked(source domain.Identity) *loadingIndicator {
	ind, ok := o.loading[source]
	if !ok {
		ind = &loadingIndicator{}
		o.loading[source] = ind
	}
	return ind
}

func (o *Orchestrator) stateLocked(source domain.Identity) *domain.SourceState {
	st, ok := o.states[source]
	if !ok {
		st = &domain.SourceState{
			Source:     source,
			Connection: domain.ConnectionDisconnected,
			Heartbeat:  domain.HeartbeatUnknown,
			UpdatedAt:  time.Now(),
		}
		o.states[source] = st
	}
	return st
}

func (o *Orchestrator) touchLocked(st *domain.SourceState) domain.SourceState {
	st.UpdatedAt = time.Now()
	return st.Clone()
}

func (o *Orchestrator) updateState(source domain.Identity, fn func(*domain.SourceState)) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	st := o.stateLocked(source)
	fn(st)
	snap := o.touchLocked(st)
	o.mu.Unlock()
	o.emit(snap)
}

func (o *Orchestrator) emit(snap domain.SourceState) {
	o.mu.Lock()
	observers := make([]func(domain.SourceState), 0, len(o.observers))
	ids := make([]int, 0, len(o.observers))
	for id := range o.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		observers = append(observers, o.observers[id])
	}
	o.mu.Unlock()

	for _, fn := range observers {
		fn(snap.Clone())
	}
	if o.publisher != nil {
		if err := o.publisher.Publish(snap); err != nil {
			o.logger.Debugw("failed to publish source state", "source", snap.Source, "error", err)
		}
	}
}

func (o *Orchestrator) broadcast(msg domain.Message) {
	if err := o.signaler.Send(msg); err != nil {
		o.logger.Warnw("failed to broadcast", "type", msg.MessageType(), "error", err)
	}
}

type noopMetrics struct{}

func (noopMetrics) SetSignalingState(domain.SignalingState)                   {}
func (noopMetrics) SetConnectionState(domain.Identity, domain.ConnectionState) {}
func (noopMetrics) SetHeartbeatStatus(domain.Identity, domain.HeartbeatStatus) {}
func (noopMetrics) SetQualityScore(domain.Identity, int)                      {}
func (noopMetrics) IncMessagesReceived(domain.MessageType)                    {}
func (noopMetrics) IncMessagesDropped(string)                                 {}
func (noopMetrics) IncOfferRequests(domain.Identity)                          {}
func (noopMetrics) IncSessionsClosed(domain.Identity, string)                 {}
