package webrtc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"kioskrtc/internal/core/domain"
	"kioskrtc/internal/core/ports"
	"kioskrtc/internal/core/services"
	apperrors "kioskrtc/pkg/errors"
	"kioskrtc/pkg/retry"
	"kioskrtc/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SessionConfig parameterizes one peer session.
type SessionConfig struct {
	OperationTimeout time.Duration
	StatsInterval    time.Duration
	Reconnect        retry.Policy
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		OperationTimeout: 10 * time.Second,
		StatsInterval:    2 * time.Second,
		Reconnect:        retry.DefaultPolicy(),
	}
}

type bufferedCandidate struct {
	candidate webrtc.ICECandidateInit
	epoch     uint64
}

// PeerSession negotiates and maintains the media transport to one remote
// endpoint. Negotiation steps are serialized; every transport call made on
// behalf of a negotiation is bounded by OperationTimeout.
type PeerSession struct {
	local    domain.Identity
	remote   domain.Identity
	factory  ports.TransportFactory
	signaler ports.Signaler
	quality  *services.QualityService
	cfg      SessionConfig
	logger   *zap.SugaredLogger

	negotiation sync.Mutex

	mu           sync.Mutex
	transport    ports.Transport
	epoch        uint64
	state        domain.ConnectionState
	offerPending bool
	pending      []bufferedCandidate
	closed       bool
	closing      bool

	localTracks []webrtc.TrackLocal
	maxBitrate  map[webrtc.RTPCodecType]uint64
	codecPrefs  map[webrtc.RTPCodecType]string

	backoff      *retry.Backoff
	restartTimer *time.Timer

	statsStop    chan struct{}
	statsDone    chan struct{}
	prevStats    *domain.RawStats
	metrics      *domain.PeerMetrics
	remoteTracks []domain.MediaTrack

	onEvent func(domain.SessionEvent)
}

func NewPeerSession(
	local, remote domain.Identity,
	factory ports.TransportFactory,
	signaler ports.Signaler,
	quality *services.QualityService,
	cfg SessionConfig,
	logger *zap.SugaredLogger,
) *PeerSession {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultSessionConfig().OperationTimeout
	}
	if quality == nil {
		quality = services.NewQualityService()
	}
	return &PeerSession{
		local:      local,
		remote:     remote,
		factory:    factory,
		signaler:   signaler,
		quality:    quality,
		cfg:        cfg,
		logger:     logger.With("source", remote),
		maxBitrate: make(map[webrtc.RTPCodecType]uint64),
		codecPrefs: make(map[webrtc.RTPCodecType]string),
		backoff:    retry.NewBackoff(cfg.Reconnect),
	}
}

// OnEvent registers the session's observer. Events are delivered outside
// the session lock.
func (s *PeerSession) OnEvent(fn func(domain.SessionEvent)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

func (s *PeerSession) Remote() domain.Identity { return s.remote }

func (s *PeerSession) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PeerSession) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *PeerSession) OfferPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offerPending
}

func (s *PeerSession) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *PeerSession) Metrics() *domain.PeerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		return nil
	}
	m := *s.metrics
	return &m
}

func (s *PeerSession) RemoteTracks() []domain.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MediaTrack(nil), s.remoteTracks...)
}

func (s *PeerSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Initialize tears down any existing transport and builds a fresh one under
// a new epoch.
func (s *PeerSession) Initialize() error {
	s.negotiation.Lock()
	defer s.negotiation.Unlock()
	_, err := s.initializeLocked()
	return err
}

// initializeLocked requires the negotiation lock.
func (s *PeerSession) initializeLocked() (ports.Transport, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.NewSessionClosedError().WithContext("source", s.remote)
	}
	old := s.transport
	s.transport = nil
	s.epoch++
	epoch := s.epoch
	dropped := s.pruneCandidatesLocked(epoch)
	s.stopRestartLocked()
	statsDone := s.detachStatsLocked()
	s.prevStats = nil
	s.metrics = nil
	s.remoteTracks = nil
	s.backoff.Reset()
	tracks := append([]webrtc.TrackLocal(nil), s.localTracks...)
	caps := copyCaps(s.maxBitrate)
	prefs := copyPrefs(s.codecPrefs)
	s.mu.Unlock()

	if statsDone != nil {
		<-statsDone
	}
	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debugw("error closing previous transport", "error", err)
		}
	}
	if dropped > 0 {
		s.logger.Debugw("discarded stale candidates", "count", dropped, "epoch", epoch)
	}

	t, err := s.factory.NewTransport()
	if err != nil {
		return nil, apperrors.NewNegotiationError("initialize", err)
	}

	t.OnICECandidate(func(c webrtc.ICECandidateInit) { s.handleLocalCandidate(epoch, c) })
	t.OnConnectionStateChange(func(st webrtc.PeerConnectionState) { s.handleTransportState(epoch, st) })
	t.OnTrack(func(track domain.MediaTrack) { s.handleRemoteTrack(epoch, track) })

	for _, track := range tracks {
		if err := t.AddTrack(track); err != nil {
			s.logger.Warnw("failed to attach local track", "track", track.ID(), "error", err)
		}
	}
	for kind, bps := range caps {
		_ = t.SetMaxBitrate(kind, bps)
	}
	for kind, mime := range prefs {
		if err := t.SetCodecPreference(kind, mime); err != nil {
			s.logger.Warnw("failed to apply codec preference", "codec", mime, "error", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = t.Close()
		return nil, apperrors.NewSessionClosedError().WithContext("source", s.remote)
	}
	s.transport = t
	s.mu.Unlock()

	s.logger.Infow("peer session initialized", "epoch", epoch)
	s.setState(domain.ConnectionConnecting)
	return t, nil
}

// CreateOffer produces, commits and sends an offer. A second call while one
// is in flight fails with ErrOfferPending.
func (s *PeerSession) CreateOffer(ctx context.Context) error {
	if err := s.beginOffer(); err != nil {
		return err
	}
	defer s.endOffer()

	s.negotiation.Lock()
	defer s.negotiation.Unlock()

	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		var err error
		if t, err = s.initializeLocked(); err != nil {
			return err
		}
	}
	return s.sendOffer(ctx, t, false)
}

func (s *PeerSession) beginOffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.NewSessionClosedError().WithContext("source", s.remote)
	}
	if s.offerPending {
		return domain.ErrOfferPending
	}
	s.offerPending = true
	return nil
}

func (s *PeerSession) endOffer() {
	s.mu.Lock()
	s.offerPending = false
	s.mu.Unlock()
}

// sendOffer requires the negotiation lock.
func (s *PeerSession) sendOffer(ctx context.Context, t ports.Transport, iceRestart bool) (err error) {
	op := "create_offer"
	if iceRestart {
		op = "ice_restart"
	}
	ctx, span := tracing.TraceNegotiation(ctx, op, s.remote.String(), s.Epoch())
	defer span.End()
	defer func() { tracing.RecordError(ctx, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	offer, err := callWithTimeout(ctx, "create_offer", func() (webrtc.SessionDescription, error) {
		return t.CreateOffer(iceRestart)
	})
	if err != nil {
		return err
	}
	wire, err := callWithTimeout(ctx, "set_local_description", func() (webrtc.SessionDescription, error) {
		return t.CommitLocalDescription(offer)
	})
	if err != nil {
		return err
	}
	msg := &domain.Offer{Routing: domain.Routing{Target: s.remote}, Offer: wire}
	if _, err := callWithTimeout(ctx, "send_offer", func() (struct{}, error) {
		return struct{}{}, s.signaler.Send(msg)
	}); err != nil {
		return err
	}

	s.logger.Infow("offer sent", "ice_restart", iceRestart)
	return nil
}

// HandleOffer always rebuilds the transport before applying a remote offer,
// since the remote may itself have restarted.
func (s *PeerSession) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (err error) {
	s.negotiation.Lock()
	defer s.negotiation.Unlock()

	t, err := s.initializeLocked()
	if err != nil {
		return err
	}

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	ctx, span := tracing.TraceNegotiation(ctx, "handle_offer", s.remote.String(), epoch)
	defer span.End()
	defer func() { tracing.RecordError(ctx, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	if _, err := callWithTimeout(ctx, "set_remote_description", func() (struct{}, error) {
		return struct{}{}, t.SetRemoteDescription(offer)
	}); err != nil {
		return err
	}
	s.flushCandidates(t, epoch)

	answer, err := callWithTimeout(ctx, "create_answer", t.CreateAnswer)
	if err != nil {
		return err
	}
	wire, err := callWithTimeout(ctx, "set_local_description", func() (webrtc.SessionDescription, error) {
		return t.CommitLocalDescription(answer)
	})
	if err != nil {
		return err
	}
	msg := &domain.Answer{Routing: domain.Routing{Target: s.remote}, Answer: wire}
	if _, err := callWithTimeout(ctx, "send_answer", func() (struct{}, error) {
		return struct{}{}, s.signaler.Send(msg)
	}); err != nil {
		return err
	}

	s.logger.Infow("answer sent", "epoch", epoch)
	return nil
}

// HandleAnswer applies answer only while a local offer is outstanding.
func (s *PeerSession) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) (err error) {
	s.negotiation.Lock()
	defer s.negotiation.Unlock()

	s.mu.Lock()
	t := s.transport
	epoch := s.epoch
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return apperrors.NewSessionClosedError().WithContext("source", s.remote)
	}
	if t == nil {
		return domain.ErrNoTransport
	}
	if !t.AwaitingAnswer() {
		return domain.ErrUnexpectedAnswer
	}

	ctx, span := tracing.TraceNegotiation(ctx, "handle_answer", s.remote.String(), epoch)
	defer span.End()
	defer func() { tracing.RecordError(ctx, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	if _, err := callWithTimeout(ctx, "set_remote_description", func() (struct{}, error) {
		return struct{}{}, t.SetRemoteDescription(answer)
	}); err != nil {
		return err
	}
	s.flushCandidates(t, epoch)
	s.endOffer()
	return nil
}

// AddICECandidate applies candidate now if the remote description is set,
// otherwise buffers it under the current epoch.
func (s *PeerSession) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.NewSessionClosedError().WithContext("source", s.remote)
	}
	t := s.transport
	if t == nil || !t.HasRemoteDescription() {
		s.pending = append(s.pending, bufferedCandidate{candidate: candidate, epoch: s.epoch})
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := t.AddICECandidate(candidate); err != nil {
		return apperrors.NewNegotiationError("add_ice_candidate", err)
	}
	return nil
}

func (s *PeerSession) pruneCandidatesLocked(epoch uint64) int {
	kept := s.pending[:0]
	for _, c := range s.pending {
		if c.epoch == epoch {
			kept = append(kept, c)
		}
	}
	dropped := len(s.pending) - len(kept)
	s.pending = kept
	return dropped
}

// flushCandidates applies buffered candidates of epoch to t. It must run
// after t's remote description is committed.
func (s *PeerSession) flushCandidates(t ports.Transport, epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || s.transport != t {
		s.mu.Unlock()
		return
	}
	var ready []webrtc.ICECandidateInit
	stale := 0
	for _, c := range s.pending {
		if c.epoch == epoch {
			ready = append(ready, c.candidate)
		} else {
			stale++
		}
	}
	s.pending = nil
	s.mu.Unlock()

	if stale > 0 {
		s.logger.Debugw("discarded stale candidates", "count", stale, "epoch", epoch)
	}
	for _, c := range ready {
		if err := t.AddICECandidate(c); err != nil {
			s.logger.Warnw("failed to apply buffered candidate", "epoch", epoch, "error", err)
		}
	}
}

func (s *PeerSession) handleLocalCandidate(epoch uint64, c webrtc.ICECandidateInit) {
	s.mu.Lock()
	current := epoch == s.epoch && !s.closed
	s.mu.Unlock()
	if !current {
		return
	}
	msg := &domain.Candidate{Routing: domain.Routing{Target: s.remote}, Candidate: c}
	if err := s.signaler.Send(msg); err != nil {
		s.logger.Debugw("failed to send candidate", "error", err)
	}
}

func (s *PeerSession) handleRemoteTrack(epoch uint64, track domain.MediaTrack) {
	s.mu.Lock()
	if epoch != s.epoch || s.closed {
		s.mu.Unlock()
		return
	}
	s.remoteTracks = append(s.remoteTracks, track)
	cb := s.onEvent
	s.mu.Unlock()

	s.logger.Infow("remote track added", "track", track.ID(), "stream", track.StreamID())
	if cb != nil {
		cb(domain.SessionEvent{Type: domain.EventTrackAdded, Remote: s.remote, Track: track})
	}
}

func (s *PeerSession) handleTransportState(epoch uint64, st webrtc.PeerConnectionState) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}

	next := s.state
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.backoff.Reset()
		s.stopRestartLocked()
		s.startStatsLocked()
		next = domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if s.closing || s.closed {
			next = domain.ConnectionFailed
		} else {
			next = domain.ConnectionReconnecting
			s.scheduleRestartLocked()
		}
	case webrtc.PeerConnectionStateConnecting:
		if s.state != domain.ConnectionReconnecting {
			next = domain.ConnectionConnecting
		}
	}
	s.mu.Unlock()

	s.logger.Debugw("transport state changed", "state", st.String(), "epoch", epoch)
	s.setState(next)
}

func (s *PeerSession) setState(next domain.ConnectionState) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	cb := s.onEvent
	s.mu.Unlock()

	s.logger.Infow("connection state changed", "state", next.String(), "previous", prev.String())
	if cb != nil {
		cb(domain.SessionEvent{Type: domain.EventStateChanged, Remote: s.remote, State: next})
	}
}

func (s *PeerSession) scheduleRestartLocked() {
	if s.restartTimer != nil || s.closed {
		return
	}
	delay := s.backoff.Next()
	epoch := s.epoch
	s.logger.Infow("scheduling ICE restart", "delay", delay, "attempt", s.backoff.Attempt())
	s.restartTimer = time.AfterFunc(delay, func() { s.restartICE(epoch) })
}

func (s *PeerSession) stopRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// restartICE renegotiates connectivity on the existing transport. It does
// not bump the epoch.
func (s *PeerSession) restartICE(epoch uint64) {
	s.mu.Lock()
	s.restartTimer = nil
	if s.closed || epoch != s.epoch || s.state == domain.ConnectionConnected || s.transport == nil {
		s.mu.Unlock()
		return
	}
	if s.offerPending {
		s.scheduleRestartLocked()
		s.mu.Unlock()
		return
	}
	s.offerPending = true
	t := s.transport
	s.mu.Unlock()

	s.negotiation.Lock()
	err := s.sendOffer(context.Background(), t, true)
	s.negotiation.Unlock()
	s.endOffer()

	if err != nil {
		s.logger.Warnw("ICE restart failed", "error", err)
	}

	s.mu.Lock()
	if !s.closed && epoch == s.epoch && s.state != domain.ConnectionConnected {
		s.scheduleRestartLocked()
	}
	s.mu.Unlock()
}

func (s *PeerSession) startStatsLocked() {
	if s.statsStop != nil || s.cfg.StatsInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.statsStop, s.statsDone = stop, done
	go s.statsLoop(stop, done)
}

// detachStatsLocked signals the stats loop to exit and returns the channel
// to wait on once the lock is released.
func (s *PeerSession) detachStatsLocked() chan struct{} {
	if s.statsStop == nil {
		return nil
	}
	close(s.statsStop)
	done := s.statsDone
	s.statsStop, s.statsDone = nil, nil
	return done
}

func (s *PeerSession) statsLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.SampleStats()
		}
	}
}

// SampleStats pulls one raw sample and derives fresh metrics. It does
// nothing unless the session is connected.
func (s *PeerSession) SampleStats() {
	s.mu.Lock()
	t := s.transport
	prev := s.prevStats
	if t == nil || s.state != domain.ConnectionConnected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	raw, err := t.Stats()
	if err != nil {
		s.logger.Debugw("failed to read stats", "error", err)
		return
	}
	metrics := s.quality.Derive(raw, prev)

	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	s.prevStats = &raw
	s.metrics = &metrics
	cb := s.onEvent
	s.mu.Unlock()

	if cb != nil {
		cb(domain.SessionEvent{Type: domain.EventMetricsUpdated, Remote: s.remote, Metrics: metrics})
	}
}

// SetLocalTracks replaces the local media set. Tracks are attached to the
// current transport immediately; a renegotiation is needed for the remote to
// see them.
func (s *PeerSession) SetLocalTracks(tracks []webrtc.TrackLocal) {
	s.mu.Lock()
	s.localTracks = append([]webrtc.TrackLocal(nil), tracks...)
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return
	}
	for _, track := range tracks {
		if err := t.AddTrack(track); err != nil {
			s.logger.Warnw("failed to attach local track", "track", track.ID(), "error", err)
		}
	}
}

// ReplaceTrack hot-swaps the outgoing track of the same kind without
// renegotiation.
func (s *PeerSession) ReplaceTrack(track webrtc.TrackLocal) error {
	if track == nil {
		return apperrors.NewInvalidInputError("track is required")
	}
	kind := track.Kind()

	s.mu.Lock()
	replaced := false
	for i, existing := range s.localTracks {
		if existing.Kind() == kind {
			s.localTracks[i] = track
			replaced = true
			break
		}
	}
	if !replaced {
		s.localTracks = append(s.localTracks, track)
	}
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.ReplaceTrack(kind, track)
}

// SetMaxBitrate caps outgoing media of kind in bits per second. Zero clears
// the cap.
func (s *PeerSession) SetMaxBitrate(kind webrtc.RTPCodecType, bps uint64) error {
	s.mu.Lock()
	if bps == 0 {
		delete(s.maxBitrate, kind)
	} else {
		s.maxBitrate[kind] = bps
	}
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.SetMaxBitrate(kind, bps)
}

// SetPreferredCodec takes effect on the next negotiation. An empty mime type
// restores the default order.
func (s *PeerSession) SetPreferredCodec(kind webrtc.RTPCodecType, mimeType string) error {
	s.mu.Lock()
	if mimeType == "" {
		delete(s.codecPrefs, kind)
	} else {
		s.codecPrefs[kind] = mimeType
	}
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.SetCodecPreference(kind, mimeType)
}

// Close is terminal. It cancels timers and the stats loop before releasing
// the transport, and is safe to call more than once.
func (s *PeerSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closing = true
	s.stopRestartLocked()
	statsDone := s.detachStatsLocked()
	t := s.transport
	s.mu.Unlock()

	if statsDone != nil {
		<-statsDone
	}
	if t != nil {
		if err := t.Close(); err != nil {
			s.logger.Debugw("error closing transport", "error", err)
		}
	}

	s.mu.Lock()
	s.transport = nil
	s.pending = nil
	s.metrics = nil
	s.prevStats = nil
	s.remoteTracks = nil
	s.closing = false
	s.mu.Unlock()

	s.logger.Infow("peer session closed")
	s.setState(domain.ConnectionDisconnected)
}

// ParseBitrate accepts "auto" or a number of bits per second with an
// optional k/m suffix.
func ParseBitrate(v string) (uint64, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" || v == "auto" {
		return 0, nil
	}
	mult := uint64(1)
	switch {
	case strings.HasSuffix(v, "k"):
		mult, v = 1000, strings.TrimSuffix(v, "k")
	case strings.HasSuffix(v, "m"):
		mult, v = 1_000_000, strings.TrimSuffix(v, "m")
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, apperrors.NewInvalidInputError(fmt.Sprintf("invalid bitrate %q", v))
	}
	return n * mult, nil
}

// callWithTimeout runs fn and gives up when ctx ends first. fn keeps running
// in the background in that case; its result is discarded.
func callWithTimeout[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			var zero T
			if apperrors.IsAppError(r.err) {
				return zero, r.err
			}
			return zero, apperrors.NewNegotiationError(op, r.err)
		}
		return r.val, nil
	case <-ctx.Done():
		var zero T
		return zero, apperrors.NewOperationTimeout(op, ctx.Err())
	}
}

func copyCaps(in map[webrtc.RTPCodecType]uint64) map[webrtc.RTPCodecType]uint64 {
	out := make(map[webrtc.RTPCodecType]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyPrefs(in map[webrtc.RTPCodecType]string) map[webrtc.RTPCodecType]string {
	out := make(map[webrtc.RTPCodecType]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
