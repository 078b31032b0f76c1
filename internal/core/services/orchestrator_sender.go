package services

import (
	"context"
	"time"

	"kioskrtc/internal/core/domain"
	"kioskrtc/internal/core/ports"
)

// OnControl replaces the default stream_control behaviour, which starts or
// stops the stream.
func (o *Orchestrator) OnControl(fn ControlHandler) {
	o.mu.Lock()
	o.onControl = fn
	o.mu.Unlock()
}

func (o *Orchestrator) OnDucking(fn DuckingHandler) {
	o.mu.Lock()
	o.onDucking = fn
	o.mu.Unlock()
}

// Live reports whether a sender is currently streaming.
func (o *Orchestrator) Live() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live
}

// StartStream announces the stream and starts the heartbeat loop. Starting a
// live stream is a no-op.
func (o *Orchestrator) StartStream(ctx context.Context) error {
	if o.cfg.Role != domain.RoleSender {
		return domain.ErrWrongRole
	}
	o.mu.Lock()
	if o.closed || o.live {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if err := o.signaler.Send(&domain.StreamStarting{}); err != nil {
		o.logger.Warnw("failed to announce stream start", "error", err)
	}

	o.mu.Lock()
	if o.closed || o.live {
		o.mu.Unlock()
		return nil
	}
	o.live = true
	stop := make(chan struct{})
	done := make(chan struct{})
	o.beatStop, o.beatDone = stop, done
	o.mu.Unlock()

	go o.heartbeatLoop(ctx, stop, done)
	o.logger.Infow("stream started")
	return o.signaler.Send(&domain.StreamStarted{})
}

// StopStream tears down every session and announces the stop with reason.
func (o *Orchestrator) StopStream(reason domain.StopReason) error {
	if o.cfg.Role != domain.RoleSender {
		return domain.ErrWrongRole
	}
	if reason == "" {
		reason = domain.StopReasonManual
	}
	o.broadcast(&domain.StreamStopping{})

	o.mu.Lock()
	o.live = false
	beatDone := o.detachBeatLocked()
	remotes := make([]domain.Identity, 0, len(o.peers))
	for id := range o.peers {
		remotes = append(remotes, id)
	}
	o.mu.Unlock()

	if beatDone != nil {
		<-beatDone
	}
	for _, remote := range remotes {
		o.closeSession(remote, "stream_stopped")
		o.markDisconnected(remote)
	}

	o.logger.Infow("stream stopped", "reason", reason)
	return o.signaler.Send(&domain.StreamStopped{Reason: reason})
}

// MarkPageOpened tells peers this endpoint (re)loaded so they drop stale
// sessions to it.
func (o *Orchestrator) MarkPageOpened() error {
	return o.signaler.Send(&domain.PageOpened{})
}

// ReportError broadcasts a stream_error.
func (o *Orchestrator) ReportError(code, message string) error {
	o.logger.Warnw("reporting stream error", "error", code, "message", message)
	return o.signaler.Send(&domain.StreamError{Error: code, Message: message})
}

// handleRequestOffer answers a receiver that wants media with a fresh offer
// on a new transport, unless an offer to it is already in flight.
func (o *Orchestrator) handleRequestOffer(from domain.Identity) {
	if o.cfg.Role != domain.RoleSender {
		o.logger.Debugw("ignoring offer request", "from", from)
		return
	}
	if !o.Live() {
		o.logger.Debugw("not streaming, ignoring offer request", "from", from)
		return
	}
	o.enqueue(from, "create_offer", func(ctx context.Context, s ports.PeerSession) error {
		if s.OfferPending() {
			return domain.ErrOfferPending
		}
		if s.Epoch() > 0 {
			if err := s.Initialize(); err != nil {
				return err
			}
		}
		return s.CreateOffer(ctx)
	})
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := o.signaler.Send(&domain.StreamHeartbeat{}); err != nil {
				o.logger.Debugw("heartbeat not sent", "error", err)
			}
		}
	}
}

func (o *Orchestrator) detachBeatLocked() chan struct{} {
	if o.beatStop == nil {
		return nil
	}
	close(o.beatStop)
	done := o.beatDone
	o.beatStop, o.beatDone = nil, nil
	return done
}

func (o *Orchestrator) markDisconnected(remote domain.Identity) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	st := o.stateLocked(remote)
	st.Connection = domain.ConnectionDisconnected
	st.RemoteTracks = nil
	st.Metrics = nil
	snap := o.touchLocked(st)
	o.mu.Unlock()

	o.metrics.SetConnectionState(remote, domain.ConnectionDisconnected)
	o.emit(snap)
}
