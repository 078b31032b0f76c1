package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"kioskrtc/internal/core/domain"

	"go.uber.org/zap"
)

type offerRequestState struct {
	available       bool
	connected       bool
	requested       bool
	manuallyStopped bool
}

// OfferRequester asks reachable but unconnected sources for an offer, at
// most once per source until that source connects or signaling reconnects.
type OfferRequester struct {
	retryInterval time.Duration
	logger        *zap.SugaredLogger

	mu                 sync.Mutex
	sources            map[domain.Identity]*offerRequestState
	signalingConnected bool
	request            func(domain.Identity)

	stop chan struct{}
	done chan struct{}
}

func NewOfferRequester(retryInterval time.Duration, logger *zap.SugaredLogger) *OfferRequester {
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &OfferRequester{
		retryInterval: retryInterval,
		logger:        logger,
		sources:       make(map[domain.Identity]*offerRequestState),
	}
}

// OnRequest registers the callback that actually sends request_offer.
func (r *OfferRequester) OnRequest(fn func(domain.Identity)) {
	r.mu.Lock()
	r.request = fn
	r.mu.Unlock()
}

func (r *OfferRequester) stateLocked(source domain.Identity) *offerRequestState {
	st, ok := r.sources[source]
	if !ok {
		st = &offerRequestState{}
		r.sources[source] = st
	}
	return st
}

func (r *OfferRequester) SetSourceAvailable(source domain.Identity, available bool) {
	r.mu.Lock()
	st := r.stateLocked(source)
	st.available = available
	if !available {
		st.requested = false
	}
	r.mu.Unlock()
}

func (r *OfferRequester) MarkSourceConnected(source domain.Identity) {
	r.mu.Lock()
	st := r.stateLocked(source)
	st.connected = true
	st.requested = false
	r.mu.Unlock()
}

func (r *OfferRequester) MarkSourceDisconnected(source domain.Identity) {
	r.mu.Lock()
	r.stateLocked(source).connected = false
	r.mu.Unlock()
}

func (r *OfferRequester) SetManuallyStopped(source domain.Identity, stopped bool) {
	r.mu.Lock()
	r.stateLocked(source).manuallyStopped = stopped
	r.mu.Unlock()
}

func (r *OfferRequester) ManuallyStopped(source domain.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sources[source]
	return ok && st.manuallyStopped
}

// IsPending reports whether a request to source is outstanding.
func (r *OfferRequester) IsPending(source domain.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sources[source]
	return ok && st.requested
}

// SetSignalingConnected records relay connectivity. A fresh connection
// clears every pending flag because the relay may have dropped in-flight
// requests.
func (r *OfferRequester) SetSignalingConnected(connected bool) {
	r.mu.Lock()
	r.signalingConnected = connected
	if connected {
		for _, st := range r.sources {
			st.requested = false
		}
	}
	r.mu.Unlock()
}

// RequestFromAvailableSources requests an offer from every eligible source
// that has no request pending and returns the sources asked.
func (r *OfferRequester) RequestFromAvailableSources() []domain.Identity {
	return r.sweep(false)
}

// RetrySweep re-requests from every eligible source, pending or not.
func (r *OfferRequester) RetrySweep() []domain.Identity {
	return r.sweep(true)
}

func (r *OfferRequester) sweep(ignorePending bool) []domain.Identity {
	r.mu.Lock()
	if !r.signalingConnected {
		r.mu.Unlock()
		return nil
	}
	var targets []domain.Identity
	for source, st := range r.sources {
		if !st.available || st.connected || st.manuallyStopped {
			continue
		}
		if st.requested && !ignorePending {
			continue
		}
		st.requested = true
		targets = append(targets, source)
	}
	cb := r.request
	r.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	for _, source := range targets {
		r.logger.Debugw("requesting offer", "source", source, "retry", ignorePending)
		if cb != nil {
			cb(source)
		}
	}
	return targets
}

// Start runs the retry sweep until ctx is done or Stop is called.
func (r *OfferRequester) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	r.stop, r.done = stop, done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				r.RetrySweep()
			}
		}
	}()
}

func (r *OfferRequester) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
