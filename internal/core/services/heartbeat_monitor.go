package services

import (
	"context"
	"sync"
	"time"

	"kioskrtc/internal/core/domain"

	"go.uber.org/zap"
)

type HeartbeatConfig struct {
	WarningThreshold time.Duration `yaml:"warning_threshold"`
	DeadThreshold    time.Duration `yaml:"dead_threshold"`
	CheckInterval    time.Duration `yaml:"check_interval"`
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		WarningThreshold: 15 * time.Second,
		DeadThreshold:    30 * time.Second,
		CheckInterval:    time.Second,
	}
}

// HeartbeatChange is emitted whenever a source's liveness verdict changes.
type HeartbeatChange struct {
	Source   domain.Identity
	Status   domain.HeartbeatStatus
	Previous domain.HeartbeatStatus
}

type heartbeatState struct {
	lastSeen time.Time
	status   domain.HeartbeatStatus
}

// HeartbeatMonitor tracks application-level liveness per source. It never
// closes anything; a Dead verdict is advisory.
type HeartbeatMonitor struct {
	cfg    HeartbeatConfig
	now    func() time.Time
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sources  map[domain.Identity]*heartbeatState
	onChange func(HeartbeatChange)

	stop chan struct{}
	done chan struct{}
}

func NewHeartbeatMonitor(cfg HeartbeatConfig, logger *zap.SugaredLogger) *HeartbeatMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	return &HeartbeatMonitor{
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
		sources: make(map[domain.Identity]*heartbeatState),
	}
}

// OnStatusChange registers the single change observer.
func (m *HeartbeatMonitor) OnStatusChange(fn func(HeartbeatChange)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// RecordHeartbeat stamps now for source and marks it Ok.
func (m *HeartbeatMonitor) RecordHeartbeat(source domain.Identity) {
	m.mu.Lock()
	st, ok := m.sources[source]
	if !ok {
		st = &heartbeatState{}
		m.sources[source] = st
	}
	st.lastSeen = m.now()
	change, changed := m.transitionLocked(source, st, domain.HeartbeatOk)
	cb := m.onChange
	m.mu.Unlock()

	if changed && cb != nil {
		cb(change)
	}
}

// ResetSource forgets the last heartbeat of a source known to be offline on
// purpose.
func (m *HeartbeatMonitor) ResetSource(source domain.Identity) {
	m.mu.Lock()
	st, ok := m.sources[source]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sources, source)
	prev := st.status
	cb := m.onChange
	m.mu.Unlock()

	if prev != domain.HeartbeatUnknown && cb != nil {
		cb(HeartbeatChange{Source: source, Status: domain.HeartbeatUnknown, Previous: prev})
	}
}

func (m *HeartbeatMonitor) Status(source domain.Identity) domain.HeartbeatStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sources[source]; ok {
		return st.status
	}
	return domain.HeartbeatUnknown
}

// LastSeen returns the last heartbeat time, zero if none was recorded.
func (m *HeartbeatMonitor) LastSeen(source domain.Identity) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sources[source]; ok {
		return st.lastSeen
	}
	return time.Time{}
}

// Check runs one sweep and returns the changes it produced.
func (m *HeartbeatMonitor) Check() []HeartbeatChange {
	now := m.now()

	m.mu.Lock()
	var changes []HeartbeatChange
	for source, st := range m.sources {
		if st.lastSeen.IsZero() {
			continue
		}
		elapsed := now.Sub(st.lastSeen)
		next := domain.HeartbeatOk
		switch {
		case elapsed > m.cfg.DeadThreshold:
			next = domain.HeartbeatDead
		case elapsed > m.cfg.WarningThreshold:
			next = domain.HeartbeatWarning
		}
		if change, ok := m.transitionLocked(source, st, next); ok {
			changes = append(changes, change)
		}
	}
	cb := m.onChange
	m.mu.Unlock()

	for _, c := range changes {
		if c.Status != domain.HeartbeatOk {
			m.logger.Warnw("source heartbeat degraded",
				"source", c.Source,
				"status", c.Status.String(),
				"previous", c.Previous.String(),
			)
		}
		if cb != nil {
			cb(c)
		}
	}
	return changes
}

func (m *HeartbeatMonitor) transitionLocked(source domain.Identity, st *heartbeatState, next domain.HeartbeatStatus) (HeartbeatChange, bool) {
	if st.status == next {
		return HeartbeatChange{}, false
	}
	prev := st.status
	st.status = next
	return HeartbeatChange{Source: source, Status: next, Previous: prev}, true
}

// Start runs the periodic sweep until ctx is done or Stop is called.
func (m *HeartbeatMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop, m.done = stop, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// Stop halts the sweep and waits for it to exit.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
