package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"kioskrtc/internal/core/domain"
	"kioskrtc/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrPublisherClosed = errors.New("state publisher closed")
	ErrQueueFull       = errors.New("state publisher queue full")
)

// redisClient is the subset of *redis.Client the publisher needs.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// StateEvent is the payload published for every source state change.
type StateEvent struct {
	Endpoint   domain.Identity    `json:"endpoint"`
	InstanceID string             `json:"instance_id"`
	Timestamp  time.Time          `json:"timestamp"`
	State      domain.SourceState `json:"state"`
	HasMedia   bool               `json:"has_media"`
}

// DecodeStateEvent parses a payload received on the state channel.
func DecodeStateEvent(payload []byte) (*StateEvent, error) {
	var ev StateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state event: %w", err)
	}
	if ev.Endpoint == "" || ev.State.Source == "" {
		return nil, fmt.Errorf("state event missing endpoint or source")
	}
	return &ev, nil
}

type StatePublisherConfig struct {
	Channel        string
	KeyPrefix      string
	SnapshotTTL    time.Duration
	QueueSize      int
	PublishTimeout time.Duration
	Breaker        circuitbreaker.Config
}

func DefaultStatePublisherConfig(channel string) StatePublisherConfig {
	return StatePublisherConfig{
		Channel:        channel,
		KeyPrefix:      "kioskrtc:source:",
		SnapshotTTL:    5 * time.Minute,
		QueueSize:      256,
		PublishTimeout: 2 * time.Second,
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

// StatePublisher fans source state changes out over Redis pub/sub and keeps
// the latest snapshot per source under a TTL'd key. Publish never blocks the
// caller; a single worker drains the queue.
type StatePublisher struct {
	client     redisClient
	cfg        StatePublisherConfig
	endpoint   domain.Identity
	instanceID string
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	queue  chan domain.SourceState
	done   chan struct{}
}

func NewStatePublisher(
	client redisClient,
	endpoint domain.Identity,
	instanceID string,
	cfg StatePublisherConfig,
	logger *zap.SugaredLogger,
) *StatePublisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	p := &StatePublisher{
		client:     client,
		cfg:        cfg,
		endpoint:   endpoint,
		instanceID: instanceID,
		breaker:    circuitbreaker.New(cfg.Breaker),
		logger:     logger,
		queue:      make(chan domain.SourceState, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	p.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("state publisher circuit changed", "from", from.String(), "to", to.String())
	})
	go p.run()
	return p
}

// Publish queues state for delivery.
func (p *StatePublisher) Publish(state domain.SourceState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- state.Clone():
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting states and waits for queued ones to be delivered.
func (p *StatePublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

func (p *StatePublisher) run() {
	defer close(p.done)
	for state := range p.queue {
		if err := p.deliver(state); err != nil {
			p.logger.Debugw("source state not delivered",
				"source", state.Source,
				"error", err,
			)
		}
	}
}

func (p *StatePublisher) deliver(state domain.SourceState) error {
	data, err := json.Marshal(StateEvent{
		Endpoint:   p.endpoint,
		InstanceID: p.instanceID,
		Timestamp:  time.Now(),
		State:      state,
		HasMedia:   state.HasMedia(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()

	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		if p.cfg.SnapshotTTL > 0 {
			if err := p.client.Set(ctx, p.snapshotKey(state.Source), data, p.cfg.SnapshotTTL).Err(); err != nil {
				return fmt.Errorf("failed to store snapshot: %w", err)
			}
		}
		if err := p.client.Publish(ctx, p.cfg.Channel, data).Err(); err != nil {
			return fmt.Errorf("failed to publish state: %w", err)
		}
		return nil
	})
}

func (p *StatePublisher) snapshotKey(source domain.Identity) string {
	return p.cfg.KeyPrefix + string(p.endpoint) + ":" + string(source)
}
