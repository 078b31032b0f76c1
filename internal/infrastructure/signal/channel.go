package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kioskrtc/internal/core/domain"
	apperrors "kioskrtc/pkg/errors"
	"kioskrtc/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ChannelConfig struct {
	URL              string
	PingInterval     time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Reconnect        retry.Policy
}

func DefaultChannelConfig(url string) ChannelConfig {
	return ChannelConfig{
		URL:              url,
		PingInterval:     10 * time.Second,
		PongTimeout:      5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Reconnect:        retry.DefaultPolicy(),
	}
}

// StateChange is delivered to state observers. BlockReason is set, verbatim
// from the relay, when the identity was rejected; the channel will not
// reconnect after that.
type StateChange struct {
	State       domain.SignalingState
	Previous    domain.SignalingState
	BlockReason string
}

// Channel is a reconnecting client connection to the signaling relay.
type Channel struct {
	identity domain.Identity
	cfg      ChannelConfig
	dialer   *websocket.Dialer
	backoff  *retry.Backoff
	logger   *zap.SugaredLogger

	mu             sync.Mutex
	conn           *websocket.Conn
	state          domain.SignalingState
	blockReason    string
	stopped        bool
	reconnectTimer *time.Timer
	pingStop       chan struct{}
	pingDone       chan struct{}
	pongTimer      *time.Timer

	observerMu     sync.Mutex
	nextObserver   int
	msgObservers   map[int]func(domain.Message)
	stateObservers map[int]func(StateChange)

	writeMu sync.Mutex
}

func NewChannel(identity domain.Identity, cfg ChannelConfig, logger *zap.SugaredLogger) *Channel {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Channel{
		identity:       identity,
		cfg:            cfg,
		dialer:         &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		backoff:        retry.NewBackoff(cfg.Reconnect),
		logger:         logger.With("identity", identity),
		msgObservers:   make(map[int]func(domain.Message)),
		stateObservers: make(map[int]func(StateChange)),
	}
}

func (c *Channel) Identity() domain.Identity { return c.identity }

func (c *Channel) State() domain.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BlockReason is non-empty once the relay rejected this identity.
func (c *Channel) BlockReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockReason
}

// OnMessage registers fn for every inbound message except keepalives.
func (c *Channel) OnMessage(fn func(domain.Message)) (unsubscribe func()) {
	c.observerMu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.msgObservers[id] = fn
	c.observerMu.Unlock()

	return func() {
		c.observerMu.Lock()
		delete(c.msgObservers, id)
		c.observerMu.Unlock()
	}
}

func (c *Channel) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	c.observerMu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.stateObservers[id] = fn
	c.observerMu.Unlock()

	return func() {
		c.observerMu.Lock()
		delete(c.stateObservers, id)
		c.observerMu.Unlock()
	}
}

// Connect dials the relay and performs the login handshake. A failed dial
// still leaves a reconnect scheduled; an identity rejection does not.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.blockReason != "" {
		reason := c.blockReason
		c.mu.Unlock()
		return apperrors.NewIdentityConflict(reason)
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.stopped = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	c.setState(domain.SignalingConnecting, "")
	return c.open(ctx)
}

func (c *Channel) open(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.logger.Warnw("failed to dial relay", "url", c.cfg.URL, "error", err)
		c.afterFailure()
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	success, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		if appErr := apperrors.GetAppError(err); appErr != nil && appErr.Code == apperrors.ErrCodeIdentityConflict {
			c.block(appErr.Message)
			return err
		}
		c.logger.Warnw("login handshake failed", "error", err)
		c.afterFailure()
		return err
	}

	c.mu.Lock()
	if c.stopped || c.blockReason != "" {
		c.mu.Unlock()
		_ = conn.Close()
		return apperrors.NewChannelNotOpenError()
	}
	c.conn = conn
	c.backoff.Reset()
	c.startPingLocked(conn)
	c.mu.Unlock()

	c.logger.Infow("signaling connected", "clients", len(success.Clients))
	c.setState(domain.SignalingConnected, "")
	c.dispatch(success)

	go c.readLoop(conn)
	return nil
}

func (c *Channel) handshake(conn *websocket.Conn) (*domain.LoginSuccess, error) {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := c.writeTo(conn, &domain.Login{ID: c.identity}); err != nil {
		return nil, fmt.Errorf("failed to send login: %w", err)
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if reason, ok := duplicateIdentity(err); ok {
				return nil, apperrors.NewIdentityConflict(reason)
			}
			return nil, fmt.Errorf("failed to read login response: %w", err)
		}
		msg, err := domain.DecodeMessage(data)
		if err != nil {
			c.logger.Warnw("dropping malformed message during login", "error", err)
			continue
		}
		switch m := msg.(type) {
		case *domain.LoginSuccess:
			return m, nil
		case *domain.LoginError:
			reason := m.Message
			if reason == "" {
				reason = m.Reason
			}
			return nil, apperrors.NewIdentityConflict(reason)
		default:
			c.logger.Debugw("ignoring message before login", "type", msg.MessageType())
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		msg, err := domain.DecodeMessage(data)
		if err != nil {
			c.logger.Warnw("dropping malformed message", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *domain.Pong:
			c.mu.Lock()
			if c.pongTimer != nil {
				c.pongTimer.Stop()
				c.pongTimer = nil
			}
			c.mu.Unlock()
			continue
		case *domain.Ping:
			_ = c.writeTo(conn, &domain.Pong{})
			continue
		case *domain.LoginError:
			reason := m.Message
			if reason == "" {
				reason = m.Reason
			}
			c.block(reason)
			_ = conn.Close()
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg domain.Message) {
	c.observerMu.Lock()
	observers := make([]func(domain.Message), 0, len(c.msgObservers))
	for _, fn := range c.msgObservers {
		observers = append(observers, fn)
	}
	c.observerMu.Unlock()

	for _, fn := range observers {
		fn(msg)
	}
}

func (c *Channel) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pingDone := c.stopPingLocked()
	c.mu.Unlock()

	if pingDone != nil {
		<-pingDone
	}

	if reason, ok := duplicateIdentity(err); ok {
		c.block(reason)
		return
	}
	c.logger.Warnw("signaling connection lost", "error", err)
	c.afterFailure()
}

// afterFailure schedules the next attempt unless the channel was stopped
// or blocked.
func (c *Channel) afterFailure() {
	c.mu.Lock()
	if c.stopped || c.blockReason != "" {
		c.mu.Unlock()
		c.setState(domain.SignalingDisconnected, "")
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	delay := c.backoff.Next()
	attempt := c.backoff.Attempt()
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Infow("scheduling signaling reconnect", "delay", delay, "attempt", attempt)
	c.setState(domain.SignalingReconnecting, "")
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.stopped || c.blockReason != "" || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	_ = c.open(ctx)
}

func (c *Channel) block(reason string) {
	c.mu.Lock()
	c.blockReason = reason
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	c.logger.Errorw("identity rejected by relay", "reason", reason)
	c.setState(domain.SignalingDisconnected, reason)
}

func (c *Channel) startPingLocked(conn *websocket.Conn) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.pingStop, c.pingDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sendPing(conn)
			}
		}
	}()
}

func (c *Channel) sendPing(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.pongTimer == nil && c.cfg.PongTimeout > 0 {
		c.pongTimer = time.AfterFunc(c.cfg.PongTimeout, func() {
			c.logger.Warnw("pong not received in time, closing channel", "timeout", c.cfg.PongTimeout)
			_ = conn.Close()
		})
	}
	c.mu.Unlock()

	if err := c.writeTo(conn, &domain.Ping{}); err != nil {
		c.logger.Debugw("failed to send ping", "error", err)
	}
}

// stopPingLocked returns the channel to wait on once the lock is released.
func (c *Channel) stopPingLocked() chan struct{} {
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	if c.pingStop == nil {
		return nil
	}
	close(c.pingStop)
	done := c.pingDone
	c.pingStop, c.pingDone = nil, nil
	return done
}

// Send stamps the local identity on msg if it has none and writes it. While
// the channel is not open the message is dropped.
func (c *Channel) Send(msg domain.Message) error {
	if msg.Sender() == "" {
		msg.SetSender(c.identity)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Warnw("dropping outgoing message, channel not open", "type", msg.MessageType())
		return apperrors.NewChannelNotOpenError()
	}
	return c.writeTo(conn, msg)
}

func (c *Channel) writeTo(conn *websocket.Conn, msg domain.Message) error {
	data, err := domain.EncodeMessage(msg)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidMessage, "failed to encode message")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the channel and suppresses reconnection. It is safe to
// call more than once.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.stopped && c.conn == nil && c.reconnectTimer == nil {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	pingDone := c.stopPingLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if pingDone != nil {
		<-pingDone
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.logger.Infow("signaling disconnected")
	c.setState(domain.SignalingDisconnected, "")
}

func (c *Channel) setState(next domain.SignalingState, blockReason string) {
	c.mu.Lock()
	if c.state == next && blockReason == "" {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = next
	c.mu.Unlock()

	c.observerMu.Lock()
	observers := make([]func(StateChange), 0, len(c.stateObservers))
	for _, fn := range c.stateObservers {
		observers = append(observers, fn)
	}
	c.observerMu.Unlock()

	change := StateChange{State: next, Previous: prev, BlockReason: blockReason}
	for _, fn := range observers {
		fn(change)
	}
}

func duplicateIdentity(err error) (string, bool) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == CloseDuplicateIdentity {
		return closeErr.Text, true
	}
	return "", false
}
