package signal

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"kioskrtc/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CloseDuplicateIdentity is the close code a relay uses to reject a login
// whose identity is already connected.
const CloseDuplicateIdentity = 4001

const duplicateIdentityText = "Identity already in use"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type relayClient struct {
	id      domain.Identity
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
}

// RelayOption tunes a Relay.
type RelayOption func(*Relay)

// WithMessageLimit caps the size of a single inbound frame.
func WithMessageLimit(bytes int64) RelayOption {
	return func(r *Relay) { r.maxMessageSize = bytes }
}

// WithRateLimit throttles messages per client. Excess messages are dropped.
func WithRateLimit(perSecond float64, burst int) RelayOption {
	return func(r *Relay) {
		r.messageRate = rate.Limit(perSecond)
		r.messageBurst = burst
	}
}

func WithWriteTimeout(d time.Duration) RelayOption {
	return func(r *Relay) { r.writeTimeout = d }
}

// Relay is a minimal signaling relay speaking the endpoint wire protocol.
// It forwards targeted messages to their target and broadcasts the rest.
type Relay struct {
	writeTimeout   time.Duration
	maxMessageSize int64
	messageRate    rate.Limit
	messageBurst   int
	logger         *zap.SugaredLogger

	mu          sync.RWMutex
	clients     map[domain.Identity]*relayClient
	ignorePings bool
}

func NewRelay(logger *zap.SugaredLogger, opts ...RelayOption) *Relay {
	r := &Relay{
		writeTimeout: 10 * time.Second,
		messageRate:  rate.Inf,
		logger:       logger,
		clients:      make(map[domain.Identity]*relayClient),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetIgnorePings stops the relay from answering pings.
func (r *Relay) SetIgnorePings(ignore bool) {
	r.mu.Lock()
	r.ignorePings = ignore
	r.mu.Unlock()
}

// Handler serves the relay on /ws and its health check on /health.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.HandleWebSocket)
	mux.HandleFunc("/health", r.HealthCheck)
	return mux
}

func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if r.maxMessageSize > 0 {
		conn.SetReadLimit(r.maxMessageSize)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	msg, err := domain.DecodeMessage(data)
	login, ok := msg.(*domain.Login)
	if err != nil || !ok || login.ID == "" {
		r.logger.Warnw("first message was not a login", "error", err)
		return
	}

	client := &relayClient{
		id:      login.ID,
		conn:    conn,
		limiter: rate.NewLimiter(r.messageRate, r.messageBurst),
	}

	r.mu.Lock()
	if _, taken := r.clients[login.ID]; taken {
		r.mu.Unlock()
		r.logger.Warnw("rejecting duplicate identity", "peer_id", login.ID)
		r.write(client, &domain.LoginError{Reason: "identity_in_use", Message: duplicateIdentityText})
		deadline := time.Now().Add(r.writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseDuplicateIdentity, duplicateIdentityText), deadline)
		return
	}
	others := make([]domain.Identity, 0, len(r.clients))
	for id := range r.clients {
		others = append(others, id)
	}
	r.clients[login.ID] = client
	r.mu.Unlock()

	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })
	r.write(client, &domain.LoginSuccess{Clients: others})
	r.broadcast(login.ID, &domain.PeerConnected{Peer: login.ID})
	r.logger.Infow("peer connected via WebSocket", "peer_id", login.ID)

	defer func() {
		r.mu.Lock()
		if r.clients[login.ID] == client {
			delete(r.clients, login.ID)
		}
		r.mu.Unlock()
		r.broadcast(login.ID, &domain.PeerDisconnected{Peer: login.ID})
		r.logger.Infow("peer disconnected", "peer_id", login.ID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !client.limiter.Allow() {
			r.logger.Debugw("rate limit exceeded, dropping message", "peer_id", login.ID)
			continue
		}
		msg, err := domain.DecodeMessage(data)
		if err != nil {
			r.logger.Warnw("dropping malformed message", "peer_id", login.ID, "error", err)
			continue
		}
		msg.SetSender(login.ID)

		switch m := msg.(type) {
		case *domain.Ping:
			r.mu.RLock()
			ignore := r.ignorePings
			r.mu.RUnlock()
			if !ignore {
				r.write(client, &domain.Pong{})
			}
		case domain.Targeted:
			r.forward(m.TargetIdentity(), msg)
		default:
			r.broadcast(login.ID, msg)
		}
	}
}

func (r *Relay) forward(target domain.Identity, msg domain.Message) {
	r.mu.RLock()
	client, ok := r.clients[target]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debugw("target not connected", "target", target, "type", msg.MessageType())
		return
	}
	r.write(client, msg)
}

func (r *Relay) broadcast(from domain.Identity, msg domain.Message) {
	r.mu.RLock()
	targets := make([]*relayClient, 0, len(r.clients))
	for id, c := range r.clients {
		if id != from {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		r.write(c, msg)
	}
}

func (r *Relay) write(c *relayClient, msg domain.Message) {
	data, err := domain.EncodeMessage(msg)
	if err != nil {
		r.logger.Errorw("failed to encode message", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.logger.Debugw("write to peer failed", "peer_id", c.id, "error", err)
	}
}

// Clients returns the connected identities in order.
func (r *Relay) Clients() []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Identity, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Relay) IsConnected(id domain.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

// Drop closes a client's connection without a close handshake.
func (r *Relay) Drop(id domain.Identity) bool {
	c, ok := r.remove(id)
	if !ok {
		return false
	}
	_ = c.conn.Close()
	return true
}

// CloseWithCode sends a close frame carrying code and text, then closes.
func (r *Relay) CloseWithCode(id domain.Identity, code int, text string) bool {
	c, ok := r.remove(id)
	if !ok {
		return false
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(r.writeTimeout))
	c.writeMu.Unlock()
	_ = c.conn.Close()
	return true
}

func (r *Relay) remove(id domain.Identity) (*relayClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	return c, ok
}

// Send delivers msg to id as if it came from the relay.
func (r *Relay) Send(id domain.Identity, msg domain.Message) bool {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.write(c, msg)
	return true
}

// HealthCheck reports relay liveness and connection count.
func (r *Relay) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	r.mu.RLock()
	n := len(r.clients)
	r.mu.RUnlock()
	_, _ = w.Write([]byte(`{"status":"healthy","connections":` + strconv.Itoa(n) + `}`))
}
