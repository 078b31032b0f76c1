package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"kioskrtc/internal/core/domain"
	apperrors "kioskrtc/pkg/errors"
	"kioskrtc/pkg/logger"
	"kioskrtc/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) (*Relay, string) {
	t.Helper()
	relay := NewRelay(logger.Nop())
	server := httptest.NewServer(relay.Handler())
	t.Cleanup(server.Close)
	return relay, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func testChannelConfig(url string) ChannelConfig {
	return ChannelConfig{
		URL:              url,
		PingInterval:     0,
		PongTimeout:      0,
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		Reconnect: retry.Policy{
			InitialDelay:   10 * time.Millisecond,
			MaxDelay:       50 * time.Millisecond,
			Multiplier:     2,
			JitterFraction: 0,
		},
	}
}

type channelRecorder struct {
	mu       sync.Mutex
	messages []domain.Message
	states   []StateChange
}

func record(ch *Channel) *channelRecorder {
	r := &channelRecorder{}
	ch.OnMessage(func(m domain.Message) {
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	})
	ch.OnStateChange(func(s StateChange) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
	return r
}

func (r *channelRecorder) byType(t domain.MessageType) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, m := range r.messages {
		if m.MessageType() == t {
			out = append(out, m)
		}
	}
	return out
}

func (r *channelRecorder) sawState(s domain.SignalingState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.states {
		if c.State == s {
			return true
		}
	}
	return false
}

func (r *channelRecorder) lastState() StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return StateChange{}
	}
	return r.states[len(r.states)-1]
}

func connect(t *testing.T, url string, id domain.Identity) (*Channel, *channelRecorder) {
	t.Helper()
	ch := NewChannel(id, testChannelConfig(url), logger.Nop())
	rec := record(ch)
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(ch.Disconnect)
	return ch, rec
}

func TestChannel_LoginSuccessListsClients(t *testing.T) {
	_, url := newTestRelay(t)

	connect(t, url, "display1")
	op, rec := connect(t, url, "operator-a")

	assert.Equal(t, domain.SignalingConnected, op.State())
	success := rec.byType(domain.TypeLoginSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, []domain.Identity{"display1"}, success[0].(*domain.LoginSuccess).Clients)

	assert.True(t, rec.sawState(domain.SignalingConnecting))
	assert.Equal(t, domain.SignalingConnected, rec.lastState().State)
}

func TestChannel_SendStampsIdentityAndRoutes(t *testing.T) {
	_, url := newTestRelay(t)

	_, displayRec := connect(t, url, "display1")
	op, _ := connect(t, url, "operator-a")

	msg := &domain.StreamControl{Routing: domain.Routing{Target: "display1"}, Action: domain.ActionStop}
	require.NoError(t, op.Send(msg))
	assert.Equal(t, domain.Identity("operator-a"), msg.Sender())

	require.Eventually(t, func() bool {
		return len(displayRec.byType(domain.TypeStreamControl)) == 1
	}, time.Second, 5*time.Millisecond)

	got := displayRec.byType(domain.TypeStreamControl)[0].(*domain.StreamControl)
	assert.Equal(t, domain.Identity("operator-a"), got.Sender())
	assert.Equal(t, domain.ActionStop, got.Action)

	require.Eventually(t, func() bool {
		return len(displayRec.byType(domain.TypePeerConnected)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_DuplicateLoginIsNotRetried(t *testing.T) {
	relay, url := newTestRelay(t)
	connect(t, url, "display1")

	dup := NewChannel("display1", testChannelConfig(url), logger.Nop())
	rec := record(dup)
	defer dup.Disconnect()

	err := dup.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIdentityConflict))
	assert.Equal(t, duplicateIdentityText, dup.BlockReason())
	assert.Equal(t, duplicateIdentityText, rec.lastState().BlockReason)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.SignalingDisconnected, dup.State())
	assert.False(t, rec.sawState(domain.SignalingReconnecting))
	assert.Equal(t, []domain.Identity{"display1"}, relay.Clients())

	err = dup.Connect(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIdentityConflict))
}

func TestChannel_DuplicateIdentityCloseCode(t *testing.T) {
	relay, url := newTestRelay(t)
	ch, rec := connect(t, url, "display1")

	require.True(t, relay.CloseWithCode("display1", CloseDuplicateIdentity, "Display 1 is open elsewhere"))

	require.Eventually(t, func() bool {
		return rec.lastState().BlockReason != ""
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Display 1 is open elsewhere", rec.lastState().BlockReason)
	assert.Equal(t, domain.SignalingDisconnected, rec.lastState().State)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, rec.sawState(domain.SignalingReconnecting))
	assert.False(t, relay.IsConnected("display1"))
	assert.Equal(t, "Display 1 is open elsewhere", ch.BlockReason())
}

func TestChannel_ReconnectsAfterAbruptClose(t *testing.T) {
	relay, url := newTestRelay(t)
	ch, rec := connect(t, url, "display1")

	require.True(t, relay.Drop("display1"))

	require.Eventually(t, func() bool {
		return rec.sawState(domain.SignalingReconnecting)
	}, time.Second, 5*time.Millisecond)
	// a second login_success is delivered after the reconnect
	require.Eventually(t, func() bool {
		return len(rec.byType(domain.TypeLoginSuccess)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.SignalingConnected, ch.State())
	assert.True(t, relay.IsConnected("display1"))
	assert.Empty(t, ch.BlockReason())
}

func TestChannel_PongTimeoutClosesChannel(t *testing.T) {
	relay, url := newTestRelay(t)
	relay.SetIgnorePings(true)

	cfg := testChannelConfig(url)
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PongTimeout = 30 * time.Millisecond
	ch := NewChannel("display1", cfg, logger.Nop())
	rec := record(ch)
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Disconnect()

	require.Eventually(t, func() bool {
		return rec.sawState(domain.SignalingReconnecting)
	}, time.Second, 5*time.Millisecond)

	relay.SetIgnorePings(false)
	require.Eventually(t, func() bool {
		return ch.State() == domain.SignalingConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_SendWhileClosedIsDropped(t *testing.T) {
	_, url := newTestRelay(t)
	ch := NewChannel("display1", testChannelConfig(url), logger.Nop())

	err := ch.Send(&domain.StreamHeartbeat{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeChannelNotOpen))
}

func TestChannel_DisconnectIsIdempotent(t *testing.T) {
	relay, url := newTestRelay(t)
	ch, rec := connect(t, url, "display1")

	ch.Disconnect()
	ch.Disconnect()

	assert.Equal(t, domain.SignalingDisconnected, ch.State())
	require.Eventually(t, func() bool { return !relay.IsConnected("display1") }, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, rec.sawState(domain.SignalingReconnecting))
	assert.True(t, apperrors.HasCode(ch.Send(&domain.Ping{}), apperrors.ErrCodeChannelNotOpen))
}

func TestChannel_UnreachableRelayKeepsRetrying(t *testing.T) {
	server := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	ch := NewChannel("display1", testChannelConfig(url), logger.Nop())
	rec := record(ch)

	assert.Error(t, ch.Connect(context.Background()))
	assert.Equal(t, domain.SignalingReconnecting, ch.State())
	require.Eventually(t, func() bool {
		return ch.backoff.Attempt() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	ch.Disconnect()
	assert.Equal(t, domain.SignalingDisconnected, rec.lastState().State)
}

func TestChannel_Unsubscribe(t *testing.T) {
	_, url := newTestRelay(t)
	display := NewChannel("display1", testChannelConfig(url), logger.Nop())

	var mu sync.Mutex
	count := 0
	unsubscribe := display.OnMessage(func(domain.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubscribe()

	require.NoError(t, display.Connect(context.Background()))
	defer display.Disconnect()

	op, _ := connect(t, url, "operator-a")
	require.NoError(t, op.Send(&domain.StreamControl{Routing: domain.Routing{Target: "display1"}, Action: domain.ActionStart}))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}
