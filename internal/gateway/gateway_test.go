package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/events"
	"github.com/hapi-sh/hapi/internal/store"
	hapisync "github.com/hapi-sh/hapi/internal/sync"
)

// fakeConn is an in-memory runner side of a socket.
type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if messageType == 1 { // text frames only; pings are dropped
		c.writes = append(c.writes, data)
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64)                { /* no-op */ }
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) { /* no-op */ }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

// deliver injects a frame as if the runner sent it.
func (c *fakeConn) deliver(t *testing.T, frame *Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.inbound <- data
}

// nextFrame waits for the hub to write a frame.
func (c *fakeConn) nextFrame(t *testing.T) *Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.writes) > 0 {
			data := c.writes[0]
			c.writes = c.writes[1:]
			c.mu.Unlock()
			var frame Frame
			require.NoError(t, json.Unmarshal(data, &frame))
			return &frame
		}
		c.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for outbound frame")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type gatewayFixture struct {
	gateway  *Gateway
	store    *store.Store
	cache    *hapisync.Cache
	registry *hapisync.Registry
	broker   *hapisync.PermissionBroker
	bus      *captureBus
}

type captureBus struct {
	mu     sync.Mutex
	events []*events.SyncEvent
}

func (b *captureBus) Publish(_ context.Context, _ string, e *events.SyncEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *captureBus) byType(eventType events.SyncEventType) []*events.SyncEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*events.SyncEvent
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hapi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := &captureBus{}
	pub := events.NewPublisher(bus, logger.Default())
	cache := hapisync.NewCache(st, pub, logger.Default())
	registry := hapisync.NewRegistry()
	broker := hapisync.NewPermissionBroker()
	return &gatewayFixture{
		gateway:  New(st, cache, registry, pub, broker, nil, logger.Default()),
		store:    st,
		cache:    cache,
		registry: registry,
		broker:   broker,
		bus:      bus,
	}
}

func TestGateway_AttachRegistersAndForwards(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	c := newFakeConn()

	_, err := f.gateway.Attach(ctx, "machine-1", "default", c)
	require.NoError(t, err)
	assert.True(t, f.gateway.IsConnected("machine-1"))

	c.deliver(t, &Frame{Type: FrameRPCRegister, Method: "machine-1:spawn-happy-session"})
	require.Eventually(t, func() bool {
		return f.registry.Has("machine-1:spawn-happy-session")
	}, time.Second, 5*time.Millisecond)

	// A registry call travels to the runner and back.
	done := make(chan struct{})
	go func() {
		defer close(done)
		data, err := f.registry.Call(ctx, "machine-1:spawn-happy-session", json.RawMessage(`{"type":"spawn-in-directory"}`), time.Second)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"type":"success","sessionId":"s1"}`, string(data))
	}()

	frame := c.nextFrame(t)
	assert.Equal(t, FrameRPCRequest, frame.Type)
	assert.Equal(t, "machine-1:spawn-happy-session", frame.Method)
	c.deliver(t, &Frame{ID: frame.ID, Type: FrameRPCResponse, Result: json.RawMessage(`{"type":"success","sessionId":"s1"}`)})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registry call never completed")
	}
}

func TestGateway_DisconnectDropsMethods(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	c := newFakeConn()

	_, err := f.gateway.Attach(ctx, "machine-1", "default", c)
	require.NoError(t, err)

	c.deliver(t, &Frame{Type: FrameRPCRegister, Method: "machine-1:spawn-happy-session"})
	c.deliver(t, &Frame{Type: FrameRPCRegister, Method: "s1:killSession"})
	require.Eventually(t, func() bool {
		return f.registry.Has("s1:killSession")
	}, time.Second, 5*time.Millisecond)

	c.Close()
	require.Eventually(t, func() bool {
		return !f.gateway.IsConnected("machine-1")
	}, time.Second, 5*time.Millisecond)

	assert.False(t, f.registry.Has("machine-1:spawn-happy-session"))
	assert.False(t, f.registry.Has("s1:killSession"))

	// connected=true then connected=false.
	changes := f.bus.byType(events.ConnectionChanged)
	require.Len(t, changes, 2)
}

func TestGateway_SessionAliveRequest(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	c := newFakeConn()

	_, err := f.gateway.Attach(ctx, "machine-1", "default", c)
	require.NoError(t, err)

	session, err := f.store.GetOrCreateSession(ctx, store.CreateSessionParams{Tag: "work", Namespace: "default"})
	require.NoError(t, err)

	params, _ := json.Marshal(map[string]interface{}{
		"sessionId": session.ID,
		"time":      time.Now().UnixMilli(),
	})
	c.deliver(t, &Frame{ID: 7, Type: FrameRPCRequest, Method: "session-alive", Params: params})

	resp := c.nextFrame(t)
	assert.Equal(t, int64(7), resp.ID)
	assert.Empty(t, resp.Error)
	assert.True(t, f.cache.IsActive(session.ID))
}

func TestGateway_AddMessagePublishes(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	c := newFakeConn()

	_, err := f.gateway.Attach(ctx, "machine-1", "default", c)
	require.NoError(t, err)

	session, err := f.store.GetOrCreateSession(ctx, store.CreateSessionParams{Tag: "work", Namespace: "default"})
	require.NoError(t, err)

	params, _ := json.Marshal(map[string]interface{}{
		"sessionId": session.ID,
		"content":   map[string]string{"role": "assistant", "text": "done"},
	})
	c.deliver(t, &Frame{ID: 3, Type: FrameRPCRequest, Method: "add-message", Params: params})

	resp := c.nextFrame(t)
	require.Empty(t, resp.Error)

	var message store.Message
	require.NoError(t, json.Unmarshal(resp.Result, &message))
	assert.Equal(t, int64(1), message.Seq)

	received := f.bus.byType(events.MessageReceived)
	require.Len(t, received, 1)
	assert.Equal(t, session.ID, received[0].SessionID)
}

func TestGateway_UnknownMethodErrors(t *testing.T) {
	f := newGatewayFixture(t)
	c := newFakeConn()

	_, err := f.gateway.Attach(context.Background(), "machine-1", "default", c)
	require.NoError(t, err)

	c.deliver(t, &Frame{ID: 9, Type: FrameRPCRequest, Method: "no-such-method", Params: json.RawMessage(`{}`)})
	resp := c.nextFrame(t)
	assert.Equal(t, int64(9), resp.ID)
	assert.Contains(t, resp.Error, "unknown hub method")
}

func TestGateway_PermissionRequestRoundTrip(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	c := newFakeConn()

	_, err := f.gateway.Attach(ctx, "machine-1", "default", c)
	require.NoError(t, err)

	params, _ := json.Marshal(map[string]interface{}{
		"sessionId": "s1",
		"requestId": "req-1",
		"title":     "Run rm -rf build?",
		"options":   []map[string]string{{"optionId": "allow", "name": "Allow"}},
	})
	c.deliver(t, &Frame{ID: 11, Type: FrameRPCRequest, Method: "permission-request", Params: params})

	// The request parks in the broker until a client answers.
	require.Eventually(t, func() bool {
		return len(f.broker.Pending("s1")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.broker.Resolve("req-1", hapisync.PermissionOutcome{Outcome: "selected", OptionID: "allow"}))

	resp := c.nextFrame(t)
	assert.Equal(t, int64(11), resp.ID)
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `{"outcome":"selected","optionId":"allow"}`, string(resp.Result))

	// Clients learned about the pending request over the event stream.
	updated := f.bus.byType(events.SessionUpdated)
	require.NotEmpty(t, updated)
}

func TestGateway_NamespaceMismatchRejected(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	_, err := f.gateway.Attach(ctx, "machine-1", "alpha", newFakeConn())
	require.NoError(t, err)

	_, err = f.gateway.Attach(ctx, "machine-1", "beta", newFakeConn())
	require.Error(t, err)
}
