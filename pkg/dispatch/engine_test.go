package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamrehn/websocket-server-demo/pkg/conn"
	"github.com/adamrehn/websocket-server-demo/pkg/envelope"
	"github.com/adamrehn/websocket-server-demo/pkg/logging"
	"github.com/adamrehn/websocket-server-demo/pkg/metrics"
)

// fakePeer records the frames queued for one connection.
type fakePeer struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (p *fakePeer) messages(t *testing.T) []envelope.Document {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	docs := make([]envelope.Document, 0, len(p.frames))
	for _, frame := range p.frames {
		doc, err := envelope.JSON.Decode(frame)
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	return docs
}

// fakeTransport stands in for the WebSocket endpoint.
type fakeTransport struct {
	peers  *conn.Arena[*fakePeer]
	events interface {
		Opened(conn.Handle)
		Closed(conn.Handle)
		Received(conn.Handle, []byte)
	}
	writes int
	onSend func(h conn.Handle)
	mu     sync.Mutex
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{peers: conn.NewArena[*fakePeer]()}
}

func (f *fakeTransport) Alive(h conn.Handle) bool {
	return f.peers.Alive(h)
}

func (f *fakeTransport) Send(h conn.Handle, data []byte) bool {
	f.mu.Lock()
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(h)
	}

	peer, ok := f.peers.Get(h)
	if !ok {
		return false
	}
	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return false
	}
	peer.frames = append(peer.frames, data)
	peer.mu.Unlock()

	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return true
}

func (f *fakeTransport) open() (conn.Handle, *fakePeer) {
	peer := &fakePeer{}
	h := f.peers.Insert(peer)
	f.events.Opened(h)
	return h, peer
}

func (f *fakeTransport) Release(h conn.Handle) {
	f.peers.Release(h)
}

// hangUp closes the peer without reporting it yet, like a connection whose
// Closed event is still on its way to the loop.
func (f *fakeTransport) hangUp(h conn.Handle) {
	if peer, ok := f.peers.Get(h); ok {
		peer.mu.Lock()
		peer.closed = true
		peer.mu.Unlock()
	}
}

// close mirrors the endpoint: the peer stops accepting frames and Closed is
// reported; the slot lives on until the engine releases it.
func (f *fakeTransport) close(h conn.Handle) {
	f.hangUp(h)
	f.events.Closed(h)
}

func (f *fakeTransport) receive(h conn.Handle, raw string) {
	f.events.Received(h, []byte(raw))
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func jsonNumber(s string) json.Number {
	return json.Number(s)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	engine := NewEngine(transport, opts...)
	transport.events = engine

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-engine.Loop().Stopped()
	})
	return engine, transport
}

// flush waits until everything posted so far has been dispatched.
func flush(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Loop().Do(context.Background(), func() {}))
}

func TestEngine_CountMatchesOpensMinusCloses(t *testing.T) {
	engine, transport := newTestEngine(t)
	rng := rand.New(rand.NewSource(7))

	// Registrations from another goroutine interleave with the events.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			engine.OnConnect(func(conn.Handle) error { return nil })
			engine.OnDisconnect(func(conn.Handle) error { return nil })
		}
	}()

	var open []conn.Handle
	opens, closes := 0, 0
	for i := 0; i < 500; i++ {
		if len(open) == 0 || rng.Intn(3) > 0 {
			h, _ := transport.open()
			open = append(open, h)
			opens++
			continue
		}
		idx := rng.Intn(len(open))
		transport.close(open[idx])
		open = append(open[:idx], open[idx+1:]...)
		closes++
	}
	wg.Wait()
	flush(t, engine)

	assert.Equal(t, opens-closes, engine.NumConnections())
	assert.ElementsMatch(t, open, engine.Connections())
}

func TestEngine_MessageHandlerReceivesStrippedPayload(t *testing.T) {
	engine, transport := newTestEngine(t)

	var calls []envelope.Document
	engine.OnMessage("T", func(_ conn.Handle, payload envelope.Document) error {
		calls = append(calls, payload)
		return nil
	})

	h, _ := transport.open()
	transport.receive(h, `{"__MESSAGE__": "T", "x": 1}`)
	flush(t, engine)

	require.Len(t, calls, 1)
	assert.Equal(t, envelope.Document{"x": jsonNumber("1")}, calls[0])
	assert.NotContains(t, calls[0], envelope.MessageField)
}

func TestEngine_HandlersRunInRegistrationOrder(t *testing.T) {
	engine, transport := newTestEngine(t)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		engine.OnMessage("ping", func(conn.Handle, envelope.Document) error {
			order = append(order, name)
			return nil
		})
	}
	engine.OnConnect(func(conn.Handle) error {
		order = append(order, "connect")
		return nil
	})

	h, _ := transport.open()
	transport.receive(h, `{"__MESSAGE__":"ping"}`)
	flush(t, engine)

	assert.Equal(t, []string{"connect", "first", "second", "third"}, order)
}

func TestEngine_UnhandledTypeIsNoop(t *testing.T) {
	engine, transport := newTestEngine(t)

	called := false
	engine.OnMessage("other", func(conn.Handle, envelope.Document) error {
		called = true
		return nil
	})

	h, _ := transport.open()
	transport.receive(h, `{"__MESSAGE__":"T"}`)
	flush(t, engine)

	assert.False(t, called)
	assert.Equal(t, 1, engine.NumConnections())
}

func TestEngine_DropsMalformedAndUntyped(t *testing.T) {
	inputs := []struct {
		name string
		raw  string
	}{
		{"not json", "hello there"},
		{"truncated", `{"__MESSAGE__":"T"`},
		{"array", `["T"]`},
		{"missing type", `{"x":1}`},
		{"numeric type", `{"__MESSAGE__":5}`},
		{"null type", `{"__MESSAGE__":null}`},
	}

	engine, transport := newTestEngine(t)
	called := false
	engine.OnMessage("T", func(conn.Handle, envelope.Document) error {
		called = true
		return nil
	})

	h, peer := transport.open()
	for _, in := range inputs {
		transport.receive(h, in.raw)
	}
	flush(t, engine)

	assert.False(t, called)
	assert.Equal(t, 1, engine.NumConnections(), "connection stays open")
	assert.Empty(t, peer.messages(t), "nothing is sent back")
}

func TestEngine_SendToClosedConnection(t *testing.T) {
	engine, transport := newTestEngine(t)

	h, _ := transport.open()
	transport.close(h)
	flush(t, engine)

	require.NoError(t, engine.Send(h, "hello", envelope.Document{}))
	assert.Zero(t, transport.writeCount())
}

func TestEngine_SendInjectsType(t *testing.T) {
	engine, transport := newTestEngine(t)

	h, peer := transport.open()
	flush(t, engine)

	payload := envelope.Document{"__MESSAGE__": "spoofed", "a": 1}
	require.NoError(t, engine.Send(h, "hello", payload))

	msgs := peer.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, envelope.Document{"__MESSAGE__": "hello", "a": jsonNumber("1")}, msgs[0])
	assert.Equal(t, "spoofed", payload["__MESSAGE__"], "caller payload untouched")
}

func TestEngine_SendEncodeError(t *testing.T) {
	engine, transport := newTestEngine(t)

	h, _ := transport.open()
	flush(t, engine)

	err := engine.Send(h, "bad", envelope.Document{"ch": make(chan int)})
	require.Error(t, err)
	assert.Zero(t, transport.writeCount())
}

func TestEngine_Broadcast(t *testing.T) {
	engine, transport := newTestEngine(t)

	var peers []*fakePeer
	for i := 0; i < 3; i++ {
		_, peer := transport.open()
		peers = append(peers, peer)
	}
	flush(t, engine)

	n, err := engine.Broadcast("x", envelope.Document{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want := envelope.Document{"__MESSAGE__": "x", "a": jsonNumber("1")}
	for _, peer := range peers {
		assert.Equal(t, []envelope.Document{want}, peer.messages(t))
	}
}

func TestEngine_BroadcastSurvivesCloseMidway(t *testing.T) {
	engine, transport := newTestEngine(t)

	var handles []conn.Handle
	var peers []*fakePeer
	for i := 0; i < 3; i++ {
		h, peer := transport.open()
		handles = append(handles, h)
		peers = append(peers, peer)
	}
	flush(t, engine)

	// The second recipient disconnects while the first is being written.
	var once sync.Once
	transport.onSend = func(conn.Handle) {
		once.Do(func() { transport.close(handles[1]) })
	}

	n, err := engine.Broadcast("x", envelope.Document{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Len(t, peers[0].messages(t), 1)
	assert.Empty(t, peers[1].messages(t))
	assert.Len(t, peers[2].messages(t), 1)
}

func TestEngine_BroadcastWithoutConnections(t *testing.T) {
	engine, _ := newTestEngine(t)

	n, err := engine.Broadcast("x", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_HandlerFaultIsIsolated(t *testing.T) {
	engine, transport := newTestEngine(t)

	var a conn.Handle
	var handled []conn.Handle
	var disconnected []conn.Handle

	engine.OnMessage("T", func(h conn.Handle, _ envelope.Document) error {
		handled = append(handled, h)
		if h == a {
			panic("first handler exploded")
		}
		return nil
	})
	engine.OnMessage("T", func(h conn.Handle, _ envelope.Document) error {
		handled = append(handled, h)
		return errors.New("second handler failed")
	})
	engine.OnMessage("T", func(h conn.Handle, _ envelope.Document) error {
		handled = append(handled, h)
		return nil
	})
	engine.OnDisconnect(func(h conn.Handle) error {
		disconnected = append(disconnected, h)
		return nil
	})

	a, _ = transport.open()
	b, _ := transport.open()
	transport.receive(a, `{"__MESSAGE__":"T"}`)
	transport.close(a)
	transport.receive(b, `{"__MESSAGE__":"T"}`)
	flush(t, engine)

	assert.Equal(t, []conn.Handle{a, a, a, b, b, b}, handled)
	assert.Equal(t, []conn.Handle{a}, disconnected)
	assert.Equal(t, 1, engine.NumConnections())
}

func TestEngine_HandlerFaultLoggedAtError(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Format: logging.FormatJSON, Output: &buf})
	engine, transport := newTestEngine(t, WithLogger(logger))

	engine.OnMessage("T", func(conn.Handle, envelope.Document) error {
		return errors.New("boom")
	})

	h, _ := transport.open()
	transport.receive(h, `{"__MESSAGE__":"T"}`)
	flush(t, engine)

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["msg"] == "handler failed" {
			entry = rec
		}
	}
	require.NotNil(t, entry, "no fault logged in:\n%s", buf.String())
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "T", entry["type"])
}

func TestEngine_DisconnectHandlerSeesPostRemovalCount(t *testing.T) {
	engine, transport := newTestEngine(t)

	var seen []int
	engine.OnConnect(func(conn.Handle) error {
		seen = append(seen, engine.NumConnections())
		return nil
	})
	engine.OnDisconnect(func(conn.Handle) error {
		seen = append(seen, engine.NumConnections())
		return nil
	})

	a, _ := transport.open()
	b, _ := transport.open()
	transport.close(a)
	transport.close(b)
	flush(t, engine)

	assert.Equal(t, []int{1, 2, 1, 0}, seen)
}

func TestEngine_PendingCloseKeepsConnectionCounted(t *testing.T) {
	engine, transport := newTestEngine(t)

	var seen []int
	engine.OnDisconnect(func(conn.Handle) error {
		seen = append(seen, engine.NumConnections())
		return nil
	})

	a, _ := transport.open()
	b, _ := transport.open()
	transport.hangUp(b)
	transport.close(a)
	flush(t, engine)

	assert.Equal(t, 1, engine.NumConnections(), "b's close has not been reported")
	assert.Equal(t, []conn.Handle{b}, engine.Connections())
	assert.True(t, transport.Alive(b))
	assert.False(t, transport.Alive(a), "released after its disconnect handlers")

	transport.events.Closed(b)
	flush(t, engine)

	assert.Equal(t, []int{1, 0}, seen)
	assert.False(t, transport.Alive(b))
}

func TestEngine_SendToClosingConnection(t *testing.T) {
	engine, transport := newTestEngine(t)

	var sendErr error
	engine.OnDisconnect(func(h conn.Handle) error {
		sendErr = engine.Send(h, "goodbye", nil)
		return nil
	})

	h, peer := transport.open()
	transport.hangUp(h)
	require.NoError(t, engine.Send(h, "hello", nil))
	n, err := engine.Broadcast("news", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	transport.events.Closed(h)
	flush(t, engine)

	require.NoError(t, sendErr)
	require.NoError(t, engine.Send(h, "late", nil))
	assert.Zero(t, transport.writeCount())
	assert.Empty(t, peer.messages(t))
}

func TestEngine_ClosedAfterLoopStopsReleases(t *testing.T) {
	transport := newFakeTransport()
	engine := NewEngine(transport)
	transport.events = engine

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, engine.Run(ctx))

	h := transport.peers.Insert(&fakePeer{})
	transport.close(h)

	assert.False(t, transport.Alive(h))
}

func TestEngine_RegistrationVisibleToLaterEvents(t *testing.T) {
	engine, transport := newTestEngine(t)

	calls := 0
	h, _ := transport.open()
	transport.receive(h, `{"__MESSAGE__":"late"}`)
	engine.OnMessage("late", func(conn.Handle, envelope.Document) error {
		calls++
		return nil
	})
	transport.receive(h, `{"__MESSAGE__":"late"}`)
	flush(t, engine)

	assert.Equal(t, 1, calls)
}

func TestEngine_HandlerCanReplyFromLoop(t *testing.T) {
	engine, transport := newTestEngine(t)

	engine.OnConnect(func(h conn.Handle) error {
		return engine.Send(h, "hello", nil)
	})
	engine.OnMessage("message", func(h conn.Handle, payload envelope.Document) error {
		return engine.Send(h, "message", payload)
	})

	h, peer := transport.open()
	transport.receive(h, `{"__MESSAGE__":"message","text":"hi"}`)
	flush(t, engine)

	assert.Equal(t, []envelope.Document{
		{"__MESSAGE__": "hello"},
		{"__MESSAGE__": "message", "text": "hi"},
	}, peer.messages(t))
}

func TestEngine_NilHandlersIgnored(t *testing.T) {
	engine, transport := newTestEngine(t)

	engine.OnConnect(nil)
	engine.OnDisconnect(nil)
	engine.OnMessage("T", nil)

	h, _ := transport.open()
	transport.receive(h, `{"__MESSAGE__":"T"}`)
	transport.close(h)
	flush(t, engine)

	assert.Zero(t, engine.NumConnections())
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	engine, transport := newTestEngine(t, WithMetrics(metrics.New(reg)))

	engine.OnMessage("T", func(conn.Handle, envelope.Document) error {
		return errors.New("nope")
	})

	a, _ := transport.open()
	b, _ := transport.open()
	transport.receive(a, `{"__MESSAGE__":"T"}`)
	transport.receive(a, `{"__MESSAGE__":"U"}`)
	transport.receive(a, `{"x":1}`)
	transport.receive(a, `garbage`)
	transport.close(b)
	flush(t, engine)

	expected := `
# HELP wsserver_active_connections Number of open WebSocket connections
# TYPE wsserver_active_connections gauge
wsserver_active_connections 1
# HELP wsserver_connections_total Total number of accepted WebSocket connections
# TYPE wsserver_connections_total counter
wsserver_connections_total 2
# HELP wsserver_handler_faults_total Total number of handler invocations that returned an error or panicked
# TYPE wsserver_handler_faults_total counter
wsserver_handler_faults_total{event="message"} 1
# HELP wsserver_messages_received_total Total number of inbound frames by dispatch result
# TYPE wsserver_messages_received_total counter
wsserver_messages_received_total{result="dispatched"} 1
wsserver_messages_received_total{result="malformed"} 1
wsserver_messages_received_total{result="unhandled"} 1
wsserver_messages_received_total{result="untyped"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"wsserver_active_connections",
		"wsserver_connections_total",
		"wsserver_handler_faults_total",
		"wsserver_messages_received_total",
	))
}
