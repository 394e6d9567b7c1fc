package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamrehn/websocket-server-demo/pkg/conn"
)

const eventTimeout = 5 * time.Second

type frame struct {
	h    conn.Handle
	data []byte
}

// recorder captures endpoint events on channels.
type recorder struct {
	opened   chan conn.Handle
	closed   chan conn.Handle
	received chan frame
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan conn.Handle, 16),
		closed:   make(chan conn.Handle, 16),
		received: make(chan frame, 16),
	}
}

func (r *recorder) Opened(h conn.Handle) { r.opened <- h }
func (r *recorder) Closed(h conn.Handle) { r.closed <- h }
func (r *recorder) Received(h conn.Handle, data []byte) {
	r.received <- frame{h: h, data: data}
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func newTestEndpoint(t *testing.T, cfg Config) (*Endpoint, *recorder, string) {
	t.Helper()
	endpoint := NewEndpoint(cfg)
	rec := newRecorder()
	endpoint.SetEvents(rec)

	srv := httptest.NewServer(endpoint)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		_ = endpoint.Shutdown(ctx)
		srv.Close()
	})
	return endpoint, rec, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, opts *ws.DialOptions) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	c, _, err := ws.Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

// createTestConnectionWithoutWS creates a Connection for testing queue and
// state handling without a real websocket.
func createTestConnectionWithoutWS(queueSize int) *Connection {
	c := newConnection(nil, "", queueSize, nil)
	return c
}

func TestEndpoint_OpenReceiveClose(t *testing.T) {
	endpoint, rec, url := newTestEndpoint(t, DefaultConfig())

	client := dial(t, url, nil)
	h := waitFor(t, rec.opened, "open")
	assert.True(t, endpoint.Alive(h))
	assert.Equal(t, 1, endpoint.Count())

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	require.NoError(t, client.Write(ctx, ws.MessageText, []byte(`{"__MESSAGE__":"hi"}`)))
	require.NoError(t, client.Write(ctx, ws.MessageBinary, []byte("raw")))

	got := waitFor(t, rec.received, "first frame")
	assert.Equal(t, h, got.h)
	assert.Equal(t, `{"__MESSAGE__":"hi"}`, string(got.data))
	got = waitFor(t, rec.received, "second frame")
	assert.Equal(t, "raw", string(got.data))

	require.NoError(t, client.Close(ws.StatusNormalClosure, ""))
	closed := waitFor(t, rec.closed, "close")
	assert.Equal(t, h, closed)
	assert.Zero(t, endpoint.Count())
	assert.Empty(t, endpoint.Connections())
	assert.True(t, endpoint.Alive(h), "alive until the receiver releases it")

	endpoint.Release(h)
	assert.False(t, endpoint.Alive(h))
}

func TestEndpoint_DefaultEventsRelease(t *testing.T) {
	endpoint := NewEndpoint(DefaultConfig())
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	client := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Eventually(t, func() bool { return endpoint.Count() == 1 }, eventTimeout, 5*time.Millisecond)

	require.NoError(t, client.Close(ws.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return endpoint.conns.Len() == 0 }, eventTimeout, 5*time.Millisecond)
	assert.Zero(t, endpoint.Count())
}

func TestEndpoint_PlainHTTPRequest(t *testing.T) {
	endpoint := NewEndpoint(DefaultConfig())

	rec := httptest.NewRecorder()
	endpoint.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
	assert.Equal(t, "websocket", rec.Header().Get("Upgrade"))
	assert.Contains(t, rec.Body.String(), "websocket upgrade required")
	assert.Zero(t, endpoint.Stats().TotalConnections)
}

func TestEndpoint_SendDeliversFrames(t *testing.T) {
	endpoint, rec, url := newTestEndpoint(t, DefaultConfig())

	client := dial(t, url, nil)
	h := waitFor(t, rec.opened, "open")

	for _, msg := range []string{"one", "two", "three"} {
		require.True(t, endpoint.Send(h, []byte(msg)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	for _, want := range []string{"one", "two", "three"} {
		typ, data, err := client.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, ws.MessageText, typ)
		assert.Equal(t, want, string(data))
	}

	require.Eventually(t, func() bool {
		return endpoint.Stats().TotalMessagesSent == 3
	}, eventTimeout, 10*time.Millisecond)
}

func TestEndpoint_SendToStaleHandle(t *testing.T) {
	endpoint, rec, url := newTestEndpoint(t, DefaultConfig())

	client := dial(t, url, nil)
	h := waitFor(t, rec.opened, "open")
	require.NoError(t, client.Close(ws.StatusNormalClosure, ""))
	waitFor(t, rec.closed, "close")

	// Closed but not yet released: nothing is written.
	assert.False(t, endpoint.Send(h, []byte("closing")))
	stats := endpoint.Stats()
	assert.Equal(t, int64(1), stats.TotalMessagesDropped)
	assert.Zero(t, stats.TotalMessagesSent)

	endpoint.Release(h)
	assert.False(t, endpoint.Send(h, []byte("late")))
	assert.False(t, endpoint.Send(conn.Handle{}, []byte("zero")))
	assert.Equal(t, int64(1), endpoint.Stats().TotalMessagesDropped, "released handles are not drops")
}

func TestEndpoint_ClientsAreIndependent(t *testing.T) {
	endpoint, rec, url := newTestEndpoint(t, DefaultConfig())

	a := dial(t, url, nil)
	ha := waitFor(t, rec.opened, "open a")
	_ = dial(t, url, nil)
	hb := waitFor(t, rec.opened, "open b")
	assert.NotEqual(t, ha, hb)

	require.NoError(t, a.Close(ws.StatusNormalClosure, ""))
	assert.Equal(t, ha, waitFor(t, rec.closed, "close a"))

	assert.True(t, endpoint.Alive(hb))
	assert.True(t, endpoint.Send(hb, []byte("still here")))
}

func TestEndpoint_Shutdown(t *testing.T) {
	endpoint, rec, url := newTestEndpoint(t, DefaultConfig())

	client := dial(t, url, nil)
	waitFor(t, rec.opened, "open")

	readErr := make(chan error, 1)
	go func() {
		_, _, err := client.Read(context.Background())
		readErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	require.NoError(t, endpoint.Shutdown(ctx))

	err := waitFor(t, readErr, "client read error")
	assert.Equal(t, ws.StatusGoingAway, ws.CloseStatus(err))
	waitFor(t, rec.closed, "close")
	assert.Zero(t, endpoint.Count())

	_, resp, err := ws.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEndpoint_SubprotocolNegotiation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Subprotocols = []string{"envelope.v1"}
	endpoint, rec, url := newTestEndpoint(t, cfg)

	client := dial(t, url, &ws.DialOptions{Subprotocols: []string{"other", "envelope.v1"}})
	h := waitFor(t, rec.opened, "open")

	assert.Equal(t, "envelope.v1", client.Subprotocol())
	c, ok := endpoint.Connection(h)
	require.True(t, ok)
	assert.Equal(t, "envelope.v1", c.Subprotocol())
	assert.Equal(t, "envelope.v1", c.Info().Subprotocol)
}

func TestEndpoint_RequireSubprotocol(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Subprotocols = []string{"envelope.v1"}
	cfg.RequireSubprotocol = true
	_, rec, url := newTestEndpoint(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	_, resp, err := ws.Dial(ctx, url, &ws.DialOptions{Subprotocols: []string{"other"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, rec.opened)
}

func TestEndpoint_NegotiateSubprotocol(t *testing.T) {
	tests := []struct {
		name    string
		server  []string
		require bool
		client  []string
		want    string
		wantErr error
	}{
		{name: "none configured", client: []string{"a"}},
		{name: "none configured but required", require: true, wantErr: ErrSubprotocolRequired},
		{name: "server order wins", server: []string{"b", "a"}, client: []string{"a", "b"}, want: "b"},
		{name: "no match optional", server: []string{"a"}, client: []string{"c"}},
		{name: "no match required", server: []string{"a"}, require: true, client: []string{"c"}, wantErr: ErrSubprotocolMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEndpoint(Config{Subprotocols: tt.server, RequireSubprotocol: tt.require})
			got, err := e.NegotiateSubprotocol(tt.client)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpoint_IdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	_, rec, url := newTestEndpoint(t, cfg)

	client := dial(t, url, nil)
	waitFor(t, rec.opened, "open")

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	_, _, err := client.Read(ctx)
	assert.Equal(t, ws.StatusGoingAway, ws.CloseStatus(err))
	waitFor(t, rec.closed, "close")
}

func TestEndpoint_MaxMessageSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 16
	endpoint, rec, url := newTestEndpoint(t, cfg)

	client := dial(t, url, nil)
	h := waitFor(t, rec.opened, "open")

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	// Reading lets the client answer the server's close frame.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := client.Read(ctx)
		readErr <- err
	}()
	_ = client.Write(ctx, ws.MessageText, []byte(strings.Repeat("x", 100)))

	assert.Equal(t, h, waitFor(t, rec.closed, "close"))
	assert.Equal(t, ws.StatusMessageTooBig, ws.CloseStatus(waitFor(t, readErr, "client read error")))
	assert.Empty(t, rec.received)
	assert.Zero(t, endpoint.Count())
}

func TestEndpoint_Heartbeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat = HeartbeatConfig{Enabled: true, Interval: 20 * time.Millisecond, Timeout: time.Second}
	endpoint, rec, url := newTestEndpoint(t, cfg)

	client := dial(t, url, nil)
	h := waitFor(t, rec.opened, "open")

	// Pongs are only sent while the client reads.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _, _ = client.Read(ctx) }()

	time.Sleep(150 * time.Millisecond)
	assert.True(t, endpoint.Alive(h), "answered pings keep the connection open")
}

func TestEndpoint_Stats(t *testing.T) {
	endpoint, rec, url := newTestEndpoint(t, DefaultConfig())

	client := dial(t, url, nil)
	h := waitFor(t, rec.opened, "open")

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	require.NoError(t, client.Write(ctx, ws.MessageText, []byte("ping")))
	waitFor(t, rec.received, "frame")

	stats := endpoint.Stats()
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, int64(1), stats.TotalConnections)
	assert.Equal(t, int64(1), stats.TotalMessagesReceived)

	infos := endpoint.Connections()
	require.Len(t, infos, 1)
	assert.Equal(t, h.String(), infos[0].Handle)
	assert.True(t, strings.HasPrefix(infos[0].ID, "conn-"))
	assert.Equal(t, int64(1), infos[0].MessagesReceived)
	assert.NotEmpty(t, infos[0].Metadata["remoteAddr"])
}

func TestEndpoint_Disconnect(t *testing.T) {
	endpoint, rec, url := newTestEndpoint(t, DefaultConfig())

	client := dial(t, url, nil)
	h := waitFor(t, rec.opened, "open")

	readErr := make(chan error, 1)
	go func() {
		_, _, err := client.Read(context.Background())
		readErr <- err
	}()

	require.NoError(t, endpoint.Disconnect(h, ClosePolicyViolation, "bye"))
	err := waitFor(t, readErr, "client read error")
	assert.Equal(t, ws.StatusPolicyViolation, ws.CloseStatus(err))
	waitFor(t, rec.closed, "close")

	assert.ErrorIs(t, endpoint.Disconnect(h, CloseNormalClosure, ""), ErrConnectionClosed)
	endpoint.Release(h)
	assert.ErrorIs(t, endpoint.Disconnect(h, CloseNormalClosure, ""), ErrConnectionNotFound)
}

func TestConnection_EnqueueQueueFull(t *testing.T) {
	c := createTestConnectionWithoutWS(2)

	require.NoError(t, c.enqueue([]byte("a")))
	require.NoError(t, c.enqueue([]byte("b")))
	assert.ErrorIs(t, c.enqueue([]byte("c")), ErrQueueFull)
	assert.Equal(t, 2, c.Queued())
}

func TestConnection_EnqueueAfterClose(t *testing.T) {
	c := createTestConnectionWithoutWS(2)
	c.closed.Store(true)

	assert.ErrorIs(t, c.enqueue([]byte("a")), ErrConnectionClosed)
	assert.Zero(t, c.Queued())
}

func TestConnection_ConcurrentCloses(t *testing.T) {
	endpoint, rec, url := newTestEndpoint(t, DefaultConfig())

	client := dial(t, url, nil)
	h := waitFor(t, rec.opened, "open")
	c, ok := endpoint.Connection(h)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	go func() { _, _, _ = client.Read(ctx) }()

	const numClosers = 10
	var wg sync.WaitGroup
	var succeeded, alreadyClosed atomic.Int32

	wg.Add(numClosers)
	for i := 0; i < numClosers; i++ {
		go func() {
			defer wg.Done()
			switch err := c.Close(CloseGoingAway, "bye"); {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrConnectionClosed):
				alreadyClosed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(numClosers-1), alreadyClosed.Load())
	assert.True(t, c.IsClosed())
	assert.Error(t, c.Context().Err())
	assert.Equal(t, h, waitFor(t, rec.closed, "close"))
}

func TestConnection_MetadataIsCopied(t *testing.T) {
	c := createTestConnectionWithoutWS(1)
	c.SetMetadata("room", "lobby")

	meta := c.Metadata()
	meta["room"] = "changed"

	assert.Equal(t, "lobby", c.Metadata()["room"])
}

func TestIsWebSocketRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, IsWebSocketRequest(r))

	r.Header.Set("Upgrade", "WebSocket")
	r.Header.Set("Connection", "keep-alive, Upgrade")
	assert.True(t, IsWebSocketRequest(r))
}

func TestCloseCode_String(t *testing.T) {
	assert.Equal(t, "going away", CloseGoingAway.String())
	assert.Equal(t, "unknown", CloseCode(4000).String())
	assert.Equal(t, "binary", MessageBinary.String())
}
