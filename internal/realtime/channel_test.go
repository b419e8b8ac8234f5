package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/config"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/metrics"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeServer is a realtime backend built on a real gorilla upgrader. It
// records the control frames received on each connection.
type fakeServer struct {
	srv      *httptest.Server
	reject   atomic.Bool
	upgrades atomic.Int32
	pings    atomic.Int32
	conns    chan *websocket.Conn

	mu         sync.Mutex
	frames     [][]frame
	closeCodes map[int]int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 16), closeCodes: make(map[int]int)}
	upgrader := websocket.Upgrader{}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.upgrades.Add(1)
		if fs.reject.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		idx := len(fs.frames)
		fs.frames = append(fs.frames, nil)
		fs.mu.Unlock()

		go fs.read(conn, idx)
		fs.conns <- conn
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) read(conn *websocket.Conn, idx int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				fs.mu.Lock()
				fs.closeCodes[idx] = ce.Code
				fs.mu.Unlock()
			}
			return
		}
		if string(data) == string(pingFrame) {
			fs.pings.Add(1)
			continue
		}
		var f frame
		if json.Unmarshal(data, &f) == nil && f.Action != "" {
			fs.mu.Lock()
			fs.frames[idx] = append(fs.frames[idx], f)
			fs.mu.Unlock()
		}
	}
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) framesOn(idx int) []frame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if idx >= len(fs.frames) {
		return nil
	}
	return append([]frame(nil), fs.frames[idx]...)
}

func (fs *fakeServer) closeCode(idx int) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.closeCodes[idx]
}

func (fs *fakeServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection accepted")
		return nil
	}
}

func testRealtimeConfig(url string) config.RealtimeConfig {
	return config.RealtimeConfig{
		URL:               url,
		HeartbeatInterval: time.Hour,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		HandshakeTimeout:  time.Second,
		WriteTimeout:      time.Second,
	}
}

func setupChannel(t *testing.T, cfg config.RealtimeConfig) (*Channel, *metrics.Metrics) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m := metrics.New()
	ch := NewChannel(cfg, logger, WithMetrics(m))
	t.Cleanup(ch.Disconnect)
	return ch, m
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{200, time.Minute},
	}

	for _, tt := range tests {
		got := ReconnectDelay(time.Second, time.Minute, tt.attempt)
		if got != tt.expected {
			t.Errorf("ReconnectDelay(attempt=%d) = %v, expected %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestChannel_ConnectReplaysDesiredTopics(t *testing.T) {
	fs := newFakeServer(t)
	ch, m := setupChannel(t, testRealtimeConfig(fs.url()))

	require.NoError(t, ch.Subscribe(entities.AreaTopic("9q8yy")))
	require.NoError(t, ch.Subscribe(entities.IncidentTopic("inc-1")))
	require.NoError(t, ch.Subscribe(entities.AreaTopic("9q8yy")))
	assert.Equal(t, StateDisconnected, ch.State())

	require.NoError(t, ch.Connect(context.Background()))
	fs.nextConn(t)
	assert.Equal(t, StateConnected, ch.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RealtimeState.WithLabelValues("connected")))

	want := []frame{
		{Action: actionSubscribeArea, GeohashPrefix: "9q8yy"},
		{Action: actionSubscribeIncident, IncidentID: "inc-1"},
	}
	assert.Eventually(t, func() bool { return len(fs.framesOn(0)) == 2 }, waitFor, tick)
	assert.Equal(t, want, fs.framesOn(0))

	require.NoError(t, ch.Connect(context.Background()), "connect is idempotent")
	assert.Equal(t, int32(1), fs.upgrades.Load())
}

func TestChannel_SubscribeWhileConnected(t *testing.T) {
	fs := newFakeServer(t)
	ch, _ := setupChannel(t, testRealtimeConfig(fs.url()))

	require.NoError(t, ch.Connect(context.Background()))
	fs.nextConn(t)

	require.NoError(t, ch.Subscribe(entities.AreaTopic("9q8yv")))
	require.NoError(t, ch.Unsubscribe(entities.AreaTopic("9q8yv")))
	require.NoError(t, ch.Unsubscribe(entities.AreaTopic("never")), "unknown topic is a no-op")

	assert.Eventually(t, func() bool { return len(fs.framesOn(0)) == 2 }, waitFor, tick)
	assert.Equal(t, []frame{
		{Action: actionSubscribeArea, GeohashPrefix: "9q8yv"},
		{Action: actionUnsubscribe, GeohashPrefix: "9q8yv"},
	}, fs.framesOn(0))
	assert.Empty(t, ch.DesiredTopics())
}

func TestChannel_SubscribeRejectsMalformedTopic(t *testing.T) {
	ch, _ := setupChannel(t, testRealtimeConfig("ws://unused"))
	assert.Error(t, ch.Subscribe("bogus"))
	assert.Empty(t, ch.DesiredTopics())
}

func TestChannel_DispatchIsolatesFailures(t *testing.T) {
	fs := newFakeServer(t)
	ch, m := setupChannel(t, testRealtimeConfig(fs.url()))

	var mu sync.Mutex
	var got []string
	ch.On(EventIncidentCreated, func(ev *Event) error { panic("boom") })
	ch.On(EventIncidentCreated, func(ev *Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Incident.ID)
		return nil
	})
	ch.On(EventIncidentVoted, func(ev *Event) error { return errors.New("handler failed") })
	ch.On(EventIncidentVoted, func(ev *Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "voted:"+ev.Patch.ID)
		return nil
	})

	require.NoError(t, ch.Connect(context.Background()))
	srv := fs.nextConn(t)

	for _, raw := range []string{
		`not json`,
		`{"type":"incident.deleted","data":{"id":"x"}}`,
		`{"type":"pong"}`,
		`{"type":"incident.created","data":{"id":"a","status":"open"}}`,
		`{"type":"incident.voted","data":{"id":"a","score":2}}`,
		`{"type":"incident.created","data":{"id":"b","status":"open"}}`,
	} {
		require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(raw)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []string{"a", "voted:a", "b"}, got, "events are handled in receive order")
	mu.Unlock()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RealtimeMalformed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HandlerPanics))
	assert.Equal(t, StateConnected, ch.State(), "bad frames never kill the channel")
}

func TestChannel_ReconnectsAndResubscribes(t *testing.T) {
	fs := newFakeServer(t)
	ch, m := setupChannel(t, testRealtimeConfig(fs.url()))

	var mu sync.Mutex
	var states []State
	ch.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	require.NoError(t, ch.Subscribe(entities.AreaTopic("9q8yy")))
	require.NoError(t, ch.Connect(context.Background()))
	first := fs.nextConn(t)
	assert.Eventually(t, func() bool { return len(fs.framesOn(0)) == 1 }, waitFor, tick)

	require.NoError(t, ch.Subscribe(entities.IncidentTopic("inc-7")))
	assert.Eventually(t, func() bool { return len(fs.framesOn(0)) == 2 }, waitFor, tick)

	// Drop the socket without a close frame.
	first.Close()

	fs.nextConn(t)
	assert.Eventually(t, func() bool { return ch.State() == StateConnected }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(fs.framesOn(1)) == 2 }, waitFor, tick)

	assert.Equal(t, []frame{
		{Action: actionSubscribeArea, GeohashPrefix: "9q8yy"},
		{Action: actionSubscribeIncident, IncidentID: "inc-7"},
	}, fs.framesOn(1), "every desired topic is replayed exactly once")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RealtimeReconnects))

	mu.Lock()
	assert.Contains(t, states, StateReconnecting)
	assert.Equal(t, StateConnected, states[len(states)-1])
	mu.Unlock()
}

func TestChannel_ServerNormalClosureDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t)
	ch, _ := setupChannel(t, testRealtimeConfig(fs.url()))

	require.NoError(t, ch.Connect(context.Background()))
	srv := fs.nextConn(t)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, srv.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.Eventually(t, func() bool { return ch.State() == StateDisconnected }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fs.upgrades.Load())
}

func TestChannel_DisconnectIsFinal(t *testing.T) {
	fs := newFakeServer(t)
	ch, _ := setupChannel(t, testRealtimeConfig(fs.url()))

	require.NoError(t, ch.Subscribe(entities.AreaTopic("9q8yy")))
	require.NoError(t, ch.Connect(context.Background()))
	fs.nextConn(t)

	ch.Disconnect()
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Empty(t, ch.DesiredTopics())

	assert.Eventually(t, func() bool {
		return fs.closeCode(0) == websocket.CloseNormalClosure
	}, waitFor, tick, "client closes normally")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fs.upgrades.Load(), "no reconnect after Disconnect")
}

func TestChannel_ConnectFailureSchedulesReconnect(t *testing.T) {
	fs := newFakeServer(t)
	fs.reject.Store(true)
	ch, _ := setupChannel(t, testRealtimeConfig(fs.url()))

	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateReconnecting, ch.State())

	fs.reject.Store(false)
	fs.nextConn(t)
	assert.Eventually(t, func() bool { return ch.State() == StateConnected }, waitFor, tick)
}

func TestChannel_GivesUpAfterMaxAttempts(t *testing.T) {
	fs := newFakeServer(t)
	fs.reject.Store(true)
	cfg := testRealtimeConfig(fs.url())
	cfg.MaxAttempts = 2
	ch, _ := setupChannel(t, cfg)

	require.Error(t, ch.Connect(context.Background()))
	assert.Eventually(t, func() bool {
		return ch.State() == StateDisconnected && fs.upgrades.Load() == 3
	}, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), fs.upgrades.Load())
}

func TestChannel_Heartbeat(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testRealtimeConfig(fs.url())
	cfg.HeartbeatInterval = 10 * time.Millisecond
	ch, _ := setupChannel(t, cfg)

	require.NoError(t, ch.Connect(context.Background()))
	fs.nextConn(t)
	assert.Eventually(t, func() bool { return fs.pings.Load() >= 2 }, waitFor, tick)
}

// stubConn is a socket that blocks reads until closed.
type stubConn struct {
	once   sync.Once
	closed chan struct{}
}

func newStubConn() *stubConn { return &stubConn{closed: make(chan struct{})} }

func (s *stubConn) ReadMessage() (int, []byte, error) {
	<-s.closed
	return 0, nil, errors.New("use of closed connection")
}
func (s *stubConn) WriteMessage(int, []byte) error            { return nil }
func (s *stubConn) WriteControl(int, []byte, time.Time) error { return nil }
func (s *stubConn) SetWriteDeadline(time.Time) error          { return nil }

func (s *stubConn) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *stubConn) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// gatedDialer holds the first dial until release is closed.
type gatedDialer struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	conns   []*stubConn
}

func (d *gatedDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	n := int(d.calls.Add(1))
	if n == 1 {
		d.entered <- struct{}{}
		<-d.release
	}
	return d.conns[n-1], nil
}

func TestChannel_DisconnectAbandonsInflightDial(t *testing.T) {
	first, second := newStubConn(), newStubConn()
	d := &gatedDialer{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		conns:   []*stubConn{first, second},
	}
	logger, _ := test.NewNullLogger()
	ch := NewChannel(testRealtimeConfig("ws://hazard.invalid/ws"), logger, WithDialer(d))
	t.Cleanup(ch.Disconnect)

	errc := make(chan error, 1)
	go func() { errc <- ch.Connect(context.Background()) }()
	select {
	case <-d.entered:
	case <-time.After(waitFor):
		t.Fatal("first dial never started")
	}

	ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background()))
	close(d.release)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(waitFor):
		t.Fatal("first dial never returned")
	}
	assert.True(t, first.isClosed(), "overtaken dial closes its socket")
	assert.False(t, second.isClosed())
	assert.Equal(t, StateConnected, ch.State())
}
