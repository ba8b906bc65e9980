package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"harvia_mirror/internal/cloud"
	"harvia_mirror/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsScript drives one accepted server-side connection.
type wsScript func(conn *websocket.Conn)

// newRealtimeServer runs an httptest server that upgrades every request and
// hands the connection to the script. The counter tracks accepted
// connections across reconnects.
func newRealtimeServer(t *testing.T, script wsScript) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{Subprotocols: []string{"graphql-ws"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		defer func() { _ = conn.Close() }()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type fakeConnector struct {
	url     string
	connErr error
}

func (f *fakeConnector) ConnectURL(context.Context, string) (cloud.WSEndpoint, string, error) {
	if f.connErr != nil {
		return cloud.WSEndpoint{}, "", f.connErr
	}
	return cloud.WSEndpoint{URL: f.url, Host: "x.appsync-api.eu-west-1.amazonaws.com"}, f.url, nil
}

func (f *fakeConnector) IDToken(context.Context) (string, error) {
	return "id-token", nil
}

type fakeSink struct {
	payloads chan json.RawMessage
}

func newFakeSink() *fakeSink {
	return &fakeSink{payloads: make(chan json.RawMessage, 16)}
}

func (f *fakeSink) HandleData(_ string, payload json.RawMessage) {
	f.payloads <- payload
}

// readFrame decodes the next client frame into a generic map.
func readFrame(conn *websocket.Conn) (map[string]any, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	frame := map[string]any{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func sendFrame(conn *websocket.Conn, frame any) {
	_ = conn.WriteJSON(frame)
}

func waitForConns(t *testing.T, conns *atomic.Int32, want int32, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if conns.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("wanted %d connections within %v, saw %d", want, within, conns.Load())
}

func TestSession_SubscribesAndForwardsData(t *testing.T) {
	startSeen := make(chan map[string]any, 1)

	srv, _ := newRealtimeServer(t, func(conn *websocket.Conn) {
		frame, err := readFrame(conn)
		if err != nil || frame["type"] != frameConnectionInit {
			return
		}
		sendFrame(conn, map[string]any{
			"type":    frameConnectionAck,
			"payload": map[string]any{"connectionTimeoutMs": 300000},
		})

		start, err := readFrame(conn)
		if err != nil {
			return
		}
		startSeen <- start

		id, _ := start["id"].(string)
		sendFrame(conn, map[string]any{
			"type":    frameData,
			"id":      id,
			"payload": map[string]any{"data": map[string]any{"onStateUpdated": map[string]any{"reported": "{}"}}},
		})

		// hold the connection open until the client goes away
		for {
			if _, err := readFrame(conn); err != nil {
				return
			}
		}
	})

	sink := newFakeSink()
	sess := New(&fakeConnector{url: wsURL(srv)}, sink, Config{
		Channel:  cloud.ChannelDevice,
		Receiver: "org-1",
	}, logger.Get(logger.ErrorLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); sess.Run(ctx) }()

	select {
	case start := <-startSeen:
		assert.Equal(t, frameStart, start["type"])
		assert.NotEmpty(t, start["id"])

		payload, ok := start["payload"].(map[string]any)
		require.True(t, ok)

		// payload.data is a JSON string carrying the subscription document
		dataStr, ok := payload["data"].(string)
		require.True(t, ok)
		var doc struct {
			Query     string            `json:"query"`
			Variables map[string]string `json:"variables"`
		}
		require.NoError(t, json.Unmarshal([]byte(dataStr), &doc))
		assert.Contains(t, doc.Query, "onStateUpdated")
		assert.Equal(t, "org-1", doc.Variables["receiver"])

		ext, ok := payload["extensions"].(map[string]any)
		require.True(t, ok)
		auth, ok := ext["authorization"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "id-token", auth["Authorization"])
		assert.Equal(t, "x.appsync-api.eu-west-1.amazonaws.com", auth["host"])
		assert.Equal(t, amzUserAgent, auth["x-amz-user-agent"])
	case <-time.After(2 * time.Second):
		t.Fatal("no start frame received")
	}

	select {
	case payload := <-sink.payloads:
		assert.Contains(t, string(payload), "onStateUpdated")
	case <-time.After(2 * time.Second):
		t.Fatal("data frame never reached the sink")
	}

	assert.Equal(t, PhaseSubscribed, sess.Phase())

	sess.Stop()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, PhaseStopped, sess.Phase())
}

func TestSession_HeartbeatLossTriggersReconnect(t *testing.T) {
	srv, conns := newRealtimeServer(t, func(conn *websocket.Conn) {
		frame, err := readFrame(conn)
		if err != nil || frame["type"] != frameConnectionInit {
			return
		}
		sendFrame(conn, map[string]any{"type": frameConnectionAck})
		if _, err := readFrame(conn); err != nil { // start frame
			return
		}
		// then silence: the client's heartbeat timer must expire
		time.Sleep(2 * time.Second)
	})

	sess := New(&fakeConnector{url: wsURL(srv)}, newFakeSink(), Config{
		Channel:           cloud.ChannelDevice,
		Receiver:          "org-1",
		HeartbeatTimeout:  100 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	}, logger.Get(logger.ErrorLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); sess.Run(ctx) }()

	waitForConns(t, conns, 2, 3*time.Second)

	sess.Stop()
	cancel()
	<-done
}

func TestSession_NegotiatedTimeoutAdopted(t *testing.T) {
	srv, conns := newRealtimeServer(t, func(conn *websocket.Conn) {
		frame, err := readFrame(conn)
		if err != nil || frame["type"] != frameConnectionInit {
			return
		}
		// server offers a much shorter timeout than the configured default
		sendFrame(conn, map[string]any{
			"type":    frameConnectionAck,
			"payload": map[string]any{"connectionTimeoutMs": 150},
		})
		if _, err := readFrame(conn); err != nil {
			return
		}
		time.Sleep(2 * time.Second)
	})

	sess := New(&fakeConnector{url: wsURL(srv)}, newFakeSink(), Config{
		Channel:           cloud.ChannelData,
		Receiver:          "user@example.com",
		UserScope:         true,
		HeartbeatTimeout:  time.Hour, // would never fire on its own
		MaxReconnectDelay: 50 * time.Millisecond,
	}, logger.Get(logger.ErrorLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); sess.Run(ctx) }()

	// a reconnect can only happen if the 150ms negotiated value replaced
	// the one-hour configured timeout
	waitForConns(t, conns, 2, 3*time.Second)

	sess.Stop()
	cancel()
	<-done
}

func TestSession_RotatesAfterAccumulatedKeepAlives(t *testing.T) {
	srv, conns := newRealtimeServer(t, func(conn *websocket.Conn) {
		frame, err := readFrame(conn)
		if err != nil || frame["type"] != frameConnectionInit {
			return
		}
		sendFrame(conn, map[string]any{"type": frameConnectionAck})
		if _, err := readFrame(conn); err != nil {
			return
		}
		for i := 0; i < 100; i++ {
			sendFrame(conn, map[string]any{"type": frameKeepAlive})
			time.Sleep(5 * time.Millisecond)
		}
	})

	sess := New(&fakeConnector{url: wsURL(srv)}, newFakeSink(), Config{
		Channel:           cloud.ChannelDevice,
		Receiver:          "org-1",
		HeartbeatTimeout:  20 * time.Millisecond,
		RotateInterval:    60 * time.Millisecond, // three nominal windows
		MaxReconnectDelay: 50 * time.Millisecond,
	}, logger.Get(logger.ErrorLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); sess.Run(ctx) }()

	waitForConns(t, conns, 2, 3*time.Second)

	sess.Stop()
	cancel()
	<-done
}

func TestSession_StopWhileSubscribeWritesInFlight(t *testing.T) {
	srv, _ := newRealtimeServer(t, func(conn *websocket.Conn) {
		frame, err := readFrame(conn)
		if err != nil || frame["type"] != frameConnectionInit {
			return
		}
		// drain client frames so its writes never block
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		// every ack makes the client write another start frame, so Stop's
		// stop frame lands while the run loop is mid-write
		for i := 0; i < 2000; i++ {
			if err := conn.WriteJSON(map[string]any{"type": frameConnectionAck}); err != nil {
				return
			}
		}
	})

	sess := New(&fakeConnector{url: wsURL(srv)}, newFakeSink(), Config{
		Channel:           cloud.ChannelDevice,
		Receiver:          "org-1",
		MaxReconnectDelay: 20 * time.Millisecond,
	}, logger.Get(logger.ErrorLevel))

	done := make(chan struct{})
	go func() { defer close(done); sess.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	sess.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, PhaseStopped, sess.Phase())
}

func TestSession_StopDuringBackoffReturnsPromptly(t *testing.T) {
	sess := New(&fakeConnector{connErr: errors.New("endpoint discovery down")}, newFakeSink(), Config{
		Channel:  cloud.ChannelDevice,
		Receiver: "org-1",
		// default 60s cap: without Stop handling in the backoff wait the
		// test would hang here
	}, logger.Get(logger.ErrorLevel))

	done := make(chan struct{})
	go func() { defer close(done); sess.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	sess.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not stop during backoff")
	}
	assert.Equal(t, PhaseStopped, sess.Phase())
}

func TestSession_ConnectFailuresNeverEscapeRun(t *testing.T) {
	sess := New(&fakeConnector{connErr: errors.New("no network")}, newFakeSink(), Config{
		Channel:           cloud.ChannelData,
		Receiver:          "org-1",
		MaxReconnectDelay: 20 * time.Millisecond,
	}, logger.Get(logger.ErrorLevel))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() { defer close(done); sess.Run(ctx) }()

	select {
	case <-done: // several failed cycles, then clean exit on ctx
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit on context cancellation")
	}
}

func TestSubscriptionDocument(t *testing.T) {
	doc, err := subscriptionDocument(cloud.ChannelDevice, "org-1")
	require.NoError(t, err)
	var parsed struct {
		Query     string            `json:"query"`
		Variables map[string]string `json:"variables"`
	}
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed))
	assert.Contains(t, parsed.Query, "onStateUpdated")
	assert.Equal(t, "org-1", parsed.Variables["receiver"])

	doc, err = subscriptionDocument(cloud.ChannelData, "user@example.com")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed))
	assert.Contains(t, parsed.Query, "onDataUpdates")
	assert.Equal(t, "user@example.com", parsed.Variables["receiver"])
}
