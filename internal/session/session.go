package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"harvia_mirror/internal/cloud"
	"harvia_mirror/internal/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Timing defaults from the MyHarvia realtime protocol. The server does not
// keep sockets alive indefinitely, so every connection is rotated after a
// fixed accumulated uptime even when healthy.
const (
	DefaultHeartbeatTimeout = 5 * time.Minute
	DefaultRotateInterval   = 30 * time.Minute

	handshakeTimeout = 30 * time.Second
	stopWriteTimeout = 5 * time.Second
)

// Phase is the connection phase of a session.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseAwaitAck
	PhaseSubscribed
	PhaseBackoff
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseAwaitAck:
		return "AWAIT_ACK"
	case PhaseSubscribed:
		return "SUBSCRIBED"
	case PhaseBackoff:
		return "BACKOFF"
	case PhaseStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Connector supplies the per-attempt connection URL and bearer token. Both
// calls may block on endpoint discovery or credential renewal.
type Connector interface {
	ConnectURL(ctx context.Context, channel string) (cloud.WSEndpoint, string, error)
	IDToken(ctx context.Context) (string, error)
}

// MessageSink receives the payload of every decoded "data" frame.
type MessageSink interface {
	HandleData(channel string, payload json.RawMessage)
}

// Config describes one subscription: a channel crossed with a receiver
// scope.
type Config struct {
	Channel           string // cloud.ChannelDevice or cloud.ChannelData
	Receiver          string // organization id or user email
	UserScope         bool   // true when Receiver is the user email
	HeartbeatTimeout  time.Duration
	RotateInterval    time.Duration
	MaxReconnectDelay time.Duration
}

// Session keeps exactly one subscription alive indefinitely, reconnecting
// on any failure. Run only returns on Stop or context cancellation.
type Session struct {
	api   Connector
	sink  MessageSink
	log   *logger.Logger
	cfg   Config
	label string

	backoff *backoff
	phase   atomic.Int32

	// writeMu serializes frame writes; the transport supports only one
	// concurrent writer, and Stop may race the run loop's own sends.
	writeMu sync.Mutex

	mu             sync.Mutex
	conn           *websocket.Conn
	subscriptionID string
	stopped        bool
	stopCh         chan struct{}
}

// New constructs a session; it does not connect until Run is called.
func New(api Connector, sink MessageSink, cfg Config, log *logger.Logger) *Session {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.RotateInterval <= 0 {
		cfg.RotateInterval = DefaultRotateInterval
	}
	scope := "org"
	if cfg.UserScope {
		scope = "user"
	}
	return &Session{
		api:     api,
		sink:    sink,
		log:     log,
		cfg:     cfg,
		label:   fmt.Sprintf("%s(%s)", cfg.Channel, scope),
		backoff: newBackoff(cfg.MaxReconnectDelay),
		stopCh:  make(chan struct{}),
	}
}

// Label identifies the session in logs: "device(org)", "data(user)", ...
func (s *Session) Label() string { return s.label }

// Phase returns the current connection phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Session) setPhase(p Phase) { s.phase.Store(int32(p)) }

// Run drives the connect/listen/reconnect loop until Stop is called or the
// context is canceled. Transport and protocol errors never escape; they
// feed the backoff cycle.
func (s *Session) Run(ctx context.Context) {
	for {
		if s.isStopped() || ctx.Err() != nil {
			s.setPhase(PhaseStopped)
			return
		}

		if err := s.connectAndListen(ctx); err != nil && !s.isStopped() && ctx.Err() == nil {
			s.log.Debugw("session cycle ended", "session", s.label, "err", err)
		}

		if s.isStopped() || ctx.Err() != nil {
			s.setPhase(PhaseStopped)
			return
		}

		delay := s.backoff.next()
		s.setPhase(PhaseBackoff)
		s.log.Debugw("session reconnecting",
			"session", s.label, "delay", delay, "attempt", s.backoff.attemptCount())

		select {
		case <-ctx.Done():
			s.setPhase(PhaseStopped)
			return
		case <-s.stopCh:
			s.setPhase(PhaseStopped)
			return
		case <-time.After(delay):
		}
	}
}

// Stop signals termination. If connected, a stop frame for the active
// subscription is sent best-effort before the transport is closed.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conn := s.conn
	subID := s.subscriptionID
	s.mu.Unlock()

	close(s.stopCh)

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(stopWriteTimeout))
		_ = conn.WriteJSON(stopFrame{ID: subID, Type: frameStop})
		s.writeMu.Unlock()
		_ = conn.Close()
	}
}

// writeJSON sends one frame under the write lock.
func (s *Session) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Session) isStopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// connectAndListen performs one connection attempt: resolve, dial, init,
// then receive until the heartbeat lapses, the rotation interval is
// reached, or the transport fails. A nil return still means "reconnect".
func (s *Session) connectAndListen(ctx context.Context) error {
	s.setPhase(PhaseConnecting)

	// Fresh subscription id per attempt, so a lingering server-side
	// registration from a previous attempt cannot collide.
	subID := uuid.NewString()
	s.mu.Lock()
	s.subscriptionID = subID
	s.mu.Unlock()

	ws, connURL, err := s.api.ConnectURL(ctx, s.cfg.Channel)
	if err != nil {
		return fmt.Errorf("resolve connection url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{"graphql-ws"},
	}
	conn, resp, err := dialer.DialContext(ctx, connURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", s.label, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", s.label, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if err := s.writeJSON(conn, map[string]string{"type": frameConnectionInit}); err != nil {
		return fmt.Errorf("send connection_init: %w", err)
	}
	s.setPhase(PhaseAwaitAck)

	timeout := s.cfg.HeartbeatTimeout
	var rotation time.Duration

	for {
		if s.isStopped() {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.log.Debugw("session heartbeat lost",
					"session", s.label, "timeout", timeout)
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		var frame ServerFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.Warnw("session malformed frame", "session", s.label, "err", err)
			return nil
		}

		switch frame.Type {
		case frameConnectionAck:
			if len(frame.Payload) > 0 {
				var ack ackPayload
				if err := json.Unmarshal(frame.Payload, &ack); err == nil && ack.ConnectionTimeoutMs > 0 {
					timeout = time.Duration(ack.ConnectionTimeoutMs) * time.Millisecond
				}
			}
			if err := s.subscribe(ctx, conn, subID, ws.Host); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			s.backoff.reset()
			s.setPhase(PhaseSubscribed)
			s.log.Debugw("session subscription active", "session", s.label)

		case frameKeepAlive:
			// Rotation is measured in accumulated nominal heartbeat
			// windows, not wall clock. Matches the cloud's own client.
			rotation += timeout
			if rotation >= s.cfg.RotateInterval {
				s.log.Debugw("session periodic rotation",
					"session", s.label, "uptime", rotation)
				return nil
			}

		case frameData:
			s.sink.HandleData(s.cfg.Channel, frame.Payload)

		case frameError:
			s.log.Warnw("session error frame",
				"session", s.label, "payload", string(frame.Payload))

		default:
			s.log.Debugw("session unknown frame type",
				"session", s.label, "type", frame.Type)
		}
	}
}

// subscribe sends the start frame carrying the subscription document and
// the bearer token + host as connection authorization extensions.
func (s *Session) subscribe(ctx context.Context, conn *websocket.Conn, subID, host string) error {
	idToken, err := s.api.IDToken(ctx)
	if err != nil {
		return err
	}
	doc, err := subscriptionDocument(s.cfg.Channel, s.cfg.Receiver)
	if err != nil {
		return err
	}
	return s.writeJSON(conn, startFrame{
		ID:   subID,
		Type: frameStart,
		Payload: startPayload{
			Data: doc,
			Extensions: startExtensions{
				Authorization: wsAuthorization{
					Authorization: idToken,
					Host:          host,
					UserAgent:     amzUserAgent,
				},
			},
		},
	})
}
