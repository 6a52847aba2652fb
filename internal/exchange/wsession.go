package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second
)

// Session DOWN reasons. Consumers treat them differently: a read error
// is a routine disconnect the session heals on its own, while the other
// reasons mean the socket cannot currently serve data.
const (
	DownReadError    = "read-error"
	DownIdleTimeout  = "idle-timeout"
	DownMaxReconnect = "max-reconnect-reached"
	DownShutdown     = "shutdown"
)

// SessionConfig describes one exchange's WebSocket behavior: where to
// dial, how to keep the connection alive and what to do with frames.
type SessionConfig struct {
	Exchange         market.Exchange
	URL              func() string
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration // reconnect if no frame arrives within
	PingInterval     time.Duration // client-initiated heartbeat, 0 = none
	PingFrame        func() (int, []byte)
	MaxReconnect     int // consecutive dial failures before reporting max-reconnect-reached

	// OnConnect authenticates and replays the subscription set.
	OnConnect func(ctx context.Context, s *Session) error
	// OnMessage receives every inbound frame.
	OnMessage func(data []byte)
	// OnUp / OnDown report transport state to the owning client.
	OnUp   func()
	OnDown func(reason string)
}

// Session owns a self-healing WebSocket connection: dial, authenticate,
// resubscribe, read until failure or idleness, back off with full
// jitter and repeat until stopped.
type Session struct {
	cfg SessionConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped chan struct{}
	once    sync.Once
}

// NewSession creates a session; Run starts it.
func NewSession(cfg SessionConfig) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = 5
	}
	return &Session{cfg: cfg, stopped: make(chan struct{})}
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or
// Stop is called.
func (s *Session) Run(ctx context.Context) {
	attempts := 0
	reportedMax := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			attempts++
			metrics.RecordReconnect(string(s.cfg.Exchange))

			if attempts >= s.cfg.MaxReconnect && !reportedMax {
				reportedMax = true
				s.down(DownMaxReconnect)
			}

			delay := backoffDelay(attempts)
			log.Warn().
				Err(err).
				Str("exchange", string(s.cfg.Exchange)).
				Int("attempt", attempts).
				Dur("backoff", delay).
				Msg("WebSocket connect failed")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			}
			continue
		}

		attempts = 0
		reportedMax = false
		if s.cfg.OnUp != nil {
			s.cfg.OnUp()
		}

		reason := s.readLoop(ctx)
		s.down(reason)

		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-time.After(backoffDelay(1)):
		}
	}
}

// Stop terminates the session permanently.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.stopped) })
	s.closeConn()
}

// Send writes a JSON frame under the session write lock.
func (s *Session) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return &market.Error{Kind: market.KindTransportDown, Op: "exchange.Send",
			Exchange: s.cfg.Exchange, Err: fmt.Errorf("websocket not connected")}
	}
	return s.conn.WriteJSON(v)
}

// SendMessage writes a raw frame under the session write lock.
func (s *Session) SendMessage(msgType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return &market.Error{Kind: market.KindTransportDown, Op: "exchange.SendMessage",
			Exchange: s.cfg.Exchange, Err: fmt.Errorf("websocket not connected")}
	}
	return s.conn.WriteMessage(msgType, data)
}

// Connected reports whether a socket is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) connect(ctx context.Context) error {
	url := s.cfg.URL()
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if s.cfg.OnConnect != nil {
		if err := s.cfg.OnConnect(ctx, s); err != nil {
			s.closeConn()
			return fmt.Errorf("on connect: %w", err)
		}
	}

	log.Info().
		Str("exchange", string(s.cfg.Exchange)).
		Str("url", url).
		Msg("WebSocket connected")
	return nil
}

// readLoop reads until disconnect or idle timeout and returns the
// disconnect reason. Healthy means bytes recently arrived, not just
// that the socket is open.
func (s *Session) readLoop(ctx context.Context) string {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	pingDone := make(chan struct{})
	if s.cfg.PingInterval > 0 {
		go s.pingLoop(pingDone)
	}
	defer close(pingDone)
	defer s.closeConn()

	for {
		select {
		case <-ctx.Done():
			return DownShutdown
		case <-s.stopped:
			return DownShutdown
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if netTimeout(err) {
				log.Warn().
					Str("exchange", string(s.cfg.Exchange)).
					Dur("idle", s.cfg.IdleTimeout).
					Msg("No inbound frames, forcing reconnect")
				return DownIdleTimeout
			}
			return DownReadError
		}

		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(message)
		}
	}
}

func (s *Session) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			msgType, data := websocket.PingMessage, []byte(nil)
			if s.cfg.PingFrame != nil {
				msgType, data = s.cfg.PingFrame()
			}
			if err := s.SendMessage(msgType, data); err != nil {
				log.Debug().
					Err(err).
					Str("exchange", string(s.cfg.Exchange)).
					Msg("Ping send failed")
				return
			}
		}
	}
}

func (s *Session) down(reason string) {
	if s.cfg.OnDown != nil {
		s.cfg.OnDown(reason)
	}
}

func (s *Session) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// backoffDelay computes exponential backoff with full jitter:
// uniform over (0, min(cap, base*2^attempt)].
func backoffDelay(attempt int) time.Duration {
	max := reconnectBase << uint(attempt-1)
	if max > reconnectCap || max <= 0 {
		max = reconnectCap
	}
	return time.Duration(rand.Int63n(int64(max))) + time.Millisecond
}

func netTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}
	return false
}
