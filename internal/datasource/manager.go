// Package datasource decides, per exchange, whether funding data flows
// over WebSocket, REST polling, or both. Clients report transport state
// changes; the manager answers by widening or narrowing the REST
// poller's scope and never lets an exchange go dark while the other
// transport can still serve it.
package datasource

import (
	"context"
	"sync"
	"time"

	"fundarb-monitor/internal/exchange"
	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"

	"github.com/rs/zerolog/log"
)

// DefaultRecoveryDelay is how long a recovered WebSocket must stay up,
// with REST still polling alongside, before REST narrows back down.
// It absorbs flapping connections.
const DefaultRecoveryDelay = 10 * time.Second

// Manager supervises the transport mode of every exchange client.
type Manager struct {
	recoveryDelay time.Duration

	mu     sync.Mutex
	states map[market.Exchange]*state

	wg sync.WaitGroup
}

type state struct {
	client   exchange.Client
	mode     market.SourceMode
	disabled bool      // WS disabled by operator command
	upAt     time.Time // when the socket last came up
	recovery *time.Timer
}

// New creates a manager for the given clients. recoveryDelay <= 0 uses
// the default.
func New(clients []exchange.Client, recoveryDelay time.Duration) *Manager {
	if recoveryDelay <= 0 {
		recoveryDelay = DefaultRecoveryDelay
	}

	m := &Manager{
		recoveryDelay: recoveryDelay,
		states:        make(map[market.Exchange]*state, len(clients)),
	}
	for _, c := range clients {
		m.states[c.Exchange()] = &state{client: c}
	}
	return m
}

// Start opens every client's preferred transport and begins watching
// connectivity. REST-only exchanges go straight to REST mode.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ex, st := range m.states {
		if st.client.Capabilities().FundingFeed == market.FeedRESTOnly {
			m.setModeLocked(st, market.ModeREST, "rest-only exchange")
		} else {
			st.client.SetPollAll(false)
			m.setModeLocked(st, market.ModeWS, "startup")
			if err := st.client.StartWS(ctx); err != nil {
				return err
			}
		}

		m.wg.Add(1)
		go m.watch(ctx, ex, st)
	}
	return nil
}

// Stop tears down WebSocket transports. Pollers stop with the context.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, st := range m.states {
		if st.recovery != nil {
			st.recovery.Stop()
			st.recovery = nil
		}
		st.client.StopWS()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Mode returns the current transport mode for an exchange.
func (m *Manager) Mode(ex market.Exchange) market.SourceMode {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states[ex]; ok {
		return st.mode
	}
	return ""
}

// Modes returns a snapshot of every exchange's mode.
func (m *Manager) Modes() map[market.Exchange]market.SourceMode {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[market.Exchange]market.SourceMode, len(m.states))
	for ex, st := range m.states {
		out[ex] = st.mode
	}
	return out
}

// DisableWS permanently routes an exchange to REST, for venues whose
// WebSocket misbehaves in ways reconnecting cannot fix.
func (m *Manager) DisableWS(ex market.Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[ex]
	if !ok || st.disabled {
		return
	}
	st.disabled = true
	if st.recovery != nil {
		st.recovery.Stop()
		st.recovery = nil
	}
	st.client.StopWS()
	st.client.SetPollAll(true)
	m.setModeLocked(st, market.ModeREST, "ws-disabled")
}

// watch consumes one client's connectivity events and drives its mode
// state machine.
func (m *Manager) watch(ctx context.Context, ex market.Exchange, st *state) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-st.client.Connectivity():
			if !ok {
				return
			}
			if ev.Transport != market.TransportWS {
				continue
			}

			switch ev.State {
			case market.StateDown:
				m.onWSDown(ex, st, ev.Reason)
			case market.StateUp:
				m.onWSUp(ex, st)
			}
		}
	}
}

// onWSDown widens REST to the full subscription set when the socket
// cannot currently serve data. A plain read error stays in WS mode:
// the session heals those on its own with backoff, and only repeated
// dial failures or an idle socket justify the REST fallback.
func (m *Manager) onWSDown(ex market.Exchange, st *state, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st.disabled || st.mode == market.ModeREST {
		return
	}
	if st.recovery != nil {
		st.recovery.Stop()
		st.recovery = nil
	}

	if reason != exchange.DownMaxReconnect && reason != exchange.DownIdleTimeout {
		return
	}

	st.client.SetPollAll(true)
	m.setModeLocked(st, market.ModeREST, reason)
}

// onWSUp enters hybrid mode: both transports run until the socket has
// stayed up for the recovery delay and delivered data, then REST
// narrows back down.
func (m *Manager) onWSUp(ex market.Exchange, st *state) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st.disabled || st.mode == market.ModeWS {
		return
	}
	st.upAt = time.Now()
	if st.mode == market.ModeREST {
		m.setModeLocked(st, market.ModeHybrid, "ws-recovered")
	}
	m.armRecoveryLocked(st)
}

// armRecoveryLocked schedules the narrow-back check. An open socket
// that has not pushed a single frame since it came up proves nothing;
// the check re-arms until data actually flows.
func (m *Manager) armRecoveryLocked(st *state) {
	if st.recovery != nil {
		st.recovery.Stop()
	}
	st.recovery = time.AfterFunc(m.recoveryDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		// A DOWN in the window clears the timer; reaching here means
		// the socket held.
		if st.mode != market.ModeHybrid || st.disabled {
			return
		}
		if !st.client.LastFrameAt().After(st.upAt) {
			m.armRecoveryLocked(st)
			return
		}
		st.recovery = nil
		st.client.SetPollAll(false)
		m.setModeLocked(st, market.ModeWS, "recovery-window-elapsed")
	})
}

func (m *Manager) setModeLocked(st *state, mode market.SourceMode, reason string) {
	if st.mode == mode {
		return
	}
	prev := st.mode
	st.mode = mode

	ex := string(st.client.Exchange())
	metrics.RecordSourceMode(ex, string(mode))
	log.Info().
		Str("exchange", ex).
		Str("from", string(prev)).
		Str("to", string(mode)).
		Str("reason", reason).
		Msg("Data-source mode changed")
}
