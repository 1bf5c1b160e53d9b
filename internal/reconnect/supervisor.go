// Package reconnect supervises the transport connection: it owns every
// Connect/Destroy call, recovers from disconnects with exponential backoff,
// and coordinates session teardown on unrecoverable auth failures.
package reconnect

import (
	"context"
	"strings"
	"sync"
	"time"

	"psinotify/internal/eventbus"
	"psinotify/internal/transport"
	"psinotify/pkg/logx"
)

type Config struct {
	// BaseInterval seeds the exponential backoff: delay(n) =
	// min(BaseInterval * 2^(n-1), MaxDelay).
	BaseInterval time.Duration
	MaxDelay     time.Duration
	// MaxAttempts bounds consecutive failed reconnects; after that the
	// supervisor gives up permanently until an operator restart.
	MaxAttempts int
	// HealthInterval is the period for comparing the adapter's reported
	// state against the supervisor's belief.
	HealthInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	return c
}

// SessionClearer is the slice of the session store the supervisor needs.
type SessionClearer interface {
	Clear() error
}

// Status is the supervisor's externally visible state for /status.
type Status struct {
	State          transport.State `json:"-"`
	StateName      string          `json:"state"`
	Attempts       int             `json:"reconnect_attempts"`
	GaveUp         bool            `json:"gave_up"`
	PendingRetry   bool            `json:"pending_retry"`
	LastDisconnect string          `json:"last_disconnect,omitempty"`
	ConnectedAt    time.Time       `json:"connected_at,omitzero"`
}

// loggedOutMarkers identify auth failures meaning the session was explicitly
// unpaired on the device side; stale credentials must be purged before the
// next attempt.
var loggedOutMarkers = []string{"logged out", "logout", "unpaired", "conflict", "401"}

type Supervisor struct {
	cfg     Config
	adapter transport.Adapter
	bus     eventbus.Bus
	session SessionClearer
	log     logx.Logger

	// alert is a best-effort operator notifier; may be nil.
	alert func(msg string)

	mu           sync.Mutex
	state        transport.State
	attempts     int
	gaveUp       bool
	pendingRetry bool
	lastReason   string
	connectedAt  time.Time

	restartCh chan struct{}
}

func New(cfg Config, adapter transport.Adapter, bus eventbus.Bus, session SessionClearer, alert func(msg string), log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		adapter:   adapter,
		bus:       bus,
		session:   session,
		alert:     alert,
		log:       log.With(logx.String("comp", "reconnect")),
		state:     transport.StateDisconnected,
		restartCh: make(chan struct{}, 1),
	}
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:          s.state,
		StateName:      s.state.String(),
		Attempts:       s.attempts,
		GaveUp:         s.gaveUp,
		PendingRetry:   s.pendingRetry,
		LastDisconnect: s.lastReason,
		ConnectedAt:    s.connectedAt,
	}
}

// Restart requests a full reconnect cycle (operator action): give-up and
// attempt counters reset, the current session is torn down and re-dialed.
func (s *Supervisor) Restart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// Run drives the supervisor until ctx ends. It performs the initial connect,
// then reacts to transport events from the bus, its health tick, and
// scheduled reconnect timers.
func (s *Supervisor) Run(ctx context.Context) {
	events, unsub := s.bus.Subscribe(32)
	defer unsub()

	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	// A nil channel never fires; retryCh is armed only while a reconnect is
	// pending, which also makes attempts mutually exclusive.
	var retryTimer *time.Timer
	var retryCh <-chan time.Time
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	arm := func(d time.Duration) {
		retryTimer = time.NewTimer(d)
		retryCh = retryTimer.C
	}
	disarm := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
		}
		retryCh = nil
		s.mu.Lock()
		s.pendingRetry = false
		s.mu.Unlock()
	}

	s.tryConnect(ctx)

	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = s.adapter.Destroy(dctx)
			cancel()
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if d, schedule := s.handleEvent(ctx, ev); schedule {
				arm(d)
			} else if ev.Type == eventbus.TypeTransportReady {
				disarm()
			}

		case <-retryCh:
			disarm()
			// Implicit cancellation: a connect that succeeded in the
			// meantime makes this timer a no-op.
			s.mu.Lock()
			connected := s.state == transport.StateConnected
			s.mu.Unlock()
			if connected {
				continue
			}
			s.tryConnect(ctx)

		case <-health.C:
			if d, schedule := s.healthCheck(); schedule {
				s.log.Warn("health check: transport state drifted, treating as disconnect")
				arm(d)
			}

		case <-s.restartCh:
			disarm()
			s.log.Info("operator restart requested")
			s.mu.Lock()
			s.gaveUp = false
			s.attempts = 0
			s.state = transport.StateDisconnected
			s.mu.Unlock()
			dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = s.adapter.Destroy(dctx)
			cancel()
			s.tryConnect(ctx)
		}
	}
}

// handleEvent reacts to one bus event; it returns a backoff delay and true
// when a reconnect should be scheduled.
func (s *Supervisor) handleEvent(_ context.Context, ev eventbus.Event) (time.Duration, bool) {
	switch ev.Type {
	case eventbus.TypeTransportReady:
		s.mu.Lock()
		s.state = transport.StateConnected
		s.attempts = 0
		s.gaveUp = false
		s.pendingRetry = false
		s.connectedAt = ev.Time
		s.mu.Unlock()
		s.log.Info("transport connected")
		return 0, false

	case eventbus.TypeTransportQR:
		s.mu.Lock()
		s.state = transport.StatePairing
		s.mu.Unlock()
		s.log.Info("pairing required: scan the code on the gateway")
		return 0, false

	case eventbus.TypeTransportDisconnected:
		reason, _ := ev.Data.(string)
		s.mu.Lock()
		s.state = transport.StateDisconnected
		s.lastReason = reason
		s.mu.Unlock()
		s.log.Warn("transport disconnected", logx.String("reason", reason))
		return s.scheduleReconnect()

	case eventbus.TypeTransportAuthFailure:
		reason, _ := ev.Data.(string)
		s.mu.Lock()
		s.state = transport.StateAuthFailed
		s.lastReason = reason
		s.mu.Unlock()
		s.log.Error("transport auth failure", logx.String("reason", reason))

		if isLoggedOut(reason) {
			// The device explicitly unpaired us: retrying with the stale
			// session is pointless, purge it and require human re-pairing.
			if s.session != nil {
				if err := s.session.Clear(); err != nil {
					s.log.Error("failed clearing session after logout", logx.Err(err))
				}
			}
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionCleared, Data: reason})
			s.notify("Messaging session was logged out on the device. Re-pairing (QR scan) is required.")
		}
		return s.scheduleReconnect()
	}
	return 0, false
}

// healthCheck compares belief with the adapter's reported state.
func (s *Supervisor) healthCheck() (time.Duration, bool) {
	s.mu.Lock()
	believed := s.state
	s.mu.Unlock()
	if believed != transport.StateConnected {
		return 0, false
	}
	if s.adapter.State() == transport.StateConnected {
		return 0, false
	}
	s.mu.Lock()
	s.state = transport.StateDisconnected
	s.lastReason = "health check: adapter no longer connected"
	s.mu.Unlock()
	return s.scheduleReconnect()
}

// scheduleReconnect computes the next backoff delay, or gives up permanently
// once the attempt budget is spent. A pending scheduled reconnect suppresses
// scheduling another.
func (s *Supervisor) scheduleReconnect() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gaveUp || s.pendingRetry {
		return 0, false
	}
	if s.attempts >= s.cfg.MaxAttempts {
		s.gaveUp = true
		s.log.Error("giving up on reconnects", logx.Int("attempts", s.attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReconnectGaveUp, Data: s.attempts})
		go s.notify("Delivery engine gave up reconnecting to the messaging transport. Manual restart required.")
		return 0, false
	}

	s.attempts++
	delay := s.cfg.BaseInterval << (s.attempts - 1)
	if delay > s.cfg.MaxDelay || delay <= 0 {
		delay = s.cfg.MaxDelay
	}
	s.pendingRetry = true
	s.log.Info("reconnect scheduled", logx.Int("attempt", s.attempts), logx.Duration("delay", delay))
	return delay, true
}

// tryConnect performs one connect attempt. Failure feeds back into the
// normal backoff path via a synthetic disconnected event.
func (s *Supervisor) tryConnect(ctx context.Context) {
	s.mu.Lock()
	if s.gaveUp {
		s.mu.Unlock()
		return
	}
	s.state = transport.StatePairing
	s.mu.Unlock()

	if err := s.adapter.Connect(ctx); err != nil {
		s.log.Warn("connect attempt failed", logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportDisconnected, Data: "connect failed: " + err.Error()})
		return
	}
	// Success is confirmed by the transport's ready event, not by Connect
	// returning: the gateway may still be pairing.
}

func (s *Supervisor) notify(msg string) {
	if s.alert != nil {
		s.alert(msg)
	}
}

func isLoggedOut(reason string) bool {
	r := strings.ToLower(reason)
	for _, marker := range loggedOutMarkers {
		if strings.Contains(r, marker) {
			return true
		}
	}
	return false
}
