// Package conn supervises per-venue connection health.
//
// Each venue gets a small state machine:
//
//	Disconnected -> Connecting -> Connected <-> Degraded
//	any failure streak >= open_streak -> CircuitOpen
//	CircuitOpen -> (halfopen_wait elapsed) -> probe -> Connecting | CircuitOpen
//
// Market-data and trading are tracked as separate channels on the same
// venue: a venue can stream quotes while its trading circuit is open.
// Trading channels exist only for venues with trade_enabled.
//
// The supervisor owns per-venue token buckets (golang.org/x/time/rate);
// adapters call Limiter(venue).Wait(ctx) before each REST request.
package conn

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"perphedge/internal/config"
)

// State is one venue channel's connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Degraded     State = "degraded"
	CircuitOpen  State = "circuit_open"
)

// Channel distinguishes the read (market data) and write (trading) paths.
type Channel string

const (
	ChannelMarketData Channel = "market_data"
	ChannelTrading    Channel = "trading"
)

// Pinger measures venue round-trip health. Adapters implement it.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// ReasonHeartbeatTimeout marks a circuit opened by heartbeat silence rather
// than a failure streak.
const ReasonHeartbeatTimeout = "HeartbeatTimeout"

// latencyWindow is a fixed-size ring of recent latency samples.
type latencyWindow struct {
	samples []float64
	next    int
	filled  bool
}

func newLatencyWindow(n int) *latencyWindow {
	return &latencyWindow{samples: make([]float64, n)}
}

func (w *latencyWindow) add(ms float64) {
	w.samples[w.next] = ms
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.filled = true
	}
}

func (w *latencyWindow) avg() float64 {
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / float64(n)
}

// channelState is the breaker state for one (venue, channel).
type channelState struct {
	state         State
	failureStreak int
	openedAt      time.Time
	lastHeartbeat time.Time
	lastError     string
	latency       *latencyWindow
}

type venueConn struct {
	id           string
	tradeEnabled bool
	pinger       Pinger
	limiter      *rate.Limiter
	channels     map[Channel]*channelState
}

// Supervisor tracks connection state for all registered venues. All state is
// guarded by mu; the heartbeat loop and adapter callbacks both mutate it.
type Supervisor struct {
	cfg    config.ConnConfig
	logger *slog.Logger

	mu     sync.RWMutex
	venues map[string]*venueConn

	// now is swappable for tests.
	now func() time.Time
}

// NewSupervisor creates a supervisor with no venues registered.
func NewSupervisor(cfg config.ConnConfig, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "conn"),
		venues: make(map[string]*venueConn),
		now:    time.Now,
	}
}

// Register adds a venue. The pinger may be nil (no heartbeat probing, state
// driven purely by RecordSuccess/RecordFailure).
func (s *Supervisor) Register(vc config.VenueConfig, pinger Pinger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := &venueConn{
		id:           vc.ID,
		tradeEnabled: vc.TradeEnabled,
		pinger:       pinger,
		limiter:      rate.NewLimiter(rate.Limit(vc.RateLimitRPS), vc.RateLimitBurst),
		channels: map[Channel]*channelState{
			ChannelMarketData: {state: Disconnected, latency: newLatencyWindow(32)},
		},
	}
	if vc.TradeEnabled {
		v.channels[ChannelTrading] = &channelState{state: Disconnected, latency: newLatencyWindow(32)}
	}
	s.venues[vc.ID] = v
	s.logger.Info("venue registered", "venue", vc.ID, "trade_enabled", vc.TradeEnabled)
}

// SetPinger attaches a heartbeat prober to an already-registered venue.
// Used when the adapter needs the venue's limiter before it can exist.
func (s *Supervisor) SetPinger(venue string, pinger Pinger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.venues[venue]; ok {
		v.pinger = pinger
	}
}

// Limiter returns the venue's request token bucket, or nil if unknown.
func (s *Supervisor) Limiter(venue string) *rate.Limiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.venues[venue]; ok {
		return v.limiter
	}
	return nil
}

// MarkConnecting moves a channel into Connecting (dial started).
func (s *Supervisor) MarkConnecting(venue string, ch Channel) {
	s.transition(venue, ch, func(cs *channelState) {
		if cs.state == Disconnected || cs.state == CircuitOpen {
			cs.state = Connecting
		}
	})
}

// MarkConnected moves a channel into Connected (dial + auth succeeded).
func (s *Supervisor) MarkConnected(venue string, ch Channel) {
	s.transition(venue, ch, func(cs *channelState) {
		cs.state = Connected
		cs.failureStreak = 0
		cs.lastHeartbeat = s.now()
	})
}

// MarkDisconnected moves a channel into Disconnected (clean close or dial
// give-up). The failure streak is preserved.
func (s *Supervisor) MarkDisconnected(venue string, ch Channel) {
	s.transition(venue, ch, func(cs *channelState) {
		if cs.state != CircuitOpen {
			cs.state = Disconnected
		}
	})
}

// RecordSuccess reports a successful operation on a channel, clearing the
// failure streak. Latency above max_latency_ms degrades the channel; below
// it, a degraded channel recovers to Connected.
func (s *Supervisor) RecordSuccess(venue string, ch Channel, latency time.Duration) {
	slow := latency.Milliseconds() > int64(s.cfg.MaxLatencyMs)
	s.transition(venue, ch, func(cs *channelState) {
		cs.failureStreak = 0
		cs.lastHeartbeat = s.now()
		cs.latency.add(float64(latency.Milliseconds()))
		switch {
		case slow:
			cs.state = Degraded
		case cs.state == Degraded, cs.state == Connecting, cs.state == Disconnected, cs.state == CircuitOpen:
			cs.state = Connected
		}
	})
}

// RecordFailure reports a failed operation on a channel. A streak of
// open_streak consecutive failures opens the circuit (a half-open probe
// failure re-opens it immediately, since the streak is already at the cap).
func (s *Supervisor) RecordFailure(venue string, ch Channel, err error) {
	s.transition(venue, ch, func(cs *channelState) {
		cs.failureStreak++
		if err != nil {
			cs.lastError = err.Error()
		}
		if cs.state == CircuitOpen {
			cs.openedAt = s.now()
			return
		}
		if cs.failureStreak >= s.cfg.OpenStreak {
			cs.state = CircuitOpen
			cs.openedAt = s.now()
			s.logger.Error("circuit opened",
				"venue", venue,
				"channel", ch,
				"failure_streak", cs.failureStreak,
				"last_error", cs.lastError,
			)
		}
	})
}

// openCircuit forces a channel open with a reason (heartbeat timeout).
func (s *Supervisor) openCircuit(venue string, ch Channel, reason string) {
	s.transition(venue, ch, func(cs *channelState) {
		if cs.state == CircuitOpen {
			return
		}
		cs.state = CircuitOpen
		cs.openedAt = s.now()
		cs.lastError = reason
		s.logger.Error("circuit opened", "venue", venue, "channel", ch, "reason", reason)
	})
}

// AllowRequest reports whether a channel may carry a request right now. An
// open circuit past halfopen_wait drops to Degraded and the request proceeds
// as a probe; its RecordSuccess/RecordFailure settles the state.
func (s *Supervisor) AllowRequest(venue string, ch Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.venues[venue]
	if !ok {
		return false
	}
	cs, ok := v.channels[ch]
	if !ok {
		return false
	}
	switch cs.state {
	case Connected, Degraded, Connecting:
		return true
	case CircuitOpen:
		if s.now().Sub(cs.openedAt) >= s.cfg.HalfOpenWait {
			cs.state = Degraded
			s.logger.Info("circuit half-open, probing", "venue", venue, "channel", ch)
			return true
		}
		return false
	default:
		return false
	}
}

// TradingBlocked reports whether the venue's trading channel cannot carry
// orders. Venues without a trading channel are always blocked.
func (s *Supervisor) TradingBlocked(venue string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.venues[venue]
	if !ok {
		return true
	}
	cs, ok := v.channels[ChannelTrading]
	if !ok {
		return true
	}
	return cs.state == CircuitOpen || cs.state == Disconnected
}

// BlockedVenues returns the set of venues whose trading channel is blocked.
// The scheduler folds this into the risk context every tick.
func (s *Supervisor) BlockedVenues() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for id, v := range s.venues {
		cs, ok := v.channels[ChannelTrading]
		if !ok || cs.state == CircuitOpen || cs.state == Disconnected {
			out[id] = true
		}
	}
	return out
}

// LatencyMs returns each venue's rolling average trading latency, falling
// back to the market-data channel for read-only venues.
func (s *Supervisor) LatencyMs() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.venues))
	for id, v := range s.venues {
		if cs, ok := v.channels[ChannelTrading]; ok {
			out[id] = cs.latency.avg()
		} else if cs, ok := v.channels[ChannelMarketData]; ok {
			out[id] = cs.latency.avg()
		}
	}
	return out
}

// transition applies fn to one channel's state under the lock, logging any
// state change.
func (s *Supervisor) transition(venue string, ch Channel, fn func(*channelState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.venues[venue]
	if !ok {
		return
	}
	cs, ok := v.channels[ch]
	if !ok {
		return
	}
	before := cs.state
	fn(cs)
	if cs.state != before {
		s.logger.Info("connection state changed",
			"venue", venue,
			"channel", ch,
			"from", before,
			"to", cs.state,
		)
	}
}

// Run drives heartbeats until ctx is cancelled. Each venue with a pinger is
// probed every heartbeat_every; a probe slower than max_latency_ms degrades
// the channel, and heartbeat silence beyond heartbeat_timeout counts as a
// failure toward the breaker.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatEvery)
	defer ticker.Stop()

	s.logger.Info("supervisor started", "heartbeat_every", s.cfg.HeartbeatEvery)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return
		case <-ticker.C:
			s.heartbeatAll(ctx)
		}
	}
}

func (s *Supervisor) heartbeatAll(ctx context.Context) {
	s.mu.RLock()
	targets := make([]*venueConn, 0, len(s.venues))
	for _, v := range s.venues {
		if v.pinger != nil {
			targets = append(targets, v)
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, v := range targets {
		wg.Add(1)
		go func(v *venueConn) {
			defer wg.Done()
			s.heartbeat(ctx, v)
		}(v)
	}
	wg.Wait()
}

func (s *Supervisor) heartbeat(ctx context.Context, v *venueConn) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
	defer cancel()

	latency, err := v.pinger.Ping(pctx)

	s.mu.RLock()
	stale := make(map[Channel]bool, len(v.channels))
	for ch, cs := range v.channels {
		stale[ch] = !cs.lastHeartbeat.IsZero() &&
			s.now().Sub(cs.lastHeartbeat) > s.cfg.HeartbeatTimeout
	}
	s.mu.RUnlock()

	for ch := range v.channels {
		if err != nil {
			if stale[ch] {
				s.openCircuit(v.id, ch, ReasonHeartbeatTimeout)
			} else {
				s.RecordFailure(v.id, ch, err)
			}
			continue
		}
		s.RecordSuccess(v.id, ch, latency)
	}
}

// Retry runs op up to retry_max_attempts times with exponential backoff and
// jitter. The last error is returned when all attempts fail.
func (s *Supervisor) Retry(ctx context.Context, op func(context.Context) error) error {
	delay := s.cfg.RetryBaseDelay
	var err error
	for attempt := 1; attempt <= s.cfg.RetryMaxAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == s.cfg.RetryMaxAttempts {
			break
		}
		jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > s.cfg.RetryMaxDelay {
			delay = s.cfg.RetryMaxDelay
		}
	}
	return err
}

// ChannelSnapshot is a read-only view of one channel's state.
type ChannelSnapshot struct {
	Channel       Channel   `json:"channel"`
	State         State     `json:"state"`
	FailureStreak int       `json:"failure_streak"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastError     string    `json:"last_error,omitempty"`
}

// VenueConnSnapshot is a read-only view of one venue's channels.
type VenueConnSnapshot struct {
	Venue    string            `json:"venue"`
	Channels []ChannelSnapshot `json:"channels"`
}

// Snapshot reports the connection state of every venue.
func (s *Supervisor) Snapshot() []VenueConnSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VenueConnSnapshot, 0, len(s.venues))
	for id, v := range s.venues {
		snap := VenueConnSnapshot{Venue: id}
		for _, ch := range []Channel{ChannelMarketData, ChannelTrading} {
			cs, ok := v.channels[ch]
			if !ok {
				continue
			}
			snap.Channels = append(snap.Channels, ChannelSnapshot{
				Channel:       ch,
				State:         cs.state,
				FailureStreak: cs.failureStreak,
				AvgLatencyMs:  cs.latency.avg(),
				LastHeartbeat: cs.lastHeartbeat,
				LastError:     cs.lastError,
			})
		}
		out = append(out, snap)
	}
	return out
}
