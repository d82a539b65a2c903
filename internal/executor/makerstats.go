package executor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// makerSample records one maker attempt on a venue pair.
type makerSample struct {
	filled   bool
	fallback bool
}

// pairStats is one venue pair's rolling maker window plus degradation state.
type pairStats struct {
	window   []makerSample
	next     int
	count    int
	degraded bool
	until    time.Time
}

// PairKey identifies an unordered venue pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s", a, b)
}

// MakerStats tracks per-pair maker fill performance over a rolling window
// and opens a degradation cooldown when fills get unreliable. While a pair
// is degraded the executor forces taker-only execution for it.
type MakerStats struct {
	windowSize      int
	minFillRate     float64
	maxFallbackRate float64
	cooldown        time.Duration
	logger          *slog.Logger

	mu    sync.Mutex
	pairs map[string]*pairStats

	now func() time.Time
}

// NewMakerStats creates pair statistics with the given tuning.
func NewMakerStats(windowSize int, minFillRate, maxFallbackRate float64, cooldown time.Duration, logger *slog.Logger) *MakerStats {
	return &MakerStats{
		windowSize:      windowSize,
		minFillRate:     minFillRate,
		maxFallbackRate: maxFallbackRate,
		cooldown:        cooldown,
		logger:          logger.With("component", "maker_stats"),
		pairs:           make(map[string]*pairStats),
		now:             time.Now,
	}
}

// minSamples is the sample floor before degradation can trigger.
func (m *MakerStats) minSamples() int {
	n := m.windowSize / 2
	if n > 10 {
		n = 10
	}
	if n < 1 {
		n = 1
	}
	return n
}

// expire clears an elapsed cooldown and resets the window, so the pair
// restarts maker attempts on probation: a fresh bad streak re-degrades it.
func (m *MakerStats) expire(key string, ps *pairStats) {
	if ps.degraded && m.now().After(ps.until) {
		ps.degraded = false
		ps.count = 0
		ps.next = 0
		m.logger.Info("pair degradation cooldown expired", "pair", key)
	}
}

// Record adds one maker attempt to the pair's window and re-evaluates
// degradation.
func (m *MakerStats) Record(venueA, venueB string, filled, fallback bool) {
	key := PairKey(venueA, venueB)
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.pairs[key]
	if !ok {
		ps = &pairStats{window: make([]makerSample, m.windowSize)}
		m.pairs[key] = ps
	}
	m.expire(key, ps)
	ps.window[ps.next] = makerSample{filled: filled, fallback: fallback}
	ps.next = (ps.next + 1) % m.windowSize
	if ps.count < m.windowSize {
		ps.count++
	}
	if ps.degraded {
		return
	}

	fillRate, fallbackRate := rates(ps)
	if ps.count >= m.minSamples() && (fillRate < m.minFillRate || fallbackRate > m.maxFallbackRate) {
		ps.degraded = true
		ps.until = m.now().Add(m.cooldown)
		m.logger.Warn("pair degraded, forcing taker-only",
			"pair", key,
			"fill_rate", fillRate,
			"fallback_rate", fallbackRate,
			"cooldown", m.cooldown,
		)
	}
}

func rates(ps *pairStats) (fill, fallback float64) {
	if ps.count == 0 {
		return 1, 0
	}
	var filled, fellBack int
	for i := 0; i < ps.count; i++ {
		if ps.window[i].filled {
			filled++
		}
		if ps.window[i].fallback {
			fellBack++
		}
	}
	return float64(filled) / float64(ps.count), float64(fellBack) / float64(ps.count)
}

// Degraded reports whether the pair is inside a degradation cooldown.
// Expiry is evaluated here as well as in Record: a degraded pair runs
// taker-only, so no maker samples arrive to clear it from the write path.
func (m *MakerStats) Degraded(venueA, venueB string) bool {
	key := PairKey(venueA, venueB)
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.pairs[key]
	if !ok {
		return false
	}
	m.expire(key, ps)
	return ps.degraded
}

// FillRate returns the pair's window fill rate (1 with no samples).
func (m *MakerStats) FillRate(venueA, venueB string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.pairs[PairKey(venueA, venueB)]
	if !ok {
		return 1
	}
	fill, _ := rates(ps)
	return fill
}
