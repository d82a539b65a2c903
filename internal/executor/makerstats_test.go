package executor

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestMakerStats(windowSize int) (*MakerStats, *time.Time) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := NewMakerStats(windowSize, 0.5, 0.3, 5*time.Minute, logger)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestPairKeyUnordered(t *testing.T) {
	t.Parallel()
	if PairKey("beta", "alpha") != PairKey("alpha", "beta") {
		t.Error("pair key must not depend on venue order")
	}
	if PairKey("alpha", "beta") != "alpha|beta" {
		t.Errorf("key = %s, want alpha|beta", PairKey("alpha", "beta"))
	}
}

func TestNoDegradationBelowSampleFloor(t *testing.T) {
	t.Parallel()
	m, _ := newTestMakerStats(20) // floor = 10

	for i := 0; i < 9; i++ {
		m.Record("alpha", "beta", false, true)
	}
	if m.Degraded("alpha", "beta") {
		t.Error("nine samples are below the floor, no degradation yet")
	}
	m.Record("alpha", "beta", false, true)
	if !m.Degraded("alpha", "beta") {
		t.Error("tenth bad sample should trip degradation")
	}
}

func TestDegradesOnLowFillRate(t *testing.T) {
	t.Parallel()
	m, _ := newTestMakerStats(4) // floor = 2

	m.Record("alpha", "beta", true, false)
	m.Record("alpha", "beta", false, false)
	m.Record("alpha", "beta", false, false) // fill rate 1/3 < 0.5
	if !m.Degraded("alpha", "beta") {
		t.Errorf("fill rate %v should degrade the pair", m.FillRate("alpha", "beta"))
	}
}

func TestDegradesOnHighFallbackRate(t *testing.T) {
	t.Parallel()
	m, _ := newTestMakerStats(4)

	// Fills fine but falls back constantly.
	m.Record("alpha", "beta", true, true)
	m.Record("alpha", "beta", true, true)
	if !m.Degraded("alpha", "beta") {
		t.Error("fallback rate 1.0 should degrade the pair")
	}
}

func TestCooldownRecovery(t *testing.T) {
	t.Parallel()
	m, now := newTestMakerStats(4)

	m.Record("alpha", "beta", false, true)
	m.Record("alpha", "beta", false, true)
	if !m.Degraded("alpha", "beta") {
		t.Fatal("pair should be degraded")
	}

	// Healthy sample inside the cooldown does not recover.
	m.Record("alpha", "beta", true, false)
	if !m.Degraded("alpha", "beta") {
		t.Error("recovery must wait out the cooldown")
	}

	// After the cooldown the window restarts clean and healthy samples keep
	// the pair recovered.
	*now = now.Add(6 * time.Minute)
	m.Record("alpha", "beta", true, false)
	m.Record("alpha", "beta", true, false)
	m.Record("alpha", "beta", true, false)
	if m.Degraded("alpha", "beta") {
		t.Errorf("healthy window after cooldown should recover (fill rate %v)", m.FillRate("alpha", "beta"))
	}
}

func TestCooldownExpiresWithoutMakerTraffic(t *testing.T) {
	t.Parallel()
	m, now := newTestMakerStats(4)

	m.Record("alpha", "beta", false, true)
	m.Record("alpha", "beta", false, true)
	if !m.Degraded("alpha", "beta") {
		t.Fatal("pair should be degraded")
	}

	// A degraded pair is taker-only, so no further samples arrive. The
	// cooldown must still expire on read.
	*now = now.Add(24 * time.Hour)
	if m.Degraded("alpha", "beta") {
		t.Error("cooldown must expire without new maker samples")
	}

	// Probation: the window restarted, so a fresh bad streak re-degrades.
	m.Record("alpha", "beta", false, true)
	m.Record("alpha", "beta", false, true)
	if !m.Degraded("alpha", "beta") {
		t.Error("fresh bad streak after expiry should re-degrade")
	}
}

func TestFillRateDefaultsToOne(t *testing.T) {
	t.Parallel()
	m, _ := newTestMakerStats(4)
	if m.FillRate("alpha", "beta") != 1 {
		t.Error("unseen pair should report fill rate 1")
	}
	if m.Degraded("alpha", "beta") {
		t.Error("unseen pair should not be degraded")
	}
}
