package quote

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"perphedge/internal/config"
	"perphedge/pkg/types"
)

func testQuoteConfig() config.QuoteConfig {
	return config.QuoteConfig{
		StaleMs:       2000,
		MaxDeviation:  0.01,
		GoodThreshold: 80,
		WarnThreshold: 50,
	}
}

func newTestPipeline() (*Pipeline, time.Time) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	p := NewPipeline(testQuoteConfig(), logger)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	return p, now
}

func freshQuote(now time.Time, bid, ask float64) types.RawQuote {
	return types.RawQuote{
		Venue:     "alpha",
		Symbol:    "BTC-PERP",
		Bid:       bid,
		Ask:       ask,
		BidSize:   1,
		AskSize:   1,
		EventTime: now.Add(-10 * time.Millisecond),
	}
}

func TestAcceptsCleanQuote(t *testing.T) {
	t.Parallel()
	p, now := newTestPipeline()

	p.OnRawQuote(freshQuote(now, 100, 100.1))

	q, ok := p.BestQuote("alpha", "BTC-PERP")
	if !ok {
		t.Fatal("quote should be cached")
	}
	if q.Quality != types.QualityGood {
		t.Errorf("quality = %s (score %v), want GOOD", q.Quality, q.QualityScore)
	}
	if q.Mid != 100.05 {
		t.Errorf("mid = %v, want 100.05", q.Mid)
	}
	if p.AcceptCount("alpha") != 1 {
		t.Errorf("accept count = %d, want 1", p.AcceptCount("alpha"))
	}
}

func TestRejectsInvalidPrices(t *testing.T) {
	t.Parallel()
	p, now := newTestPipeline()

	for _, raw := range []types.RawQuote{
		freshQuote(now, 0, 100),    // zero bid
		freshQuote(now, 100, 0),    // zero ask
		freshQuote(now, 101, 100),  // crossed
		freshQuote(now, 100, 100),  // locked
		freshQuote(now, -1, 100),   // negative
	} {
		p.OnRawQuote(raw)
	}

	if _, ok := p.BestQuote("alpha", "BTC-PERP"); ok {
		t.Error("no invalid quote should be cached")
	}
	if got := p.RejectCounts()["alpha"][RejectInvalid]; got != 5 {
		t.Errorf("invalid rejects = %d, want 5", got)
	}
}

func TestRejectsStaleQuote(t *testing.T) {
	t.Parallel()
	p, now := newTestPipeline()

	raw := freshQuote(now, 100, 100.1)
	raw.EventTime = now.Add(-3 * time.Second)
	p.OnRawQuote(raw)

	if got := p.RejectCounts()["alpha"][RejectStale]; got != 1 {
		t.Errorf("stale rejects = %d, want 1", got)
	}
}

func TestRejectsDeviationJump(t *testing.T) {
	t.Parallel()
	p, now := newTestPipeline()

	p.OnRawQuote(freshQuote(now, 100, 100.1))

	// Mid jumps over 1%: rejected, cache keeps the old quote.
	jump := freshQuote(now, 102, 102.1)
	jump.EventTime = now.Add(-5 * time.Millisecond)
	p.OnRawQuote(jump)

	q, _ := p.BestQuote("alpha", "BTC-PERP")
	if q.Bid != 100 {
		t.Errorf("cached bid = %v, want original 100", q.Bid)
	}
	if got := p.RejectCounts()["alpha"][RejectDeviation]; got != 1 {
		t.Errorf("deviation rejects = %d, want 1", got)
	}
}

func TestRejectsOutOfOrderEvent(t *testing.T) {
	t.Parallel()
	p, now := newTestPipeline()

	p.OnRawQuote(freshQuote(now, 100, 100.1))

	older := freshQuote(now, 100.2, 100.3)
	older.EventTime = now.Add(-100 * time.Millisecond)
	p.OnRawQuote(older)

	q, _ := p.BestQuote("alpha", "BTC-PERP")
	if q.Bid != 100 {
		t.Errorf("cached bid = %v, older event must not replace newer", q.Bid)
	}
	if got := p.RejectCounts()["alpha"][RejectOutOfOrder]; got != 1 {
		t.Errorf("out_of_order rejects = %d, want 1", got)
	}
}

func TestQualityDegradesWithLatency(t *testing.T) {
	t.Parallel()
	p, now := newTestPipeline()

	slow := freshQuote(now, 100, 100.1)
	slow.EventTime = now.Add(-600 * time.Millisecond) // latency -40, freshness -15
	p.OnRawQuote(slow)

	q, ok := p.BestQuote("alpha", "BTC-PERP")
	if !ok {
		t.Fatal("WARN quote should still be cached")
	}
	if q.Quality != types.QualityWarn {
		t.Errorf("quality = %s (score %v), want WARN", q.Quality, q.QualityScore)
	}
}

func TestBadQualityNotCommitted(t *testing.T) {
	t.Parallel()
	p, now := newTestPipeline()

	bad := freshQuote(now, 100, 100.1)
	bad.EventTime = now.Add(-1900 * time.Millisecond) // -40 latency, -40 freshness
	p.OnRawQuote(bad)

	if _, ok := p.BestQuote("alpha", "BTC-PERP"); ok {
		t.Error("BAD quote must not enter the cache")
	}
	if got := p.RejectCounts()["alpha"][RejectQuality]; got != 1 {
		t.Errorf("quality rejects = %d, want 1", got)
	}
}

func TestBestScansAcrossVenues(t *testing.T) {
	t.Parallel()
	p, now := newTestPipeline()

	a := freshQuote(now, 100, 100.2)
	p.OnRawQuote(a)
	b := freshQuote(now, 100.5, 100.6)
	b.Venue = "beta"
	p.OnRawQuote(b)

	best, ok := p.Best("BTC-PERP")
	if !ok {
		t.Fatal("expected a cross-venue best")
	}
	if best.BidVenue != "beta" || best.Bid != 100.5 {
		t.Errorf("best bid = %v@%s, want 100.5@beta", best.Bid, best.BidVenue)
	}
	if best.AskVenue != "alpha" || best.Ask != 100.2 {
		t.Errorf("best ask = %v@%s, want 100.2@alpha", best.Ask, best.AskVenue)
	}

	if _, ok := p.Best("ETH-PERP"); ok {
		t.Error("unknown symbol should report not found")
	}
}
