package scheduler

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"perphedge/internal/config"
	"perphedge/internal/quote"
	"perphedge/pkg/types"
)

type fakeQuoteSource struct {
	best map[string]quote.BestBidAsk
}

func (f *fakeQuoteSource) Best(symbol string) (quote.BestBidAsk, bool) {
	b, ok := f.best[symbol]
	return b, ok
}

type captureSubmitter struct {
	jobs []*types.HedgeJob
}

func (c *captureSubmitter) Submit(job *types.HedgeJob) (bool, string) {
	c.jobs = append(c.jobs, job)
	return true, ""
}

func newTestProducer(best map[string]quote.BestBidAsk) (*Producer, *captureSubmitter) {
	cfg := config.ProducerConfig{
		Enabled:      true,
		Symbols:      []string{"BTC-PERP"},
		ScanInterval: time.Second,
		MinEdgeBps:   5,
		NotionalUSD:  1000,
	}
	sink := &captureSubmitter{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewProducer(cfg, &fakeQuoteSource{best: best}, sink, logger), sink
}

func crossedBook() quote.BestBidAsk {
	return quote.BestBidAsk{
		Symbol:   "BTC-PERP",
		BidVenue: "beta", Bid: 100.2, BidSize: 50,
		AskVenue: "alpha", Ask: 100, AskSize: 50,
	}
}

func TestScanSubmitsCrossedSpread(t *testing.T) {
	t.Parallel()
	p, sink := newTestProducer(map[string]quote.BestBidAsk{"BTC-PERP": crossedBook()})

	p.scan()
	if len(sink.jobs) != 1 {
		t.Fatalf("submitted %d jobs, want 1", len(sink.jobs))
	}
	job := sink.jobs[0]
	if job.Strategy != types.StrategyArbitrage || job.Source != "spread_scanner" {
		t.Errorf("job = %+v, want arbitrage from spread_scanner", job)
	}
	// Buy the cheap ask on alpha, sell the rich bid on beta.
	if job.Legs[0].Venue != "alpha" || job.Legs[0].Side != types.Buy || job.Legs[0].Price != 100 {
		t.Errorf("buy leg = %+v", job.Legs[0])
	}
	if job.Legs[1].Venue != "beta" || job.Legs[1].Side != types.Sell || job.Legs[1].Price != 100.2 {
		t.Errorf("sell leg = %+v", job.Legs[1])
	}
	if job.Legs[0].Quantity != 10 { // 1000 USD / 100
		t.Errorf("qty = %v, want 10", job.Legs[0].Quantity)
	}
	if job.ExpectedEdgeBps < 5 {
		t.Errorf("edge = %v bps, want >= threshold", job.ExpectedEdgeBps)
	}
}

func TestScanSkipsThinEdge(t *testing.T) {
	t.Parallel()
	book := crossedBook()
	book.Bid = 100.01 // ~1 bps, below the 5 bps floor
	p, sink := newTestProducer(map[string]quote.BestBidAsk{"BTC-PERP": book})

	p.scan()
	if len(sink.jobs) != 0 {
		t.Errorf("submitted %d jobs, want none below the edge floor", len(sink.jobs))
	}
}

func TestScanSkipsUncrossedAndSameVenue(t *testing.T) {
	t.Parallel()
	uncrossed := crossedBook()
	uncrossed.Bid, uncrossed.Ask = 100, 100.2
	p, sink := newTestProducer(map[string]quote.BestBidAsk{"BTC-PERP": uncrossed})
	p.scan()
	if len(sink.jobs) != 0 {
		t.Error("uncrossed book must not produce a candidate")
	}

	same := crossedBook()
	same.BidVenue = "alpha"
	p, sink = newTestProducer(map[string]quote.BestBidAsk{"BTC-PERP": same})
	p.scan()
	if len(sink.jobs) != 0 {
		t.Error("same-venue best must not produce a candidate")
	}
}

func TestScanCapsQuantityAtDisplayedSize(t *testing.T) {
	t.Parallel()
	book := crossedBook()
	book.BidSize = 2 // thinner than the 10 the notional would buy
	p, sink := newTestProducer(map[string]quote.BestBidAsk{"BTC-PERP": book})

	p.scan()
	if len(sink.jobs) != 1 {
		t.Fatal("expected one candidate")
	}
	if qty := sink.jobs[0].Legs[0].Quantity; qty != 2 {
		t.Errorf("qty = %v, want capped at 2", qty)
	}
}

func TestScanSkipsUnknownSymbol(t *testing.T) {
	t.Parallel()
	p, sink := newTestProducer(map[string]quote.BestBidAsk{})
	p.scan()
	if len(sink.jobs) != 0 {
		t.Error("no quotes, no candidates")
	}
}
