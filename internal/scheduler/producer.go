package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"perphedge/internal/config"
	"perphedge/internal/quote"
	"perphedge/pkg/types"
)

// QuoteSource is the cross-venue best-bid/ask view the producer scans.
type QuoteSource interface {
	Best(symbol string) (quote.BestBidAsk, bool)
}

// Submitter accepts candidate jobs. The scheduler implements it.
type Submitter interface {
	Submit(job *types.HedgeJob) (bool, string)
}

// Producer scans the quote cache for cross-venue spreads above the edge
// threshold and submits arbitrage candidates. It is deliberately dumb: the
// risk evaluator and cost model do the real filtering downstream.
type Producer struct {
	cfg    config.ProducerConfig
	quotes QuoteSource
	sink   Submitter
	logger *slog.Logger
}

// NewProducer creates a spread detector.
func NewProducer(cfg config.ProducerConfig, quotes QuoteSource, sink Submitter, logger *slog.Logger) *Producer {
	return &Producer{
		cfg:    cfg,
		quotes: quotes,
		sink:   sink,
		logger: logger.With("component", "producer"),
	}
}

// Run scans every scan_interval until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()

	p.logger.Info("producer started", "symbols", p.cfg.Symbols, "min_edge_bps", p.cfg.MinEdgeBps)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("producer stopped")
			return
		case <-ticker.C:
			p.scan()
		}
	}
}

func (p *Producer) scan() {
	for _, symbol := range p.cfg.Symbols {
		best, ok := p.quotes.Best(symbol)
		if !ok || best.BidVenue == best.AskVenue {
			continue
		}
		// Buy at the cheap ask, sell at the rich bid.
		if best.Bid <= best.Ask {
			continue
		}
		mid := (best.Bid + best.Ask) / 2
		edgeBps := (best.Bid - best.Ask) / mid * 10_000
		if edgeBps < p.cfg.MinEdgeBps {
			continue
		}

		job := p.buildJob(symbol, best, edgeBps)
		if job == nil {
			continue
		}
		if ok, reason := p.sink.Submit(job); !ok {
			p.logger.Debug("candidate not accepted", "symbol", symbol, "reason", reason)
			continue
		}
		p.logger.Info("candidate submitted",
			"job_id", job.ID,
			"symbol", symbol,
			"edge_bps", edgeBps,
			"buy_venue", best.AskVenue,
			"sell_venue", best.BidVenue,
		)
	}
}

func (p *Producer) buildJob(symbol string, best quote.BestBidAsk, edgeBps float64) *types.HedgeJob {
	qty := p.cfg.NotionalUSD / best.Ask
	// Cap at available displayed size on the thinner side.
	if best.AskSize > 0 && qty > best.AskSize {
		qty = best.AskSize
	}
	if best.BidSize > 0 && qty > best.BidSize {
		qty = best.BidSize
	}
	if qty <= 0 {
		return nil
	}

	return &types.HedgeJob{
		ID:       uuid.NewString(),
		Strategy: types.StrategyArbitrage,
		Symbol:   symbol,
		Legs: []types.Leg{
			{Venue: best.AskVenue, Side: types.Buy, Quantity: qty, Price: best.Ask},
			{Venue: best.BidVenue, Side: types.Sell, Quantity: qty, Price: best.Bid},
		},
		Notional:        qty * best.Ask,
		ExpectedEdgeBps: edgeBps,
		ExpectedPnL:     qty * (best.Bid - best.Ask),
		Source:          "spread_scanner",
		SubmittedAt:     time.Now(),
	}
}
