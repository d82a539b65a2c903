// Package quote normalizes raw feed updates into validated, quality-scored
// quotes and maintains the best bid/ask cache per (venue, symbol).
//
// Each update passes four stages in order:
//
//  1. Normalize: require positive prices and bid < ask; compute mid and
//     spread in bps.
//  2. Noise filter: drop stale updates and mid-price jumps beyond the
//     configured deviation from the cached reference.
//  3. Quality score: deduct from 100 for latency, freshness, and variance
//     bands; label GOOD / WARN / BAD.
//  4. Cache commit: store unless BAD, never replacing a newer event.
//
// The cache is concurrency-safe (RWMutex protected). OnRawQuote may be called
// from any number of feed goroutines; rejected updates increment per-venue
// counters and never propagate errors to the caller.
package quote

import (
	"log/slog"
	"sync"
	"time"

	"perphedge/internal/config"
	"perphedge/pkg/types"
)

// RejectReason enumerates why an update was dropped.
type RejectReason string

const (
	RejectInvalid    RejectReason = "invalid"      // non-positive prices or bid >= ask
	RejectStale      RejectReason = "stale"        // event older than stale_ms
	RejectDeviation  RejectReason = "deviation"    // mid jumped beyond max_deviation
	RejectQuality    RejectReason = "quality"      // scored BAD
	RejectOutOfOrder RejectReason = "out_of_order" // older event than cached quote
)

type key struct {
	venue  string
	symbol string
}

// Pipeline validates, scores, and caches quotes.
type Pipeline struct {
	cfg    config.QuoteConfig
	logger *slog.Logger

	mu      sync.RWMutex
	cache   map[key]types.Quote
	depth   map[key]types.BookDepth
	funding map[key]FundingInfo
	vol     map[key]*volWindow
	rejects map[string]map[RejectReason]int64 // venue -> reason -> count
	accepts map[string]int64                  // venue -> accepted count

	// now is swappable for tests.
	now func() time.Time
}

// NewPipeline creates a quote pipeline.
func NewPipeline(cfg config.QuoteConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		logger:  logger.With("component", "quote"),
		cache:   make(map[key]types.Quote),
		depth:   make(map[key]types.BookDepth),
		funding: make(map[key]FundingInfo),
		vol:     make(map[key]*volWindow),
		rejects: make(map[string]map[RejectReason]int64),
		accepts: make(map[string]int64),
		now:     time.Now,
	}
}

// OnRawQuote runs one update through the pipeline. Safe to call from any
// goroutine; never returns an error to the feed adapter.
func (p *Pipeline) OnRawQuote(raw types.RawQuote) {
	received := p.now()

	// Stage 1: normalize.
	if raw.Bid <= 0 || raw.Ask <= 0 || raw.Bid >= raw.Ask {
		p.reject(raw.Venue, RejectInvalid)
		return
	}
	mid := (raw.Bid + raw.Ask) / 2
	spreadBps := (raw.Ask - raw.Bid) / mid * 10_000

	// Stage 2: noise filter.
	staleAfter := time.Duration(p.cfg.StaleMs) * time.Millisecond
	if received.Sub(raw.EventTime) > staleAfter {
		p.reject(raw.Venue, RejectStale)
		return
	}

	k := key{raw.Venue, raw.Symbol}

	p.mu.Lock()
	defer p.mu.Unlock()

	prev, hasPrev := p.cache[k]
	if hasPrev {
		// A later event-timestamped quote must never be replaced by an
		// earlier one for the same key.
		if raw.EventTime.Before(prev.EventTime) {
			p.rejectLocked(raw.Venue, RejectOutOfOrder)
			return
		}
		if prev.Mid > 0 {
			dev := (mid - prev.Mid) / prev.Mid
			if dev < 0 {
				dev = -dev
			}
			if dev > p.cfg.MaxDeviation {
				p.rejectLocked(raw.Venue, RejectDeviation)
				return
			}
		}
	}

	// Stage 3: quality score.
	q := types.Quote{
		Venue:       raw.Venue,
		Symbol:      raw.Symbol,
		Bid:         raw.Bid,
		Ask:         raw.Ask,
		BidSize:     raw.BidSize,
		AskSize:     raw.AskSize,
		Mid:         mid,
		SpreadBps:   spreadBps,
		EventTime:   raw.EventTime,
		ReceiveTime: received,
		ProcessTime: p.now(),
	}
	q.QualityScore = p.scoreQuality(q, prev, hasPrev)
	switch {
	case q.QualityScore >= p.cfg.GoodThreshold:
		q.Quality = types.QualityGood
	case q.QualityScore >= p.cfg.WarnThreshold:
		q.Quality = types.QualityWarn
	default:
		q.Quality = types.QualityBad
	}

	// Stage 4: commit.
	if q.Quality == types.QualityBad {
		p.rejectLocked(raw.Venue, RejectQuality)
		return
	}
	p.cache[k] = q
	p.accepts[raw.Venue]++

	// Accepted updates also feed the funding view and the volatility window.
	if raw.FundingRate != 0 || !raw.NextFunding.IsZero() {
		p.funding[k] = FundingInfo{Rate: raw.FundingRate, NextFunding: raw.NextFunding}
	}
	w, ok := p.vol[k]
	if !ok {
		w = newVolWindow(volWindowSize)
		p.vol[k] = w
	}
	w.add(mid)
}

// scoreQuality deducts from 100 for latency, freshness, and variance bands.
//
//	latency   = receive - event:   >200ms -40, >50ms -15
//	freshness = now - event:       >1500ms -40, >500ms -15
//	variance  = |mid - prev.mid| / prev.mid: >0.5% -40, >0.1% -15
func (p *Pipeline) scoreQuality(q types.Quote, prev types.Quote, hasPrev bool) float64 {
	score := 100.0

	latency := q.ReceiveTime.Sub(q.EventTime)
	switch {
	case latency > 200*time.Millisecond:
		score -= 40
	case latency > 50*time.Millisecond:
		score -= 15
	}

	freshness := p.now().Sub(q.EventTime)
	switch {
	case freshness > 1500*time.Millisecond:
		score -= 40
	case freshness > 500*time.Millisecond:
		score -= 15
	}

	if hasPrev && prev.Mid > 0 {
		variance := (q.Mid - prev.Mid) / prev.Mid
		if variance < 0 {
			variance = -variance
		}
		switch {
		case variance > 0.005:
			score -= 40
		case variance > 0.001:
			score -= 15
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}

// BestQuote returns the cached quote for (venue, symbol), if any.
func (p *Pipeline) BestQuote(venue, symbol string) (types.Quote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.cache[key{venue, symbol}]
	return q, ok
}

// BestBidAsk scans all venues for the highest bid and the lowest ask for a
// symbol. Returns false if no venue has a quote for it.
type BestBidAsk struct {
	Symbol   string
	BidVenue string
	Bid      float64
	BidSize  float64
	AskVenue string
	Ask      float64
	AskSize  float64
}

// Best returns the cross-venue best bid/ask for a symbol.
func (p *Pipeline) Best(symbol string) (BestBidAsk, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best BestBidAsk
	best.Symbol = symbol
	found := false
	for k, q := range p.cache {
		if k.symbol != symbol {
			continue
		}
		if !found || q.Bid > best.Bid {
			best.BidVenue = k.venue
			best.Bid = q.Bid
			best.BidSize = q.BidSize
		}
		if !found || q.Ask < best.Ask {
			best.AskVenue = k.venue
			best.Ask = q.Ask
			best.AskSize = q.AskSize
		}
		found = true
	}
	return best, found
}

// Snapshot returns a copy of all cached quotes. Used by the operator surface.
func (p *Pipeline) Snapshot() []types.Quote {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.Quote, 0, len(p.cache))
	for _, q := range p.cache {
		out = append(out, q)
	}
	return out
}

// RejectCounts returns a copy of the per-venue reject counters.
func (p *Pipeline) RejectCounts() map[string]map[RejectReason]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]map[RejectReason]int64, len(p.rejects))
	for venue, byReason := range p.rejects {
		m := make(map[RejectReason]int64, len(byReason))
		for r, n := range byReason {
			m[r] = n
		}
		out[venue] = m
	}
	return out
}

// AcceptCount returns how many updates a venue has had accepted.
func (p *Pipeline) AcceptCount(venue string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accepts[venue]
}

func (p *Pipeline) reject(venue string, reason RejectReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectLocked(venue, reason)
}

func (p *Pipeline) rejectLocked(venue string, reason RejectReason) {
	byReason, ok := p.rejects[venue]
	if !ok {
		byReason = make(map[RejectReason]int64)
		p.rejects[venue] = byReason
	}
	byReason[reason]++
}
