package quote

import (
	"math"
	"time"

	"perphedge/pkg/types"
)

// volWindowSize bounds the per-key mid history used for the rolling
// volatility estimate.
const volWindowSize = 64

// FundingInfo is the last funding state seen on a venue's ticker.
type FundingInfo struct {
	Rate        float64
	NextFunding time.Time
}

// volWindow is a fixed ring of recent mids; volatility is the stdev of the
// successive returns over the window.
type volWindow struct {
	mids   []float64
	next   int
	filled bool
}

func newVolWindow(n int) *volWindow {
	return &volWindow{mids: make([]float64, n)}
}

func (w *volWindow) add(mid float64) {
	w.mids[w.next] = mid
	w.next = (w.next + 1) % len(w.mids)
	if w.next == 0 {
		w.filled = true
	}
}

// stdev returns the standard deviation of mid-to-mid returns, as a fraction.
// Needs at least three mids to say anything.
func (w *volWindow) stdev() float64 {
	n := w.next
	if w.filled {
		n = len(w.mids)
	}
	if n < 3 {
		return 0
	}
	// Oldest-first walk of the ring.
	start := 0
	if w.filled {
		start = w.next
	}
	returns := make([]float64, 0, n-1)
	prev := 0.0
	for i := 0; i < n; i++ {
		m := w.mids[(start+i)%len(w.mids)]
		if i > 0 && prev > 0 {
			returns = append(returns, m/prev-1)
		}
		prev = m
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

// OnDepth stores a book-depth snapshot, never replacing a newer one. Safe
// from any feed goroutine.
func (p *Pipeline) OnDepth(d types.BookDepth) {
	if d.Venue == "" || d.Symbol == "" {
		return
	}
	k := key{d.Venue, d.Symbol}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.depth[k]; ok && d.EventTime.Before(prev.EventTime) {
		return
	}
	p.depth[k] = d
}

// DepthSnapshot returns the fresh depth samples, venue -> symbol. Samples
// older than stale_ms are dropped, same as quotes.
func (p *Pipeline) DepthSnapshot() map[string]map[string]types.BookDepth {
	staleAfter := time.Duration(p.cfg.StaleMs) * time.Millisecond
	now := p.now()

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]map[string]types.BookDepth)
	for k, d := range p.depth {
		if now.Sub(d.EventTime) > staleAfter {
			continue
		}
		bySymbol, ok := out[k.venue]
		if !ok {
			bySymbol = make(map[string]types.BookDepth)
			out[k.venue] = bySymbol
		}
		bySymbol[k.symbol] = d
	}
	return out
}

// FundingSnapshot returns the last funding state per venue and symbol.
func (p *Pipeline) FundingSnapshot() map[string]map[string]FundingInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]map[string]FundingInfo)
	for k, fi := range p.funding {
		bySymbol, ok := out[k.venue]
		if !ok {
			bySymbol = make(map[string]FundingInfo)
			out[k.venue] = bySymbol
		}
		bySymbol[k.symbol] = fi
	}
	return out
}

// Volatility returns the symbol's rolling mid-return stdev, taking the worst
// venue when several stream it.
func (p *Pipeline) Volatility(symbol string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var worst float64
	for k, w := range p.vol {
		if k.symbol != symbol {
			continue
		}
		if v := w.stdev(); v > worst {
			worst = v
		}
	}
	return worst
}
