// Package scoring implements the cost model that turns a candidate job plus
// current market context into an expected-PnL breakdown and a final score.
//
// All functions here are pure: the scheduler snapshots a Context at tick
// start and the model never touches shared state.
package scoring

import (
	"time"
)

// FeeTable holds one venue's fee rates. Maker may be negative (rebate); the
// sign is preserved through the model.
type FeeTable struct {
	MakerRate float64
	TakerRate float64
}

// FundingSnapshot is the current funding state for one (venue, symbol).
type FundingSnapshot struct {
	Rate        float64   // per funding cycle, signed (long pays positive)
	NextFunding time.Time
	CycleHours  float64 // typically 8
}

// DepthLevel is one cumulative level of an order book side.
type DepthLevel struct {
	Price float64
	Size  float64
}

// DepthSample is a book-depth observation for one (venue, symbol).
type DepthSample struct {
	Bids []DepthLevel // descending price
	Asks []DepthLevel // ascending price
}

// Context carries everything the model needs to price a job. Snapshot
// semantics: the caller builds it once per tick and passes it by value.
type Context struct {
	Fees        map[string]FeeTable                   // venue -> rates
	Funding     map[string]map[string]FundingSnapshot // venue -> symbol -> snapshot
	Depth       map[string]map[string]DepthSample     // venue -> symbol -> sample
	LatencyMs   map[string]float64                    // venue -> rolling latency
	Reliability map[string]float64                    // venue -> [0,1], defaults to 1

	CapitalAnnualRate float64 // e.g. 0.08 for 8%/yr capital cost
	HoldingHours      float64 // expected holding period for the opportunity
	ReferenceDepthUSD float64 // fallback depth when no sample is available

	Now time.Time
}

// FundingFor returns the funding snapshot for a (venue, symbol), if known.
func (c Context) FundingFor(venue, symbol string) (FundingSnapshot, bool) {
	bySymbol, ok := c.Funding[venue]
	if !ok {
		return FundingSnapshot{}, false
	}
	fs, ok := bySymbol[symbol]
	return fs, ok
}

// DepthFor returns the depth sample for a (venue, symbol), if known.
func (c Context) DepthFor(venue, symbol string) (DepthSample, bool) {
	bySymbol, ok := c.Depth[venue]
	if !ok {
		return DepthSample{}, false
	}
	d, ok := bySymbol[symbol]
	return d, ok
}

// ReliabilityFor returns the reliability weight for a venue (default 1).
func (c Context) ReliabilityFor(venue string) float64 {
	if r, ok := c.Reliability[venue]; ok {
		return r
	}
	return 1
}
