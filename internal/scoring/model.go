package scoring

import (
	"math"
	"sort"
	"time"

	"perphedge/pkg/types"
)

const (
	hoursPerYear = 8760

	// Latency surcharge applies above this band.
	latencyBandMs = 500
	// Surcharge dollars per second of venue latency above the band.
	latencySurchargeK = 1.0

	// Fallback slippage coefficient: fraction of notional lost per unit of
	// notional/reference-depth when no book sample is available.
	fallbackSlippageK = 0.0005
)

// Model prices opportunities. It is stateless; construct once and share.
type Model struct{}

// NewModel creates a cost model.
func NewModel() *Model {
	return &Model{}
}

// Score computes the full cost breakdown for a job under the given context.
// The identity ExpectedPnL = spread + funding - fees - slippage - latency -
// capitalTime always holds exactly (it is computed as that sum).
func (m *Model) Score(job *types.HedgeJob, ctx Context) types.OpportunityScore {
	s := types.OpportunityScore{JobID: job.ID}

	s.PriceSpreadPnL = priceSpreadPnL(job)
	s.FundingPnL = m.fundingPnL(job, ctx)
	s.FeeCost = m.feeCost(job, ctx)
	s.SlippageCost = m.slippageCost(job, ctx)
	s.LatencyPenalty = m.latencyPenalty(job, ctx)
	s.CapitalTimeCost = job.Notional * (ctx.CapitalAnnualRate / hoursPerYear) * ctx.HoldingHours

	s.ExpectedPnL = s.PriceSpreadPnL + s.FundingPnL - s.FeeCost - s.SlippageCost - s.LatencyPenalty - s.CapitalTimeCost

	if job.Notional > 0 {
		s.ROIPct = s.ExpectedPnL / job.Notional * 100
	}
	if ctx.HoldingHours > 0 {
		s.AnnualizedROI = s.ROIPct * (hoursPerYear / ctx.HoldingHours)
	}
	s.TimeCostSeconds = ctx.HoldingHours * 3600

	s.RiskScore = job.RiskScore / 100
	if s.RiskScore < 0 {
		s.RiskScore = 0
	}
	if s.RiskScore > 1 {
		s.RiskScore = 1
	}

	s.FinalScore = finalScore(s, m.reliability(job, ctx))
	return s
}

// finalScore = expectedPnL * reliability * (1 - risk) / sqrt(timeCost + 1),
// clamped at 0 when expectedPnL <= 0. Square-root time damping avoids
// overweighting ultra-short flickers.
func finalScore(s types.OpportunityScore, reliability float64) float64 {
	if s.ExpectedPnL <= 0 {
		return 0
	}
	return s.ExpectedPnL * reliability * (1 - s.RiskScore) / math.Sqrt(s.TimeCostSeconds+1)
}

// priceSpreadPnL is the gross edge: sell-leg proceeds minus buy-leg cost at
// the candidate's reference prices.
func priceSpreadPnL(job *types.HedgeJob) float64 {
	var pnl float64
	for _, leg := range job.Legs {
		pnl -= leg.Side.Sign() * leg.Price * leg.Quantity
	}
	return pnl
}

// feeCost sums per-leg fees at taker rates. Order-type selection happens at
// execution time; scoring prices the conservative (taker) case, so a maker
// rebate is upside, never assumed.
func (m *Model) feeCost(job *types.HedgeJob, ctx Context) float64 {
	var total float64
	for _, leg := range job.Legs {
		rate := 0.0
		if ft, ok := ctx.Fees[leg.Venue]; ok {
			rate = ft.TakerRate
		}
		total += leg.Price * leg.Quantity * rate
	}
	return total
}

// fundingPnL sums per-leg funding with the leg-sign convention: a long leg
// pays positive funding, a short leg receives it.
func (m *Model) fundingPnL(job *types.HedgeJob, ctx Context) float64 {
	var total float64
	for _, leg := range job.Legs {
		fs, ok := ctx.FundingFor(leg.Venue, job.Symbol)
		if !ok || fs.CycleHours <= 0 {
			continue
		}
		notional := leg.Price * leg.Quantity
		flow := notional * fs.Rate * (ctx.HoldingHours / fs.CycleHours)
		// Long pays when rate > 0; short receives.
		total -= leg.Side.Sign() * flow
	}
	return total
}

// slippageCost estimates execution cost beyond top-of-book for each leg by
// walking cumulative depth. When no sample is available it falls back to a
// model proportional to notional / reference depth.
func (m *Model) slippageCost(job *types.HedgeJob, ctx Context) float64 {
	var total float64
	for _, leg := range job.Legs {
		sample, ok := ctx.DepthFor(leg.Venue, job.Symbol)
		levels := sample.Asks
		if leg.Side == types.Sell {
			levels = sample.Bids
		}
		if !ok || len(levels) == 0 {
			refDepth := ctx.ReferenceDepthUSD
			if refDepth <= 0 {
				refDepth = 100_000
			}
			notional := leg.Price * leg.Quantity
			total += notional * fallbackSlippageK * (notional / refDepth)
			continue
		}
		total += walkDepth(levels, leg.Quantity)
	}
	return total
}

// walkDepth returns the cost of executing qty against the given levels
// relative to filling everything at top-of-book. Unfilled remainder is
// charged at the worst observed level.
func walkDepth(levels []DepthLevel, qty float64) float64 {
	if qty <= 0 || len(levels) == 0 {
		return 0
	}
	top := levels[0].Price
	remaining := qty
	var cost float64
	for _, lvl := range levels {
		take := math.Min(remaining, lvl.Size)
		cost += take * math.Abs(lvl.Price-top)
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		worst := levels[len(levels)-1].Price
		cost += remaining * math.Abs(worst-top)
	}
	return cost
}

// latencyPenalty adds a surcharge when any leg venue's rolling latency is
// above the band.
func (m *Model) latencyPenalty(job *types.HedgeJob, ctx Context) float64 {
	var total float64
	for _, venue := range job.Venues() {
		lat := ctx.LatencyMs[venue]
		if lat > latencyBandMs {
			total += latencySurchargeK * lat / 1000
		}
	}
	return total
}

// reliability is the product of the leg venues' reliability weights.
func (m *Model) reliability(job *types.HedgeJob, ctx Context) float64 {
	w := 1.0
	for _, venue := range job.Venues() {
		w *= ctx.ReliabilityFor(venue)
	}
	return w
}

// Executable reports whether a score clears the floor for dispatch: expected
// PnL must be strictly positive. Exactly zero is a wash after costs and is
// never worth the unhedged exposure.
func Executable(s types.OpportunityScore) bool {
	return s.ExpectedPnL > 0
}

// FilterExecutable keeps scores meeting all three floors. A zero ExpectedPnL
// is not executable; strictly positive is required even when minPnL is 0.
func FilterExecutable(scores []types.OpportunityScore, minPnL, minScore, minROI float64) []types.OpportunityScore {
	out := make([]types.OpportunityScore, 0, len(scores))
	for _, s := range scores {
		if !Executable(s) {
			continue
		}
		if s.ExpectedPnL < minPnL || s.FinalScore < minScore || s.ROIPct < minROI {
			continue
		}
		out = append(out, s)
	}
	return out
}

// RankKey selects the sort dimension for RankBy.
type RankKey string

const (
	RankByFinalScore  RankKey = "final_score"
	RankByExpectedPnL RankKey = "expected_pnl"
	RankByROI         RankKey = "roi"
)

// RankBy returns scores sorted descending by the given key. Stable, so
// callers can pre-sort by submit time for deterministic tie-breaks.
func RankBy(scores []types.OpportunityScore, k RankKey) []types.OpportunityScore {
	out := make([]types.OpportunityScore, len(scores))
	copy(out, scores)
	keyOf := func(s types.OpportunityScore) float64 {
		switch k {
		case RankByExpectedPnL:
			return s.ExpectedPnL
		case RankByROI:
			return s.ROIPct
		default:
			return s.FinalScore
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return keyOf(out[i]) > keyOf(out[j])
	})
	return out
}

// HoldingDuration converts the context's holding hours to a duration.
func (c Context) HoldingDuration() time.Duration {
	return time.Duration(c.HoldingHours * float64(time.Hour))
}
