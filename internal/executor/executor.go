// Package executor turns an admitted hedge job into orders on two venues and
// reports a per-leg result.
//
// Three execution modes trade off fees against unhedged exposure:
//
//   - SAFE_TAKER_ONLY: both legs taker, concurrently. No unhedged window
//     beyond dispatch jitter.
//   - HYBRID_HEDGE_TAKER: the hedge leg crosses immediately (taker); the
//     rebate leg rests post-only at the opportunity price. The maker goes to
//     the venue with the better maker rate.
//   - DOUBLE_MAKER_OPPORTUNISTIC: both legs post-only. Only selected when
//     both venues pay maker rebates and liquidity clears the configured bar.
//
// The unhedged-risk watchdog is the hard contract: once the hedge leg fills,
// a resting maker leg has maker_timeout_ms to fill or it is cancelled and
// covered with a taker for the remaining size. The same fallback fires early
// if unhedged notional exceeds max_unhedged_usd.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"perphedge/internal/adapter"
	"perphedge/internal/config"
	"perphedge/pkg/types"
)

// Mode selects the execution strategy for one cycle.
type Mode string

const (
	SafeTakerOnly            Mode = "safe_taker_only"
	HybridHedgeTaker         Mode = "hybrid_hedge_taker"
	DoubleMakerOpportunistic Mode = "double_maker_opportunistic"
)

// HealthSource answers whether a venue's trading path is degraded. The
// connection supervisor implements it.
type HealthSource interface {
	TradingBlocked(venue string) bool
}

// Engine executes hedge jobs against venue adapters.
type Engine struct {
	cfg      config.ExecutorConfig
	venues   map[string]config.VenueConfig
	adapters map[string]adapter.Adapter
	stats    *MakerStats
	health   HealthSource
	logger   *slog.Logger
}

// NewEngine builds an execution engine. health may be nil (no forced
// degradation from connection state).
func NewEngine(cfg config.ExecutorConfig, venues []config.VenueConfig, adapters map[string]adapter.Adapter, stats *MakerStats, health HealthSource, logger *slog.Logger) *Engine {
	vm := make(map[string]config.VenueConfig, len(venues))
	for _, v := range venues {
		vm[v.ID] = v
	}
	return &Engine{
		cfg:      cfg,
		venues:   vm,
		adapters: adapters,
		stats:    stats,
		health:   health,
		logger:   logger.With("component", "executor"),
	}
}

// ExecuteHedge runs one full hedge cycle for a two-leg job and returns the
// result. It blocks until both legs are terminal (the watchdog bounds how
// long a maker leg can rest).
func (e *Engine) ExecuteHedge(ctx context.Context, job *types.HedgeJob) types.HedgeResult {
	res := types.HedgeResult{JobID: job.ID, StartedAt: time.Now()}

	if err := e.validate(job); err != nil {
		res.Error = err.Error()
		res.FinishedAt = time.Now()
		return res
	}

	buy, sell, err := splitLegs(job)
	if err != nil {
		res.Error = err.Error()
		res.FinishedAt = time.Now()
		return res
	}

	mode := e.selectMode(job, buy, sell)
	e.logger.Info("executing hedge",
		"job_id", job.ID,
		"symbol", job.Symbol,
		"mode", mode,
		"buy_venue", buy.Venue,
		"sell_venue", sell.Venue,
		"notional", job.Notional,
	)

	switch mode {
	case SafeTakerOnly:
		e.runDoubleTaker(ctx, job, buy, sell, &res)
	case HybridHedgeTaker:
		e.runHybrid(ctx, job, buy, sell, &res)
	case DoubleMakerOpportunistic:
		e.runDoubleMaker(ctx, job, buy, sell, &res)
	}

	res.FinishedAt = time.Now()
	finalize(&res)
	e.logger.Info("hedge finished",
		"job_id", job.ID,
		"success", res.Success,
		"pnl", res.RealizedPnL,
		"fees", res.TotalFees,
		"unhedged", res.UnhedgedTime,
		"fallback", res.HadFallback,
	)
	return res
}

func (e *Engine) validate(job *types.HedgeJob) error {
	if e.cfg.WashModeOnly && job.Strategy != types.StrategyWash {
		return fmt.Errorf("wash mode only: refusing %s job %s", job.Strategy, job.ID)
	}
	if e.cfg.MinExpectedPnL > 0 && job.ExpectedPnL < e.cfg.MinExpectedPnL {
		return fmt.Errorf("expected pnl %.4f below minimum %.4f", job.ExpectedPnL, e.cfg.MinExpectedPnL)
	}
	for _, venue := range job.Venues() {
		if _, ok := e.adapters[venue]; !ok {
			return fmt.Errorf("no adapter for venue %s", venue)
		}
	}
	return nil
}

func splitLegs(job *types.HedgeJob) (buy, sell types.Leg, err error) {
	if len(job.Legs) != 2 {
		return buy, sell, fmt.Errorf("hedge execution requires exactly 2 legs, got %d", len(job.Legs))
	}
	for _, leg := range job.Legs {
		if leg.Side == types.Buy {
			buy = leg
		} else {
			sell = leg
		}
	}
	if buy.Venue == "" || sell.Venue == "" {
		return buy, sell, fmt.Errorf("hedge execution requires one buy and one sell leg")
	}
	return buy, sell, nil
}

// selectMode picks the execution mode, forcing SAFE_TAKER_ONLY when the pair
// is degraded (either by maker statistics or connection health) and
// downgrading DOUBLE_MAKER when its preconditions fail.
func (e *Engine) selectMode(job *types.HedgeJob, buy, sell types.Leg) Mode {
	if e.stats != nil && e.stats.Degraded(buy.Venue, sell.Venue) {
		return SafeTakerOnly
	}
	if e.health != nil && (e.health.TradingBlocked(buy.Venue) || e.health.TradingBlocked(sell.Venue)) {
		return SafeTakerOnly
	}

	mode := Mode(e.cfg.Mode)
	if mode == DoubleMakerOpportunistic {
		buyRebate := e.venues[buy.Venue].MakerFeeRate < 0
		sellRebate := e.venues[sell.Venue].MakerFeeRate < 0
		if !buyRebate || !sellRebate || job.LiquidityScore < e.cfg.MinLiquidityScore {
			mode = HybridHedgeTaker
		}
	}
	return mode
}

// estimateFillProbability is the informational maker fill model: price
// offset from mid in bps, order size against top-of-book depth, and the
// pair's recent fill rate. Logged at decision time, never gating.
func estimateFillProbability(offsetBps, depthRatio, recentFillRate float64) float64 {
	p := recentFillRate
	p *= math.Exp(-math.Abs(offsetBps) / 20)
	if depthRatio > 1 {
		p /= depthRatio
	}
	return math.Max(0, math.Min(1, p))
}

// --- mode implementations ---

func (e *Engine) runDoubleTaker(ctx context.Context, job *types.HedgeJob, buy, sell types.Leg, res *types.HedgeResult) {
	var wg sync.WaitGroup
	results := make([]types.LegResult, 2)
	for i, leg := range []types.Leg{buy, sell} {
		wg.Add(1)
		go func(i int, leg types.Leg) {
			defer wg.Done()
			results[i] = e.takerLeg(ctx, job.Symbol, leg)
		}(i, leg)
	}
	wg.Wait()
	res.Legs = results
}

func (e *Engine) runHybrid(ctx context.Context, job *types.HedgeJob, buy, sell types.Leg, res *types.HedgeResult) {
	// Maker goes where the rebate is best; the other leg hedges first.
	makerLeg, hedgeLeg := buy, sell
	if e.venues[sell.Venue].MakerFeeRate < e.venues[buy.Venue].MakerFeeRate {
		makerLeg, hedgeLeg = sell, buy
	}

	hedgeRes := e.takerLeg(ctx, job.Symbol, hedgeLeg)
	if hedgeRes.Outcome != types.LegFilled {
		// Nothing is exposed; the maker leg is never placed.
		res.Legs = []types.LegResult{hedgeRes, {Leg: makerLeg, Outcome: types.LegCancelled}}
		return
	}
	hedgedAt := time.Now()

	makerRes := e.makerWithWatchdog(ctx, job, makerLeg, hedgeRes)
	res.Legs = []types.LegResult{hedgeRes, makerRes}
	res.UnhedgedTime = time.Since(hedgedAt)
	res.PeakUnhedgedUSD = hedgeRes.FilledPrice * hedgeRes.FilledSize
	if makerRes.Outcome == types.LegFallback {
		res.HadFallback = true
	}

	if e.stats != nil {
		e.stats.Record(buy.Venue, sell.Venue,
			makerRes.Outcome == types.LegFilled && makerRes.WasMaker,
			makerRes.Outcome == types.LegFallback,
		)
	}
}

func (e *Engine) runDoubleMaker(ctx context.Context, job *types.HedgeJob, buy, sell types.Leg, res *types.HedgeResult) {
	var wg sync.WaitGroup
	results := make([]types.LegResult, 2)
	start := time.Now()
	for i, leg := range []types.Leg{buy, sell} {
		wg.Add(1)
		go func(i int, leg types.Leg) {
			defer wg.Done()
			results[i] = e.makerWithWatchdog(ctx, job, leg, types.LegResult{})
		}(i, leg)
	}
	wg.Wait()
	res.Legs = results

	// One side filling while the other rests is the unhedged window.
	res.UnhedgedTime = time.Since(start)
	for _, lr := range results {
		if usd := lr.FilledPrice * lr.FilledSize; usd > res.PeakUnhedgedUSD {
			res.PeakUnhedgedUSD = usd
		}
		if lr.Outcome == types.LegFallback {
			res.HadFallback = true
		}
	}
	if e.stats != nil {
		// Two maker attempts, two window samples.
		for _, lr := range results {
			e.stats.Record(buy.Venue, sell.Venue,
				lr.WasMaker && lr.Outcome == types.LegFilled,
				lr.Outcome == types.LegFallback,
			)
		}
	}
}

// takerLeg places a market order and returns its terminal result.
func (e *Engine) takerLeg(ctx context.Context, symbol string, leg types.Leg) types.LegResult {
	lr := types.LegResult{Leg: leg}
	ack, err := e.adapters[leg.Venue].PlaceOrder(ctx, types.OrderSpec{
		Venue:    leg.Venue,
		Symbol:   symbol,
		Side:     leg.Side,
		Size:     leg.Quantity,
		Type:     types.OrderMarket,
		Price:    leg.Price,
		ClientID: uuid.NewString(),
	})
	if err != nil {
		lr.Outcome = types.LegFailed
		lr.Error = err.Error()
		return lr
	}
	lr.OrderID = ack.OrderID
	if ack.Status != types.OrderFilled && ack.Status != types.OrderPartial {
		lr.Outcome = types.LegFailed
		lr.Error = fmt.Sprintf("unexpected taker status %s", ack.Status)
		return lr
	}
	lr.Outcome = types.LegFilled
	lr.FilledPrice = ack.FilledPrice
	lr.FilledSize = ack.FilledSize
	lr.Fee = ack.Fee
	return lr
}

// makerWithWatchdog places a post-only order and enforces the watchdog: the
// leg must fill within maker_timeout_ms (or before unhedged notional blows
// past max_unhedged_usd), otherwise it is cancelled and the remainder is
// covered with a taker.
func (e *Engine) makerWithWatchdog(ctx context.Context, job *types.HedgeJob, leg types.Leg, hedged types.LegResult) types.LegResult {
	lr := types.LegResult{Leg: leg}
	ad := e.adapters[leg.Venue]

	if prob := e.fillProbability(job, leg); prob < 0.25 {
		e.logger.Debug("low maker fill probability", "job_id", job.ID, "venue", leg.Venue, "p", prob)
	}

	ack, err := ad.PlaceOrder(ctx, types.OrderSpec{
		Venue:    leg.Venue,
		Symbol:   job.Symbol,
		Side:     leg.Side,
		Size:     leg.Quantity,
		Type:     types.OrderPostOnly,
		Price:    leg.Price,
		ClientID: uuid.NewString(),
	})
	if err != nil {
		lr.Error = err.Error()
		return e.takerFallback(ctx, job.Symbol, leg, leg.Quantity, lr)
	}
	lr.OrderID = ack.OrderID

	switch ack.Status {
	case types.OrderFilled:
		lr.Outcome = types.LegFilled
		lr.WasMaker = true
		lr.FilledPrice = ack.FilledPrice
		lr.FilledSize = ack.FilledSize
		lr.Fee = ack.Fee
		return lr
	case types.OrderRejectedByVenue:
		// Post-only would have crossed. Cover with a taker.
		lr.Error = "post-only rejected"
		return e.takerFallback(ctx, job.Symbol, leg, leg.Quantity, lr)
	}

	timeout := time.Duration(e.cfg.MakerTimeoutMs) * time.Millisecond
	unhedgedUSD := hedged.FilledPrice * hedged.FilledSize
	if unhedgedUSD > e.cfg.MaxUnhedgedUSD {
		// Exposure already beyond the cap: do not let the maker rest.
		e.cancelQuiet(ctx, ad, job.Symbol, ack.OrderID)
		lr.Error = fmt.Sprintf("unhedged %.0f USD over cap", unhedgedUSD)
		return e.takerFallback(ctx, job.Symbol, leg, leg.Quantity, lr)
	}

	final, err := e.awaitFill(ctx, ad, job.Symbol, ack.OrderID, timeout)
	if err == nil && final.Status == types.OrderFilled {
		lr.Outcome = types.LegFilled
		lr.WasMaker = true
		lr.FilledPrice = final.FilledPrice
		lr.FilledSize = final.FilledSize
		lr.Fee = final.Fee
		return lr
	}

	// Timeout or partial: cancel and cover the remainder.
	e.cancelQuiet(ctx, ad, job.Symbol, ack.OrderID)
	lr.FilledSize = final.FilledSize
	lr.FilledPrice = final.FilledPrice
	lr.Fee = final.Fee
	remaining := leg.Quantity - final.FilledSize
	if remaining <= 0 {
		lr.Outcome = types.LegFilled
		lr.WasMaker = true
		return lr
	}
	lr.Error = "maker timeout"
	return e.takerFallback(ctx, job.Symbol, leg, remaining, lr)
}

// takerFallback covers size with a market order and folds the outcome into
// the leg result as filled_fallback.
func (e *Engine) takerFallback(ctx context.Context, symbol string, leg types.Leg, size float64, lr types.LegResult) types.LegResult {
	ack, err := e.adapters[leg.Venue].PlaceOrder(ctx, types.OrderSpec{
		Venue:    leg.Venue,
		Symbol:   symbol,
		Side:     leg.Side,
		Size:     size,
		Type:     types.OrderMarket,
		Price:    leg.Price,
		ClientID: uuid.NewString(),
	})
	if err != nil {
		lr.Outcome = types.LegFailed
		lr.Error = joinErr(lr.Error, err.Error())
		return lr
	}
	lr.Outcome = types.LegFallback
	lr.OrderID = ack.OrderID
	// Blend the maker partial with the fallback fill.
	total := lr.FilledSize + ack.FilledSize
	if total > 0 {
		lr.FilledPrice = (lr.FilledPrice*lr.FilledSize + ack.FilledPrice*ack.FilledSize) / total
	}
	lr.FilledSize = total
	lr.Fee += ack.Fee
	return lr
}

// awaitFill waits for an order to reach a terminal fill, preferring the
// adapter's push stream and polling GetOrder otherwise. Returns the last
// observed ack on timeout.
func (e *Engine) awaitFill(ctx context.Context, ad adapter.Adapter, symbol, orderID string, timeout time.Duration) (types.OrderAck, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var fills <-chan types.Fill
	if fs, ok := ad.(adapter.FillStreamer); ok {
		fills = fs.Fills()
	}

	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()

	var last types.OrderAck
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, fmt.Errorf("maker timeout after %s", timeout)
		case fill, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			if fill.OrderID != orderID {
				continue
			}
			ack, err := ad.GetOrder(ctx, symbol, orderID)
			if err == nil {
				last = ack
				if ack.Status == types.OrderFilled {
					return ack, nil
				}
			}
		case <-poll.C:
			ack, err := ad.GetOrder(ctx, symbol, orderID)
			if err != nil {
				continue
			}
			last = ack
			if ack.Status == types.OrderFilled {
				return ack, nil
			}
		}
	}
}

func (e *Engine) cancelQuiet(ctx context.Context, ad adapter.Adapter, symbol, orderID string) {
	if err := ad.CancelOrder(ctx, symbol, orderID); err != nil {
		e.logger.Warn("cancel failed", "order_id", orderID, "error", err)
	}
}

// fillProbability feeds the fill model from the job itself: the leg's price
// offset from the cross-venue mid, book thinness from the liquidity score,
// and the pair's recent fill rate.
func (e *Engine) fillProbability(job *types.HedgeJob, leg types.Leg) float64 {
	var mid float64
	for _, l := range job.Legs {
		mid += l.Price
	}
	mid /= float64(len(job.Legs))

	offsetBps := 0.0
	if mid > 0 {
		offsetBps = (leg.Price - mid) / mid * 10_000
	}
	depthRatio := 1.0
	if job.LiquidityScore > 0 && e.cfg.MinLiquidityScore > 0 {
		depthRatio = e.cfg.MinLiquidityScore / job.LiquidityScore
	}
	return estimateFillProbability(offsetBps, depthRatio, e.makerFillRate(job))
}

func (e *Engine) makerFillRate(job *types.HedgeJob) float64 {
	if e.stats == nil || len(job.Legs) != 2 {
		return 1
	}
	return e.stats.FillRate(job.Legs[0].Venue, job.Legs[1].Venue)
}

// finalize computes totals and the success flag from leg results.
func finalize(res *types.HedgeResult) {
	if res.Error != "" {
		return
	}
	success := len(res.Legs) > 0
	var pnl float64
	for _, lr := range res.Legs {
		res.TotalFees += lr.Fee
		switch lr.Outcome {
		case types.LegFilled, types.LegFallback:
			pnl -= lr.Leg.Side.Sign() * lr.FilledPrice * lr.FilledSize
		default:
			success = false
		}
	}
	res.Success = success
	if success {
		res.RealizedPnL = pnl - res.TotalFees
	}
	if !success && res.Error == "" {
		for _, lr := range res.Legs {
			if lr.Error != "" {
				res.Error = lr.Error
				break
			}
		}
	}
}

func joinErr(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
