// Package engine is the central orchestrator of the hedge coordinator.
//
// It wires together all subsystems:
//
//  1. Per-venue feeds push quotes into the quote pipeline.
//  2. The producer scans the pipeline's cross-venue best bid/ask for spreads
//     and submits candidate jobs.
//  3. The scheduler ticks: risk gate, cost model, capital reservation, then
//     greedy dispatch to executor workers.
//  4. The connection supervisor heartbeats every venue and feeds blocked
//     venues and latency back into the risk context.
//  5. Terminal jobs and risk events persist through the store.
//
// Lifecycle: New() -> Start() -> [runs until SIGINT] -> Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perphedge/internal/adapter"
	"perphedge/internal/capital"
	"perphedge/internal/config"
	"perphedge/internal/conn"
	"perphedge/internal/executor"
	"perphedge/internal/feed"
	"perphedge/internal/metrics"
	"perphedge/internal/quote"
	"perphedge/internal/risk"
	"perphedge/internal/scheduler"
	"perphedge/internal/scoring"
	"perphedge/internal/store"
	"perphedge/pkg/types"
)

// Scoring context parameters not worth a config knob yet.
const (
	capitalAnnualRate = 0.08
	holdingHours      = 8.0
	fundingCycleHours = 8.0
	referenceDepthUSD = 100_000
	metricsSyncEvery  = 5 * time.Second
	accountSyncEvery  = 30 * time.Second
)

// Engine owns the lifecycle of every goroutine in the coordinator.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	pipeline   *quote.Pipeline
	model      *scoring.Model
	capital    *capital.Coordinator
	evaluator  *risk.Evaluator
	supervisor *conn.Supervisor
	makerStats *executor.MakerStats
	executor   *executor.Engine
	scheduler  *scheduler.Scheduler
	producer   *scheduler.Producer
	feeds      []*feed.Feed
	adapters   map[string]adapter.Adapter
	store      *store.Store
	metrics    *metrics.Metrics

	// lastStats and friends track previously exported counters so the metrics
	// loop can publish deltas.
	lastStats        scheduler.Stats
	lastQuoteAccepts map[string]int64
	lastQuoteRejects map[string]map[quote.RejectReason]int64
	lastJobRejects   map[string]int64

	// leverageDist holds the worst liquidation distance seen per venue on the
	// last position sync.
	posMu        sync.Mutex
	leverageDist map[string]float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all coordinator components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	pipeline := quote.NewPipeline(cfg.Quote, logger)
	model := scoring.NewModel()
	capCoord := capital.NewCoordinator(cfg.Capital, cfg.Venues, logger)
	evaluator := risk.NewEvaluator(cfg.Risk, cfg.Preset, logger)
	supervisor := conn.NewSupervisor(cfg.Conn, logger)
	makerStats := executor.NewMakerStats(
		cfg.Executor.WindowSize,
		cfg.Executor.MinFillRate,
		cfg.Executor.MaxFallbackRate,
		time.Duration(cfg.Executor.CooldownSec)*time.Second,
		logger,
	)

	adapters := make(map[string]adapter.Adapter, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		supervisor.Register(vc, nil) // limiter must exist before the adapter
		var ad adapter.Adapter
		if cfg.DryRun {
			ad = adapter.NewPaperAdapter(vc.ID, adapter.DefaultPaperConfig(), 0, logger)
		} else {
			ad = adapter.NewRESTAdapter(vc, supervisor.Limiter(vc.ID), cfg.Conn, logger)
		}
		// Trading calls flow through the supervisor's gate; the raw adapter
		// keeps pinging so heartbeats can close an open circuit.
		adapters[vc.ID] = supervisor.Guard(ad)
		supervisor.SetPinger(vc.ID, ad)
		if vc.TradeEnabled {
			supervisor.MarkConnecting(vc.ID, conn.ChannelTrading)
		}
	}

	exec := executor.NewEngine(cfg.Executor, cfg.Venues, adapters, makerStats, supervisor, logger)
	sched := scheduler.New(cfg.Scheduler, cfg.Venues, evaluator, capCoord, exec, model, st, logger)

	var producer *scheduler.Producer
	if cfg.Producer.Enabled {
		producer = scheduler.NewProducer(cfg.Producer, pipeline, sched, logger)
	}

	var feeds []*feed.Feed
	for _, vc := range cfg.Venues {
		if vc.WSURL == "" {
			continue
		}
		feeds = append(feeds, feed.New(vc.ID, vc.WSURL, cfg.Producer.Symbols, pipeline,
			marketDataState{supervisor}, logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:              cfg,
		logger:           logger.With("component", "engine"),
		pipeline:         pipeline,
		model:            model,
		capital:          capCoord,
		evaluator:        evaluator,
		supervisor:       supervisor,
		makerStats:       makerStats,
		executor:         exec,
		scheduler:        sched,
		producer:         producer,
		feeds:            feeds,
		adapters:         adapters,
		store:            st,
		metrics:          metrics.New(),
		lastQuoteAccepts: make(map[string]int64),
		lastQuoteRejects: make(map[string]map[quote.RejectReason]int64),
		lastJobRejects:   make(map[string]int64),
		leverageDist:     make(map[string]float64),
		ctx:              ctx,
		cancel:           cancel,
	}
	sched.SetObserver(e)
	return e, nil
}

// marketDataState adapts the supervisor to the feed's lifecycle callbacks.
type marketDataState struct {
	sup *conn.Supervisor
}

func (m marketDataState) MarkConnecting(venue string) {
	m.sup.MarkConnecting(venue, conn.ChannelMarketData)
}
func (m marketDataState) MarkConnected(venue string) {
	m.sup.MarkConnected(venue, conn.ChannelMarketData)
}
func (m marketDataState) MarkDisconnected(venue string) {
	m.sup.MarkDisconnected(venue, conn.ChannelMarketData)
}

// Start launches all background goroutines.
func (e *Engine) Start() error {
	e.spawn(func() { e.supervisor.Run(e.ctx) })
	e.spawn(func() { e.scheduler.Run(e.ctx, e.tickContext) })
	if e.producer != nil {
		e.spawn(func() { e.producer.Run(e.ctx) })
	}
	for _, f := range e.feeds {
		f := f
		e.spawn(func() {
			if err := f.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("feed error", "error", err)
			}
		})
	}
	e.spawn(func() { e.metricsLoop() })
	e.spawn(func() { e.accountSyncLoop() })
	e.spawn(func() { e.dailyResetLoop() })
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop shuts down: cancels all goroutines, sends a best-effort cancel-all to
// every venue as a safety net, waits, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	e.CancelAllVenues()

	e.wg.Wait()
	for _, f := range e.feeds {
		f.Close()
	}
	e.store.Close()
	e.logger.Info("shutdown complete")
}

// CancelAllVenues issues cancel-all to every venue, best-effort. Called on
// shutdown and on global kill-switch activation.
func (e *Engine) CancelAllVenues() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for id, ad := range e.adapters {
		if err := ad.CancelAll(ctx); err != nil {
			e.logger.Error("cancel-all failed", "venue", id, "error", err)
		}
	}
}

// tickContext builds the frozen per-tick context: risk inputs from capital
// and connection state, scoring inputs from the venue registry and quote
// cache.
func (e *Engine) tickContext() scheduler.TickContext {
	now := time.Now()

	var equity, todayPnL, todayVolume float64
	for _, vs := range e.capital.Snapshot() {
		equity += vs.Equity
		todayPnL += vs.RealizedToday
		todayVolume += vs.VolumeToday
	}

	latency := e.supervisor.LatencyMs()

	spreads := make(map[string]float64)
	for _, symbol := range e.cfg.Producer.Symbols {
		if best, ok := e.pipeline.Best(symbol); ok && best.Ask > 0 {
			mid := (best.Bid + best.Ask) / 2
			if mid > 0 {
				spreads[symbol] = (best.Ask - best.Bid) / mid * 10_000
			}
		}
	}

	fees := make(map[string]scoring.FeeTable, len(e.cfg.Venues))
	for _, vc := range e.cfg.Venues {
		fees[vc.ID] = scoring.FeeTable{MakerRate: vc.MakerFeeRate, TakerRate: vc.TakerFeeRate}
	}

	funding := make(map[string]map[string]scoring.FundingSnapshot)
	fundingNext := make(map[string]time.Time)
	for venue, bySymbol := range e.pipeline.FundingSnapshot() {
		m := make(map[string]scoring.FundingSnapshot, len(bySymbol))
		for symbol, fi := range bySymbol {
			m[symbol] = scoring.FundingSnapshot{
				Rate:        fi.Rate,
				NextFunding: fi.NextFunding,
				CycleHours:  fundingCycleHours,
			}
			if fi.NextFunding.IsZero() {
				continue
			}
			// The risk gate wants the earliest settlement across venues.
			if cur, ok := fundingNext[symbol]; !ok || fi.NextFunding.Before(cur) {
				fundingNext[symbol] = fi.NextFunding
			}
		}
		funding[venue] = m
	}

	depth := make(map[string]map[string]scoring.DepthSample)
	for venue, bySymbol := range e.pipeline.DepthSnapshot() {
		m := make(map[string]scoring.DepthSample, len(bySymbol))
		for symbol, d := range bySymbol {
			m[symbol] = scoring.DepthSample{Bids: depthLevels(d.Bids), Asks: depthLevels(d.Asks)}
		}
		depth[venue] = m
	}

	volatility := make(map[string]float64, len(e.cfg.Producer.Symbols))
	for _, symbol := range e.cfg.Producer.Symbols {
		if v := e.pipeline.Volatility(symbol); v > 0 {
			volatility[symbol] = v
		}
	}

	return scheduler.TickContext{
		Risk: risk.Context{
			Equity:        equity,
			TodayPnL:      todayPnL,
			TodayVolume:   todayVolume,
			FundingNext:   fundingNext,
			SpreadBps:     spreads,
			Volatility:    volatility,
			LatencyMs:     latency,
			LeverageDist:  e.leverageSnapshot(),
			BlockedVenues: e.supervisor.BlockedVenues(),
			Now:           now,
		},
		Scoring: scoring.Context{
			Fees:              fees,
			Funding:           funding,
			Depth:             depth,
			LatencyMs:         latency,
			Reliability:       e.venueReliability(),
			CapitalAnnualRate: capitalAnnualRate,
			HoldingHours:      holdingHours,
			ReferenceDepthUSD: referenceDepthUSD,
			Now:               now,
		},
	}
}

func depthLevels(levels []types.BookLevel) []scoring.DepthLevel {
	out := make([]scoring.DepthLevel, len(levels))
	for i, l := range levels {
		out[i] = scoring.DepthLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

// venueReliability folds each venue's trading-channel state into a [0,1]
// weight for the cost model.
func (e *Engine) venueReliability() map[string]float64 {
	out := make(map[string]float64)
	for _, vs := range e.supervisor.Snapshot() {
		for _, ch := range vs.Channels {
			if ch.Channel != conn.ChannelTrading {
				continue
			}
			switch ch.State {
			case conn.Connected:
				out[vs.Venue] = 1.0
			case conn.Degraded:
				out[vs.Venue] = 0.8
			case conn.Connecting:
				out[vs.Venue] = 0.7
			default:
				out[vs.Venue] = 0.3
			}
		}
	}
	return out
}

func (e *Engine) leverageSnapshot() map[string]float64 {
	e.posMu.Lock()
	defer e.posMu.Unlock()
	out := make(map[string]float64, len(e.leverageDist))
	for venue, dist := range e.leverageDist {
		out[venue] = dist
	}
	return out
}

// metricsLoop exports gauges and counter deltas on a fixed cadence.
func (e *Engine) metricsLoop() {
	ticker := time.NewTicker(metricsSyncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.syncMetrics()
		}
	}
}

func (e *Engine) syncMetrics() {
	for _, vs := range e.capital.Snapshot() {
		e.metrics.InFlightNotional.WithLabelValues(vs.Venue).Set(vs.TotalInFlight)
		for _, ps := range vs.Pools {
			util := 0.0
			if ps.Budget > 0 {
				util = (ps.Used + ps.InFlight) / ps.Budget
			}
			e.metrics.PoolUtilization.WithLabelValues(vs.Venue, string(ps.Pool)).Set(util)
		}
	}
	for venue, ms := range e.supervisor.LatencyMs() {
		e.metrics.VenueLatencyMs.WithLabelValues(venue).Set(ms)
	}

	stats := e.scheduler.GetStats()
	e.metrics.JobsSubmitted.Add(float64(stats.Submitted - e.lastStats.Submitted))
	e.metrics.JobsCompleted.Add(float64(stats.Completed - e.lastStats.Completed))
	e.metrics.JobsFailed.Add(float64(stats.Failed - e.lastStats.Failed))
	e.lastStats = stats

	for reason, n := range e.scheduler.RejectedByReason() {
		e.metrics.JobsRejected.WithLabelValues(reason).Add(float64(n - e.lastJobRejects[reason]))
		e.lastJobRejects[reason] = n
	}

	for venue := range e.adapters {
		n := e.pipeline.AcceptCount(venue)
		e.metrics.QuoteAccepts.WithLabelValues(venue).Add(float64(n - e.lastQuoteAccepts[venue]))
		e.lastQuoteAccepts[venue] = n
	}
	for venue, byReason := range e.pipeline.RejectCounts() {
		last := e.lastQuoteRejects[venue]
		if last == nil {
			last = make(map[quote.RejectReason]int64)
			e.lastQuoteRejects[venue] = last
		}
		for reason, n := range byReason {
			e.metrics.QuoteRejects.WithLabelValues(venue, string(reason)).Add(float64(n - last[reason]))
			last[reason] = n
		}
	}

	if e.evaluator.GetSnapshot().GlobalKill {
		e.metrics.KillSwitch.Set(1)
	} else {
		e.metrics.KillSwitch.Set(0)
	}
}

// ObserveResult exports per-job timing once the scheduler finalizes a job.
// Implements scheduler.Observer.
func (e *Engine) ObserveResult(result types.HedgeResult) {
	if !result.StartedAt.IsZero() && !result.FinishedAt.IsZero() {
		e.metrics.ExecutionSeconds.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	}
	if result.UnhedgedTime > 0 {
		e.metrics.UnhedgedSeconds.Observe(result.UnhedgedTime.Seconds())
	}
	if result.HadFallback {
		e.metrics.FallbackTotal.Inc()
	}
}

// accountSyncLoop refreshes per-venue equity and liquidation distances from
// the venues' own books.
func (e *Engine) accountSyncLoop() {
	ticker := time.NewTicker(accountSyncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.syncAccounts()
		}
	}
}

func (e *Engine) syncAccounts() {
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()
	for id, ad := range e.adapters {
		balances, err := ad.FetchBalances(ctx)
		if err != nil {
			e.logger.Warn("balance sync failed", "venue", id, "error", err)
		} else if len(balances) > 0 {
			// An empty balance list is treated as "venue has nothing to say",
			// not as zero equity.
			var equity float64
			for _, b := range balances {
				equity += b.Free + b.Locked
			}
			e.capital.UpdateEquity(id, equity)
		}

		positions, err := ad.FetchPositions(ctx)
		if err != nil {
			e.logger.Warn("position sync failed", "venue", id, "error", err)
			continue
		}
		dist := 1.0
		for _, p := range positions {
			if d := p.LiquidationDistance(); d < dist {
				dist = d
			}
		}
		e.posMu.Lock()
		e.leverageDist[id] = dist
		e.posMu.Unlock()
	}
}

// dailyResetLoop clears the capital coordinator's daily PnL and volume
// counters at UTC midnight.
func (e *Engine) dailyResetLoop() {
	for {
		now := time.Now().UTC()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(midnight.Sub(now)):
			e.capital.ResetDailyCounters()
		}
	}
}

// Accessors for operator API wiring.

func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }
func (e *Engine) Capital() *capital.Coordinator   { return e.capital }
func (e *Engine) Evaluator() *risk.Evaluator      { return e.evaluator }
func (e *Engine) Supervisor() *conn.Supervisor    { return e.supervisor }
func (e *Engine) Store() *store.Store             { return e.store }
func (e *Engine) Metrics() *metrics.Metrics       { return e.metrics }
func (e *Engine) Quotes() *quote.Pipeline         { return e.pipeline }
