package capital

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perphedge/internal/config"
	"perphedge/pkg/types"
)

// Reason enumerates why a reservation was refused.
type Reason string

const (
	ReasonOK                    Reason = ""
	ReasonPoolExhausted         Reason = "PoolExhausted"
	ReasonSingleCapExceeded     Reason = "SingleCapExceeded"
	ReasonTotalInflightExceeded Reason = "TotalInflightExceeded"
	ReasonPoolBlockedBySafeMode Reason = "PoolBlockedBySafeMode"
	ReasonNoVenueCapital        Reason = "NoVenueCapital"
)

// Outcome tells Release how the job finished.
type Outcome struct {
	Filled bool // true: in-flight moves to used; false: back to available
	PnL    float64
	Volume float64
	Fees   float64
}

// Reservation is the soft lock returned by Reserve. Release must be called
// exactly once; a second call is a no-op returning false.
type Reservation struct {
	ID      string
	JobID   string
	Pool    types.Pool
	Amounts map[string]decimal.Decimal // venue -> locked amount

	released atomic.Bool
}

// Coordinator owns all venue capital. Venue maps are guarded by mu; each
// venue's pools are guarded by its own lock so independent venues don't
// contend. Multi-venue reservations take venue locks in sorted id order.
type Coordinator struct {
	cfg    config.CapitalConfig
	logger *slog.Logger

	mu     sync.RWMutex
	venues map[string]*lockedVenue
}

type lockedVenue struct {
	mu sync.Mutex
	vc *venueCapital
}

// NewCoordinator creates a capital coordinator and registers the configured
// venues.
func NewCoordinator(cfg config.CapitalConfig, venues []config.VenueConfig, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		logger: logger.With("component", "capital"),
		venues: make(map[string]*lockedVenue, len(venues)),
	}
	for _, v := range venues {
		c.RegisterVenue(v)
	}
	return c
}

// RegisterVenue creates pool state for a venue.
func (c *Coordinator) RegisterVenue(v config.VenueConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.venues[v.ID] = &lockedVenue{
		vc: newVenueCapital(v.ID, v.Equity, v.PoolPcts, v.SafeMode, v.SafeModePools),
	}
	c.logger.Info("venue registered", "venue", v.ID, "equity", v.Equity, "safe_mode", v.SafeMode)
}

// DeregisterVenue removes a venue. Existing reservations against it release
// into the void (logged), so callers should drain first.
func (c *Coordinator) DeregisterVenue(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.venues, id)
	c.logger.Info("venue deregistered", "venue", id)
}

// UpdateEquity recomputes pool budgets from new equity, preserving used and
// in-flight. If the new equity cannot cover current commitments the venue is
// flipped into safe mode rather than clamping the books.
func (c *Coordinator) UpdateEquity(venue string, equity float64) {
	lv := c.venue(venue)
	if lv == nil {
		c.logger.Warn("equity update for unknown venue", "venue", venue)
		return
	}
	lv.mu.Lock()
	defer lv.mu.Unlock()

	if !lv.vc.rebalance(decimal.NewFromFloat(equity)) {
		lv.vc.safeMode = true
		c.logger.Error("equity update cannot cover commitments, venue forced into safe mode",
			"venue", venue, "new_equity", equity)
		return
	}
	c.logger.Info("equity updated", "venue", venue, "equity", equity)
}

// SetSafeMode toggles a venue's safe mode.
func (c *Coordinator) SetSafeMode(venue string, on bool) {
	lv := c.venue(venue)
	if lv == nil {
		return
	}
	lv.mu.Lock()
	lv.vc.safeMode = on
	lv.mu.Unlock()
	c.logger.Info("safe mode changed", "venue", venue, "safe_mode", on)
}

// CanReserve is the pure admission check: it takes the same locks Reserve
// takes but mutates nothing. The answer can go stale immediately; Reserve
// re-checks atomically.
func (c *Coordinator) CanReserve(job *types.HedgeJob) (bool, Reason) {
	pool := types.PoolFor(job.Strategy)
	amounts := legAmounts(job)

	ids := sortedVenues(amounts)
	locked, ok := c.lockAll(ids)
	if !ok {
		return false, ReasonNoVenueCapital
	}
	defer unlockAll(locked)

	reason := c.checkLocked(locked, amounts, pool)
	return reason == ReasonOK, reason
}

// Reserve atomically soft-locks per-venue allocations for every leg of the
// job. Either every venue commits or none does: all venue locks are held in
// sorted id order for the duration, so no partial state is ever observable.
func (c *Coordinator) Reserve(job *types.HedgeJob) (*Reservation, Reason) {
	pool := types.PoolFor(job.Strategy)
	amounts := legAmounts(job)

	ids := sortedVenues(amounts)
	locked, ok := c.lockAll(ids)
	if !ok {
		return nil, ReasonNoVenueCapital
	}
	defer unlockAll(locked)

	if reason := c.checkLocked(locked, amounts, pool); reason != ReasonOK {
		return nil, reason
	}

	for _, lv := range locked {
		amt := amounts[lv.vc.id]
		ps := lv.vc.pools[pool]
		ps.InFlight = ps.InFlight.Add(amt)
		ps.check(lv.vc.id, pool)
		lv.vc.lastUpdate = time.Now()
	}

	res := &Reservation{
		ID:      uuid.NewString(),
		JobID:   job.ID,
		Pool:    pool,
		Amounts: amounts,
	}
	c.logger.Debug("reserved", "job", job.ID, "pool", pool, "venues", ids)
	return res, ReasonOK
}

// Release completes a reservation: in-flight amounts move to used when the
// job filled, or back to available when it did not. PnL, volume, and fees are
// attributed to each venue proportionally to its locked amount. Returns false
// if the reservation was already released (exactly-once guarantee).
func (c *Coordinator) Release(res *Reservation, outcome Outcome) bool {
	if res == nil || !res.released.CompareAndSwap(false, true) {
		return false
	}

	total := decimal.Zero
	for _, amt := range res.Amounts {
		total = total.Add(amt)
	}
	pnl := decimal.NewFromFloat(outcome.PnL)
	vol := decimal.NewFromFloat(outcome.Volume)
	fees := decimal.NewFromFloat(outcome.Fees)

	for venue, amt := range res.Amounts {
		lv := c.venue(venue)
		if lv == nil {
			c.logger.Warn("release for deregistered venue", "venue", venue, "job", res.JobID)
			continue
		}
		lv.mu.Lock()
		ps := lv.vc.pools[res.Pool]
		ps.InFlight = ps.InFlight.Sub(amt)
		if ps.InFlight.IsNegative() {
			lv.mu.Unlock()
			panic("capital: release exceeds in-flight on " + venue + " for job " + res.JobID)
		}
		if outcome.Filled {
			ps.Used = ps.Used.Add(amt)
		}
		ps.check(venue, res.Pool)

		if total.IsPositive() {
			share := amt.Div(total)
			lv.vc.realizedToday = lv.vc.realizedToday.Add(pnl.Mul(share))
			lv.vc.volumeToday = lv.vc.volumeToday.Add(vol.Mul(share))
			lv.vc.feesToday = lv.vc.feesToday.Add(fees.Mul(share))
		}
		lv.vc.lastUpdate = time.Now()
		lv.mu.Unlock()
	}

	c.logger.Debug("released", "job", res.JobID, "filled", outcome.Filled, "pnl", outcome.PnL)
	return true
}

// Settle returns used capital to available once a position is unwound.
// Amounts beyond current used trip the invariant guard.
func (c *Coordinator) Settle(venue string, pool types.Pool, amount float64) {
	lv := c.venue(venue)
	if lv == nil {
		return
	}
	lv.mu.Lock()
	defer lv.mu.Unlock()
	ps := lv.vc.pools[pool]
	ps.Used = ps.Used.Sub(decimal.NewFromFloat(amount))
	ps.check(venue, pool)
	lv.vc.lastUpdate = time.Now()
}

// ResetDailyCounters zeroes the realized/volume/fees counters (called at the
// configured rollover).
func (c *Coordinator) ResetDailyCounters() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, lv := range c.venues {
		lv.mu.Lock()
		lv.vc.realizedToday = decimal.Zero
		lv.vc.volumeToday = decimal.Zero
		lv.vc.feesToday = decimal.Zero
		lv.mu.Unlock()
	}
}

// Snapshot returns read-only copies of every venue's state, sorted by id.
func (c *Coordinator) Snapshot() []VenueSnapshot {
	c.mu.RLock()
	ids := make([]string, 0, len(c.venues))
	for id := range c.venues {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)

	out := make([]VenueSnapshot, 0, len(ids))
	for _, id := range ids {
		lv := c.venue(id)
		if lv == nil {
			continue
		}
		lv.mu.Lock()
		out = append(out, lv.vc.snapshot())
		lv.mu.Unlock()
	}
	return out
}

// VenueSnapshotFor returns one venue's state.
func (c *Coordinator) VenueSnapshotFor(venue string) (VenueSnapshot, bool) {
	lv := c.venue(venue)
	if lv == nil {
		return VenueSnapshot{}, false
	}
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.vc.snapshot(), true
}

// --- internals ---

func (c *Coordinator) venue(id string) *lockedVenue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.venues[id]
}

// legAmounts aggregates the capital to lock per venue: the job notional
// split equally across legs. A two-leg hedge of notional N locks N/2 on each
// venue.
func legAmounts(job *types.HedgeJob) map[string]decimal.Decimal {
	perLeg := decimal.NewFromFloat(job.Notional).Div(decimal.NewFromInt(int64(len(job.Legs))))
	amounts := make(map[string]decimal.Decimal)
	for _, leg := range job.Legs {
		amounts[leg.Venue] = amounts[leg.Venue].Add(perLeg)
	}
	return amounts
}

func sortedVenues(amounts map[string]decimal.Decimal) []string {
	ids := make([]string, 0, len(amounts))
	for id := range amounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// lockAll locks the given venues in sorted order. Returns false (with
// nothing held) if any venue is unknown.
func (c *Coordinator) lockAll(ids []string) ([]*lockedVenue, bool) {
	locked := make([]*lockedVenue, 0, len(ids))
	for _, id := range ids {
		lv := c.venue(id)
		if lv == nil {
			unlockAll(locked)
			return nil, false
		}
		lv.mu.Lock()
		locked = append(locked, lv)
	}
	return locked, true
}

func unlockAll(locked []*lockedVenue) {
	for i := len(locked) - 1; i >= 0; i-- {
		locked[i].mu.Unlock()
	}
}

// checkLocked runs every cap check with all venue locks held.
func (c *Coordinator) checkLocked(locked []*lockedVenue, amounts map[string]decimal.Decimal, pool types.Pool) Reason {
	maxSingle := decimal.NewFromFloat(c.cfg.MaxSinglePct)
	maxTotal := decimal.NewFromFloat(c.cfg.MaxTotalPct)

	for _, lv := range locked {
		vc := lv.vc
		amt := amounts[vc.id]

		if !vc.poolAllowed(pool) {
			return ReasonPoolBlockedBySafeMode
		}
		ps := vc.pools[pool]

		// Single reservation may take at most max_single_pct of the pool.
		if amt.GreaterThan(ps.Budget.Mul(maxSingle)) {
			return ReasonSingleCapExceeded
		}
		// The pool must cover the new lock.
		if ps.Used.Add(ps.InFlight).Add(amt).GreaterThan(ps.Budget) {
			return ReasonPoolExhausted
		}
		// Total in-flight across pools is capped as a share of equity.
		if vc.totalInFlight().Add(amt).GreaterThan(vc.equity.Mul(maxTotal)) {
			return ReasonTotalInflightExceeded
		}
	}
	return ReasonOK
}
