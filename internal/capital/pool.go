// Package capital holds per-venue three-pool budgets and implements the
// two-phase reservation protocol (soft-lock on dispatch, release on
// completion).
//
// All amounts are decimal.Decimal so the core safety invariant
//
//	used >= 0  &&  in_flight >= 0  &&  used + in_flight <= budget
//
// is enforced with exact arithmetic rather than float comparisons. Job
// notionals cross the boundary as float64 and are converted once on entry.
package capital

import (
	"time"

	"github.com/shopspring/decimal"

	"perphedge/pkg/types"
)

// PoolState is the accounting for one (venue, pool).
type PoolState struct {
	Budget   decimal.Decimal // equity * pool pct
	Used     decimal.Decimal // committed by filled jobs
	InFlight decimal.Decimal // soft-locked, pending completion
}

// Available returns budget - used - inFlight.
func (p *PoolState) Available() decimal.Decimal {
	return p.Budget.Sub(p.Used).Sub(p.InFlight)
}

// check panics if the safety invariant is violated. Reserve/Release guard
// every mutation with cap checks first, so a trip here is a programming bug
// and must crash fast rather than silently clamp.
func (p *PoolState) check(venue string, pool types.Pool) {
	if p.Used.IsNegative() || p.InFlight.IsNegative() || p.Used.Add(p.InFlight).GreaterThan(p.Budget) {
		panic("capital: pool invariant violated on " + venue + "/" + string(pool) +
			": used=" + p.Used.String() + " in_flight=" + p.InFlight.String() + " budget=" + p.Budget.String())
	}
}

// venueCapital aggregates the three pools plus daily counters for one venue.
// All mutations happen under the coordinator's per-venue lock.
type venueCapital struct {
	id            string
	equity        decimal.Decimal
	poolPcts      [3]decimal.Decimal
	pools         map[types.Pool]*PoolState
	realizedToday decimal.Decimal
	volumeToday   decimal.Decimal
	feesToday     decimal.Decimal
	safeMode      bool
	safeModePools map[types.Pool]bool
	lastUpdate    time.Time
}

func newVenueCapital(id string, equity float64, pcts []float64, safeMode bool, safePools []string) *venueCapital {
	vc := &venueCapital{
		id:            id,
		equity:        decimal.NewFromFloat(equity),
		pools:         make(map[types.Pool]*PoolState, 3),
		safeMode:      safeMode,
		safeModePools: make(map[types.Pool]bool, len(safePools)),
		lastUpdate:    time.Now(),
	}
	for i, p := range pcts {
		vc.poolPcts[i] = decimal.NewFromFloat(p)
	}
	for _, sp := range safePools {
		vc.safeModePools[types.Pool(sp)] = true
	}
	for i, pool := range []types.Pool{types.PoolS1, types.PoolS2, types.PoolS3} {
		vc.pools[pool] = &PoolState{Budget: vc.equity.Mul(vc.poolPcts[i])}
	}
	return vc
}

// rebalance recomputes pool budgets from new equity, preserving used and
// in-flight. Returns false when the new budgets cannot cover existing
// commitments; the caller then flips the venue into safe mode instead of
// clamping (the invariant is the safety property).
func (vc *venueCapital) rebalance(equity decimal.Decimal) bool {
	for i, pool := range []types.Pool{types.PoolS1, types.PoolS2, types.PoolS3} {
		newBudget := equity.Mul(vc.poolPcts[i])
		ps := vc.pools[pool]
		if ps.Used.Add(ps.InFlight).GreaterThan(newBudget) {
			return false
		}
	}
	vc.equity = equity
	for i, pool := range []types.Pool{types.PoolS1, types.PoolS2, types.PoolS3} {
		vc.pools[pool].Budget = equity.Mul(vc.poolPcts[i])
	}
	vc.lastUpdate = time.Now()
	return true
}

// totalInFlight sums in-flight across the three pools.
func (vc *venueCapital) totalInFlight() decimal.Decimal {
	total := decimal.Zero
	for _, ps := range vc.pools {
		total = total.Add(ps.InFlight)
	}
	return total
}

// totalUsed sums used across the three pools.
func (vc *venueCapital) totalUsed() decimal.Decimal {
	total := decimal.Zero
	for _, ps := range vc.pools {
		total = total.Add(ps.Used)
	}
	return total
}

// poolAllowed reports whether a pool may fund new reservations given the
// venue's safe-mode state. Outside safe mode, S3 is reserve-only and never
// selected by normal scheduling.
func (vc *venueCapital) poolAllowed(pool types.Pool) bool {
	if vc.safeMode {
		return vc.safeModePools[pool]
	}
	return pool != types.PoolS3
}

// PoolSnapshot is a read-only copy of one pool's state.
type PoolSnapshot struct {
	Pool     types.Pool `json:"pool"`
	Budget   float64    `json:"budget"`
	Used     float64    `json:"used"`
	InFlight float64    `json:"in_flight"`
}

// VenueSnapshot is a read-only copy of one venue's capital state.
type VenueSnapshot struct {
	Venue          string         `json:"venue"`
	Equity         float64        `json:"equity"`
	Pools          []PoolSnapshot `json:"pools"`
	TotalUsed      float64        `json:"total_used"`
	TotalInFlight  float64        `json:"total_in_flight"`
	UtilizationPct float64        `json:"utilization_pct"`
	RealizedToday  float64        `json:"realized_pnl_today"`
	VolumeToday    float64        `json:"volume_today"`
	FeesToday      float64        `json:"fees_today"`
	SafeMode       bool           `json:"safe_mode"`
	LastUpdate     time.Time      `json:"last_update"`
}

func (vc *venueCapital) snapshot() VenueSnapshot {
	snap := VenueSnapshot{
		Venue:         vc.id,
		Equity:        vc.equity.InexactFloat64(),
		SafeMode:      vc.safeMode,
		LastUpdate:    vc.lastUpdate,
		RealizedToday: vc.realizedToday.InexactFloat64(),
		VolumeToday:   vc.volumeToday.InexactFloat64(),
		FeesToday:     vc.feesToday.InexactFloat64(),
	}
	for _, pool := range []types.Pool{types.PoolS1, types.PoolS2, types.PoolS3} {
		ps := vc.pools[pool]
		snap.Pools = append(snap.Pools, PoolSnapshot{
			Pool:     pool,
			Budget:   ps.Budget.InexactFloat64(),
			Used:     ps.Used.InexactFloat64(),
			InFlight: ps.InFlight.InexactFloat64(),
		})
	}
	used := vc.totalUsed()
	inflight := vc.totalInFlight()
	snap.TotalUsed = used.InexactFloat64()
	snap.TotalInFlight = inflight.InexactFloat64()
	if vc.equity.IsPositive() {
		snap.UtilizationPct = used.Add(inflight).Div(vc.equity).InexactFloat64() * 100
	}
	return snap
}
