// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the coordinator: quotes,
// hedge jobs, opportunity scores, and the adapter-facing order types. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// --- Core enums ---

// Side represents the direction of an order leg.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sign returns +1 for buy, -1 for sell. Used when checking that the legs of
// a hedge-shaped job balance to zero.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// StrategyType classifies what an opportunity is trying to do. It determines
// which capital pool funds it.
type StrategyType string

const (
	StrategyWash           StrategyType = "wash"
	StrategyArbitrage      StrategyType = "arbitrage"
	StrategyHedgeRebalance StrategyType = "hedge_rebalance"
)

// Pool identifies one of the three per-venue capital partitions.
type Pool string

const (
	PoolS1 Pool = "S1" // wash / hedge-rebalance (default 70% of equity)
	PoolS2 Pool = "S2" // arbitrage (default 20%)
	PoolS3 Pool = "S3" // reserve, safe-mode only (default 10%)
)

// PoolFor maps a strategy type to the pool that funds it. S3 is never
// selected here: it is reachable only through a venue's safe-mode pool set.
func PoolFor(st StrategyType) Pool {
	if st == StrategyArbitrage {
		return PoolS2
	}
	return PoolS1
}

// JobState tracks a job through its lifecycle. Transitions are a prefix of
// pending -> running -> {completed, failed}; rejected is terminal from pending.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobRejected  JobState = "rejected"
)

// Terminal reports whether a state is final.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobRejected
}

// QuoteQuality labels how trustworthy a quote is after scoring.
type QuoteQuality string

const (
	QualityGood QuoteQuality = "GOOD"
	QualityWarn QuoteQuality = "WARN"
	QualityBad  QuoteQuality = "BAD"
)

// OrderType selects how an order interacts with the book.
type OrderType string

const (
	OrderMarket   OrderType = "market"    // taker: cross the spread immediately
	OrderPostOnly OrderType = "post_only" // maker: rest at a price or be cancelled by the venue
)

// --- Quotes ---

// RawQuote is what a feed adapter pushes into the quote pipeline. Prices and
// sizes are unvalidated; EventTime is the venue's timestamp. Venues that
// publish funding on the ticker carry it here (zero NextFunding means the
// ticker had none).
type RawQuote struct {
	Venue       string
	Symbol      string
	Bid         float64
	Ask         float64
	BidSize     float64
	AskSize     float64
	FundingRate float64
	NextFunding time.Time
	EventTime   time.Time
}

// BookLevel is one aggregated price level of an order book side.
type BookLevel struct {
	Price float64
	Size  float64
}

// BookDepth is a partial order book snapshot for one (venue, symbol).
type BookDepth struct {
	Venue     string
	Symbol    string
	Bids      []BookLevel // descending price
	Asks      []BookLevel // ascending price
	EventTime time.Time
}

// Quote is a validated, scored best bid/offer for one (venue, symbol).
// Created on each accepted update; never persisted across restart.
type Quote struct {
	Venue        string
	Symbol       string
	Bid          float64
	Ask          float64
	BidSize      float64
	AskSize      float64
	Mid          float64
	SpreadBps    float64
	EventTime    time.Time // venue timestamp
	ReceiveTime  time.Time // local arrival
	ProcessTime  time.Time // after pipeline stages
	Quality      QuoteQuality
	QualityScore float64 // 0-100, before labelling
}

// Age returns how old the quote's venue timestamp is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.EventTime)
}

// --- Opportunities ---

// Leg is one side of an opportunity on one venue.
type Leg struct {
	Venue    string
	Side     Side
	Quantity float64
	Price    float64 // reference price at candidate creation
}

// HedgeJob is an immutable opportunity candidate. Producers create it, the
// scheduler admits and dispatches it, the executor fills it.
type HedgeJob struct {
	ID              string
	Strategy        StrategyType
	Symbol          string
	Legs            []Leg
	Notional        float64 // quote-currency notional per leg
	ExpectedEdgeBps float64
	ExpectedPnL     float64
	RiskScore       float64 // normalized 0-100
	LatencyScore    float64
	VolumeScore     float64
	FundingScore    float64
	LiquidityScore  float64
	Source          string
	SubmittedAt     time.Time
}

// Venues returns the distinct venues touched by the job, in leg order.
func (j *HedgeJob) Venues() []string {
	seen := make(map[string]bool, len(j.Legs))
	out := make([]string, 0, len(j.Legs))
	for _, leg := range j.Legs {
		if !seen[leg.Venue] {
			seen[leg.Venue] = true
			out = append(out, leg.Venue)
		}
	}
	return out
}

// NetQuantity returns the signed sum of leg quantities. Hedge and arbitrage
// shapes must balance to ~0.
func (j *HedgeJob) NetQuantity() float64 {
	var net float64
	for _, leg := range j.Legs {
		net += leg.Side.Sign() * leg.Quantity
	}
	return net
}

// Validate checks the structural invariants of a job. Venue registry
// membership is checked separately by the scheduler.
func (j *HedgeJob) Validate(balanceTol float64) error {
	if j.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	if j.Notional <= 0 {
		return fmt.Errorf("job %s: notional must be > 0, got %v", j.ID, j.Notional)
	}
	if len(j.Legs) == 0 {
		return fmt.Errorf("job %s: no legs", j.ID)
	}
	for i, leg := range j.Legs {
		if leg.Quantity <= 0 {
			return fmt.Errorf("job %s: leg %d quantity must be > 0", j.ID, i)
		}
		if leg.Venue == "" {
			return fmt.Errorf("job %s: leg %d venue is empty", j.ID, i)
		}
	}
	if net := j.NetQuantity(); net > balanceTol || net < -balanceTol {
		return fmt.Errorf("job %s: legs do not balance (net %v, tol %v)", j.ID, net, balanceTol)
	}
	return nil
}

// OpportunityScore is the cost model's breakdown for one job under current
// market context. Components satisfy:
//
//	ExpectedPnL = PriceSpreadPnL + FundingPnL - FeeCost - SlippageCost - LatencyPenalty - CapitalTimeCost
type OpportunityScore struct {
	JobID           string
	PriceSpreadPnL  float64
	FundingPnL      float64
	FeeCost         float64
	SlippageCost    float64
	LatencyPenalty  float64
	CapitalTimeCost float64
	ExpectedPnL     float64
	ROIPct          float64
	AnnualizedROI   float64
	TimeCostSeconds float64
	RiskScore       float64 // [0,1], higher = riskier
	FinalScore      float64 // >= 0, higher is better
}

// --- Adapter contract ---

// OrderSpec describes an order to place. Price is ignored for market orders.
type OrderSpec struct {
	Venue    string
	Symbol   string
	Side     Side
	Size     float64
	Type     OrderType
	Price    float64
	ClientID string
}

// OrderStatus is the venue's view of an order.
type OrderStatus string

const (
	OrderLive            OrderStatus = "live"
	OrderFilled          OrderStatus = "filled"
	OrderPartial         OrderStatus = "partial"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejectedByVenue OrderStatus = "rejected"
)

// OrderAck is the venue's response to a placement.
type OrderAck struct {
	OrderID     string
	Status      OrderStatus
	FilledSize  float64
	FilledPrice float64
	Fee         float64
}

// Fill is a single execution event for an order, observed via the adapter's
// push stream or by polling.
type Fill struct {
	Venue   string
	Symbol  string
	OrderID string
	Side    Side
	Price   float64
	Size    float64
	Fee     float64
	Time    time.Time
}

// Balance is one asset balance on a venue.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Position is one open position on a venue.
type Position struct {
	Venue            string
	Symbol           string
	Size             float64 // signed: positive long, negative short
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64 // zero when the venue does not report one
}

// LiquidationDistance returns |mark - liquidation| / mark, or 1 when either
// price is missing. Used as the leverage-risk input.
func (p Position) LiquidationDistance() float64 {
	if p.MarkPrice <= 0 || p.LiquidationPrice <= 0 {
		return 1
	}
	d := (p.MarkPrice - p.LiquidationPrice) / p.MarkPrice
	if d < 0 {
		d = -d
	}
	return d
}

// --- Execution results ---

// LegOutcome is the terminal status of one executed leg.
type LegOutcome string

const (
	LegFilled    LegOutcome = "filled"
	LegFallback  LegOutcome = "filled_fallback" // maker cancelled, filled as taker
	LegFailed    LegOutcome = "failed"
	LegCancelled LegOutcome = "cancelled"
)

// LegResult reports how one leg executed.
type LegResult struct {
	Leg         Leg
	Outcome     LegOutcome
	OrderID     string
	FilledPrice float64
	FilledSize  float64
	Fee         float64
	WasMaker    bool
	Error       string
}

// HedgeResult is the executor's report for a completed cycle.
type HedgeResult struct {
	JobID           string
	Success         bool
	Legs            []LegResult
	TotalFees       float64
	RealizedPnL     float64
	UnhedgedTime    time.Duration
	PeakUnhedgedUSD float64
	HadFallback     bool
	StartedAt       time.Time
	FinishedAt      time.Time
	Error           string
}
