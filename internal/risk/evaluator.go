// Package risk evaluates opportunities against multi-dimensional limits
// under a configurable mode (conservative / balanced / aggressive).
//
// Evaluation splits into hard checks (kill switches, auto-halt, daily loss,
// blacklists, blocked venues; never overridable) and soft checks (edge
// floor, failure streak; overridable by the operator). Survivors get five
// dimension scores (funding proximity, spread, volatility, latency,
// leverage) aggregated into a safety score, blended with a volume score, and
// compared against the active mode's threshold.
//
// The evaluator also owns the global and per-venue kill switches; other
// components consult them through the KillSwitches interface so the
// dependency points one way.
package risk

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"perphedge/internal/config"
	"perphedge/pkg/types"
)

// Decision is the verdict class for one evaluation.
type Decision string

const (
	Accept Decision = "Accept"
	Warn   Decision = "Warn"
	Reject Decision = "Reject"
)

// Reject reasons carried in Verdict.Reason. Hard reasons remove the job from
// the queue; soft reasons leave it pending for a later tick.
const (
	ReasonKillSwitch     = "KillSwitch"
	ReasonAutoHalt       = "AutoHalt"
	ReasonDailyLoss      = "DailyLoss"
	ReasonFastMarket     = "FastMarket"
	ReasonDelayedVenue   = "DelayedVenue"
	ReasonVenueBlocked   = "VenueBlocked"
	ReasonBelowMinEdge   = "BelowMinEdge"
	ReasonFailureStreak  = "FailureStreak"
	ReasonBelowThreshold = "BelowThreshold"
)

// Verdict is the full result of evaluating one job.
type Verdict struct {
	Decision    Decision
	Hard        bool // true: terminal reject; false: may pass on a later tick
	SafetyScore float64
	VolumeScore float64
	FinalScore  float64
	Reason      string
	Dimensions  map[string]float64 // per-dimension scores, each 0-100
}

// Context is the market snapshot the evaluator consumes. The scheduler
// builds it once per tick.
type Context struct {
	Equity        float64 // total equity across venues
	TodayPnL      float64
	TodayVolume   float64
	FundingNext   map[string]time.Time // symbol -> next settlement
	SpreadBps     map[string]float64   // symbol -> current cross-venue spread
	Volatility    map[string]float64   // symbol -> rolling stdev (fraction)
	LatencyMs     map[string]float64   // venue -> rolling latency
	LeverageDist  map[string]float64   // venue -> liquidation distance pct
	BlockedVenues map[string]bool      // venues with an open trading circuit
	Now           time.Time
}

// KillSwitches is the read side of the evaluator's kill switches.
type KillSwitches interface {
	GlobalKilled() bool
	VenueKilled(venue string) bool
}

// Evaluator holds risk state: the active mode, kill switches, failure streak
// and auto-halt. All fields are guarded by mu; Evaluate takes a read lock so
// concurrent ticks (there are none by design, but the API is safe) do not
// race with operator mode switches.
type Evaluator struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu                  sync.RWMutex
	mode                string
	preset              config.ModePreset
	manualOverride      bool
	autoHalt            bool
	autoHaltReason      string
	consecutiveFailures int
	globalKill          bool
	venueKill           map[string]bool
	fastMarket          map[string]bool
	delayedVenues       map[string]bool
}

// NewEvaluator creates an evaluator with the configured mode active.
func NewEvaluator(cfg config.RiskConfig, presetFor func(string) config.ModePreset, logger *slog.Logger) *Evaluator {
	e := &Evaluator{
		cfg:           cfg,
		logger:        logger.With("component", "risk"),
		mode:          cfg.Mode,
		preset:        presetFor(cfg.Mode),
		venueKill:     make(map[string]bool),
		fastMarket:    make(map[string]bool),
		delayedVenues: make(map[string]bool),
	}
	for _, s := range cfg.FastMarketSymbols {
		e.fastMarket[s] = true
	}
	for _, v := range cfg.DelayedVenues {
		e.delayedVenues[v] = true
	}
	return e
}

// Evaluate runs one job through the hard and soft gates and the dimension
// scores. Pure with respect to job and ctx; reads evaluator state only.
func (e *Evaluator) Evaluate(job *types.HedgeJob, ctx Context) Verdict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// Hard checks: not overridable.
	if e.globalKill {
		return hardReject(ReasonKillSwitch)
	}
	for _, venue := range job.Venues() {
		if e.venueKill[venue] {
			return hardReject(ReasonKillSwitch)
		}
	}
	if e.autoHalt && !e.manualOverride {
		return hardReject(ReasonAutoHalt)
	}
	if ctx.TodayPnL < -e.cfg.DailyLossLimitPct*ctx.Equity || ctx.TodayPnL < -e.cfg.DailyLossLimitAbs {
		return hardReject(ReasonDailyLoss)
	}
	if e.fastMarket[job.Symbol] {
		return hardReject(ReasonFastMarket)
	}
	for _, venue := range job.Venues() {
		if e.delayedVenues[venue] {
			return hardReject(ReasonDelayedVenue)
		}
		if ctx.BlockedVenues[venue] {
			return hardReject(ReasonVenueBlocked)
		}
	}

	// Soft checks: overridable.
	if job.ExpectedEdgeBps < e.preset.MinEdgeBps && !e.manualOverride {
		return softReject(ReasonBelowMinEdge)
	}
	if e.consecutiveFailures >= e.cfg.MaxConsecutiveFailures && !e.manualOverride {
		return softReject(ReasonFailureStreak)
	}

	dims := e.dimensionScores(job, ctx)
	safety := 0.25*dims["funding"] + 0.25*dims["spread"] + 0.20*dims["volatility"] + 0.15*dims["latency"] + 0.15*dims["leverage"]
	volume := e.volumeScore(job, ctx)
	final := e.preset.SafetyWeight*safety + e.preset.VolumeWeight*volume

	v := Verdict{
		SafetyScore: safety,
		VolumeScore: volume,
		FinalScore:  final,
		Dimensions:  dims,
	}
	if final < e.preset.Threshold {
		if e.manualOverride {
			v.Decision = Warn
			v.Reason = ReasonBelowThreshold
			return v
		}
		v.Decision = Reject
		v.Reason = ReasonBelowThreshold
		return v
	}
	v.Decision = Accept
	return v
}

func hardReject(reason string) Verdict {
	return Verdict{Decision: Reject, Hard: true, Reason: reason}
}

func softReject(reason string) Verdict {
	return Verdict{Decision: Reject, Hard: false, Reason: reason}
}

// dimensionScores computes the five 0-100 dimension scores.
func (e *Evaluator) dimensionScores(job *types.HedgeJob, ctx Context) map[string]float64 {
	dims := make(map[string]float64, 5)

	// Funding: proximity to settlement. Inside the blackout window the score
	// is 0; beyond an hour it is 100, scaling linearly in between.
	funding := 100.0
	if next, ok := ctx.FundingNext[job.Symbol]; ok {
		until := next.Sub(ctx.Now)
		if until < 0 {
			until = -until
		}
		blackout := time.Duration(e.cfg.FundingBlackoutMin) * time.Minute
		switch {
		case until <= blackout:
			funding = 0
		case until >= time.Hour:
			funding = 100
		default:
			funding = 100 * float64(until-blackout) / float64(time.Hour-blackout)
		}
	}
	dims["funding"] = funding

	// Spread: tighter is safer. <=5bps -> 100, >=50bps -> 0.
	spread := 100.0
	if bps, ok := ctx.SpreadBps[job.Symbol]; ok {
		spread = bandScore(bps, 5, 50)
	}
	dims["spread"] = spread

	// Volatility: rolling stdev against the mode cap.
	vol := 100.0
	if v, ok := ctx.Volatility[job.Symbol]; ok && e.preset.MaxVolatility > 0 {
		vol = bandScore(v, e.preset.MaxVolatility*0.25, e.preset.MaxVolatility)
	}
	dims["volatility"] = vol

	// Latency: worst leg venue against the mode cap.
	worst := 0.0
	for _, venue := range job.Venues() {
		if l := ctx.LatencyMs[venue]; l > worst {
			worst = l
		}
	}
	latency := 100.0
	if e.preset.MaxLatencyMs > 0 {
		latency = bandScore(worst, e.preset.MaxLatencyMs*0.2, e.preset.MaxLatencyMs)
	}
	dims["latency"] = latency

	// Leverage: closest liquidation distance across leg venues.
	// >=20% away -> 100, <=2% -> 0.
	leverage := 100.0
	for _, venue := range job.Venues() {
		if d, ok := ctx.LeverageDist[venue]; ok {
			s := 100 - bandScore(d, 0.02, 0.20)
			if s < leverage {
				leverage = s
			}
		}
	}
	dims["leverage"] = leverage

	return dims
}

// bandScore maps v linearly to [0,100]: v <= lo -> 100, v >= hi -> 0.
func bandScore(v, lo, hi float64) float64 {
	if v <= lo {
		return 100
	}
	if v >= hi {
		return 0
	}
	return 100 * (hi - v) / (hi - lo)
}

// volumeScore reflects the job's contribution toward the daily volume
// target: larger contributions while behind target score higher.
func (e *Evaluator) volumeScore(job *types.HedgeJob, ctx Context) float64 {
	if e.cfg.DailyVolumeTarget <= 0 {
		return 50
	}
	remaining := e.cfg.DailyVolumeTarget - ctx.TodayVolume
	if remaining <= 0 {
		return 20 // target met; further volume adds little
	}
	contribution := job.Notional / remaining
	return math.Min(100, 40+60*math.Min(1, contribution*10))
}

// --- state updates ---

// RecordSuccess resets the failure streak.
func (e *Evaluator) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
}

// RecordFailure bumps the failure streak and arms auto-halt when the streak
// reaches the configured maximum.
func (e *Evaluator) RecordFailure(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures++
	if e.consecutiveFailures >= e.cfg.MaxConsecutiveFailures && !e.autoHalt {
		e.autoHalt = true
		e.autoHaltReason = reason
		e.logger.Error("AUTO-HALT armed",
			"consecutive_failures", e.consecutiveFailures,
			"reason", reason,
		)
	}
}

// ResetAutoHalt clears auto-halt and the failure streak. Operator-only.
func (e *Evaluator) ResetAutoHalt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoHalt = false
	e.autoHaltReason = ""
	e.consecutiveFailures = 0
	e.logger.Info("auto-halt reset by operator")
}

// SetMode swaps the active preset. The scheduler calls this only between
// ticks, so a pending job can pass on the next tick without resubmission.
func (e *Evaluator) SetMode(mode string, preset config.ModePreset) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	e.preset = preset
	e.logger.Info("risk mode changed", "mode", mode, "threshold", preset.Threshold)
}

// SetOverride toggles the manual override that downgrades soft rejects.
func (e *Evaluator) SetOverride(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manualOverride = enabled
	e.logger.Info("manual override changed", "enabled", enabled)
}

// SetGlobalKill flips the global kill switch.
func (e *Evaluator) SetGlobalKill(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globalKill = on
	if on {
		e.logger.Error("GLOBAL KILL SWITCH activated")
	} else {
		e.logger.Info("global kill switch cleared")
	}
}

// SetVenueKill flips a venue's kill switch.
func (e *Evaluator) SetVenueKill(venue string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.venueKill[venue] = on
	e.logger.Warn("venue kill switch changed", "venue", venue, "killed", on)
}

// GlobalKilled implements KillSwitches.
func (e *Evaluator) GlobalKilled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.globalKill
}

// VenueKilled implements KillSwitches.
func (e *Evaluator) VenueKilled(venue string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.venueKill[venue]
}

// Snapshot reports current risk state for the operator surface.
type Snapshot struct {
	Mode                string   `json:"mode"`
	ManualOverride      bool     `json:"manual_override"`
	AutoHalt            bool     `json:"auto_halt"`
	AutoHaltReason      string   `json:"auto_halt_reason,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	GlobalKill          bool     `json:"global_kill"`
	KilledVenues        []string `json:"killed_venues,omitempty"`
}

// GetSnapshot returns the current risk state.
func (e *Evaluator) GetSnapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := Snapshot{
		Mode:                e.mode,
		ManualOverride:      e.manualOverride,
		AutoHalt:            e.autoHalt,
		AutoHaltReason:      e.autoHaltReason,
		ConsecutiveFailures: e.consecutiveFailures,
		GlobalKill:          e.globalKill,
	}
	for venue, killed := range e.venueKill {
		if killed {
			snap.KilledVenues = append(snap.KilledVenues, venue)
		}
	}
	return snap
}

// Mode returns the active mode name.
func (e *Evaluator) Mode() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}
