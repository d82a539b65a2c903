package types

import (
	"testing"
	"time"
)

func twoLegJob() *HedgeJob {
	return &HedgeJob{
		ID:       "j1",
		Strategy: StrategyArbitrage,
		Symbol:   "BTC-PERP",
		Legs: []Leg{
			{Venue: "alpha", Side: Buy, Quantity: 1, Price: 100},
			{Venue: "beta", Side: Sell, Quantity: 1, Price: 101},
		},
		Notional:    100,
		SubmittedAt: time.Now(),
	}
}

func TestPoolFor(t *testing.T) {
	t.Parallel()
	if got := PoolFor(StrategyArbitrage); got != PoolS2 {
		t.Errorf("arbitrage pool = %s, want S2", got)
	}
	if got := PoolFor(StrategyWash); got != PoolS1 {
		t.Errorf("wash pool = %s, want S1", got)
	}
	if got := PoolFor(StrategyHedgeRebalance); got != PoolS1 {
		t.Errorf("hedge_rebalance pool = %s, want S1", got)
	}
}

func TestJobStateTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []JobState{JobCompleted, JobFailed, JobRejected} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobState{JobPending, JobRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestValidateBalancedJob(t *testing.T) {
	t.Parallel()
	if err := twoLegJob().Validate(1e-9); err != nil {
		t.Errorf("balanced job should validate: %v", err)
	}
}

func TestValidateRejectsUnbalancedLegs(t *testing.T) {
	t.Parallel()
	job := twoLegJob()
	job.Legs[1].Quantity = 2
	if err := job.Validate(1e-9); err == nil {
		t.Error("unbalanced legs should fail validation")
	}
	// Within tolerance is fine.
	job.Legs[1].Quantity = 1 + 1e-12
	if err := job.Validate(1e-9); err != nil {
		t.Errorf("imbalance within tolerance should pass: %v", err)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*HedgeJob)
	}{
		{"empty id", func(j *HedgeJob) { j.ID = "" }},
		{"zero notional", func(j *HedgeJob) { j.Notional = 0 }},
		{"no legs", func(j *HedgeJob) { j.Legs = nil }},
		{"zero quantity", func(j *HedgeJob) { j.Legs[0].Quantity = 0 }},
		{"empty venue", func(j *HedgeJob) { j.Legs[0].Venue = "" }},
	}
	for _, tc := range cases {
		job := twoLegJob()
		tc.mutate(job)
		if err := job.Validate(1e-9); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestVenuesDeduplicates(t *testing.T) {
	t.Parallel()
	job := twoLegJob()
	job.Legs = append(job.Legs, Leg{Venue: "alpha", Side: Buy, Quantity: 1, Price: 100})
	venues := job.Venues()
	if len(venues) != 2 {
		t.Fatalf("venues = %v, want 2 distinct", venues)
	}
	if venues[0] != "alpha" || venues[1] != "beta" {
		t.Errorf("venues = %v, want leg order preserved", venues)
	}
}

func TestNetQuantitySign(t *testing.T) {
	t.Parallel()
	job := twoLegJob()
	if net := job.NetQuantity(); net != 0 {
		t.Errorf("net = %v, want 0", net)
	}
	if Buy.Sign() != 1 || Sell.Sign() != -1 {
		t.Error("side signs wrong")
	}
}

func TestQuoteAge(t *testing.T) {
	t.Parallel()
	now := time.Now()
	q := Quote{EventTime: now.Add(-750 * time.Millisecond)}
	if age := q.Age(now); age != 750*time.Millisecond {
		t.Errorf("age = %v, want 750ms", age)
	}
}
