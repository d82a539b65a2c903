package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perphedge/internal/capital"
	"perphedge/internal/config"
	"perphedge/internal/risk"
	"perphedge/internal/scoring"
	"perphedge/pkg/types"
)

// --- fakes ---

type fakeEvaluator struct {
	mu        sync.Mutex
	verdicts  map[string]risk.Verdict // job id -> verdict, default Accept
	successes int
	failures  int
}

func (f *fakeEvaluator) Evaluate(job *types.HedgeJob, _ risk.Context) risk.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.verdicts[job.ID]; ok {
		return v
	}
	return risk.Verdict{Decision: risk.Accept}
}

func (f *fakeEvaluator) RecordSuccess() {
	f.mu.Lock()
	f.successes++
	f.mu.Unlock()
}

func (f *fakeEvaluator) RecordFailure(string) {
	f.mu.Lock()
	f.failures++
	f.mu.Unlock()
}

type fakeCapital struct {
	mu       sync.Mutex
	deny     map[string]capital.Reason // job id -> refusal
	reserved []string
	released int
	settled  map[string]float64 // venue -> settled amount
}

func (f *fakeCapital) CanReserve(job *types.HedgeJob) (bool, capital.Reason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.deny[job.ID]; ok {
		return false, r
	}
	return true, capital.ReasonOK
}

func (f *fakeCapital) Reserve(job *types.HedgeJob) (*capital.Reservation, capital.Reason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.deny[job.ID]; ok {
		return nil, r
	}
	f.reserved = append(f.reserved, job.ID)
	amounts := make(map[string]decimal.Decimal)
	for _, venue := range job.Venues() {
		amounts[venue] = decimal.NewFromFloat(job.Notional / float64(len(job.Legs)))
	}
	return &capital.Reservation{ID: "r-" + job.ID, JobID: job.ID, Pool: types.PoolFor(job.Strategy), Amounts: amounts}, capital.ReasonOK
}

func (f *fakeCapital) Release(res *capital.Reservation, _ capital.Outcome) bool {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	return true
}

func (f *fakeCapital) Settle(venue string, _ types.Pool, amount float64) {
	f.mu.Lock()
	if f.settled == nil {
		f.settled = make(map[string]float64)
	}
	f.settled[venue] += amount
	f.mu.Unlock()
}

type fakeScorer struct {
	scores map[string]float64 // job id -> final score
	pnl    map[string]float64 // job id -> expected PnL, default 1
}

func (f *fakeScorer) Score(job *types.HedgeJob, _ scoring.Context) types.OpportunityScore {
	pnl := 1.0
	if v, ok := f.pnl[job.ID]; ok {
		pnl = v
	}
	return types.OpportunityScore{JobID: job.ID, ExpectedPnL: pnl, FinalScore: f.scores[job.ID]}
}

type fakeExecutor struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeExecutor) ExecuteHedge(_ context.Context, job *types.HedgeJob) types.HedgeResult {
	f.mu.Lock()
	f.runs = append(f.runs, job.ID)
	f.mu.Unlock()
	return types.HedgeResult{JobID: job.ID, Success: true}
}

type fakeSink struct {
	mu   sync.Mutex
	recs []JobRecord
}

func (f *fakeSink) SaveJobRecord(rec JobRecord) error {
	f.mu.Lock()
	f.recs = append(f.recs, rec)
	f.mu.Unlock()
	return nil
}

// --- helpers ---

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxGlobal:     4,
		MaxPerVenue:   2,
		MaxPending:    8,
		TickInterval:  10 * time.Millisecond,
		ExecTimeout:   time.Second,
		ShutdownGrace: time.Second,
		BalanceTol:    1e-9,
		TerminalRing:  16,
	}
}

type fixture struct {
	sched *Scheduler
	ev    *fakeEvaluator
	cap   *fakeCapital
	ex    *fakeExecutor
	sc    *fakeScorer
	sink  *fakeSink
}

func newFixture(cfg config.SchedulerConfig) *fixture {
	f := &fixture{
		ev:   &fakeEvaluator{verdicts: map[string]risk.Verdict{}},
		cap:  &fakeCapital{deny: map[string]capital.Reason{}},
		ex:   &fakeExecutor{},
		sc:   &fakeScorer{scores: map[string]float64{}, pnl: map[string]float64{}},
		sink: &fakeSink{},
	}
	venues := []config.VenueConfig{{ID: "alpha"}, {ID: "beta"}, {ID: "gamma"}}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	f.sched = New(cfg, venues, f.ev, f.cap, f.ex, f.sc, f.sink, logger)
	return f
}

func schedJob(id string, submittedAt time.Time) *types.HedgeJob {
	return &types.HedgeJob{
		ID:       id,
		Strategy: types.StrategyArbitrage,
		Symbol:   "BTC-PERP",
		Legs: []types.Leg{
			{Venue: "alpha", Side: types.Buy, Quantity: 1, Price: 100},
			{Venue: "beta", Side: types.Sell, Quantity: 1, Price: 100.1},
		},
		Notional:    100,
		SubmittedAt: submittedAt,
	}
}

func mustSubmit(t *testing.T, f *fixture, job *types.HedgeJob) {
	t.Helper()
	if ok, reason := f.sched.Submit(job); !ok {
		t.Fatalf("submit %s refused: %s", job.ID, reason)
	}
}

// drainDispatch empties the dispatch channel so ticks can admit more work
// without running workers.
func drainDispatch(f *fixture) []string {
	var out []string
	for {
		select {
		case job := <-f.sched.dispatch:
			out = append(out, job.ID)
		default:
			return out
		}
	}
}

// --- tests ---

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())

	bad := schedJob("bad", time.Now())
	bad.Notional = 0
	if ok, reason := f.sched.Submit(bad); ok || reason != ReasonInvalidJob {
		t.Errorf("reason = %s, want InvalidJob", reason)
	}

	unknown := schedJob("unk", time.Now())
	unknown.Legs[0].Venue = "delta"
	if ok, reason := f.sched.Submit(unknown); ok || reason != ReasonUnknownVenue {
		t.Errorf("reason = %s, want UnknownVenue", reason)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testSchedulerConfig()
	cfg.MaxPending = 2
	f := newFixture(cfg)

	mustSubmit(t, f, schedJob("a", time.Now()))
	mustSubmit(t, f, schedJob("b", time.Now()))
	if ok, reason := f.sched.Submit(schedJob("c", time.Now())); ok || reason != ReasonQueueFull {
		t.Errorf("reason = %s, want QueueFull", reason)
	}
}

func TestTickSchedulesAcceptedJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())
	mustSubmit(t, f, schedJob("a", time.Now()))

	report := f.sched.Tick(context.Background(), TickContext{})
	if report.Scheduled != 1 || report.PendingRemaining != 0 || report.RunningTotal != 1 {
		t.Errorf("report = %+v, want one scheduled job", report)
	}
	if got := drainDispatch(f); len(got) != 1 || got[0] != "a" {
		t.Errorf("dispatched = %v, want [a]", got)
	}
}

func TestTickHardRejectLeavesQueue(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())
	f.ev.verdicts["a"] = risk.Verdict{Decision: risk.Reject, Hard: true, Reason: risk.ReasonKillSwitch}
	mustSubmit(t, f, schedJob("a", time.Now()))

	report := f.sched.Tick(context.Background(), TickContext{})
	if report.Rejected != 1 || report.PendingRemaining != 0 {
		t.Errorf("report = %+v, want hard reject removed from queue", report)
	}

	recs := f.sched.TerminalJobs()
	if len(recs) != 1 || recs[0].State != types.JobRejected || recs[0].Reason != risk.ReasonKillSwitch {
		t.Errorf("terminal = %+v, want rejected record", recs)
	}
	if len(f.sink.recs) != 1 {
		t.Error("rejected record should persist to the sink")
	}
}

func TestTickSoftRejectStaysPending(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())
	f.ev.verdicts["a"] = risk.Verdict{Decision: risk.Reject, Hard: false, Reason: risk.ReasonBelowMinEdge}
	mustSubmit(t, f, schedJob("a", time.Now()))

	report := f.sched.Tick(context.Background(), TickContext{})
	if report.Skipped != 1 || report.PendingRemaining != 1 {
		t.Errorf("report = %+v, want soft reject kept pending", report)
	}

	// Verdict flips next tick; the job schedules without resubmission.
	delete(f.ev.verdicts, "a")
	report = f.sched.Tick(context.Background(), TickContext{})
	if report.Scheduled != 1 {
		t.Errorf("report = %+v, want job scheduled after verdict change", report)
	}
}

func TestTickCapitalDenialStaysPending(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())
	f.cap.deny["a"] = capital.ReasonPoolExhausted
	mustSubmit(t, f, schedJob("a", time.Now()))

	report := f.sched.Tick(context.Background(), TickContext{})
	if report.Skipped != 1 || report.PendingRemaining != 1 {
		t.Errorf("report = %+v, want capital-denied job kept pending", report)
	}
}

func TestTickUnprofitableJobStaysPending(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())
	f.sc.pnl["loss"] = -5
	f.sc.pnl["wash"] = 0 // break-even after costs is not worth the exposure
	mustSubmit(t, f, schedJob("loss", time.Now()))
	mustSubmit(t, f, schedJob("wash", time.Now()))

	report := f.sched.Tick(context.Background(), TickContext{})
	if report.Scheduled != 0 || report.Skipped != 2 || report.PendingRemaining != 2 {
		t.Errorf("report = %+v, want both jobs skipped and kept pending", report)
	}
	if len(f.cap.reserved) != 0 {
		t.Errorf("reserved = %v, want no capital touched for unprofitable jobs", f.cap.reserved)
	}
	if got := drainDispatch(f); len(got) != 0 {
		t.Errorf("dispatched = %v, want nothing", got)
	}

	// The market moves; the same jobs schedule without resubmission.
	f.sc.pnl["loss"] = 2
	f.sc.pnl["wash"] = 2
	report = f.sched.Tick(context.Background(), TickContext{})
	if report.Scheduled != 2 {
		t.Errorf("report = %+v, want both scheduled once profitable", report)
	}
}

func TestTickRanksByScoreWithSubmitTiebreak(t *testing.T) {
	t.Parallel()
	cfg := testSchedulerConfig()
	cfg.MaxGlobal = 2 // only two slots this tick
	f := newFixture(cfg)

	base := time.Now()
	f.sc.scores["low"] = 1
	f.sc.scores["high"] = 10
	f.sc.scores["tie-late"] = 5
	f.sc.scores["tie-early"] = 5
	mustSubmit(t, f, schedJob("low", base))
	mustSubmit(t, f, schedJob("tie-late", base.Add(time.Second)))
	mustSubmit(t, f, schedJob("high", base))
	mustSubmit(t, f, schedJob("tie-early", base.Add(-time.Second)))

	f.sched.Tick(context.Background(), TickContext{})
	got := drainDispatch(f)
	if len(got) != 2 || got[0] != "high" || got[1] != "tie-early" {
		t.Errorf("dispatched = %v, want [high tie-early]", got)
	}
}

func TestTickGlobalCapSkips(t *testing.T) {
	t.Parallel()
	cfg := testSchedulerConfig()
	cfg.MaxGlobal = 1
	f := newFixture(cfg)

	mustSubmit(t, f, schedJob("a", time.Now()))
	f.sched.Tick(context.Background(), TickContext{})

	// One job running fills the global cap; the next tick does nothing.
	mustSubmit(t, f, schedJob("b", time.Now()))
	report := f.sched.Tick(context.Background(), TickContext{})
	if report.Scheduled != 0 || report.SkipReason != ReasonGlobalConcurrentLimit {
		t.Errorf("report = %+v, want global-cap skip", report)
	}
}

func TestTickPerVenueCap(t *testing.T) {
	t.Parallel()
	cfg := testSchedulerConfig()
	cfg.MaxPerVenue = 1
	f := newFixture(cfg)

	mustSubmit(t, f, schedJob("a", time.Now()))
	// Shares both venues with a, so the per-venue cap blocks it this tick.
	mustSubmit(t, f, schedJob("b", time.Now()))

	report := f.sched.Tick(context.Background(), TickContext{})
	if report.Scheduled != 1 || report.Skipped != 1 {
		t.Errorf("report = %+v, want one scheduled and one venue-capped", report)
	}
}

func TestOnJobFinishedReleasesAndRecords(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())
	mustSubmit(t, f, schedJob("a", time.Now()))
	f.sched.Tick(context.Background(), TickContext{})

	f.sched.OnJobFinished("a", types.HedgeResult{
		JobID:   "a",
		Success: true,
		Legs: []types.LegResult{
			{Outcome: types.LegFilled, FilledPrice: 100, FilledSize: 1},
			{Outcome: types.LegFilled, FilledPrice: 100.1, FilledSize: 1},
		},
		RealizedPnL: 0.1,
	})

	if f.cap.released != 1 {
		t.Error("capital must be released exactly once")
	}
	// A successful cycle settles the per-venue holds back to available.
	if len(f.cap.settled) != 2 || f.cap.settled["alpha"] != 50 || f.cap.settled["beta"] != 50 {
		t.Errorf("settled = %v, want 50 on each venue", f.cap.settled)
	}
	if f.ev.successes != 1 || f.ev.failures != 0 {
		t.Errorf("risk counters: %d/%d, want success recorded", f.ev.successes, f.ev.failures)
	}
	stats := f.sched.GetStats()
	if stats.Completed != 1 || stats.Running != 0 {
		t.Errorf("stats = %+v, want one completed", stats)
	}
	recs := f.sched.TerminalJobs()
	if len(recs) != 1 || recs[0].State != types.JobCompleted {
		t.Errorf("terminal = %+v, want completed record", recs)
	}
}

func TestOnJobFinishedFailureFeedsRisk(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())
	mustSubmit(t, f, schedJob("a", time.Now()))
	f.sched.Tick(context.Background(), TickContext{})

	f.sched.OnJobFinished("a", types.HedgeResult{JobID: "a", Success: false, Error: "venue timeout"})

	if f.ev.failures != 1 {
		t.Error("failure must feed the risk evaluator")
	}
	stats := f.sched.GetStats()
	if stats.Failed != 1 {
		t.Errorf("stats = %+v, want one failed", stats)
	}
	recs := f.sched.TerminalJobs()
	if len(recs) != 1 || recs[0].State != types.JobFailed || recs[0].Reason != "venue timeout" {
		t.Errorf("terminal = %+v, want failed record with reason", recs)
	}
}

func TestTerminalRingBounded(t *testing.T) {
	t.Parallel()
	cfg := testSchedulerConfig()
	cfg.TerminalRing = 3
	f := newFixture(cfg)

	for i := 0; i < 5; i++ {
		f.sched.recordTerminal(JobRecord{
			Job: schedJob("r", time.Now()), State: types.JobRejected, FinishedAt: time.Now(),
		})
	}
	if got := len(f.sched.TerminalJobs()); got != 3 {
		t.Errorf("ring length = %d, want 3", got)
	}
}

type fakeObserver struct {
	mu      sync.Mutex
	results []types.HedgeResult
}

func (f *fakeObserver) ObserveResult(result types.HedgeResult) {
	f.mu.Lock()
	f.results = append(f.results, result)
	f.mu.Unlock()
}

func TestObserverSeesTerminalResults(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())
	obs := &fakeObserver{}
	f.sched.SetObserver(obs)

	mustSubmit(t, f, schedJob("a", time.Now()))
	f.sched.Tick(context.Background(), TickContext{})
	f.sched.OnJobFinished("a", types.HedgeResult{JobID: "a", Success: true, UnhedgedTime: 200 * time.Millisecond})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.results) != 1 || obs.results[0].JobID != "a" {
		t.Errorf("observed = %+v, want the terminal result for a", obs.results)
	}
}

func TestRejectedByReasonCounts(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())
	f.ev.verdicts["a"] = risk.Verdict{Decision: risk.Reject, Hard: true, Reason: risk.ReasonKillSwitch}
	f.ev.verdicts["b"] = risk.Verdict{Decision: risk.Reject, Hard: true, Reason: risk.ReasonKillSwitch}
	mustSubmit(t, f, schedJob("a", time.Now()))
	mustSubmit(t, f, schedJob("b", time.Now()))

	f.sched.Tick(context.Background(), TickContext{})
	if got := f.sched.RejectedByReason()[risk.ReasonKillSwitch]; got != 2 {
		t.Errorf("rejected[%s] = %d, want 2", risk.ReasonKillSwitch, got)
	}
}

func TestShutdownReleasesUndispatchedJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())

	// Tick with no workers running: jobs sit in the dispatch channel holding
	// their reservations.
	mustSubmit(t, f, schedJob("a", time.Now()))
	mustSubmit(t, f, schedJob("b", time.Now()))
	f.sched.Tick(context.Background(), TickContext{})
	if len(f.cap.reserved) != 2 {
		t.Fatalf("reserved = %v, want both jobs holding capital", f.cap.reserved)
	}

	f.sched.shutdown()

	if f.cap.released != 2 {
		t.Errorf("released = %d, want every queued reservation unwound", f.cap.released)
	}
	stats := f.sched.GetStats()
	if stats.Running != 0 || stats.Failed != 2 {
		t.Errorf("stats = %+v, want no running jobs and two failures", stats)
	}
	recs := f.sched.TerminalJobs()
	if len(recs) != 2 || recs[0].State != types.JobFailed {
		t.Errorf("terminal = %+v, want failed records for abandoned jobs", recs)
	}
}

func TestRunExecutesSubmittedJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(testSchedulerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx, func() TickContext { return TickContext{} })
		close(done)
	}()

	mustSubmit(t, f, schedJob("a", time.Now()))

	deadline := time.After(2 * time.Second)
	for {
		if f.sched.GetStats().Completed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	f.ex.mu.Lock()
	defer f.ex.mu.Unlock()
	if len(f.ex.runs) != 1 || f.ex.runs[0] != "a" {
		t.Errorf("executed = %v, want [a]", f.ex.runs)
	}
}
