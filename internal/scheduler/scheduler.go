// Package scheduler owns the job queues and runs the admission loop: every
// tick it re-evaluates pending jobs against risk, prices them, reserves
// capital, and hands winners to the executor workers.
//
// Ticks never overlap (a mutex serializes them) and are deterministic for a
// frozen input: pending jobs are considered in rank order with submit time
// as the tiebreaker.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"perphedge/internal/capital"
	"perphedge/internal/config"
	"perphedge/internal/risk"
	"perphedge/internal/scoring"
	"perphedge/pkg/types"
)

// Submit rejection reasons.
const (
	ReasonQueueFull             = "QueueFull"
	ReasonInvalidJob            = "InvalidJob"
	ReasonUnknownVenue          = "UnknownVenue"
	ReasonGlobalConcurrentLimit = "GlobalConcurrentLimit"
	ReasonVenueConcurrentLimit  = "VenueConcurrentLimit"
)

// Evaluator is the risk gate consulted for every pending job each tick.
type Evaluator interface {
	Evaluate(job *types.HedgeJob, ctx risk.Context) risk.Verdict
	RecordSuccess()
	RecordFailure(reason string)
}

// CapitalCoordinator is the reservation protocol the scheduler drives.
type CapitalCoordinator interface {
	CanReserve(job *types.HedgeJob) (bool, capital.Reason)
	Reserve(job *types.HedgeJob) (*capital.Reservation, capital.Reason)
	Release(res *capital.Reservation, outcome capital.Outcome) bool
	Settle(venue string, pool types.Pool, amount float64)
}

// HedgeExecutor runs one admitted job to completion.
type HedgeExecutor interface {
	ExecuteHedge(ctx context.Context, job *types.HedgeJob) types.HedgeResult
}

// Scorer prices a job under current market context.
type Scorer interface {
	Score(job *types.HedgeJob, ctx scoring.Context) types.OpportunityScore
}

// RecordSink receives terminal job records for persistence. May be nil.
type RecordSink interface {
	SaveJobRecord(rec JobRecord) error
}

// Observer receives every terminal execution result for telemetry export.
type Observer interface {
	ObserveResult(result types.HedgeResult)
}

// TickContext is the frozen input for one scheduling round.
type TickContext struct {
	Risk    risk.Context
	Scoring scoring.Context
}

// TickReport summarizes one scheduling round.
type TickReport struct {
	Scheduled        int
	Rejected         int
	Skipped          int
	PendingRemaining int
	RunningTotal     int
	SkipReason       string
}

// JobRecord is the terminal record kept in the ring and persisted.
type JobRecord struct {
	Job        *types.HedgeJob    `json:"job"`
	State      types.JobState     `json:"state"`
	Reason     string             `json:"reason,omitempty"`
	Result     *types.HedgeResult `json:"result,omitempty"`
	FinishedAt time.Time          `json:"finished_at"`
}

type runningJob struct {
	job         *types.HedgeJob
	reservation *capital.Reservation
	startedAt   time.Time
}

// Scheduler owns pending, running, and terminal job state. One mutex covers
// all queues and counters; the tick body holds it but releases before
// dispatching to the executor.
type Scheduler struct {
	cfg       config.SchedulerConfig
	venueIDs  map[string]bool
	evaluator Evaluator
	capital   CapitalCoordinator
	executor  HedgeExecutor
	scorer    Scorer
	sink      RecordSink
	observer  Observer
	logger    *slog.Logger

	mu       sync.Mutex
	pending  []*types.HedgeJob
	running  map[string]*runningJob
	terminal []JobRecord

	tickMu sync.Mutex // serializes Tick bodies

	dispatch chan *types.HedgeJob
	wg       sync.WaitGroup

	submitted        int64
	completed        int64
	failed           int64
	rejected         int64
	rejectedByReason map[string]int64
}

// New creates a scheduler. sink may be nil.
func New(cfg config.SchedulerConfig, venues []config.VenueConfig, ev Evaluator, cap CapitalCoordinator, ex HedgeExecutor, sc Scorer, sink RecordSink, logger *slog.Logger) *Scheduler {
	ids := make(map[string]bool, len(venues))
	for _, v := range venues {
		ids[v.ID] = true
	}
	return &Scheduler{
		cfg:       cfg,
		venueIDs:  ids,
		evaluator: ev,
		capital:   cap,
		executor:  ex,
		scorer:    sc,
		sink:      sink,
		logger:    logger.With("component", "scheduler"),
		running:   make(map[string]*runningJob),
		dispatch:  make(chan *types.HedgeJob, cfg.MaxGlobal),

		rejectedByReason: make(map[string]int64),
	}
}

// SetObserver registers the telemetry observer. Call before Run.
func (s *Scheduler) SetObserver(obs Observer) {
	s.observer = obs
}

// Submit validates and enqueues a job. Thread-safe; the job is considered on
// the next tick.
func (s *Scheduler) Submit(job *types.HedgeJob) (bool, string) {
	if err := job.Validate(s.cfg.BalanceTol); err != nil {
		s.logger.Warn("job rejected at submit", "job_id", job.ID, "error", err)
		return false, ReasonInvalidJob
	}
	for _, venue := range job.Venues() {
		if !s.venueIDs[venue] {
			return false, ReasonUnknownVenue
		}
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= s.cfg.MaxPending {
		return false, ReasonQueueFull
	}
	s.pending = append(s.pending, job)
	s.submitted++
	return true, ""
}

// Tick runs one scheduling round against a frozen context.
func (s *Scheduler) Tick(ctx context.Context, tc TickContext) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	snapshot := make([]*types.HedgeJob, len(s.pending))
	copy(snapshot, s.pending)
	runningCount := len(s.running)
	s.mu.Unlock()

	report := TickReport{RunningTotal: runningCount, PendingRemaining: len(snapshot)}
	if runningCount >= s.cfg.MaxGlobal {
		report.Skipped = len(snapshot)
		report.SkipReason = ReasonGlobalConcurrentLimit
		return report
	}

	// Risk gate: hard rejects leave the queue, soft rejects stay.
	type candidate struct {
		job   *types.HedgeJob
		score types.OpportunityScore
	}
	var survivors []candidate
	removed := make(map[string]bool)
	for _, job := range snapshot {
		verdict := s.evaluator.Evaluate(job, tc.Risk)
		if verdict.Decision == risk.Reject {
			if verdict.Hard {
				removed[job.ID] = true
				s.recordTerminal(JobRecord{
					Job: job, State: types.JobRejected, Reason: verdict.Reason, FinishedAt: time.Now(),
				})
				report.Rejected++
			} else {
				report.Skipped++
			}
			continue
		}
		if ok, _ := s.capital.CanReserve(job); !ok {
			report.Skipped++
			continue
		}
		score := s.scorer.Score(job, tc.Scoring)
		if !scoring.Executable(score) {
			// Not profitable under current costs. The job stays pending; the
			// market may move before it expires.
			report.Skipped++
			continue
		}
		survivors = append(survivors, candidate{job: job, score: score})
	}

	// Rank by final score, earlier submit time breaking ties.
	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].score.FinalScore != survivors[j].score.FinalScore {
			return survivors[i].score.FinalScore > survivors[j].score.FinalScore
		}
		return survivors[i].job.SubmittedAt.Before(survivors[j].job.SubmittedAt)
	})

	// Greedy admission under the caps.
	for _, cand := range survivors {
		s.mu.Lock()
		if len(s.running) >= s.cfg.MaxGlobal {
			s.mu.Unlock()
			break
		}
		if s.venueCapHitLocked(cand.job) {
			s.mu.Unlock()
			report.Skipped++
			continue
		}
		s.mu.Unlock()

		res, reason := s.capital.Reserve(cand.job)
		if res == nil {
			s.logger.Debug("reserve failed", "job_id", cand.job.ID, "reason", reason)
			report.Skipped++
			continue
		}

		s.mu.Lock()
		s.running[cand.job.ID] = &runningJob{job: cand.job, reservation: res, startedAt: time.Now()}
		removed[cand.job.ID] = true
		s.mu.Unlock()

		select {
		case s.dispatch <- cand.job:
			report.Scheduled++
		case <-ctx.Done():
			// Shutting down: undo the admission.
			s.mu.Lock()
			delete(s.running, cand.job.ID)
			delete(removed, cand.job.ID)
			s.mu.Unlock()
			s.capital.Release(res, capital.Outcome{})
			report.Skipped++
		}
	}

	// Compact the pending queue.
	s.mu.Lock()
	kept := s.pending[:0]
	for _, job := range s.pending {
		if !removed[job.ID] {
			kept = append(kept, job)
		}
	}
	s.pending = kept
	report.PendingRemaining = len(s.pending)
	report.RunningTotal = len(s.running)
	s.mu.Unlock()

	return report
}

// venueCapHitLocked reports whether admitting the job would exceed the
// per-venue running cap. Caller holds s.mu.
func (s *Scheduler) venueCapHitLocked(job *types.HedgeJob) bool {
	counts := make(map[string]int)
	for _, rj := range s.running {
		for _, v := range rj.job.Venues() {
			counts[v]++
		}
	}
	for _, v := range job.Venues() {
		if counts[v] >= s.cfg.MaxPerVenue {
			return true
		}
	}
	return false
}

// OnJobFinished reconciles a terminal job: releases capital, updates risk
// counters, and records the terminal state. Safe from any goroutine; called
// exactly once per dispatched job by the worker loop.
func (s *Scheduler) OnJobFinished(jobID string, result types.HedgeResult) {
	s.mu.Lock()
	rj, ok := s.running[jobID]
	if ok {
		delete(s.running, jobID)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("finish for unknown job", "job_id", jobID)
		return
	}

	var volume float64
	for _, lr := range result.Legs {
		volume += lr.FilledPrice * lr.FilledSize
	}
	s.capital.Release(rj.reservation, capital.Outcome{
		Filled: result.Success,
		PnL:    result.RealizedPnL,
		Volume: volume,
		Fees:   result.TotalFees,
	})
	if result.Success {
		// A completed cycle leaves a hedged position whose margin the venue
		// tracks through the equity sync; the pool hold settles right away.
		for venue, amt := range rj.reservation.Amounts {
			s.capital.Settle(venue, rj.reservation.Pool, amt.InexactFloat64())
		}
	}

	state := types.JobCompleted
	reason := ""
	if result.Success {
		s.evaluator.RecordSuccess()
	} else {
		state = types.JobFailed
		reason = result.Error
		s.evaluator.RecordFailure(result.Error)
	}

	s.mu.Lock()
	if state == types.JobCompleted {
		s.completed++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	s.recordTerminal(JobRecord{
		Job: rj.job, State: state, Reason: reason, Result: &result, FinishedAt: time.Now(),
	})

	if s.observer != nil {
		s.observer.ObserveResult(result)
	}
}

// recordTerminal appends to the bounded terminal ring and persists.
func (s *Scheduler) recordTerminal(rec JobRecord) {
	s.mu.Lock()
	s.terminal = append(s.terminal, rec)
	if len(s.terminal) > s.cfg.TerminalRing {
		s.terminal = s.terminal[len(s.terminal)-s.cfg.TerminalRing:]
	}
	if rec.State == types.JobRejected {
		s.rejected++
		s.rejectedByReason[rec.Reason]++
	}
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.SaveJobRecord(rec); err != nil {
			s.logger.Warn("persist job record failed", "job_id", rec.Job.ID, "error", err)
		}
	}
}

// Run drives the ticker and the executor workers until ctx is cancelled,
// then waits out the shutdown grace for running jobs. ctxFn builds the
// frozen tick context.
func (s *Scheduler) Run(ctx context.Context, ctxFn func() TickContext) {
	for i := 0; i < s.cfg.MaxGlobal; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick_interval", s.cfg.TickInterval, "workers", s.cfg.MaxGlobal)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			report := s.Tick(ctx, ctxFn())
			if report.Scheduled > 0 || report.Rejected > 0 {
				s.logger.Debug("tick",
					"scheduled", report.Scheduled,
					"rejected", report.Rejected,
					"skipped", report.Skipped,
					"pending", report.PendingRemaining,
					"running", report.RunningTotal,
				)
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.dispatch:
			// Execution gets a detached deadline so cancellation of the run
			// loop doesn't orphan a half-hedged cycle mid-flight.
			execCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ExecTimeout)
			result := s.executor.ExecuteHedge(execCtx, job)
			cancel()
			s.OnJobFinished(job.ID, result)
		}
	}
}

// shutdown drains running jobs within the grace window, then releases the
// reservations of any job that was dispatched but never picked up. Without
// that release the budget invariant (used + in-flight <= budget) would carry
// phantom in-flight notional into the persisted records.
func (s *Scheduler) shutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped cleanly")
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("shutdown grace expired with jobs still running")
	}
	s.drainDispatch()
}

// drainDispatch unwinds jobs still queued for workers that have exited.
func (s *Scheduler) drainDispatch() {
	for {
		select {
		case job := <-s.dispatch:
			s.mu.Lock()
			rj, ok := s.running[job.ID]
			if ok {
				delete(s.running, job.ID)
			}
			s.mu.Unlock()
			if !ok {
				continue
			}
			s.capital.Release(rj.reservation, capital.Outcome{})
			s.mu.Lock()
			s.failed++
			s.mu.Unlock()
			s.recordTerminal(JobRecord{
				Job: job, State: types.JobFailed, Reason: "shutdown before execution", FinishedAt: time.Now(),
			})
			s.logger.Warn("job abandoned at shutdown", "job_id", job.ID)
		default:
			return
		}
	}
}

// Stats is the scheduler's counter snapshot for the operator surface.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
}

// GetStats returns current counters.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Submitted: s.submitted,
		Completed: s.completed,
		Failed:    s.failed,
		Rejected:  s.rejected,
		Pending:   len(s.pending),
		Running:   len(s.running),
	}
}

// RejectedByReason returns a copy of the per-reason reject counters.
func (s *Scheduler) RejectedByReason() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.rejectedByReason))
	for reason, n := range s.rejectedByReason {
		out[reason] = n
	}
	return out
}

// TerminalJobs returns a copy of the terminal ring, newest last.
func (s *Scheduler) TerminalJobs() []JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, len(s.terminal))
	copy(out, s.terminal)
	return out
}
