// Package scheduler fires sync runs for schedules whose next run time has
// passed.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"device-sync-backend/internal/model"
	"device-sync-backend/internal/store"
	"device-sync-backend/internal/syncer"
)

// Runner executes one sync run. *syncer.Syncer satisfies it.
type Runner interface {
	Run(ctx context.Context, req syncer.Request) (*syncer.Result, error)
}

// Store is the part of the datastore the scheduler needs.
type Store interface {
	DueSchedules(ctx context.Context, now time.Time, staleAfter time.Duration) ([]model.SyncSchedule, error)
	ClaimSchedule(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error)
	CompleteSchedule(ctx context.Context, id string, outcome store.ScheduleOutcome) error
}

// StatusSkipped marks a schedule that did not run this tick. Schedules that
// ran carry their run status instead.
const StatusSkipped = "skipped"

// Skip reasons.
const (
	SkipDisabled       = "disabled"
	SkipNotDue         = "not_due"
	SkipOutsideWindow  = "outside_window"
	SkipInvalidWindow  = "invalid_window"
	SkipAlreadyRunning = "already_running"
	SkipClaimFailed    = "claim_failed"
)

type Config struct {
	Enabled      bool
	TickInterval time.Duration
	Concurrency  int
	Location     *time.Location
	// Lease is how long a running claim is honoured before it is
	// considered abandoned.
	Lease time.Duration
	Now   func() time.Time
}

// RunResult is the outcome of one schedule within a tick.
type RunResult struct {
	ScheduleID    string            `json:"schedule_id"`
	IntegrationID string            `json:"integration_id"`
	Status        string            `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	Summary       *model.RunSummary `json:"summary,omitempty"`
	NextRunAt     *time.Time        `json:"next_run_at,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// TickSummary aggregates a tick's results.
type TickSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func Summarize(results []RunResult) TickSummary {
	s := TickSummary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case string(model.RunSuccess):
			s.Succeeded++
		case string(model.RunPartial):
			s.Partial++
		case string(model.RunFailed):
			s.Failed++
		default:
			s.Skipped++
		}
	}
	return s
}

// Scheduler drives autonomous sync runs.
type Scheduler struct {
	store  Store
	runner Runner
	cfg    Config
	log    zerolog.Logger

	// tickMu keeps ticks of one instance from overlapping.
	tickMu sync.Mutex
}

func New(st Store, runner Runner, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Minute
	}
	return &Scheduler{store: st, runner: runner, cfg: cfg, log: log}
}

// Run starts the tick loop.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info().Msg("scheduler is disabled, not starting")
		return
	}
	s.log.Info().Dur("interval", s.cfg.TickInterval).Msg("starting scheduler")

	s.tickAndLog(ctx)

	timer := time.NewTimer(s.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler shutting down")
			return
		case <-timer.C:
			s.tickAndLog(ctx)
			timer.Reset(s.cfg.TickInterval)
		}
	}
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	results, err := s.TickNow(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler tick failed")
		return
	}
	if len(results) == 0 {
		return
	}
	sum := Summarize(results)
	s.log.Info().
		Int("total", sum.Total).
		Int("succeeded", sum.Succeeded).
		Int("partial", sum.Partial).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Msg("scheduler tick finished")
}

// TickNow loads the schedules due at the current time and ticks them.
func (s *Scheduler) TickNow(ctx context.Context) ([]RunResult, error) {
	now := s.cfg.Now()
	due, err := s.store.DueSchedules(ctx, now, s.cfg.Lease)
	if err != nil {
		return nil, err
	}
	return s.Tick(ctx, now, due), nil
}

// Tick processes the given schedules as of now, at most Concurrency at a
// time. Each schedule is independent; one failing never stops another.
func (s *Scheduler) Tick(ctx context.Context, now time.Time, due []model.SyncSchedule) []RunResult {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	results := make([]RunResult, len(due))
	pool := NewWorkerPool(min(s.cfg.Concurrency, max(len(due), 1)), s.log)
	pool.Start(ctx)
	for i := range due {
		i := i
		sched := due[i]
		pool.Dispatch(func(ctx context.Context) {
			results[i] = s.process(ctx, now, &sched)
		})
	}
	pool.Stop()
	return results
}

func (s *Scheduler) process(ctx context.Context, now time.Time, sched *model.SyncSchedule) RunResult {
	res := RunResult{ScheduleID: sched.ID, IntegrationID: sched.IntegrationID}
	log := s.log.With().
		Str("schedule_id", sched.ID).
		Str("integration_id", sched.IntegrationID).
		Str("organization_id", sched.OrganizationID).
		Logger()

	skip := func(reason string) RunResult {
		res.Status = StatusSkipped
		res.Reason = reason
		log.Debug().Str("reason", reason).Msg("schedule skipped")
		return res
	}

	if !sched.Enabled {
		return skip(SkipDisabled)
	}
	if sched.NextRunAt != nil && now.Before(*sched.NextRunAt) {
		return skip(SkipNotDue)
	}
	if sched.TimeWindowEnabled {
		in, err := InWindow(now.In(s.cfg.Location), sched.TimeWindowStart, sched.TimeWindowEnd)
		if err != nil {
			res.Error = err.Error()
			return skip(SkipInvalidWindow)
		}
		if !in {
			return skip(SkipOutsideWindow)
		}
	}

	claimed, err := s.store.ClaimSchedule(ctx, sched.ID, now, s.cfg.Lease)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim schedule")
		res.Error = err.Error()
		return skip(SkipClaimFailed)
	}
	if !claimed {
		return skip(SkipAlreadyRunning)
	}

	runRes, runErr := s.runner.Run(ctx, syncer.Request{
		OrganizationID: sched.OrganizationID,
		IntegrationID:  sched.IntegrationID,
		Direction:      sched.Direction,
		ConflictPolicy: sched.ConflictResolution,
		Options: syncer.Options{
			CreateMissing:  true,
			UpdateExisting: true,
			OnlyOnline:     sched.OnlyOnline,
			Tags:           sched.Tags(),
		},
		Trigger:    model.TriggerAutoSync,
		ScheduleID: sched.ID,
	})

	status := model.RunFailed
	var summary *model.RunSummary
	if runRes != nil {
		summary = &runRes.Summary
		status = runRes.Status
	}
	if runErr != nil {
		status = model.RunFailed
		res.Error = runErr.Error()
		if summary == nil {
			summary = &model.RunSummary{Direction: sched.Direction, Error: runErr.Error()}
		}
		log.Error().Err(runErr).Msg("scheduled sync failed")
	}

	completed := s.cfg.Now()
	next := completed.Add(sched.Frequency())
	err = s.store.CompleteSchedule(context.WithoutCancel(ctx), sched.ID, store.ScheduleOutcome{
		Status:    status,
		Summary:   summary,
		RanAt:     completed,
		NextRunAt: next,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record schedule outcome")
		if res.Error == "" {
			res.Error = err.Error()
		}
	}

	res.Status = string(status)
	res.Summary = summary
	res.NextRunAt = &next
	log.Info().Str("status", res.Status).Time("next_run_at", next).Msg("scheduled sync finished")
	return res
}
