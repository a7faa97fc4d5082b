package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// DispatchLock guards a dispatch cycle across scheduler replicas.
type DispatchLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Scheduler is the single dispatch loop of a process. It runs a cycle on
// every tick and whenever Kick is called.
type Scheduler struct {
	orch       *Orchestrator
	interval   time.Duration
	reapEvery  int
	staleAfter time.Duration
	lock       DispatchLock
	kick       chan struct{}
	ticks      int
	log        *slog.Logger
}

// NewScheduler creates the dispatch loop. lock may be nil for a single replica.
func NewScheduler(orch *Orchestrator, lock DispatchLock) *Scheduler {
	interval := orch.cfg.DispatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		orch:       orch,
		interval:   interval,
		reapEvery:  orch.cfg.ReapEvery,
		staleAfter: orch.cfg.StaleAfter,
		lock:       lock,
		kick:       make(chan struct{}, 1),
		log:        slog.Default().With("component", "scheduler"),
	}
}

// Kick requests a cycle without waiting for the next tick.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start runs the loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Scheduler started", "interval", s.interval, "distributed_lock", s.lock != nil)
	s.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.ticks++
			if s.reapEvery > 0 && s.ticks%s.reapEvery == 0 {
				if _, err := s.orch.ReapStale(ctx, s.staleAfter); err != nil {
					s.log.Error("Reaper pass failed", "error", err)
				}
			}
			s.Cycle(ctx)
		case <-s.kick:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one dispatch pass and returns the chunks dispatched.
func (s *Scheduler) Cycle(ctx context.Context) int {
	if s.lock != nil {
		ok, err := s.lock.TryLock(ctx)
		if err != nil {
			s.log.Warn("Dispatch lock unavailable", "error", err)
			return 0
		}
		if !ok {
			return 0
		}
		defer func() {
			if err := s.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("Failed to release dispatch lock", "error", err)
			}
		}()
	}

	n, err := s.orch.DispatchAll(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Error("Dispatch cycle failed", "error", err)
	}
	return n
}
