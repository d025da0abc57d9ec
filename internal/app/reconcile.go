package app

import (
	"context"
	"fmt"
	"time"
)

const (
	sweepLeaseName = "abandonment-sweep"
	sweepBatchSize = 200
)

type SweepResult struct {
	Skipped        bool `json:"skipped"`
	Candidates     int  `json:"candidates"`
	Reconciled     int  `json:"reconciled"`
	ClosedThreads  int  `json:"closedThreads"`
	CappedSessions int  `json:"cappedSessions"`
	Failures       int  `json:"failures"`
}

func (s *Service) reconcileInline(ctx context.Context, participantID string, endedAt time.Time) {
	result, err := s.store.ReconcileAbandoned(ctx, participantID, endedAt)
	if err != nil {
		s.logger.Warn("inline abandonment reconcile failed", "participant_id", participantID, "error", err)
		return
	}
	if result.ClosedThreads > 0 || result.CappedSessions > 0 {
		s.logger.Info("reconciled abandoned chat",
			"participant_id", participantID,
			"trigger", "inline",
			"ended_at", endedAt,
			"closed_threads", result.ClosedThreads,
			"capped_sessions", result.CappedSessions,
		)
	}
}

// SweepAbandoned reconciles every participant whose active threads outlived
// the inactivity threshold, using their last activity as the end time. Unless
// forced, it runs only when this replica holds the sweep lease.
func (s *Service) SweepAbandoned(ctx context.Context, force bool) (SweepResult, error) {
	if !force {
		acquired, err := s.lease.Acquire(ctx, sweepLeaseName, s.sweepLeaseTTL())
		if err != nil {
			return SweepResult{}, err
		}
		if !acquired {
			return SweepResult{Skipped: true}, nil
		}
	}

	cutoff := s.now().UTC().Add(-s.cfg.InactivityThreshold)
	candidates, err := s.store.ListAbandonmentCandidates(ctx, cutoff, sweepBatchSize)
	if err != nil {
		// Give the interval back so the next tick on any replica can retry.
		if !force {
			if releaseErr := s.lease.Release(context.WithoutCancel(ctx), sweepLeaseName); releaseErr != nil {
				s.logger.Warn("sweep lease release failed", "error", releaseErr)
			}
		}
		return SweepResult{}, fmt.Errorf("list abandonment candidates: %w", err)
	}

	result := SweepResult{Candidates: len(candidates)}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		reconciled, ran, err := s.store.ReconcileIdleParticipant(ctx, candidate.ParticipantID, cutoff)
		if err != nil {
			result.Failures++
			s.logger.Warn("sweep reconcile failed", "participant_id", candidate.ParticipantID, "error", err)
			continue
		}
		if !ran {
			continue
		}
		result.Reconciled++
		result.ClosedThreads += reconciled.ClosedThreads
		result.CappedSessions += reconciled.CappedSessions
	}
	if result.Reconciled > 0 || result.Failures > 0 {
		s.logger.Info("abandonment sweep finished",
			"candidates", result.Candidates,
			"reconciled", result.Reconciled,
			"closed_threads", result.ClosedThreads,
			"capped_sessions", result.CappedSessions,
			"failures", result.Failures,
		)
	}
	return result, nil
}

// The lease expires just before the next tick so any replica can take it.
func (s *Service) sweepLeaseTTL() time.Duration {
	ttl := s.cfg.SweepInterval - time.Second
	if ttl < 5*time.Second {
		ttl = 5 * time.Second
	}
	return ttl
}

// RunSweeper ticks SweepAbandoned until ctx is done. A zero interval
// disables it.
func (s *Service) RunSweeper(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		s.logger.Info("abandonment sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepAbandoned(ctx, false); err != nil && ctx.Err() == nil {
				s.logger.Warn("abandonment sweep failed", "error", err)
			}
		}
	}
}

