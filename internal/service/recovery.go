package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/relay/internal/logger"
)

const staleTurnBatch = 100

// RunStaleTurnMonitor periodically closes turns that were left open, for
// example by a process that died mid-stream. Turns of sessions with an
// active request are skipped.
func (s *Service) RunStaleTurnMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepStaleTurns(ctx, s.config.StaleTurnTimeout)
		}
	}
}

// SweepStaleTurns marks open turns older than staleAfter as interrupted and
// returns how many it closed.
func (s *Service) SweepStaleTurns(ctx context.Context, staleAfter time.Duration) int {
	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	open, err := s.store.ListOpenTurns(sweepCtx, staleTurnBatch)
	if err != nil {
		logger.Warn("stale turn sweep failed", zap.Error(err))
		return 0
	}

	cutoff := s.now().Add(-staleAfter)
	closed := 0
	for _, turn := range open {
		if turn.CreatedAt.After(cutoff) {
			continue
		}
		release, ok := s.locks.TryAcquire(turn.SessionID)
		if !ok {
			continue
		}
		err := s.store.CompleteTurn(sweepCtx, turn.ID, true)
		release()
		if err != nil {
			logger.Warn("failed to close stale turn", zap.Int64("turn_id", turn.ID), zap.Error(err))
			continue
		}
		closed++
	}
	if closed > 0 {
		logger.Info("closed stale turns", zap.Int("count", closed))
	}
	return closed
}

// RecoverOpenTurns closes every open turn of an idle session, sweeping in
// batches until a pass closes nothing. It returns the total closed.
func (s *Service) RecoverOpenTurns(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n := s.SweepStaleTurns(ctx, 0)
		if n == 0 {
			break
		}
		total += n
	}
	return total
}
