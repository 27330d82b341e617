package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/metrics"
)

// Run starts the stale sweeper loop. The sweeper is the backstop for
// sessions whose watchdog never fired, typically because the pod that
// armed it restarted. It runs until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.Sweep(ctx); err != nil {
				logging.Error(ctx, "stale sweep failed", zap.Error(err))
			} else if n > 0 {
				logging.Info(ctx, "stale sweep evicted participants", zap.Int("count", n))
			}
		}
	}
}

// Sweep closes every open span whose last_seen_at is older than the
// grace window. The recorded departure time is when the participant
// was last seen plus the grace period, clamped to now, so attendance
// never credits time the server cannot vouch for.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.SweepStale(ctx, e.grace)
}

// SweepStale sweeps with an explicit staleness threshold. The admin
// manual-cleanup endpoint uses this to evict with a window wider (or
// narrower) than the configured grace.
func (e *Engine) SweepStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := e.now()
	cutoff := now.Add(-threshold)

	stale, err := e.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, p := range stale {
		unlock := e.lockParticipant(p.ID)

		// A heartbeat may have landed between the query and the lock.
		if e.Engaged(p.ID) {
			unlock()
			continue
		}

		leftAt := now
		if p.LastSeenAt != nil {
			if candidate := p.LastSeenAt.Add(e.grace); candidate.Before(now) {
				leftAt = candidate
			}
		}

		_, closed, err := e.store.CloseOpenSession(ctx, p.ID, leftAt, "sweeper")
		unlock()
		if err != nil {
			logging.Error(ctx, "sweeper close session",
				zap.String("participant_id", p.ID.String()), zap.Error(err))
			continue
		}
		if !closed {
			continue
		}

		evicted++
		metrics.SessionsClosed.WithLabelValues("sweeper").Inc()
		metrics.SweeperEvictions.Inc()
		e.notifier.Broadcast(ctx, domain.MainRoom(p.MeetingID), domain.EventUserLeft,
			presencePayload(p.MeetingID, p.UserID, p.DisplayName, "timeout"))
	}
	return evicted, nil
}

// StaleStats summarizes open sessions that have outlived a liveness
// threshold. Read-only; nothing is closed.
type StaleStats struct {
	ThresholdSec     int64      `json:"thresholdSec"`
	StaleCount       int        `json:"staleCount"`
	EngagedOnPod     int        `json:"engagedOnPod"`
	OldestLastSeenAt *time.Time `json:"oldestLastSeenAt,omitempty"`
}

// Stale reports how many open sessions are past the threshold without
// touching them. Backs the admin stats endpoint.
func (e *Engine) Stale(ctx context.Context, threshold time.Duration) (*StaleStats, error) {
	cutoff := e.now().Add(-threshold)
	stale, err := e.store.ListStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	stats := &StaleStats{
		ThresholdSec: int64(threshold.Seconds()),
		StaleCount:   len(stale),
		EngagedOnPod: e.EngagedCount(),
	}
	for _, p := range stale {
		if p.LastSeenAt == nil {
			continue
		}
		if stats.OldestLastSeenAt == nil || p.LastSeenAt.Before(*stats.OldestLastSeenAt) {
			stats.OldestLastSeenAt = p.LastSeenAt
		}
	}
	return stats, nil
}
