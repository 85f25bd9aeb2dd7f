package processor

import (
	"context"
	"time"

	"example.com/backstage/services/ingest/internal/core"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

const defaultTelemetryInterval = 5 * time.Minute

// LivenessSweeper flags online nodes offline once they have been silent for
// grace factor times their telemetry interval.
type LivenessSweeper struct {
	store    core.DataStore
	factor   float64
	interval time.Duration
	metrics  *infrastructure.Metrics
	logger   *logrus.Logger
}

func NewLivenessSweeper(store core.DataStore, factor float64, interval time.Duration, metrics *infrastructure.Metrics, logger *logrus.Logger) *LivenessSweeper {
	if factor <= 0 {
		factor = 3
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &LivenessSweeper{store: store, factor: factor, interval: interval, metrics: metrics, logger: logger}
}

// Sweep marks stale nodes offline as of now and returns how many changed.
func (s *LivenessSweeper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	nodes, err := s.store.ListOnlineNodes(ctx)
	if err != nil {
		return 0, err
	}

	var stale []uint
	for _, n := range nodes {
		if n.LastSeenAt == nil {
			continue
		}
		expected := time.Duration(n.TelemetryIntervalSeconds) * time.Second
		if expected <= 0 {
			expected = defaultTelemetryInterval
		}
		deadline := n.LastSeenAt.Add(time.Duration(float64(expected) * s.factor))
		if now.After(deadline) {
			stale = append(stale, n.ID)
		}
	}

	changed, err := s.store.MarkNodesOffline(ctx, stale)
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		s.metrics.RecordOffline(int(changed))
		s.logger.WithField("count", changed).Info("Nodes marked offline")
	}
	return changed, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *LivenessSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx, now.UTC()); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("Liveness sweep failed")
			}
		}
	}
}
