package persistence

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
)

const replayPageSize = 1_000

// Recover rebuilds the protocol: restore the latest verified snapshot (or
// start from genesis) and replay the log after it.
func Recover(ctx context.Context, sm *SnapshotManager, cfg core.Config, logger zerolog.Logger) (*core.Protocol, error) {
	log := logger.With().Str("component", "recovery").Logger()

	snap, err := sm.LoadLatest(ctx)
	if err != nil {
		return nil, err
	}

	var p *core.Protocol
	if snap != nil {
		if p, err = core.Restore(cfg, snap); err != nil {
			return nil, err
		}
		if snap.Params.Version != cfg.Params.Version {
			log.Warn().Uint32("snapshot_version", snap.Params.Version).Uint32("config_version", cfg.Params.Version).
				Msg("configured parameters differ from the restored set; submit update_params to change them")
		}
		log.Info().Uint64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		if p, err = core.New(cfg); err != nil {
			return nil, err
		}
		log.Info().Msg("no snapshot found, replaying from genesis")
	}

	for {
		head, _ := p.Head()
		page, err := sm.LoadEnvelopesFrom(ctx, head+1, replayPageSize)
		if err != nil {
			return nil, fmt.Errorf("load log after %d: %w", head, err)
		}
		if len(page) == 0 {
			break
		}
		if err := p.Replay(ctx, page); err != nil {
			return nil, err
		}
	}
	head, hash := p.Head()
	log.Info().Uint64("sequence", head).Hex("state_hash", hash[:]).Msg("recovery complete")
	return p, nil
}

// Snapshotter takes a snapshot every interval commands.
type Snapshotter struct {
	protocol *core.Protocol
	store    *SnapshotManager
	interval uint64
	keep     int
	metrics  *observability.Metrics
	logger   zerolog.Logger

	last uint64
}

func NewSnapshotter(p *core.Protocol, store *SnapshotManager, interval uint64, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	head, _ := p.Head()
	return &Snapshotter{
		protocol: p,
		store:    store,
		interval: interval,
		keep:     3,
		metrics:  metrics,
		logger:   logger.With().Str("component", "snapshotter").Logger(),
		last:     head,
	}
}

// Run polls the core head every tick until ctx is done.
func (s *Snapshotter) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.MaybeSnapshot(ctx); err != nil {
				s.logger.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// MaybeSnapshot snapshots when interval commands ran since the last one,
// and verifies pending snapshots either way.
func (s *Snapshotter) MaybeSnapshot(ctx context.Context) error {
	if head, _ := s.protocol.Head(); head >= s.last+s.interval {
		start := time.Now()
		snap := s.protocol.Snapshot()
		size, err := s.store.Save(ctx, snap)
		if err != nil {
			return err
		}
		s.last = snap.Sequence
		if s.metrics != nil {
			s.metrics.SnapshotTaken.Inc()
			s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
			s.metrics.SnapshotSizeBytes.Set(float64(size))
			s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
		}
		s.logger.Info().Uint64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	}

	verified, err := s.store.Verify(ctx)
	if err != nil {
		return err
	}
	if verified > 0 {
		if _, err := s.store.Prune(ctx, s.keep); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}
	return nil
}
