package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/models"
)

// DecayTiers downgrades memories whose last access fell outside the
// configured windows: stale active rows drop to thread, stale thread
// rows drop to stable. Each downgrade is audited with reason
// time_decay.
func (e *Engine) DecayTiers(ctx context.Context) ([]models.TierChange, error) {
	changes, err := e.memories.DecayTiers(ctx,
		pgInterval(e.cfg.Maintenance.TierDecayActive),
		pgInterval(e.cfg.Maintenance.TierDecayThread),
	)
	if err != nil {
		return nil, StorageError(err, "tier decay")
	}
	e.auditPromotions(ctx, changes, models.ReasonTimeDecay)
	if len(changes) > 0 {
		e.logger.Info("tier decay applied", zap.Int("downgrades", len(changes)))
	}
	return changes, nil
}

// DecayResonance shrinks the resonance of idle memories: rows above the
// configured floor untouched for the idle window lose 5% per pass.
func (e *Engine) DecayResonance(ctx context.Context) (int64, error) {
	n, err := e.memories.DecayResonance(ctx,
		pgInterval(e.cfg.Maintenance.PhiDecayIdle),
		e.cfg.Maintenance.PhiDecayMin,
		e.cfg.Maintenance.PhiDecayFactor,
	)
	if err != nil {
		return 0, StorageError(err, "resonance decay")
	}
	if n > 0 {
		e.logger.Info("resonance decay applied", zap.Int64("memories", n))
	}
	return n, nil
}

// pgInterval renders a duration as a Postgres interval literal.
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

// RunMaintenance loops the decay passes on the configured interval
// until the context is cancelled. It runs outside the request path;
// deployments that schedule decay externally leave it disabled.
func (e *Engine) RunMaintenance(ctx context.Context) {
	if !e.cfg.Maintenance.Enabled {
		return
	}
	log := e.logger.Named("maintenance")
	log.Info("maintenance runner started",
		zap.Duration("interval", e.cfg.Maintenance.Interval))

	ticker := time.NewTicker(e.cfg.Maintenance.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("maintenance runner stopped")
			return
		case <-ticker.C:
			if _, err := e.DecayTiers(ctx); err != nil {
				log.Warn("tier decay pass failed", zap.Error(err))
			}
			// cancellable between batches
			if ctx.Err() != nil {
				return
			}
			if _, err := e.DecayResonance(ctx); err != nil {
				log.Warn("resonance decay pass failed", zap.Error(err))
			}
		}
	}
}
