package upload

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultReapInterval   = time.Hour
	DefaultStaleThreshold = 2 * time.Hour
)

// ReaperConfig holds configuration for the stale session sweep.
type ReaperConfig struct {
	Enabled        bool
	Interval       time.Duration
	StaleThreshold time.Duration
}

// Reaper periodically deletes sessions that stayed UPLOADING without activity for longer
// than the stale threshold, together with their backing files and chunk records.
type Reaper struct {
	manager *Manager
	cfg     ReaperConfig
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewReaper creates a reaper that sweeps through the manager's store.
func NewReaper(manager *Manager, cfg ReaperConfig, log *zap.SugaredLogger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reaper{manager: manager, cfg: cfg, log: log, now: time.Now}
}

// Start runs a sweep immediately and then on every interval until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		r.log.Infow("reaper", "status", "disabled")
		return
	}

	r.log.Infow("reaper", "status", "starting", "interval", r.cfg.Interval, "staleThreshold", r.cfg.StaleThreshold)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Infow("reaper", "status", "shutting down")
			return
		case <-ticker.C:
			r.runSweep(ctx)
		}
	}
}

// runSweep keeps the loop alive across a failing or panicking sweep.
func (r *Reaper) runSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorw("reaper", "status", "sweep panicked", "ERROR", rec)
		}
	}()

	if _, err := r.Sweep(ctx); err != nil {
		r.log.Errorw("reaper", "status", "sweep failed", "ERROR", err)
	}
}

// Sweep deletes every session that is stale at the time of the call and returns how many
// were removed. A failure on one session does not stop the others; the first error is returned.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	start := r.now()
	cutoff := start.Add(-r.cfg.StaleThreshold)

	stale, err := r.manager.store.FindStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("finding stale sessions: %w", err)
	}

	var (
		deleted  int
		firstErr error
	)
	for _, s := range stale {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}

		ok, err := r.manager.reapIfStale(ctx, s.UploadID, cutoff)
		if err != nil {
			r.log.Errorw("reaper", "status", "delete failed", "uploadId", s.UploadID, "ERROR", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("reaping %s: %w", s.UploadID, err)
			}
			continue
		}
		if ok {
			deleted++
			r.log.Infow("reaper", "status", "deleted stale session", "uploadId", s.UploadID,
				"filename", s.Filename, "idle", start.Sub(s.UpdatedAt))
		}
	}

	r.log.Infow("reaper", "status", "sweep complete", "deleted", deleted, "candidates", len(stale),
		"duration", r.now().Sub(start))
	return deleted, firstErr
}
