package svc

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"slugbin/metrics"
	"slugbin/svc/util"
)

// StartCleaner sweeps the registry every interval until ctx is done. Reads
// and writes sweep on their own; the cleaner only frees memory held by
// pastes nobody asks for.
func (p *Paste) StartCleaner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.Errorf("cleanup interval must be positive, got %s", interval)
	}
	if !p.cleanerActive.CompareAndSwap(false, true) {
		return errors.New("cleaner already running")
	}
	go p.runCleaner(ctx, interval)
	return nil
}

func (p *Paste) runCleaner(ctx context.Context, interval time.Duration) {
	defer p.cleanerActive.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			metrics.PruneCycles.Inc()
			if deleted := p.reg.Sweep(); deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
