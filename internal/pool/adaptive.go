package pool

import (
	"context"
	"time"

	"github.com/fetchgrid/fetchgrid/internal/fgerr"
)

// runAdaptiveControl implements the error-window throttling algorithm from §4.6: every
// ErrorsCheckInterval, shrink allowed_connections by one on any error seen in the window
// (growing the interval before the next allowed growth by GrowIntervalStep), else grow by
// one once growInterval has elapsed since the last change. A run of error-only windows
// with zero throughput accumulates toward ErrorCeiling, at which point the item aborts.
func (p *Pool) runAdaptiveControl(ctx context.Context, abort context.CancelFunc) {
	t := time.NewTicker(p.cfg.ErrorsCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if p.allSegmentsDownloaded() {
				return
			}
			p.tick()
		}
	}
}

func (p *Pool) tick() {
	errs := p.errorsSinceCheck.Swap(0)
	bytes := p.bytesSinceCheck.Swap(0)
	now := time.Now().UnixNano()

	if bytes > 0 {
		p.cumulativeErrors.Store(0)
	} else if errs > 0 {
		total := p.cumulativeErrors.Add(errs)
		if int(total) >= p.cfg.ErrorCeiling {
			p.tryAbort(fgerr.New("pool", fgerr.FatalNetwork, errCeilingReached))
			return
		}
	}

	allowed := p.allowedConnections.Load()
	grow := time.Duration(p.growInterval.Load())

	switch {
	case errs >= 1 && allowed > 1:
		p.allowedConnections.Store(allowed - 1)
		p.growInterval.Store(int64(grow + p.cfg.GrowIntervalStep))
		p.lastChange.Store(now)
	case errs == 0:
		elapsed := time.Duration(now - p.lastChange.Load())
		if elapsed >= grow && int(allowed) < p.cfg.MaxConnections {
			p.allowedConnections.Store(allowed + 1)
			p.lastChange.Store(now)
		}
	}
}

var errCeilingReached = ceilingError{}

type ceilingError struct{}

func (ceilingError) Error() string { return "error ceiling reached without throughput" }
