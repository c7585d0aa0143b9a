package detect

import (
	"context"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"

	"go.uber.org/zap"
)

// DefaultFlushInterval is how often expired unless timers are released.
const DefaultFlushInterval = 500 * time.Millisecond

// StateFlusher periodically releases pending unless alerts whose timeout
// elapsed without the cancelling rule matching.
type StateFlusher struct {
	state       *RuleStateStore
	alerts      *AlertQueue
	interval    time.Duration
	minPriority uint32
	clock       core.Clock
	logger      *zap.SugaredLogger
	wg          sync.WaitGroup
}

// NewStateFlusher returns a flusher pushing released alerts to alerts.
func NewStateFlusher(state *RuleStateStore, alerts *AlertQueue, interval time.Duration, minPriority uint32, clock core.Clock, logger *zap.SugaredLogger) *StateFlusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &StateFlusher{
		state:       state,
		alerts:      alerts,
		interval:    interval,
		minPriority: minPriority,
		clock:       clock,
		logger:      logger,
	}
}

// Start runs the flusher until ctx is done.
func (f *StateFlusher) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer goroutine.Recover("state-flush", f.logger)

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Flush()
			}
		}
	}()
}

// Wait blocks until the flusher goroutine has exited.
func (f *StateFlusher) Wait() {
	f.wg.Wait()
}

// Flush releases every expired pending alert once and returns how many were
// queued.
func (f *StateFlusher) Flush() int {
	queued := 0
	for _, ev := range f.state.DrainExpired(f.clock.Now()) {
		metrics.UnlessFired.Inc()
		if !ev.ShouldAlert(f.minPriority) {
			f.logger.Debugw("Released unless alert below threshold", "rule_id", ev.RuleID, "priority", ev.Priority)
			continue
		}
		f.logger.Debugw("Unless timeout elapsed", "rule_id", ev.RuleID)
		f.alerts.Push(core.NewMessage(ev))
		metrics.AlertsEmitted.WithLabelValues("unless").Inc()
		queued++
	}
	return queued
}
