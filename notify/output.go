// Package notify is the output stage: it delivers alerts to the configured
// sinks and keeps failed deliveries for retry.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"
	"argus/util/queue"

	"go.uber.org/zap"
)

// AlertQueue carries alerts from the processing and state flush stages.
type AlertQueue = queue.Blocking[core.Message[*core.Event]]

// AlertSink is a destination for alerts.
type AlertSink interface {
	Name() string
	Record(ctx context.Context, ev *core.Event) error
}

// DefaultRetryInterval is used when OutputStage is given no interval.
const DefaultRetryInterval = time.Second

// sinkState is one sink with its breaker and retry buffer. Only the output
// goroutine touches pending and failing.
type sinkState struct {
	sink    AlertSink
	breaker *core.CircuitBreaker
	pending []*core.Event
	failing bool
}

// OutputStage takes alerts off the alert queue and records each one in every
// sink. A failed write is buffered per sink and retried on every retry tick
// and once more at shutdown.
type OutputStage struct {
	alerts        *AlertQueue
	sinks         []*sinkState
	retryInterval time.Duration
	logger        *zap.SugaredLogger

	wg sync.WaitGroup
}

// NewOutputStage wires the stage. A breaker config that fails validation
// falls back to core.DefaultBreakerConfig.
func NewOutputStage(alerts *AlertQueue, sinks []AlertSink, retryInterval time.Duration, breaker core.BreakerConfig, logger *zap.SugaredLogger) *OutputStage {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	if breaker.Validate() != nil {
		breaker = core.DefaultBreakerConfig()
	}
	s := &OutputStage{alerts: alerts, retryInterval: retryInterval, logger: logger}
	for _, sink := range sinks {
		cb, _ := core.NewCircuitBreaker(breaker)
		s.sinks = append(s.sinks, &sinkState{sink: sink, breaker: cb})
		setBreakerGauge(sink.Name(), cb.State())
	}
	return s
}

// Start runs the stage until the shutdown message arrives. Cancelling ctx
// does not stop the stage; the shutdown message is always forwarded by the
// processing stage, and alerts queued before it are still written.
func (s *OutputStage) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer goroutine.Recover("output", s.logger)
		s.run(context.WithoutCancel(ctx))
	}()
}

// Wait blocks until the stage has exited.
func (s *OutputStage) Wait() {
	s.wg.Wait()
}

func (s *OutputStage) run(ctx context.Context) {
	s.logger.Debug("Output stage started")
	defer s.logger.Debug("Output stage stopped")

	nextRetry := time.Now().Add(s.retryInterval)
	for {
		msg, err := s.alerts.TakeTimeout(time.Until(nextRetry))
		if time.Now().After(nextRetry) {
			s.retry(ctx)
			nextRetry = time.Now().Add(s.retryInterval)
		}
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case err != nil:
			s.finish(ctx)
			return
		case msg.IsShutdown():
			s.logger.Info("Output stage received shutdown")
			s.finish(ctx)
			return
		case msg.Payload != nil:
			s.Deliver(ctx, msg.Payload)
		}
	}
}

// Deliver records ev in every sink, buffering it for the sinks that fail.
// Sinks that already have a backlog keep their order: ev is queued behind it.
func (s *OutputStage) Deliver(ctx context.Context, ev *core.Event) {
	for _, st := range s.sinks {
		if len(st.pending) > 0 {
			s.buffer(st, ev)
			continue
		}
		if err := s.write(ctx, st, ev); err != nil {
			s.buffer(st, ev)
		}
	}
}

// Retry attempts every buffered alert once, in order, stopping at the first
// failure of each sink.
func (s *OutputStage) retry(ctx context.Context) {
	for _, st := range s.sinks {
		for len(st.pending) > 0 {
			if err := s.write(ctx, st, st.pending[0]); err != nil {
				break
			}
			st.pending[0] = nil
			st.pending = st.pending[1:]
		}
		metrics.RetryBufferSize.WithLabelValues(st.sink.Name()).Set(float64(len(st.pending)))
	}
}

// Pending returns the number of buffered alerts per sink.
func (s *OutputStage) Pending() map[string]int {
	out := make(map[string]int, len(s.sinks))
	for _, st := range s.sinks {
		out[st.sink.Name()] = len(st.pending)
	}
	return out
}

func (s *OutputStage) finish(ctx context.Context) {
	s.retry(ctx)
	for _, st := range s.sinks {
		if n := len(st.pending); n > 0 {
			s.logger.Errorw("Alerts lost at shutdown", "sink", st.sink.Name(), "count", n)
			metrics.EventsDropped.WithLabelValues("sink_unavailable").Add(float64(n))
		}
	}
}

func (s *OutputStage) write(ctx context.Context, st *sinkState, ev *core.Event) error {
	name := st.sink.Name()
	if err := st.breaker.Allow(); err != nil {
		metrics.SinkWrites.WithLabelValues(name, "rejected").Inc()
		return err
	}
	err := st.sink.Record(ctx, ev)
	if err != nil {
		_, state := st.breaker.RecordFailure()
		setBreakerGauge(name, state)
		metrics.SinkWrites.WithLabelValues(name, "failure").Inc()
		if !st.failing {
			st.failing = true
			s.logger.Errorw("Alert sink failing, buffering alerts for retry", "sink", name, "error", err)
		}
		return err
	}
	_, state := st.breaker.RecordSuccess()
	setBreakerGauge(name, state)
	metrics.SinkWrites.WithLabelValues(name, "success").Inc()
	if st.failing {
		st.failing = false
		s.logger.Infow("Alert sink recovered", "sink", name)
	}
	return nil
}

// buffer queues ev for retry. The buffer is unbounded; its size is exported
// as a gauge.
func (s *OutputStage) buffer(st *sinkState, ev *core.Event) {
	st.pending = append(st.pending, ev)
	metrics.RetryBufferSize.WithLabelValues(st.sink.Name()).Set(float64(len(st.pending)))
}

func setBreakerGauge(sink string, state core.BreakerState) {
	var v float64
	switch state {
	case core.BreakerHalfOpen:
		v = 1
	case core.BreakerOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(sink).Set(v)
}
