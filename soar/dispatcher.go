// Package soar dispatches intervention commands to the intervention daemon.
package soar

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

// InterventionQueue carries commands from the processing stage.
type InterventionQueue = queue.Blocking[core.Message[core.InterventionCommand]]

// DefaultRetryInterval is used when the dispatcher is given no interval.
const DefaultRetryInterval = time.Second

// Dispatcher takes commands off the intervention queue and runs them on the
// sink. Commands that fail with a retryable error are buffered and retried in
// order on every retry tick and once more at shutdown.
type Dispatcher struct {
	commands      *InterventionQueue
	sink          Sink
	breaker       *core.CircuitBreaker
	retryInterval time.Duration
	logger        *zap.SugaredLogger

	pending []core.InterventionCommand
	failing bool

	wg sync.WaitGroup
}

// NewDispatcher wires the stage. An invalid breaker config falls back to
// core.DefaultBreakerConfig.
func NewDispatcher(commands *InterventionQueue, sink Sink, retryInterval time.Duration, breaker core.BreakerConfig, logger *zap.SugaredLogger) *Dispatcher {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	if breaker.Validate() != nil {
		breaker = core.DefaultBreakerConfig()
	}
	cb, _ := core.NewCircuitBreaker(breaker)
	return &Dispatcher{
		commands:      commands,
		sink:          sink,
		breaker:       cb,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// Start runs the stage until the shutdown message arrives.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer goroutine.Recover("intervention", d.logger)
		d.run(context.WithoutCancel(ctx))
	}()
}

// Wait blocks until the stage has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Pending returns the number of buffered commands.
func (d *Dispatcher) Pending() int {
	return len(d.pending)
}

func (d *Dispatcher) run(ctx context.Context) {
	d.logger.Debug("Intervention stage started")
	defer d.logger.Debug("Intervention stage stopped")

	nextRetry := time.Now().Add(d.retryInterval)
	for {
		msg, err := d.commands.TakeTimeout(time.Until(nextRetry))
		if time.Now().After(nextRetry) {
			d.retry(ctx)
			nextRetry = time.Now().Add(d.retryInterval)
		}
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case err != nil || msg.IsShutdown():
			d.retry(ctx)
			if n := len(d.pending); n > 0 {
				d.logger.Errorw("Interventions lost at shutdown", "sink", d.sink.Name(), "count", n)
			}
			return
		default:
			d.Dispatch(ctx, msg.Payload)
		}
	}
}

// Dispatch runs cmd, or queues it behind earlier failed commands.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd core.InterventionCommand) {
	if len(d.pending) > 0 {
		d.buffer(cmd)
		return
	}
	if err := d.attempt(ctx, cmd); err != nil && ShouldRetry(err) {
		d.buffer(cmd)
	}
}

func (d *Dispatcher) retry(ctx context.Context) {
	for len(d.pending) > 0 {
		err := d.attempt(ctx, d.pending[0])
		if err != nil && ShouldRetry(err) {
			break
		}
		d.pending = d.pending[1:]
	}
	metrics.RetryBufferSize.WithLabelValues("intervention").Set(float64(len(d.pending)))
}

func (d *Dispatcher) attempt(ctx context.Context, cmd core.InterventionCommand) error {
	err := validate(cmd)
	if err == nil {
		if err = d.breaker.Allow(); err != nil {
			return err
		}
		err = d.sink.Run(ctx, cmd)
	}
	if err == nil {
		d.breaker.RecordSuccess()
		metrics.InterventionsDispatched.WithLabelValues(cmd.Name, "success").Inc()
		d.logger.Infow("Intervention dispatched", "name", cmd.Name, "argument", cmd.Argument, "rule_id", cmd.RuleID)
		if d.failing {
			d.failing = false
			d.logger.Infow("Intervention sink recovered", "sink", d.sink.Name())
		}
		return nil
	}

	if !ShouldRetry(err) {
		// the sink answered; only the command is bad
		d.breaker.RecordSuccess()
		metrics.InterventionsDispatched.WithLabelValues(cmd.Name, "rejected").Inc()
		d.logger.Errorw("Dropping intervention", "name", cmd.Name, "argument", cmd.Argument, "error", err)
		return err
	}
	d.breaker.RecordFailure()
	metrics.InterventionsDispatched.WithLabelValues(cmd.Name, "failure").Inc()
	if !d.failing {
		d.failing = true
		d.logger.Errorw("Intervention sink failing, buffering commands for retry",
			"sink", d.sink.Name(), "error_type", ClassifyError(err), "error", err)
	}
	return err
}

func (d *Dispatcher) buffer(cmd core.InterventionCommand) {
	d.pending = append(d.pending, cmd)
	metrics.RetryBufferSize.WithLabelValues("intervention").Set(float64(len(d.pending)))
}
