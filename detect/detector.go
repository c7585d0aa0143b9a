package detect

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

// Queue types connecting the pipeline stages.
type (
	InputQueue        = queue.Blocking[core.Message[*core.SourceEvent]]
	AlertQueue        = queue.Blocking[core.Message[*core.Event]]
	InterventionQueue = queue.Blocking[core.Message[core.InterventionCommand]]
)

// Detector is the processing stage: it runs every input event through the
// engine in arrival order and emits alerts and intervention commands.
type Detector struct {
	engine        *Engine
	input         *InputQueue
	alerts        *AlertQueue
	interventions *InterventionQueue
	minPriority   uint32
	clock         core.Clock
	logger        *zap.SugaredLogger

	// fatal receives a logic violation or a panic; the stage exits after it.
	fatal func(error)

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewDetector wires the processing stage. fatal may be nil.
func NewDetector(engine *Engine, input *InputQueue, alerts *AlertQueue, interventions *InterventionQueue,
	minPriority uint32, fatal func(error), logger *zap.SugaredLogger) *Detector {
	return &Detector{
		engine:        engine,
		input:         input,
		alerts:        alerts,
		interventions: interventions,
		minPriority:   minPriority,
		clock:         engine.clock,
		logger:        logger,
		fatal:         fatal,
	}
}

// Start runs the stage until the shutdown message arrives, ctx is done or a
// fatal error occurs.
func (d *Detector) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer goroutine.RecoverTo("processing", d.logger, d.reportFatal)
		d.run(ctx)
	}()
}

// Wait blocks until the stage has exited.
func (d *Detector) Wait() {
	d.wg.Wait()
}

func (d *Detector) run(ctx context.Context) {
	d.logger.Debug("Processing stage started")
	defer d.logger.Debug("Processing stage stopped")
	defer d.forwardShutdown()

	for {
		msg, err := d.input.Take(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				d.logger.Warnw("Input queue take failed", "error", err)
			}
			return
		}
		if msg.IsShutdown() || (msg.Payload != nil && msg.Payload.IsShutdown()) {
			d.logger.Info("Processing stage received shutdown")
			return
		}
		if msg.Payload == nil {
			continue
		}
		if _, err := d.Handle(msg.Payload); err != nil {
			d.logger.Errorw("Fatal error in processing stage", "error", err)
			d.reportFatal(err)
			return
		}
	}
}

// Handle evaluates one source event and queues the resulting alert and
// interventions when the event meets the alert threshold.
func (d *Detector) Handle(se *core.SourceEvent) (*core.Event, error) {
	start := time.Now()
	ev := core.NewEvent(se, d.clock.Now())
	if err := d.engine.Process(ev); err != nil {
		return ev, err
	}
	metrics.EventsProcessed.Inc()
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())

	if !ev.ShouldAlert(d.minPriority) {
		d.logger.Debugw("Event below alert threshold", "rule_id", ev.RuleID, "priority", ev.Priority)
		return ev, nil
	}

	for _, cmd := range Interventions(ev, d.logger) {
		d.interventions.Push(core.NewMessage(cmd))
	}
	d.alerts.Push(core.NewMessage(ev))
	metrics.AlertsEmitted.WithLabelValues("match").Inc()
	return ev, nil
}

// Interventions builds the commands for ev's interventions. An intervention
// whose field is missing or empty is skipped with a warning unless it is
// configured to ignore that.
func Interventions(ev *core.Event, logger *zap.SugaredLogger) []core.InterventionCommand {
	var out []core.InterventionCommand
	for _, spec := range ev.Interventions {
		arg, ok := ev.Field(spec.Field)
		if !ok || arg == "" {
			if !spec.IgnoreEmptyField {
				logger.Warnw("Empty argument for intervention",
					"intervention", spec.Name,
					"field", spec.Field,
					"rule_id", ev.RuleID)
			}
			continue
		}
		out = append(out, core.InterventionCommand{
			Name:     spec.Name,
			Argument: arg,
			RuleID:   ev.RuleID,
			EventID:  ev.EventID,
			Issued:   ev.Received,
		})
	}
	return out
}

func (d *Detector) forwardShutdown() {
	d.shutdownOnce.Do(func() {
		d.alerts.Push(core.Shutdown[*core.Event]())
		d.interventions.Push(core.Shutdown[core.InterventionCommand]())
	})
}

func (d *Detector) reportFatal(err error) {
	if d.fatal != nil {
		d.fatal(err)
	}
}
