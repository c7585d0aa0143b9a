package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"argus/api"
	"argus/config"
	"argus/core"
	"argus/detect"
	"argus/ingest"
	"argus/notify"
	"argus/soar"
	"argus/storage"
	"argus/util/goroutine"
	"argus/util/queue"

	"go.uber.org/zap"
)

const (
	// drainTimeout bounds how long the processing stage may take to work
	// off the input queue once input has stopped.
	drainTimeout     = 10 * time.Second
	apiStopTimeout   = 5 * time.Second
	redisPingTimeout = 2 * time.Second
)

// PipelineState is the lifecycle state reported by /health.
type PipelineState int32

const (
	StateStarting PipelineState = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s PipelineState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// App represents the argus daemon with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Stdin replaces the input socket when set before Start.
	Stdin io.Reader

	// Detection
	Rules     *core.RuleSet
	RuleState *detect.RuleStateStore
	Engine    *detect.Engine
	Detector  *detect.Detector
	Flusher   *detect.StateFlusher

	// Queues
	Input         *detect.InputQueue
	Alerts        *detect.AlertQueue
	Interventions *detect.InterventionQueue

	// Storage, nil when storage.sqlite_path is empty
	SQLite     *storage.SQLite
	AlertStore *storage.AlertStore
	DLQ        *ingest.DLQ

	// Stages and services
	Listener         *ingest.SocketListener
	Output           *notify.OutputStage
	Mailer           *notify.Mailer
	Dispatcher       *soar.Dispatcher
	InterventionSink soar.Sink
	APIServer        *api.API

	closers []io.Closer
	state   atomic.Int32

	fatalCh      chan error
	pipelineDone chan struct{}

	cancelFlush  context.CancelFunc
	cancelInput  context.CancelFunc
	cancelStages context.CancelFunc
	inputWg      sync.WaitGroup
	serviceWg    sync.WaitGroup
	shutdownOnce sync.Once
}

// NewApp loads the rules and builds every component named by cfg. Nothing
// runs until Start.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:        cfg,
		Logger:        logger,
		Sugar:         logger.Sugar(),
		Input:         queue.NewBlocking[core.Message[*core.SourceEvent]](),
		Alerts:        queue.NewBlocking[core.Message[*core.Event]](),
		Interventions: queue.NewBlocking[core.Message[core.InterventionCommand]](),
		fatalCh:       make(chan error, 1),
		pipelineDone:  make(chan struct{}),
	}

	rules, err := detect.LoadRuleSet(cfg.Rules.File, cfg.Rules.Directory, cfg.Engine.RegexTimeout, a.Sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	a.Rules = rules
	a.Sugar.Infow("Rules loaded", "count", rules.Len())

	a.RuleState = detect.NewRuleStateStore()
	a.Engine = detect.NewEngine(rules, a.RuleState, a.Sugar)
	a.Detector = detect.NewDetector(a.Engine, a.Input, a.Alerts, a.Interventions,
		cfg.Engine.LogPriority, a.reportFatal, a.Sugar)
	a.Flusher = detect.NewStateFlusher(a.RuleState, a.Alerts, cfg.Engine.StateFlushInterval,
		cfg.Engine.LogPriority, nil, a.Sugar)

	if err := a.initStorage(); err != nil {
		a.closeAll()
		return nil, err
	}

	sinks, err := a.initAlertSinks()
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.Output = notify.NewOutputStage(a.Alerts, sinks, cfg.Output.RetryInterval, core.DefaultBreakerConfig(), a.Sugar)

	if err := a.initInterventionSink(); err != nil {
		a.closeAll()
		return nil, err
	}
	a.Dispatcher = soar.NewDispatcher(a.Interventions, a.InterventionSink, cfg.Output.RetryInterval,
		core.DefaultBreakerConfig(), a.Sugar)

	if cfg.API.Enabled {
		deps := api.Deps{
			Rules:  rules,
			State:  a.RuleState,
			Status: func() string { return a.PipelineState().String() },
		}
		if a.AlertStore != nil {
			deps.Alerts = a.AlertStore
		}
		if a.DLQ != nil {
			deps.DLQ = a.DLQ
		}
		a.APIServer = api.NewAPI(deps, a.Sugar)
	}
	return a, nil
}

func (a *App) initStorage() error {
	path := a.Config.Storage.SQLitePath
	if path == "" {
		a.Sugar.Info("Alert storage disabled")
		return nil
	}
	db, err := storage.NewSQLite(path, a.Sugar)
	if err != nil {
		return fmt.Errorf("failed to open alert database: %w\n%s", err, ClassifySQLiteError(err, path))
	}
	a.SQLite = db
	a.closers = append(a.closers, db)

	a.AlertStore, err = storage.NewAlertStore(db, a.Config.Storage.DedupCacheSize, a.Sugar)
	if err != nil {
		return err
	}
	a.DLQ = ingest.NewDLQ(db.DB, a.Sugar)
	a.Sugar.Infow("Alert storage initialized", "path", path)
	return nil
}

// initAlertSinks builds the output sinks in delivery order. Sink files
// opened here are closed by Shutdown after the output stage has drained.
func (a *App) initAlertSinks() ([]notify.AlertSink, error) {
	cfg := a.Config
	var sinks []notify.AlertSink

	if cfg.Output.AlertLog != "" {
		alertLog, err := notify.NewAlertLog(cfg.Output.AlertLog)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, alertLog)
		sinks = append(sinks, alertLog)
	}

	if a.AlertStore != nil {
		sinks = append(sinks, a.AlertStore)
	}

	if cfg.Redis.Enabled {
		pub := notify.NewRedisPublisher(notify.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			List:     cfg.Redis.List,
			MaxList:  cfg.Redis.MaxList,
		}, a.Sugar)
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		err := pub.Ping(ctx)
		cancel()
		if err != nil {
			// Alerts are buffered and retried until redis comes up.
			a.Sugar.Warnw("Redis unreachable at startup",
				"addr", cfg.Redis.Addr,
				"hint", ClassifyConnectionError(err, cfg.Redis.Addr))
		}
		a.closers = append(a.closers, pub)
		sinks = append(sinks, pub)
	}

	if cfg.Mail.Enabled {
		sender := notify.NewSMTPSender(notify.SMTPConfig{
			Host:    cfg.Mail.Host,
			Port:    cfg.Mail.Port,
			From:    cfg.Mail.From,
			To:      cfg.Mail.To,
			ReplyTo: cfg.Mail.ReplyTo,
		})
		a.Mailer = notify.NewMailer(notify.MailConfig{
			Priority:        cfg.Mail.Priority,
			InstantPriority: cfg.Mail.InstantPriority,
			Interval:        cfg.Mail.Interval,
			SampleTime:      cfg.Mail.SampleTime,
			MaxSampleCount:  cfg.Mail.MaxSampleCount,
		}, sender, a.Sugar)
		sinks = append(sinks, a.Mailer)
	}

	if len(sinks) == 0 {
		a.Sugar.Warn("No alert sinks configured, alerts will only be counted")
	}
	return sinks, nil
}

func (a *App) initInterventionSink() error {
	cfg := a.Config.Intervention
	switch cfg.Kind {
	case config.InterventionFile:
		sink, err := soar.NewFileSink(cfg.Path)
		if err != nil {
			return err
		}
		a.InterventionSink = sink
		a.closers = append(a.closers, sink)
	case config.InterventionSocket, "":
		sink := soar.NewSocketSink(cfg.Path)
		a.InterventionSink = sink
		a.closers = append(a.closers, sink)
	default:
		return fmt.Errorf("unknown intervention kind %q", cfg.Kind)
	}
	return nil
}

// Start runs every stage. The startup event is queued before any input is
// accepted so it is always the first event processed.
func (a *App) Start(ctx context.Context) error {
	flushCtx, cancelFlush := context.WithCancel(ctx)
	inputCtx, cancelInput := context.WithCancel(ctx)
	// The processing stage stops on the shutdown message; its context is
	// only cancelled when draining takes too long.
	stageCtx, cancelStages := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelFlush, a.cancelInput, a.cancelStages = cancelFlush, cancelInput, cancelStages

	a.Input.Push(core.NewMessage(startupEvent()))

	if a.Stdin == nil {
		cfg := a.Config.Input
		a.Listener = ingest.NewSocketListener(ingest.SocketConfig{
			Path:      cfg.SocketPath,
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
		}, a.Input, a.DLQ, a.Sugar)
		if err := a.Listener.Start(inputCtx); err != nil {
			a.cancelAll()
			return fmt.Errorf("failed to start input listener: %w", err)
		}
	}

	a.Output.Start(stageCtx)
	a.Dispatcher.Start(stageCtx)
	if a.Mailer != nil {
		a.Mailer.Start()
	}
	a.Detector.Start(stageCtx)
	a.Flusher.Start(flushCtx)

	go func() {
		a.Detector.Wait()
		close(a.pipelineDone)
	}()

	if a.Stdin != nil {
		reader := ingest.NewLineReader(a.Stdin, a.Sugar)
		a.inputWg.Add(1)
		go func() {
			defer a.inputWg.Done()
			defer goroutine.Recover("stdin", a.Sugar)
			if err := reader.Run(inputCtx, a.Input); err != nil {
				a.Sugar.Errorw("Failed to read standard input", "error", err)
			}
		}()
	}

	if a.APIServer != nil {
		a.serviceWg.Add(1)
		go func() {
			defer a.serviceWg.Done()
			defer goroutine.Recover("api", a.Sugar)
			if err := a.APIServer.Start(a.Config.API.Listen); err != nil {
				a.Sugar.Errorw("API server failed", "addr", a.Config.API.Listen, "error", err)
			}
		}()
	}

	a.setState(StateRunning)
	a.Sugar.Infow("argus started", "rules", a.Rules.Len(), "stdin", a.Stdin != nil)
	return nil
}

func startupEvent() *core.SourceEvent {
	host, _ := os.Hostname()
	now := time.Now()
	return &core.SourceEvent{
		Hostname:      host,
		SourceProgram: "argus",
		SourceDomain:  "daemon",
		Message:       "argus correlation engine started",
		TimeScanned:   now,
		TimeSend:      now,
	}
}

// Run blocks until a termination signal, a fatal processing error or the
// end of input, then shuts down. It returns the fatal error if there was
// one.
func (a *App) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	select {
	case <-sigCtx.Done():
		a.Sugar.Info("Termination requested")
	case err = <-a.fatalCh:
	case <-a.pipelineDone:
		a.Sugar.Info("Input exhausted")
	}
	if err == nil {
		// A fatal error also ends the processing stage; prefer reporting it.
		select {
		case err = <-a.fatalCh:
		default:
		}
	}
	if err != nil {
		a.Sugar.Errorw("Fatal processing error, shutting down", "error", err)
	}

	a.Shutdown()
	return err
}

// Shutdown stops input, lets every queued event and alert drain through the
// pipeline and releases all resources. It is safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.setState(StateDraining)
	a.Sugar.Info("Shutting down...")

	a.Sugar.Info("Phase 1: Stopping state flusher...")
	if a.cancelFlush != nil {
		a.cancelFlush()
	}
	a.Flusher.Wait()

	a.Sugar.Info("Phase 2: Stopping input...")
	if a.cancelInput != nil {
		a.cancelInput()
	}
	if a.Listener != nil {
		a.Listener.Wait()
	}
	if a.Stdin != nil {
		// A reader blocked on the terminal never returns; queue the shutdown
		// message for it.
		if !waitTimeout(&a.inputWg, time.Second) {
			a.Input.Push(core.Shutdown[*core.SourceEvent]())
		}
	}

	a.Sugar.Infow("Phase 3: Draining processing stage...", "queued", a.Input.Len())
	if !waitFunc(a.Detector.Wait, drainTimeout) {
		a.Sugar.Warnw("Processing stage did not drain in time, abandoning queued events",
			"timeout", drainTimeout, "queued", a.Input.Len())
		a.cancelStages()
		a.Detector.Wait()
	}

	a.Sugar.Info("Phase 4: Draining output and interventions...")
	a.Output.Wait()
	a.Dispatcher.Wait()
	if a.Mailer != nil {
		if err := a.Mailer.Close(); err != nil {
			a.Sugar.Errorw("Failed to close mailer", "error", err)
		}
	}

	a.closeQueues()

	a.Sugar.Info("Phase 5: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), apiStopTimeout)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}
	if !waitTimeout(&a.serviceWg, apiStopTimeout) {
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 6: Closing sinks and storage...")
	a.closeAll()
	a.cancelAll()

	a.setState(StateStopped)
	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

// closeQueues empties the stage queues once every stage has returned and
// reports anything left behind. Shutdown sentinels are not counted.
func (a *App) closeQueues() {
	if n := closeQueue(a.Input); n > 0 {
		a.Sugar.Warnw("Events left unprocessed at shutdown", "count", n)
	}
	if n := closeQueue(a.Alerts); n > 0 {
		a.Sugar.Warnw("Alerts left undelivered at shutdown", "count", n)
	}
	if n := closeQueue(a.Interventions); n > 0 {
		a.Sugar.Warnw("Interventions left undispatched at shutdown", "count", n)
	}
}

func closeQueue[T any](q *queue.Blocking[core.Message[T]]) int {
	n := 0
	for _, m := range q.Drain() {
		if !m.IsShutdown() {
			n++
		}
	}
	q.Close()
	return n
}

// closeAll closes resources in reverse order of creation.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			a.Sugar.Errorw("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

func (a *App) cancelAll() {
	for _, cancel := range []context.CancelFunc{a.cancelFlush, a.cancelInput, a.cancelStages} {
		if cancel != nil {
			cancel()
		}
	}
}

func (a *App) reportFatal(err error) {
	select {
	case a.fatalCh <- err:
	default:
	}
}

// PipelineState returns the current lifecycle state.
func (a *App) PipelineState() PipelineState {
	return PipelineState(a.state.Load())
}

func (a *App) setState(s PipelineState) {
	a.state.Store(int32(s))
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	return waitFunc(wg.Wait, d)
}

func waitFunc(wait func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
