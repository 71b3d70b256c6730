// Package lifecycle sequences startup and shutdown of the mining pipeline.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/job"
	"github.com/tos-network/tos-miner/internal/stats"
	"github.com/tos-network/tos-miner/internal/stratum"
	"github.com/tos-network/tos-miner/internal/submit"
	"github.com/tos-network/tos-miner/internal/supervisor"
	"github.com/tos-network/tos-miner/internal/telemetry"
	"github.com/tos-network/tos-miner/internal/util"
)

var (
	// ErrStartupTimeout is returned when the pool does not authorize the
	// worker, or send a first job, within the startup timeout
	ErrStartupTimeout = errors.New("startup timeout")

	// ErrAlreadyRunning is returned by Start while a run is active
	ErrAlreadyRunning = errors.New("miner already running")

	// ErrStartAborted is returned by Start when Stop interrupts startup
	ErrStartAborted = errors.New("startup aborted by shutdown")
)

const expireInterval = time.Second

// Options wires the controller to its collaborators
type Options struct {
	Config *config.Config
	Events telemetry.Emitter

	// Recorders receive every stats snapshot
	Recorders []stats.Recorder

	// ResultHooks run once per finished candidate, on the queue's result
	// goroutine, in order
	ResultHooks []func(submit.Candidate)

	// Sensor overrides the configured temperature sensor
	Sensor supervisor.Sensor
}

// Controller starts and stops runs. A run owns one protocol client, job
// store, submission queue, supervisor and stats aggregator; Restart replaces
// all of them.
type Controller struct {
	opts   Options
	cfg    *config.Config
	events telemetry.Emitter
	log    *zap.SugaredLogger

	mu    sync.Mutex
	cur   *run
	last  *stats.Aggregator
	err   error
	fatal chan error
}

// New validates the configuration and creates an idle controller
func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, util.WrapError(util.KindConfig, "lifecycle", errors.New("configuration is required"))
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, util.WrapError(util.KindConfig, "validate config", err)
	}
	if opts.Events == nil {
		opts.Events = telemetry.Discard
	}
	return &Controller{
		opts:   opts,
		cfg:    opts.Config,
		events: opts.Events,
		log:    util.Named("lifecycle"),
		fatal:  make(chan error, 1),
	}, nil
}

type run struct {
	ctl    *Controller
	ctx    context.Context
	cancel context.CancelFunc

	client *stratum.Client
	store  *job.Store
	queue  *submit.Queue
	agg    *stats.Aggregator

	mu       sync.Mutex
	sup      *supervisor.Supervisor
	started  bool
	stopping bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// Start connects to the pool, waits for authorization and the first job,
// then starts the engine processes. It returns once mining has begun or
// startup failed; a failed startup leaves nothing running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	r, err := c.newRun()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.cur = r
	c.err = nil
	c.mu.Unlock()

	if err := r.start(ctx); err != nil {
		if !errors.Is(err, ErrStartAborted) && ctx.Err() == nil {
			c.reportFatal(err)
		}
		r.shutdown(err)
		return err
	}
	return nil
}

// Stop shuts the current run down in order: no new results, engines
// stopped, queue drained, connection closed. It is idempotent and returns
// once shutdown completed or ctx ended.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return nil
	}

	go r.shutdown(nil)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the current run, if any, and starts a new one with the
// same configuration
func (c *Controller) Restart(ctx context.Context) error {
	c.emit(telemetry.KindLifecycle, telemetry.SeverityInfo, "Restarting miner", nil)
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

// Wait blocks until the current run ends and returns its fatal error, or
// nil after an explicit Stop. Without a run it returns the last fatal error.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	err := c.err
	c.mu.Unlock()
	if r == nil {
		return err
	}

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fatal delivers the cause of each run that stopped on a fatal error
func (c *Controller) Fatal() <-chan error {
	return c.fatal
}

// Running reports whether a run is active or starting
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Snapshot returns the latest stats of the current run, or of the last run
// once stopped
func (c *Controller) Snapshot() *stats.Snapshot {
	c.mu.Lock()
	agg := c.last
	if c.cur != nil {
		agg = c.cur.agg
	}
	running := c.cur != nil
	c.mu.Unlock()

	if agg == nil {
		return &stats.Snapshot{
			Time:   time.Now(),
			State:  stratum.StateDisconnected.String(),
			Pool:   c.cfg.Pool.URL,
			Health: "stopped",
		}
	}
	s := agg.Snapshot()
	if running {
		return s
	}
	stopped := *s
	stopped.Health = "stopped"
	stopped.Processes = nil
	return &stopped
}

// newRun builds and wires the components of one run. Must be called with mu held.
func (c *Controller) newRun() (*run, error) {
	store := job.NewStore(c.cfg.Submit.JobGrace)
	client, err := stratum.NewClient(&c.cfg.Pool, &c.cfg.Client)
	if err != nil {
		return nil, util.WrapError(util.KindConfig, "stratum client", err)
	}
	queue := submit.NewQueue(&c.cfg.Submit, client, store)
	agg := stats.New(&c.cfg.Stats, client, queue, store, c.events)
	for _, rec := range c.opts.Recorders {
		agg.AddRecorder(rec)
	}

	store.OnEvict(queue.JobEvicted)
	queue.OnResult(func(cand submit.Candidate) {
		agg.ObserveResult(cand)
		for _, hook := range c.opts.ResultHooks {
			hook(cand)
		}
	})

	client.OnSession(func(s stratum.Session) {
		store.SetSession(s.Extranonce1, s.Extranonce2Size)
	})
	client.OnDifficulty(func(d float64, _ stratum.Session) {
		store.SetDifficulty(d)
		agg.ObserveDifficulty(d)
	})
	client.OnJob(func(n *stratum.Notify, _ stratum.Session) {
		j, err := store.Update(n)
		if err != nil {
			c.log.Warnf("Discarding malformed job %s: %v", n.JobID, err)
			return
		}
		agg.ObserveJob(j)
	})
	client.OnState(agg.ObserveState)
	client.OnMessage(func(text string, s stratum.Session) {
		c.emit(telemetry.KindPoolMessage, telemetry.SeverityInfo, text, map[string]interface{}{"pool": s.URL})
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		ctl:    c,
		ctx:    ctx,
		cancel: cancel,
		client: client,
		store:  store,
		queue:  queue,
		agg:    agg,
		done:   make(chan struct{}),
	}, nil
}

// reportFatal emits the events for an error that ends a run
func (c *Controller) reportFatal(err error) {
	if errors.Is(err, stratum.ErrAuthorization) {
		c.emit(telemetry.KindAuthFailed, telemetry.SeverityFatal, "pool refused worker authorization", map[string]interface{}{
			"user":  c.cfg.Pool.User(),
			"error": err.Error(),
		})
	}
	c.emit(telemetry.KindFatal, telemetry.SeverityFatal, err.Error(), map[string]interface{}{
		"kind": string(util.KindOf(err)),
	})
}

func (c *Controller) emit(kind telemetry.Kind, sev telemetry.Severity, msg string, fields map[string]interface{}) {
	c.events.Emit(telemetry.New(kind, sev, msg, fields))
}

func (r *run) start(ctx context.Context) error {
	c := r.ctl
	timeout := c.cfg.Lifecycle.StartupTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	r.goRun(func() { r.store.Run(r.ctx, expireInterval) })
	r.goRun(func() { r.queue.Run(r.ctx) })

	if err := r.client.Start(r.ctx); err != nil {
		if r.isStopping() {
			return ErrStartAborted
		}
		return err
	}
	c.emit(telemetry.KindLifecycle, telemetry.SeverityInfo, "Connecting to pool", map[string]interface{}{"url": c.cfg.Pool.URL})

	sctx, scancel := context.WithTimeout(r.ctx, timeout)
	defer scancel()
	stopAfter := context.AfterFunc(ctx, scancel)
	defer stopAfter()

	sess, err := r.client.WaitAuthorized(sctx)
	if err != nil {
		return r.startupError(ctx, sctx, "authorization", timeout, err)
	}
	c.log.Infof("Authorized as %s on %s", c.cfg.Pool.User(), sess.URL)

	if err := r.waitFirstJob(sctx); err != nil {
		return r.startupError(ctx, sctx, "first job", timeout, err)
	}

	sup, err := supervisor.New(supervisor.Options{
		Engine:     c.cfg.Engine,
		Supervisor: c.cfg.Supervisor,
		Safety:     c.cfg.Safety,
		PoolURL:    sess.URL,
		User:       c.cfg.Pool.User(),
		Password:   c.cfg.Pool.Password,
		Jobs:       r.store,
		Results:    r.queue,
		Events:     c.events,
		Sensor:     c.opts.Sensor,
	})
	if err != nil {
		return util.WrapError(util.KindConfig, "supervisor", err)
	}

	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return ErrStartAborted
	}
	if err := sup.Start(r.ctx); err != nil {
		r.mu.Unlock()
		return err
	}
	r.sup = sup
	r.started = true
	r.mu.Unlock()

	r.agg.SetProcesses(sup)
	r.goRun(func() { r.agg.Run(r.ctx) })
	go r.watch()

	c.emit(telemetry.KindLifecycle, telemetry.SeverityInfo, "Mining started", map[string]interface{}{
		"url":       sess.URL,
		"processes": c.cfg.Engine.Processes,
	})
	return nil
}

func (r *run) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *run) startupError(ctx, sctx context.Context, stage string, timeout time.Duration, err error) error {
	switch {
	case r.isStopping():
		return ErrStartAborted
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(sctx.Err(), context.DeadlineExceeded):
		return util.WrapError(util.KindConfig, "startup",
			fmt.Errorf("%w: no %s within %s", ErrStartupTimeout, stage, timeout))
	}
	return err
}

func (r *run) waitFirstJob(ctx context.Context) error {
	for {
		changed := r.store.Changed()
		if w := r.store.Work(); w != nil && w.Job != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.client.Done():
			if err := r.client.Err(); err != nil {
				return err
			}
			return stratum.ErrClosed
		case <-changed:
		}
	}
}

func (r *run) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// watch turns component failures into an orderly shutdown
func (r *run) watch() {
	select {
	case <-r.ctx.Done():
	case <-r.client.Done():
		if r.isStopping() {
			return
		}
		err := r.client.Err()
		if err == nil {
			err = stratum.ErrClosed
		}
		r.fail(err)
	case err := <-r.sup.Fatal():
		r.fail(err)
	}
}

func (r *run) fail(err error) {
	r.ctl.log.Errorf("Fatal error, shutting down: %v", err)
	r.ctl.reportFatal(err)
	r.shutdown(err)
}

// shutdown runs once per run; later calls wait for the first to finish
func (r *run) shutdown(cause error) {
	r.stopOnce.Do(func() {
		c := r.ctl
		r.mu.Lock()
		r.stopping = true
		sup := r.sup
		started := r.started
		r.mu.Unlock()

		timeout := c.cfg.Lifecycle.ShutdownTimeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		c.log.Info("Shutting down miner")
		r.queue.Close()
		if sup != nil {
			if err := sup.StopAll(ctx); err != nil {
				c.log.Warnf("Engine shutdown incomplete: %v", err)
			}
		}
		select {
		case <-r.client.Done():
			// Nothing left can reach the pool
		default:
			if err := r.queue.Drain(ctx); err != nil {
				c.log.Warnf("Submission queue not drained: %v", err)
			}
		}
		r.client.Close()
		r.cancel()

		joined := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-ctx.Done():
			c.log.Warnf("Abandoning goroutines still running after %s", timeout)
		}

		// Final sample so the stopped snapshot carries the last counters
		r.agg.Sample(time.Now())

		r.err = cause
		c.mu.Lock()
		if c.cur == r {
			c.cur = nil
		}
		c.last = r.agg
		if cause != nil {
			c.err = cause
		}
		// A failed Start reports to its caller instead
		if cause != nil && started {
			select {
			case c.fatal <- cause:
			default:
			}
		}
		c.mu.Unlock()

		msg := "Miner stopped"
		sev := telemetry.SeverityInfo
		if cause != nil {
			msg = "Miner stopped: " + cause.Error()
			sev = telemetry.SeverityError
		}
		c.emit(telemetry.KindLifecycle, sev, msg, nil)
		close(r.done)
	})
	<-r.done
}
