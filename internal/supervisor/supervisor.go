// Package supervisor spawns the external hashing engine processes, feeds
// them work, parses their output and restarts them within a budget.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/job"
	"github.com/tos-network/tos-miner/internal/submit"
	"github.com/tos-network/tos-miner/internal/telemetry"
	"github.com/tos-network/tos-miner/internal/util"
)

var (
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")
	ErrAlreadyStarted         = errors.New("supervisor already started")
)

// Jobs supplies work snapshots
type Jobs interface {
	Work() *job.Work
	Changed() <-chan struct{}
}

// Results accepts candidates parsed from engine output
type Results interface {
	Add(c *submit.Candidate) error
}

// Options configures a Supervisor
type Options struct {
	Engine     config.EngineConfig
	Supervisor config.SupervisorConfig
	Safety     config.SafetyConfig

	PoolURL  string
	User     string
	Password string

	Jobs    Jobs
	Results Results
	Events  telemetry.Emitter
	Sensor  Sensor
}

type stopReason string

const (
	stopNone      stopReason = ""
	stopShutdown  stopReason = "shutdown"
	stopHeartbeat stopReason = "heartbeat timeout"
	stopThreads   stopReason = "thread limit"
	stopThermal   stopReason = "temperature ceiling"
)

// Supervisor owns the engine processes
type Supervisor struct {
	opts     Options
	artifact Artifact
	args     []string
	log      *zap.SugaredLogger
	events   telemetry.Emitter

	procs []*process
	fatal chan error
	// processes halted concurrently by StopAll
	stopParallel int

	mu      sync.Mutex
	running bool
	paused  bool
	resume  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
}

// New creates a supervisor; nothing is spawned until Start
func New(opts Options) (*Supervisor, error) {
	if opts.Engine.Path == "" {
		return nil, fmt.Errorf("engine path is required")
	}
	if opts.Jobs == nil || opts.Results == nil {
		return nil, fmt.Errorf("jobs and results are required")
	}
	if opts.Engine.Processes < 1 {
		opts.Engine.Processes = 1
	}
	if opts.Events == nil {
		opts.Events = telemetry.Discard
	}
	if opts.Sensor == nil && opts.Safety.TempSensor != "" {
		opts.Sensor = FileSensor(opts.Safety.TempSensor)
	}

	s := &Supervisor{
		opts:     opts,
		artifact: Artifact{Path: opts.Engine.Path, Digest: opts.Engine.Digest},
		log:      util.Named("supervisor"),
		events:   opts.Events,
		fatal:    make(chan error, opts.Engine.Processes),

		stopParallel: runtime.NumCPU(),
	}
	s.args = BuildArgs(&opts.Engine, opts.Safety.MaxThreads, opts.PoolURL, opts.User, opts.Password)
	for i := 0; i < opts.Engine.Processes; i++ {
		s.procs = append(s.procs, &process{
			sup:   s,
			index: i,
			rates: make(map[int]float64),
			rec:   Record{Index: i, State: StateStarting},
		})
	}
	return s, nil
}

// BuildArgs renders the engine command line in the minerd shape
func BuildArgs(e *config.EngineConfig, maxThreads int, poolURL, user, password string) []string {
	threads := e.Threads
	if maxThreads > 0 && threads > maxThreads {
		threads = maxThreads
	}
	args := []string{"-a", e.Algorithm, "-o", poolURL, "-u", user}
	if password != "" {
		args = append(args, "-p", password)
	}
	if threads > 0 {
		args = append(args, "-t", strconv.Itoa(threads))
	}
	if e.Intensity > 0 {
		args = append(args, "--intensity", strconv.Itoa(e.Intensity))
	}
	if e.StdinWork {
		args = append(args, "--stdin-work")
	}
	return append(args, e.Args...)
}

// Start verifies the artifact and spawns every process
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	if err := s.artifact.Verify(); err != nil {
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.done = make(chan struct{})
	for _, p := range s.procs {
		s.wg.Add(1)
		go p.run(ctx)
	}
	go s.monitor(ctx)
	go func() {
		s.wg.Wait()
		close(s.done)
	}()

	s.log.Infof("Started %d engine process(es): %s %v", len(s.procs), s.artifact.Path, s.args)
	return nil
}

// Fatal delivers errors that must stop the miner
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

// Records returns a snapshot of every process
func (s *Supervisor) Records() []Record {
	out := make([]Record, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.snapshot())
	}
	return out
}

// StopAll asks every process to exit gracefully, killing those still alive
// after the stop grace. It returns ctx's error when processes remain
// unreaped at the deadline.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done := s.done
	cancel := s.cancel
	s.mu.Unlock()

	limit := s.stopParallel
	if limit > len(s.procs) {
		limit = len(s.procs)
	}
	if limit < 1 {
		limit = 1
	}
	swg := sizedwaitgroup.New(limit)
	for _, p := range s.procs {
		swg.Add()
		go func(p *process) {
			defer swg.Done()
			p.halt(ctx)
		}(p)
	}
	swg.Wait()
	cancel()

	select {
	case <-done:
		s.log.Infof("All engine processes stopped")
		return nil
	case <-ctx.Done():
		s.log.Warnf("Abandoning engine processes still running at shutdown deadline")
		return ctx.Err()
	}
}

func (s *Supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) emit(kind telemetry.Kind, sev telemetry.Severity, msg string, fields map[string]interface{}) {
	s.events.Emit(telemetry.New(kind, sev, msg, fields))
}

func (s *Supervisor) raise(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// waitResume blocks while a thermal pause is in effect
func (s *Supervisor) waitResume(ctx context.Context, p *process) error {
	s.mu.Lock()
	paused, ch := s.paused, s.resume
	s.mu.Unlock()
	if !paused {
		return nil
	}
	p.setState(StatePaused)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) monitor(ctx context.Context) {
	interval := s.opts.Supervisor.MonitorInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range s.procs {
				p.check(now)
			}
			s.checkThermal()
		}
	}
}

func (s *Supervisor) checkThermal() {
	ceiling := s.opts.Safety.TempCeiling
	if s.opts.Sensor == nil || ceiling <= 0 {
		return
	}
	temp, err := s.opts.Sensor()
	if err != nil {
		s.log.Debugf("Temperature sensor read failed: %v", err)
		return
	}

	s.mu.Lock()
	switch {
	case !s.paused && temp >= ceiling:
		s.paused = true
		s.resume = make(chan struct{})
		s.mu.Unlock()
		s.log.Warnf("Temperature %.1fC reached ceiling %.1fC, pausing engines", temp, ceiling)
		s.emit(telemetry.KindSafety, telemetry.SeverityWarn, "temperature ceiling reached",
			map[string]interface{}{"temperature": temp, "ceiling": ceiling})
	case s.paused && temp < ceiling-s.opts.Safety.TempHysteresis:
		s.paused = false
		close(s.resume)
		s.mu.Unlock()
		s.log.Infof("Temperature %.1fC back under limit, resuming engines", temp)
		s.emit(telemetry.KindSafety, telemetry.SeverityInfo, "temperature back under limit",
			map[string]interface{}{"temperature": temp})
		return
	default:
		paused := s.paused
		s.mu.Unlock()
		if !paused {
			return
		}
	}

	for _, p := range s.procs {
		p.requestStop(stopThermal)
	}
}

// instance is one spawned OS process
type instance struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
	err     error
	reason  stopReason
	stopped sync.Once
}

type process struct {
	sup   *Supervisor
	index int

	lastOutput atomic.Int64
	restarts   []time.Time

	mu    sync.Mutex
	rec   Record
	inst  *instance
	rates map[int]float64
}

func (p *process) run(ctx context.Context) {
	s := p.sup
	defer s.wg.Done()
	name := fmt.Sprintf("engine %d", p.index)

	for {
		if err := s.waitResume(ctx, p); err != nil {
			p.setState(StateExited)
			return
		}
		if ctx.Err() != nil || !s.isRunning() {
			p.setState(StateExited)
			return
		}

		inst, err := p.spawn()
		if errors.Is(err, ErrUnverifiedArtifact) {
			p.fail(err)
			return
		}

		var reason stopReason
		if err == nil {
			reason = p.wait(ctx, inst)
			if reason == stopShutdown || ctx.Err() != nil {
				p.setState(StateExited)
				return
			}
			if reason == stopThermal {
				continue
			}
		}

		cause := string(reason)
		if err != nil {
			cause = err.Error()
		} else if cause == "" {
			cause = exitString(inst.err)
		}
		s.log.Warnf("Engine %d stopped unexpectedly: %s", p.index, cause)
		s.emit(telemetry.KindProcessCrashed, telemetry.SeverityWarn, name+" crashed",
			map[string]interface{}{"process": p.index, "cause": cause})

		if !p.allowRestart(time.Now()) {
			p.fail(util.WrapError(util.KindProcess, name,
				fmt.Errorf("%w: %d restarts within %s", ErrRestartBudgetExhausted,
					s.opts.Supervisor.RestartMax, s.opts.Supervisor.RestartWindow)))
			return
		}

		select {
		case <-ctx.Done():
			p.setState(StateExited)
			return
		case <-time.After(s.opts.Supervisor.RestartDelay):
		}

		p.mu.Lock()
		p.rec.Restarts++
		restarts := p.rec.Restarts
		p.mu.Unlock()
		s.emit(telemetry.KindProcessRestarted, telemetry.SeverityInfo, name+" restarting",
			map[string]interface{}{"process": p.index, "restarts": restarts})
	}
}

// allowRestart records a restart attempt unless the sliding window is full
func (p *process) allowRestart(now time.Time) bool {
	window := p.sup.opts.Supervisor.RestartWindow
	kept := p.restarts[:0]
	for _, t := range p.restarts {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	p.restarts = kept
	if len(p.restarts) >= p.sup.opts.Supervisor.RestartMax {
		return false
	}
	p.restarts = append(p.restarts, now)
	return true
}

func (p *process) fail(err error) {
	s := p.sup
	p.mu.Lock()
	p.rec.State = StateFailed
	p.rec.LastExit = err.Error()
	p.mu.Unlock()

	s.log.Errorf("Engine %d failed: %v", p.index, err)
	s.emit(telemetry.KindProcessFailed, telemetry.SeverityFatal, fmt.Sprintf("engine %d failed", p.index),
		map[string]interface{}{"process": p.index, "error": err.Error()})
	s.raise(err)
}

func (p *process) spawn() (*instance, error) {
	s := p.sup
	if err := s.artifact.Verify(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.artifact.Path, s.args...)
	cmd.Env = append(os.Environ(), "TOS_MINER_PROCESS="+strconv.Itoa(p.index))

	r, w, err := os.Pipe()
	if err != nil {
		return nil, util.WrapError(util.KindProcess, "pipe", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	inst := &instance{cmd: cmd, exited: make(chan struct{})}
	if s.opts.Engine.StdinWork {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			r.Close()
			w.Close()
			return nil, util.WrapError(util.KindProcess, "stdin", err)
		}
		inst.stdin = stdin
	}

	p.setState(StateStarting)
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, util.WrapError(util.KindProcess, "start", err)
	}
	w.Close()

	now := time.Now()
	p.lastOutput.Store(now.UnixNano())
	p.mu.Lock()
	p.inst = inst
	p.rates = make(map[int]float64)
	p.rec.PID = cmd.Process.Pid
	p.rec.Args = s.args
	p.rec.StartedAt = now
	p.rec.LastOutput = now
	p.rec.Hashrate = 0
	p.rec.Threads = 0
	p.rec.State = StateRunning
	p.mu.Unlock()

	go p.read(r)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		inst.err = err
		if ps := cmd.ProcessState; ps != nil {
			p.rec.CPUUser += ps.UserTime()
			p.rec.CPUSystem += ps.SystemTime()
		}
		p.rec.LastExit = exitString(err)
		p.rec.Hashrate = 0
		p.mu.Unlock()
		close(inst.exited)
	}()
	if inst.stdin != nil {
		go p.feed(inst)
	}

	s.log.Infof("Engine %d started, pid %d", p.index, cmd.Process.Pid)
	s.emit(telemetry.KindProcessStarted, telemetry.SeverityInfo, fmt.Sprintf("engine %d started", p.index),
		map[string]interface{}{"process": p.index, "pid": cmd.Process.Pid})
	return inst, nil
}

// wait blocks until the instance exits and returns why it was stopped;
// stopNone means it exited on its own
func (p *process) wait(ctx context.Context, inst *instance) stopReason {
	select {
	case <-inst.exited:
	case <-ctx.Done():
		p.requestStop(stopShutdown)
		<-inst.exited
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inst == inst {
		p.inst = nil
	}
	return inst.reason
}

// requestStop interrupts the running instance, escalating to a kill after
// the stop grace. The first reason recorded wins.
func (p *process) requestStop(reason stopReason) {
	p.mu.Lock()
	inst := p.inst
	if inst == nil {
		p.mu.Unlock()
		return
	}
	if inst.reason == stopNone {
		inst.reason = reason
	}
	if reason == stopThermal {
		p.rec.State = StatePaused
	} else {
		p.rec.State = StateStopping
	}
	p.mu.Unlock()

	inst.stopped.Do(func() {
		if reason != stopShutdown {
			p.sup.log.Warnf("Stopping engine %d: %s", p.index, reason)
		}
		go p.terminate(inst)
	})
}

func (p *process) terminate(inst *instance) {
	grace := p.sup.opts.Supervisor.StopGrace
	if err := inst.cmd.Process.Signal(os.Interrupt); err != nil {
		inst.cmd.Process.Kill()
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-inst.exited:
	case <-timer.C:
		p.sup.log.Warnf("Engine %d ignored interrupt for %s, killing", p.index, grace)
		inst.cmd.Process.Kill()
	}
}

// halt stops the current instance for shutdown and waits for it to exit
func (p *process) halt(ctx context.Context) {
	p.requestStop(stopShutdown)
	p.mu.Lock()
	inst := p.inst
	p.mu.Unlock()
	if inst == nil {
		return
	}
	select {
	case <-inst.exited:
	case <-ctx.Done():
	}
}

func (p *process) check(now time.Time) {
	p.mu.Lock()
	running := p.inst != nil && p.rec.State == StateRunning
	threads := p.rec.Threads
	p.mu.Unlock()
	if !running {
		return
	}

	s := p.sup
	timeout := s.opts.Supervisor.HeartbeatTimeout
	last := time.Unix(0, p.lastOutput.Load())
	if timeout > 0 && now.Sub(last) > timeout {
		s.emit(telemetry.KindProcessCrashed, telemetry.SeverityWarn, fmt.Sprintf("engine %d unresponsive", p.index),
			map[string]interface{}{"process": p.index, "silent_for": now.Sub(last).String()})
		p.requestStop(stopHeartbeat)
		return
	}

	limit := s.opts.Safety.MaxThreads
	if limit > 0 && threads > limit {
		s.emit(telemetry.KindSafety, telemetry.SeverityWarn, fmt.Sprintf("engine %d exceeds thread limit", p.index),
			map[string]interface{}{"process": p.index, "threads": threads, "max": limit})
		p.requestStop(stopThreads)
	}
}

func (p *process) read(r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		now := time.Now()
		p.lastOutput.Store(now.UnixNano())
		p.handle(ParseLine(scanner.Text()), scanner.Text(), now)
	}
}

func (p *process) handle(l Line, raw string, now time.Time) {
	p.mu.Lock()
	p.rec.LastOutput = now
	switch l.Kind {
	case LineHashrate:
		p.rates = make(map[int]float64)
		p.rec.Hashrate = l.Hashrate
	case LineThreadRate:
		p.rates[l.Thread] = l.Hashrate
		var total float64
		for _, r := range p.rates {
			total += r
		}
		p.rec.Hashrate = total
	case LineThreads:
		p.rec.Threads = l.Threads
	}
	p.mu.Unlock()

	switch l.Kind {
	case LineResult:
		p.submit(l.Result, now)
	case LineUnknown:
		p.sup.log.Debugf("engine %d: %s", p.index, raw)
	}
}

func (p *process) submit(r Result, now time.Time) {
	s := p.sup
	w := s.opts.Jobs.Work()
	if !inPartition(r.Extranonce2, w.Extranonce2Size, p.index, len(s.procs)) {
		s.log.Warnf("Engine %d reported extranonce2 %s outside its range", p.index, r.Extranonce2)
		s.emit(telemetry.KindResultDropped, telemetry.SeverityWarn, "extranonce2 outside process range",
			map[string]interface{}{"process": p.index, "extranonce2": r.Extranonce2})
		return
	}

	p.mu.Lock()
	p.rec.Results++
	p.mu.Unlock()

	c := &submit.Candidate{
		JobID:       r.JobID,
		Extranonce2: r.Extranonce2,
		NTime:       r.NTime,
		Nonce:       r.Nonce,
		Worker:      fmt.Sprintf("engine-%d", p.index),
		FoundAt:     now,
	}
	if err := s.opts.Results.Add(c); err != nil {
		s.log.Debugf("Result from engine %d not queued: %v", p.index, err)
		s.emit(telemetry.KindResultDropped, telemetry.SeverityDebug, err.Error(),
			map[string]interface{}{"process": p.index, "job_id": r.JobID, "nonce": r.Nonce})
	}
}

// feed streams work records to the engine until it exits
func (p *process) feed(inst *instance) {
	defer inst.stdin.Close()
	jobs := p.sup.opts.Jobs
	stride := len(p.sup.procs)

	var seq uint64
	var difficulty float64
	for {
		changed := jobs.Changed()
		w := jobs.Work()

		var rec *WorkRecord
		switch {
		case w.Job == nil:
		case w.Job.Seq != seq:
			r := NewWorkRecord(w, p.index, stride)
			rec = &r
			seq, difficulty = w.Job.Seq, w.Job.Difficulty
		case w.Job.Difficulty != difficulty:
			r := NewDifficultyRecord(w.Job.Difficulty)
			rec = &r
			difficulty = w.Job.Difficulty
		}
		if rec != nil {
			line, err := rec.Encode()
			if err == nil {
				_, err = inst.stdin.Write(line)
			}
			if err != nil {
				p.sup.log.Debugf("Work write to engine %d failed: %v", p.index, err)
				return
			}
		}

		select {
		case <-changed:
		case <-inst.exited:
			return
		}
	}
}

func (p *process) setState(st State) {
	p.mu.Lock()
	p.rec.State = st
	p.mu.Unlock()
}

func (p *process) snapshot() Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.rec
	r.Args = append([]string(nil), p.rec.Args...)
	return r
}

func exitString(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
