// Package stats samples the client, queue and supervisor into immutable
// snapshots and turns notable transitions into telemetry events.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"
	"go.uber.org/zap"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/job"
	"github.com/tos-network/tos-miner/internal/stratum"
	"github.com/tos-network/tos-miner/internal/submit"
	"github.com/tos-network/tos-miner/internal/supervisor"
	"github.com/tos-network/tos-miner/internal/telemetry"
	"github.com/tos-network/tos-miner/internal/util"
)

// Client is the protocol client view the aggregator needs
type Client interface {
	Session() stratum.Session
	Upstreams() []stratum.UpstreamState
}

// Queue exposes submission counters
type Queue interface {
	Counters() submit.Counters
}

// Processes exposes supervised process records
type Processes interface {
	Records() []supervisor.Record
}

// Jobs exposes the current work snapshot
type Jobs interface {
	Work() *job.Work
}

// Recorder persists snapshots, e.g. to Redis or InfluxDB
type Recorder interface {
	Name() string
	Record(ctx context.Context, s *Snapshot) error
}

// Snapshot is an immutable view of the miner at one instant
type Snapshot struct {
	Time        time.Time `json:"time"`
	Started     time.Time `json:"started"`
	UptimeHuman string    `json:"uptime"`

	State          string                  `json:"state"`
	Pool           string                  `json:"pool"`
	Difficulty     float64                 `json:"difficulty"`
	JobID          string                  `json:"job_id"`
	ConnectedAt    time.Time               `json:"connected_at"`
	ConnUptime     time.Duration           `json:"connection_uptime"`
	Reconnects     uint64                  `json:"reconnects"`
	LastError      string                  `json:"last_error,omitempty"`
	Upstreams      []stratum.UpstreamState `json:"upstreams"`

	Accepted       uint64  `json:"accepted"`
	Rejected       uint64  `json:"rejected"`
	Stale          uint64  `json:"stale"`
	Duplicate      uint64  `json:"duplicate"`
	LowDifficulty  uint64  `json:"low_difficulty"`
	Other          uint64  `json:"other"`
	Pending        int64   `json:"pending"`
	Unacknowledged uint64  `json:"unacknowledged"`
	Dropped        uint64  `json:"dropped"`
	AcceptedRatio  float64 `json:"accepted_ratio"`

	Hashrate          float64             `json:"hashrate"`
	EffectiveHashrate float64             `json:"effective_hashrate"`
	Restarts          int                 `json:"restarts"`
	Health            string              `json:"health"`
	Processes         []supervisor.Record `json:"processes"`
}

type diffSample struct {
	at   time.Time
	diff float64
}

// Aggregator owns the snapshot; Sample is its only writer
type Aggregator struct {
	cfg     *config.StatsConfig
	client  Client
	queue   Queue
	jobs    Jobs
	events  telemetry.Emitter
	log     *zap.SugaredLogger
	started time.Time

	procs     atomic.Value // processesBox
	snapshot  atomic.Pointer[Snapshot]
	recorders []Recorder

	sampleMu sync.Mutex
	samples  []diffSample

	mu      sync.Mutex
	lastJob string
}

// New creates an aggregator. Processes may be attached later.
func New(cfg *config.StatsConfig, client Client, queue Queue, jobs Jobs, events telemetry.Emitter) *Aggregator {
	if events == nil {
		events = telemetry.Discard
	}
	a := &Aggregator{
		cfg:     cfg,
		client:  client,
		queue:   queue,
		jobs:    jobs,
		events:  events,
		log:     util.Named("stats"),
		started: time.Now(),
	}
	a.snapshot.Store(&Snapshot{Time: a.started, Started: a.started, State: stratum.StateDisconnected.String(), Health: "degraded"})
	return a
}

// SetProcesses attaches the process source
func (a *Aggregator) SetProcesses(p Processes) {
	a.procs.Store(processesBox{p})
}

type processesBox struct{ Processes }

// AddRecorder registers a snapshot recorder; call before Run
func (a *Aggregator) AddRecorder(r Recorder) {
	a.recorders = append(a.recorders, r)
}

// Snapshot returns the latest snapshot; never nil
func (a *Aggregator) Snapshot() *Snapshot {
	return a.snapshot.Load()
}

// Run samples on the configured interval until ctx ends
func (a *Aggregator) Run(ctx context.Context) {
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.Sample(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s := a.Sample(now)
			for _, r := range a.recorders {
				rctx, cancel := context.WithTimeout(ctx, interval)
				if err := r.Record(rctx, s); err != nil {
					a.log.Warnf("Failed to record stats to %s: %v", r.Name(), err)
				}
				cancel()
			}
		}
	}
}

// Sample builds and publishes a new snapshot
func (a *Aggregator) Sample(now time.Time) *Snapshot {
	a.sampleMu.Lock()
	defer a.sampleMu.Unlock()

	s := &Snapshot{
		Time:        now,
		Started:     a.started,
		UptimeHuman: HumanDuration(now.Sub(a.started)),
	}

	if a.client != nil {
		sess := a.client.Session()
		s.State = sess.State.String()
		s.Pool = sess.URL
		s.Difficulty = sess.Difficulty
		s.ConnectedAt = sess.ConnectedAt
		s.Reconnects = sess.Reconnects
		s.LastError = sess.LastError
		if !sess.ConnectedAt.IsZero() && sess.State != stratum.StateReconnecting && sess.State != stratum.StateClosed {
			s.ConnUptime = now.Sub(sess.ConnectedAt)
		}
		s.Upstreams = a.client.Upstreams()
	}

	if a.jobs != nil {
		if w := a.jobs.Work(); w != nil && w.Job != nil {
			s.JobID = w.Job.ID
		}
	}

	if a.queue != nil {
		c := a.queue.Counters()
		s.Accepted = c.Accepted
		s.Rejected = c.Rejected()
		s.Stale = c.Stale
		s.Duplicate = c.Duplicate
		s.LowDifficulty = c.LowDifficulty
		s.Other = c.Other
		s.Pending = c.Pending
		s.Unacknowledged = c.Unacknowledged
		s.Dropped = c.Dropped + c.DroppedStale + c.DroppedDuplicate + c.DroppedLowDiff
		s.AcceptedRatio = AcceptedRatio(c.Accepted, s.Rejected)
		s.EffectiveHashrate = a.effectiveHashrate(now, c.AcceptedDifficulty)
	}

	if box, ok := a.procs.Load().(processesBox); ok && box.Processes != nil {
		s.Processes = box.Records()
		sum := supervisor.Summarize(s.Processes)
		s.Hashrate = sum.Hashrate
		s.Restarts = sum.Restarts
		s.Health = sum.Health
	} else {
		s.Health = "degraded"
	}

	a.snapshot.Store(s)
	return s
}

// effectiveHashrate estimates H/s from accepted share difficulty over the
// configured window
func (a *Aggregator) effectiveHashrate(now time.Time, accepted float64) float64 {
	window := a.cfg.HashrateWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	a.samples = append(a.samples, diffSample{at: now, diff: accepted})
	cut := 0
	for cut < len(a.samples)-1 && now.Sub(a.samples[cut].at) > window {
		cut++
	}
	a.samples = a.samples[cut:]

	first := a.samples[0]
	return util.HashrateFromShares(accepted-first.diff, now.Sub(first.at).Seconds())
}

// AcceptedRatio is accepted / (accepted + rejected), 0 with no results
func AcceptedRatio(accepted, rejected uint64) float64 {
	total := accepted + rejected
	if total == 0 {
		return 0
	}
	return float64(accepted) / float64(total)
}

// HumanDuration renders d with its two most significant units
func HumanDuration(d time.Duration) string {
	if d < time.Second {
		return "0 seconds"
	}
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).String()
}

// ObserveState turns client transitions into events
func (a *Aggregator) ObserveState(from, to stratum.State, s stratum.Session) {
	fields := map[string]interface{}{"from": from.String(), "to": to.String(), "pool": s.URL}
	switch to {
	case stratum.StateReconnecting:
		fields["reconnects"] = s.Reconnects
		if s.LastError != "" {
			fields["error"] = s.LastError
		}
		a.emit(telemetry.KindReconnect, telemetry.SeverityWarn, "reconnecting to pool", fields)
	case stratum.StateActive:
		a.emit(telemetry.KindStateChanged, telemetry.SeverityInfo, "mining active", fields)
	default:
		a.emit(telemetry.KindStateChanged, telemetry.SeverityDebug, "client "+to.String(), fields)
	}
}

// ObserveJob reports a new job once per id
func (a *Aggregator) ObserveJob(j *job.Job) {
	a.mu.Lock()
	if a.lastJob == j.ID {
		a.mu.Unlock()
		return
	}
	a.lastJob = j.ID
	a.mu.Unlock()
	a.emit(telemetry.KindJobReceived, telemetry.SeverityDebug, "job "+j.ID, map[string]interface{}{
		"job_id":     j.ID,
		"clean_jobs": j.CleanJobs,
		"difficulty": j.Difficulty,
	})
}

// ObserveDifficulty reports a target change
func (a *Aggregator) ObserveDifficulty(d float64) {
	a.emit(telemetry.KindDifficulty, telemetry.SeverityInfo, "difficulty changed",
		map[string]interface{}{"difficulty": d})
}

// ObserveResult reports a candidate's final status
func (a *Aggregator) ObserveResult(c submit.Candidate) {
	fields := map[string]interface{}{
		"job_id":      c.JobID,
		"nonce":       c.Nonce,
		"extranonce2": c.Extranonce2,
		"worker":      c.Worker,
		"status":      string(c.Status),
	}
	if c.Reason != "" {
		fields["reason"] = c.Reason
	}
	switch {
	case c.Status == submit.StatusAccepted:
		fields["difficulty"] = c.Difficulty
		a.emit(telemetry.KindResultAccepted, telemetry.SeverityInfo, "result accepted", fields)
	case c.Status.Rejected():
		a.emit(telemetry.KindResultRejected, telemetry.SeverityWarn, "result rejected: "+string(c.Status), fields)
	default:
		a.emit(telemetry.KindResultDropped, telemetry.SeverityWarn, "result "+string(c.Status), fields)
	}
}

func (a *Aggregator) emit(kind telemetry.Kind, sev telemetry.Severity, msg string, fields map[string]interface{}) {
	a.events.Emit(telemetry.New(kind, sev, msg, fields))
}
