// Package submit serializes candidate results from the engines to the pool.
package submit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/job"
	"github.com/tos-network/tos-miner/internal/stratum"
	"github.com/tos-network/tos-miner/internal/util"
)

var (
	ErrQueueClosed    = errors.New("submission queue closed")
	ErrQueueFull      = errors.New("submission queue full")
	ErrStaleJob       = errors.New("job no longer valid")
	ErrDuplicate      = errors.New("duplicate result")
	ErrBadExtranonce2 = errors.New("extranonce2 size mismatch")
	ErrLowDifficulty  = errors.New("hash above share target")
)

// Status is the acknowledgment state of a candidate
type Status string

const (
	StatusPending        Status = "pending"
	StatusAccepted       Status = "accepted"
	StatusStale          Status = "rejected_stale"
	StatusDuplicate      Status = "rejected_duplicate"
	StatusLowDifficulty  Status = "rejected_low_difficulty"
	StatusOther          Status = "rejected_other"
	StatusUnacknowledged Status = "unacknowledged"
	StatusDropped        Status = "dropped"
)

// Rejected reports whether the pool refused the result
func (s Status) Rejected() bool {
	switch s {
	case StatusStale, StatusDuplicate, StatusLowDifficulty, StatusOther:
		return true
	}
	return false
}

// Candidate is one result found by an engine process
type Candidate struct {
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
	Worker      string
	FoundAt     time.Time

	Status     Status
	Reason     string
	Difficulty float64
	RequestID  uint64
	SentAt     time.Time
	AckedAt    time.Time
}

type dedupKey struct {
	jobID, nonce, en2 string
}

func (c *Candidate) key() dedupKey {
	return dedupKey{c.JobID, strings.ToLower(c.Nonce), strings.ToLower(c.Extranonce2)}
}

// Counters are the cumulative queue statistics
type Counters struct {
	Submitted          uint64
	Accepted           uint64
	Stale              uint64
	Duplicate          uint64
	LowDifficulty      uint64
	Other              uint64
	Unacknowledged     uint64
	Dropped            uint64
	DroppedStale       uint64
	DroppedDuplicate   uint64
	DroppedLowDiff     uint64
	HooksSkipped       uint64
	Pending            int64
	AcceptedDifficulty float64
}

// Rejected sums the classified pool rejections
func (c Counters) Rejected() uint64 {
	return c.Stale + c.Duplicate + c.LowDifficulty + c.Other
}

// Client is the part of the stratum client the queue needs
type Client interface {
	Submit(jobID, extranonce2, ntime, nonce string, timeout time.Duration, done chan *stratum.Call) *stratum.Call
}

// Jobs is the part of the job store the queue needs
type Jobs interface {
	Lookup(id string) (*job.Job, bool)
	Work() *job.Work
}

// Queue is a FIFO of candidates drained by a single consumer
type Queue struct {
	cfg    *config.SubmitConfig
	client Client
	jobs   Jobs
	log    *zap.SugaredLogger

	in      chan *Candidate
	acks    chan *stratum.Call
	results chan Candidate

	mu       sync.Mutex
	closed   bool
	seen     map[dedupKey]struct{}
	byJob    map[string][]dedupKey
	inflight map[*stratum.Call]*Candidate

	submitted        atomic.Uint64
	accepted         atomic.Uint64
	stale            atomic.Uint64
	duplicate        atomic.Uint64
	lowDifficulty    atomic.Uint64
	other            atomic.Uint64
	unacknowledged   atomic.Uint64
	dropped          atomic.Uint64
	droppedStale     atomic.Uint64
	droppedDuplicate atomic.Uint64
	droppedLowDiff   atomic.Uint64
	hooksSkipped     atomic.Uint64
	pending          atomic.Int64

	diffMu       sync.Mutex
	acceptedDiff float64

	onResult func(Candidate)
}

// NewQueue creates a queue sending through client and validating against jobs
func NewQueue(cfg *config.SubmitConfig, client Client, jobs Jobs) *Queue {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Queue{
		cfg:      cfg,
		client:   client,
		jobs:     jobs,
		log:      util.Named("submit"),
		in:       make(chan *Candidate, size),
		acks:     make(chan *stratum.Call, size),
		results:  make(chan Candidate, 2*size),
		seen:     make(map[dedupKey]struct{}),
		byJob:    make(map[string][]dedupKey),
		inflight: make(map[*stratum.Call]*Candidate),
	}
}

// OnResult sets the callback fired once per candidate when it reaches a
// final status. It runs on a goroutine of its own started by Run, so a slow
// callback never holds up Add or transmission. Results that find its backlog
// full skip the callback.
func (q *Queue) OnResult(fn func(Candidate)) {
	q.onResult = fn
}

// Add validates and enqueues a candidate
func (q *Queue) Add(c *Candidate) error {
	if c.FoundAt.IsZero() {
		c.FoundAt = time.Now()
	}
	c.Status = StatusPending

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	w := q.jobs.Work()
	j, ok := q.jobs.Lookup(c.JobID)
	if !ok {
		q.droppedStale.Add(1)
		c.Status, c.Reason = StatusStale, "job not current"
		q.notify(c)
		return fmt.Errorf("%w: %s", ErrStaleJob, c.JobID)
	}
	if w.Extranonce2Size > 0 {
		if _, err := util.DecodeExtraNonce2(c.Extranonce2, w.Extranonce2Size); err != nil {
			q.dropped.Add(1)
			c.Status, c.Reason = StatusDropped, err.Error()
			q.notify(c)
			return fmt.Errorf("%w: %v", ErrBadExtranonce2, err)
		}
	}
	c.Difficulty = j.Difficulty
	if q.cfg.VerifyShares {
		if err := q.verify(j, w.Extranonce1, c); err != nil {
			return err
		}
	}

	k := c.key()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if _, dup := q.seen[k]; dup {
		q.mu.Unlock()
		q.droppedDuplicate.Add(1)
		return fmt.Errorf("%w: job=%s nonce=%s extranonce2=%s", ErrDuplicate, c.JobID, c.Nonce, c.Extranonce2)
	}
	select {
	case q.in <- c:
	default:
		q.mu.Unlock()
		q.dropped.Add(1)
		c.Status, c.Reason = StatusDropped, "queue full"
		q.notify(c)
		return ErrQueueFull
	}
	q.seen[k] = struct{}{}
	q.byJob[c.JobID] = append(q.byJob[c.JobID], k)
	q.pending.Add(1)
	q.mu.Unlock()
	return nil
}

// verify drops a candidate whose header hash misses the job's share target
func (q *Queue) verify(j *job.Job, extranonce1 string, c *Candidate) error {
	hash, err := j.ShareHash(extranonce1, c.Extranonce2, c.NTime, c.Nonce)
	if err != nil {
		q.dropped.Add(1)
		c.Status, c.Reason = StatusDropped, err.Error()
		q.notify(c)
		return fmt.Errorf("job %s: %w", c.JobID, err)
	}
	if !job.MeetsDifficulty(hash, j.Difficulty) {
		q.droppedLowDiff.Add(1)
		c.Status, c.Reason = StatusDropped, ErrLowDifficulty.Error()
		q.notify(c)
		return fmt.Errorf("%w: job=%s hash=%s", ErrLowDifficulty, c.JobID, hash)
	}
	return nil
}

// JobEvicted forgets dedup keys of a job that left the store. Queued
// candidates for it are dropped as stale when they reach the head. Keys are
// kept while a re-sent job with the same ID is still live.
func (q *Queue) JobEvicted(j *job.Job, reason job.EvictReason) {
	if live, ok := q.jobs.Lookup(j.ID); ok && live.Seq != j.Seq {
		return
	}
	q.mu.Lock()
	for _, k := range q.byJob[j.ID] {
		delete(q.seen, k)
	}
	delete(q.byJob, j.ID)
	q.mu.Unlock()
}

// Run is the single consumer. It transmits candidates in arrival order and
// classifies acknowledgments until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	stop := make(chan struct{})
	hooksDone := make(chan struct{})
	go q.dispatch(stop, hooksDone)
	defer func() {
		close(stop)
		<-hooksDone
	}()

	for {
		// Stop taking new work while every ack slot is in use
		in := q.in
		q.mu.Lock()
		if len(q.inflight) >= cap(q.acks) {
			in = nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.abandon()
			return
		case c := <-in:
			q.transmit(c)
		case call := <-q.acks:
			q.complete(call)
		}
	}
}

func (q *Queue) transmit(c *Candidate) {
	if _, ok := q.jobs.Lookup(c.JobID); !ok {
		q.droppedStale.Add(1)
		q.finish(c, StatusStale, "job evicted before transmission")
		return
	}

	call := q.client.Submit(c.JobID, c.Extranonce2, c.NTime, c.Nonce, q.cfg.AckTimeout, q.acks)
	c.SentAt = time.Now()
	q.mu.Lock()
	q.inflight[call] = c
	q.mu.Unlock()
	q.submitted.Add(1)
}

func (q *Queue) complete(call *stratum.Call) {
	q.mu.Lock()
	c, ok := q.inflight[call]
	delete(q.inflight, call)
	q.mu.Unlock()
	if !ok {
		return
	}

	c.RequestID = call.ID
	c.AckedAt = time.Now()
	status, reason := Classify(call.Result, call.Error)
	switch status {
	case StatusAccepted:
		q.accepted.Add(1)
		q.diffMu.Lock()
		q.acceptedDiff += c.Difficulty
		q.diffMu.Unlock()
	case StatusStale:
		q.stale.Add(1)
	case StatusDuplicate:
		q.duplicate.Add(1)
	case StatusLowDifficulty:
		q.lowDifficulty.Add(1)
	case StatusOther:
		q.other.Add(1)
	case StatusUnacknowledged:
		q.unacknowledged.Add(1)
		q.log.Warnf("Result job=%s nonce=%s unacknowledged: %s", c.JobID, c.Nonce, reason)
	case StatusDropped:
		q.dropped.Add(1)
	}
	q.finish(c, status, reason)
}

func (q *Queue) finish(c *Candidate, status Status, reason string) {
	c.Status = status
	c.Reason = reason
	q.pending.Add(-1)
	switch {
	case status == StatusAccepted:
		q.log.Infof("Result accepted: job=%s nonce=%s worker=%s", c.JobID, c.Nonce, c.Worker)
	case status.Rejected():
		q.log.Warnf("Result rejected (%s): job=%s nonce=%s %s", status, c.JobID, c.Nonce, reason)
	}
	q.notify(c)
}

func (q *Queue) notify(c *Candidate) {
	if q.onResult == nil {
		return
	}
	select {
	case q.results <- *c:
	default:
		q.hooksSkipped.Add(1)
		q.log.Warnf("Result callback backlog full, skipping job=%s nonce=%s status=%s", c.JobID, c.Nonce, c.Status)
	}
}

// dispatch runs the result callback. After stop it delivers what is
// already buffered and returns.
func (q *Queue) dispatch(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case c := <-q.results:
			q.onResult(c)
		case <-stop:
			for {
				select {
				case c := <-q.results:
					q.onResult(c)
				default:
					return
				}
			}
		}
	}
}

// abandon retires whatever is still queued or in flight at exit
func (q *Queue) abandon() {
	for {
		select {
		case c := <-q.in:
			q.dropped.Add(1)
			q.finish(c, StatusDropped, "shutdown")
		default:
			q.mu.Lock()
			left := make([]*Candidate, 0, len(q.inflight))
			for call, c := range q.inflight {
				left = append(left, c)
				delete(q.inflight, call)
			}
			q.mu.Unlock()
			for _, c := range left {
				q.unacknowledged.Add(1)
				q.finish(c, StatusUnacknowledged, "shutdown")
			}
			return
		}
	}
}

// Close stops accepting new candidates
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Drain closes the queue and waits until everything queued has been
// transmitted and acknowledged, or ctx ends
func (q *Queue) Drain(ctx context.Context) error {
	q.Close()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.pending.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain abandoned with %d pending: %w", q.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Counters returns a copy of the statistics
func (q *Queue) Counters() Counters {
	q.diffMu.Lock()
	diff := q.acceptedDiff
	q.diffMu.Unlock()
	return Counters{
		Submitted:          q.submitted.Load(),
		Accepted:           q.accepted.Load(),
		Stale:              q.stale.Load(),
		Duplicate:          q.duplicate.Load(),
		LowDifficulty:      q.lowDifficulty.Load(),
		Other:              q.other.Load(),
		Unacknowledged:     q.unacknowledged.Load(),
		Dropped:            q.dropped.Load(),
		DroppedStale:       q.droppedStale.Load(),
		DroppedDuplicate:   q.droppedDuplicate.Load(),
		DroppedLowDiff:     q.droppedLowDiff.Load(),
		HooksSkipped:       q.hooksSkipped.Load(),
		Pending:            q.pending.Load(),
		AcceptedDifficulty: diff,
	}
}

// Classify maps a submit response to a status and reason
func Classify(result []byte, err error) (Status, string) {
	if err == nil {
		if stratum.ParseBoolResult(result) {
			return StatusAccepted, ""
		}
		return StatusOther, "pool returned false"
	}

	if errors.Is(err, stratum.ErrRequestTimeout) || errors.Is(err, stratum.ErrConnectionLost) {
		return StatusUnacknowledged, err.Error()
	}
	if errors.Is(err, stratum.ErrNotConnected) {
		return StatusDropped, err.Error()
	}

	var rpcErr *stratum.RPCError
	if !errors.As(err, &rpcErr) {
		return StatusOther, err.Error()
	}
	msg := strings.ToLower(rpcErr.Message)
	switch {
	case rpcErr.Code == stratum.ErrorJobNotFound, strings.Contains(msg, "stale"), strings.Contains(msg, "job not found"):
		return StatusStale, rpcErr.Message
	case rpcErr.Code == stratum.ErrorDuplicateShare, strings.Contains(msg, "duplicate"):
		return StatusDuplicate, rpcErr.Message
	case rpcErr.Code == stratum.ErrorLowDifficulty, strings.Contains(msg, "low difficulty"):
		return StatusLowDifficulty, rpcErr.Message
	default:
		return StatusOther, rpcErr.Message
	}
}
