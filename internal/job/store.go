package job

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tos-network/tos-miner/internal/stratum"
	"github.com/tos-network/tos-miner/internal/util"
)

// EvictReason says why a job left the store
type EvictReason string

const (
	EvictClean      EvictReason = "clean_jobs"
	EvictSuperseded EvictReason = "superseded"
	EvictExpired    EvictReason = "grace_expired"
	EvictSession    EvictReason = "session_changed"
)

// Work is the snapshot handed to engine processes. Previous is only set
// while its grace window is open.
type Work struct {
	Version         uint64
	Job             *Job
	Previous        *Job
	PreviousUntil   time.Time
	Extranonce1     string
	Extranonce2Size int
	Difficulty      float64
}

// Store keeps the current job and at most one predecessor
type Store struct {
	grace time.Duration
	log   *zap.SugaredLogger

	mu         sync.Mutex
	seq        uint64
	version    uint64
	difficulty float64
	en1        string
	en2Size    int
	current    *Job
	previous   *Job
	prevUntil  time.Time
	changed    chan struct{}

	work atomic.Pointer[Work]

	listenMu  sync.Mutex
	listeners []func(*Job, EvictReason)
}

// NewStore creates a store that keeps a superseded job for grace
func NewStore(grace time.Duration) *Store {
	s := &Store{
		grace:   grace,
		log:     util.Named("job"),
		changed: make(chan struct{}),
	}
	s.work.Store(&Work{})
	return s
}

// OnEvict registers a listener called after a job is evicted
func (s *Store) OnEvict(fn func(*Job, EvictReason)) {
	s.listenMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenMu.Unlock()
}

// Work returns the latest snapshot
func (s *Store) Work() *Work {
	return s.work.Load()
}

// Current returns the current job or nil
func (s *Store) Current() *Job {
	return s.work.Load().Job
}

// Changed returns a channel closed at the next snapshot change
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Update stores a new job from the pool. With CleanJobs set every older job
// is evicted at once; otherwise the old current job stays valid for the
// grace window and anything older is evicted.
func (s *Store) Update(n *stratum.Notify) (*Job, error) {
	j, err := FromNotify(n)
	if err != nil {
		return nil, err
	}

	type eviction struct {
		job    *Job
		reason EvictReason
	}
	var evicted []eviction

	s.mu.Lock()
	s.seq++
	j.Seq = s.seq
	j.Difficulty = s.difficulty

	if s.previous != nil {
		reason := EvictSuperseded
		if j.CleanJobs {
			reason = EvictClean
		}
		evicted = append(evicted, eviction{s.previous, reason})
		s.previous = nil
	}
	if s.current != nil {
		switch {
		case j.CleanJobs:
			evicted = append(evicted, eviction{s.current, EvictClean})
		case s.grace <= 0:
			evicted = append(evicted, eviction{s.current, EvictSuperseded})
		default:
			s.previous = s.current
			s.prevUntil = j.ReceivedAt.Add(s.grace)
		}
	}
	s.current = j
	s.publishLocked()
	s.mu.Unlock()

	s.log.Debugf("Job %s (seq %d) clean=%v diff=%v", j.ID, j.Seq, j.CleanJobs, j.Difficulty)
	for _, e := range evicted {
		s.evict(e.job, e.reason)
	}
	return j, nil
}

// SetDifficulty applies a new target to the current job and to every job
// received afterwards. A job retained as previous keeps its own target.
func (s *Store) SetDifficulty(d float64) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.difficulty = d
	if s.current != nil {
		s.current = s.current.withDifficulty(d)
	}
	s.publishLocked()
	s.mu.Unlock()
}

// Difficulty returns the latest pool difficulty
func (s *Store) Difficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

// SetSession records the extranonce assignment of a new session. Jobs from
// an earlier session are evicted since their coinbase no longer matches.
func (s *Store) SetSession(extranonce1 string, extranonce2Size int) {
	var evicted []*Job

	s.mu.Lock()
	if s.en1 == extranonce1 && s.en2Size == extranonce2Size {
		s.mu.Unlock()
		return
	}
	hadSession := s.en2Size > 0
	s.en1 = extranonce1
	s.en2Size = extranonce2Size
	if hadSession {
		if s.previous != nil {
			evicted = append(evicted, s.previous)
		}
		if s.current != nil {
			evicted = append(evicted, s.current)
		}
		s.previous, s.current = nil, nil
	}
	s.publishLocked()
	s.mu.Unlock()

	for _, j := range evicted {
		s.evict(j, EvictSession)
	}
}

// Lookup finds a job that still accepts results
func (s *Store) Lookup(id string) (*Job, bool) {
	w := s.work.Load()
	if w.Job != nil && w.Job.ID == id {
		return w.Job, true
	}
	if w.Previous != nil && w.Previous.ID == id && time.Now().Before(w.PreviousUntil) {
		return w.Previous, true
	}
	return nil, false
}

// Expire evicts the previous job once its grace window has passed
func (s *Store) Expire(now time.Time) {
	s.mu.Lock()
	if s.previous == nil || now.Before(s.prevUntil) {
		s.mu.Unlock()
		return
	}
	j := s.previous
	s.previous = nil
	s.publishLocked()
	s.mu.Unlock()

	s.evict(j, EvictExpired)
}

// Run expires retained jobs until ctx ends
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Expire(now)
		}
	}
}

// Must be called with mu held
func (s *Store) publishLocked() {
	s.version++
	w := &Work{
		Version:         s.version,
		Job:             s.current,
		Extranonce1:     s.en1,
		Extranonce2Size: s.en2Size,
		Difficulty:      s.difficulty,
	}
	if s.previous != nil {
		w.Previous = s.previous
		w.PreviousUntil = s.prevUntil
	}
	s.work.Store(w)
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) evict(j *Job, reason EvictReason) {
	s.log.Debugf("Evicted job %s (%s)", j.ID, reason)
	s.listenMu.Lock()
	listeners := append([]func(*Job, EvictReason){}, s.listeners...)
	s.listenMu.Unlock()
	for _, fn := range listeners {
		fn(j, reason)
	}
}
