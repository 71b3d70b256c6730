package job

import (
	"context"
	"sync"
	"testing"
	"time"
)

type evictLog struct {
	mu     sync.Mutex
	events []string
}

func (l *evictLog) record(j *Job, reason EvictReason) {
	l.mu.Lock()
	l.events = append(l.events, j.ID+":"+string(reason))
	l.mu.Unlock()
}

func (l *evictLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestStoreCleanJobsEvictsImmediately(t *testing.T) {
	s := NewStore(30 * time.Second)
	var log evictLog
	s.OnEvict(log.record)

	s.Update(sampleNotify("j1", false))
	s.Update(sampleNotify("j2", false))
	if _, ok := s.Lookup("j1"); !ok {
		t.Fatal("j1 should be retained within grace")
	}

	j3, err := s.Update(sampleNotify("j3", true))
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"j1", "j2"} {
		if _, ok := s.Lookup(id); ok {
			t.Errorf("%s still valid after clean job", id)
		}
	}
	w := s.Work()
	if w.Job != j3 || w.Previous != nil {
		t.Errorf("unexpected work %+v", w)
	}

	want := []string{"j1:clean_jobs", "j2:clean_jobs"}
	got := log.get()
	if len(got) != len(want) {
		t.Fatalf("evictions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("evictions = %v, want %v", got, want)
		}
	}
}

func TestStoreKeepsAtMostTwoJobs(t *testing.T) {
	s := NewStore(time.Minute)
	var log evictLog
	s.OnEvict(log.record)

	var last *Job
	for _, id := range []string{"a", "b", "c", "d"} {
		j, err := s.Update(sampleNotify(id, false))
		if err != nil {
			t.Fatal(err)
		}
		if last != nil && j.Seq <= last.Seq {
			t.Fatalf("Seq not increasing: %d after %d", j.Seq, last.Seq)
		}
		last = j
	}

	w := s.Work()
	if w.Job.ID != "d" || w.Previous == nil || w.Previous.ID != "c" {
		t.Fatalf("work holds %v / %v", w.Job, w.Previous)
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := s.Lookup(id); ok {
			t.Errorf("%s should be gone", id)
		}
	}
	if got := log.get(); len(got) != 2 || got[0] != "a:superseded" || got[1] != "b:superseded" {
		t.Errorf("evictions = %v", got)
	}
}

// Difficulty 16 arrives, then a job with clean_jobs=false: the previous job
// stays usable while the new job carries the new target
func TestStoreDifficultyThenJob(t *testing.T) {
	s := NewStore(time.Minute)
	s.SetDifficulty(1)
	j1, _ := s.Update(sampleNotify("j1", true))
	if j1.Difficulty != 1 {
		t.Fatalf("j1 difficulty = %v", j1.Difficulty)
	}

	s.SetDifficulty(16)
	if got := s.Current().Difficulty; got != 16 {
		t.Errorf("current difficulty = %v, want 16", got)
	}

	j2, _ := s.Update(sampleNotify("j2", false))
	if j2.Difficulty != 16 {
		t.Errorf("j2 difficulty = %v, want 16", j2.Difficulty)
	}
	prev, ok := s.Lookup("j1")
	if !ok {
		t.Fatal("j1 should remain valid for in-flight results")
	}
	if prev.Difficulty != 16 {
		t.Errorf("previous difficulty = %v", prev.Difficulty)
	}

	// A later target change only touches the current job
	s.SetDifficulty(32)
	prev, _ = s.Lookup("j1")
	if prev.Difficulty != 16 || s.Current().Difficulty != 32 {
		t.Errorf("previous=%v current=%v", prev.Difficulty, s.Current().Difficulty)
	}
	if s.Work().Difficulty != 32 || s.Difficulty() != 32 {
		t.Errorf("work difficulty = %v", s.Work().Difficulty)
	}

	s.SetDifficulty(0)
	if s.Difficulty() != 32 {
		t.Error("non-positive difficulty must be ignored")
	}
}

func TestStoreGraceExpiry(t *testing.T) {
	s := NewStore(50 * time.Millisecond)
	var log evictLog
	s.OnEvict(log.record)

	s.Update(sampleNotify("j1", false))
	s.Update(sampleNotify("j2", false))

	s.Expire(time.Now())
	if _, ok := s.Lookup("j1"); !ok {
		t.Fatal("j1 expired too early")
	}

	s.Expire(time.Now().Add(time.Second))
	if _, ok := s.Lookup("j1"); ok {
		t.Fatal("j1 should be expired")
	}
	if s.Work().Previous != nil {
		t.Error("previous still in snapshot")
	}
	if got := log.get(); len(got) != 1 || got[0] != "j1:grace_expired" {
		t.Errorf("evictions = %v", got)
	}
}

func TestStoreRunExpires(t *testing.T) {
	s := NewStore(20 * time.Millisecond)
	s.Update(sampleNotify("j1", false))
	s.Update(sampleNotify("j2", false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for s.Work().Previous != nil {
		if time.Now().After(deadline) {
			t.Fatal("previous job never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStoreZeroGrace(t *testing.T) {
	s := NewStore(0)
	s.Update(sampleNotify("j1", false))
	s.Update(sampleNotify("j2", false))
	if _, ok := s.Lookup("j1"); ok {
		t.Error("zero grace must not retain the previous job")
	}
}

func TestStoreSessionChange(t *testing.T) {
	s := NewStore(time.Minute)
	var log evictLog
	s.OnEvict(log.record)

	s.SetSession("ae6812eb4cd7735a302a8a9dd95cf71f", 4)
	s.Update(sampleNotify("j1", false))

	// Same session is a no-op
	s.SetSession("ae6812eb4cd7735a302a8a9dd95cf71f", 4)
	if s.Current() == nil {
		t.Fatal("job dropped on unchanged session")
	}

	s.SetSession("0badc0de", 4)
	if s.Current() != nil {
		t.Error("jobs from the old session must be evicted")
	}
	w := s.Work()
	if w.Extranonce1 != "0badc0de" || w.Extranonce2Size != 4 {
		t.Errorf("work session = %q/%d", w.Extranonce1, w.Extranonce2Size)
	}
	if got := log.get(); len(got) != 1 || got[0] != "j1:session_changed" {
		t.Errorf("evictions = %v", got)
	}
}

func TestStoreChangedSignals(t *testing.T) {
	s := NewStore(time.Minute)
	ch := s.Changed()
	v := s.Work().Version

	s.Update(sampleNotify("j1", false))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Changed() not signalled")
	}
	if s.Work().Version <= v {
		t.Error("version should increase")
	}

	if _, err := s.Update(sampleNotify("", false)); err == nil {
		t.Error("invalid notify should be rejected")
	}
	if s.Current().ID != "j1" {
		t.Error("rejected notify must not replace the current job")
	}
}
