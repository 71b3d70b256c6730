package storage

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/stats"
	"github.com/tos-network/tos-miner/internal/submit"
	"github.com/tos-network/tos-miner/internal/supervisor"
	"github.com/tos-network/tos-miner/internal/telemetry"
)

func newTestRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedisClient(&config.RedisConfig{URL: mr.Addr(), Prefix: "test", TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestNewRedisClientFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisClient(&config.RedisConfig{URL: addr}); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestKeyPrefix(t *testing.T) {
	r, _ := newTestRedis(t)
	if got := r.key(keyStats); got != "test:stats" {
		t.Errorf("key = %s, want test:stats", got)
	}
}

func TestWriteShare(t *testing.T) {
	r, mr := newTestRedis(t)
	now := time.Now()

	accepted := ShareFromCandidate(submit.Candidate{
		JobID: "bf", Worker: "engine-0", Nonce: "0000abcd", Extranonce2: "00000001",
		Status: submit.StatusAccepted, Difficulty: 16, AckedAt: now,
	})
	rejected := ShareFromCandidate(submit.Candidate{
		JobID: "bf", Worker: "engine-0", Nonce: "0000abce", Extranonce2: "00000001",
		Status: submit.StatusLowDifficulty, Reason: "low difficulty share", AckedAt: now,
	})
	for _, s := range []*Share{accepted, rejected} {
		if err := r.WriteShare(s, time.Hour); err != nil {
			t.Fatalf("WriteShare() error = %v", err)
		}
	}

	counters, err := r.GetShareCounters()
	if err != nil {
		t.Fatal(err)
	}
	if counters["accepted"] != 1 || counters["rejected_low_difficulty"] != 1 {
		t.Errorf("counters = %v", counters)
	}

	recent, err := r.GetRecentShares(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Nonce != "0000abce" || recent[0].Reason != "low difficulty share" {
		t.Errorf("recent shares = %+v", recent)
	}

	members, err := mr.ZMembers("test:hashrate")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || !strings.HasPrefix(members[0], "16:engine-0:") {
		t.Errorf("hashrate members = %v", members)
	}

	hr, err := r.GetHashrate(10 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	want := 16 * math.Pow(2, 32) / 600
	if math.Abs(hr-want) > 1 {
		t.Errorf("GetHashrate() = %v, want %v", hr, want)
	}
}

func TestPurgeStaleHashrate(t *testing.T) {
	r, mr := newTestRedis(t)
	old := &Share{Worker: "engine-0", Status: "accepted", Difficulty: 1, Timestamp: time.Now().Add(-time.Hour).Unix()}
	fresh := &Share{Worker: "engine-0", Status: "accepted", Difficulty: 2, Timestamp: time.Now().Unix()}
	r.WriteShare(old, 2*time.Hour)
	r.WriteShare(fresh, 2*time.Hour)

	if err := r.PurgeStaleHashrate(10 * time.Minute); err != nil {
		t.Fatal(err)
	}
	members, _ := mr.ZMembers("test:hashrate")
	if len(members) != 1 || !strings.HasPrefix(members[0], "2:") {
		t.Errorf("members after purge = %v", members)
	}
}

func TestRecordSnapshot(t *testing.T) {
	r, mr := newTestRedis(t)
	now := time.Now()
	snap := &stats.Snapshot{
		Time:       now,
		State:      "active",
		Pool:       "stratum+tcp://pool:3333",
		Difficulty: 16,
		Hashrate:   2.5e6,
		Accepted:   7,
		Rejected:   1,
		Restarts:   2,
		Health:     "ok",
		Processes: []supervisor.Record{
			{Index: 0, State: supervisor.StateRunning, Hashrate: 1.25e6, Threads: 2, LastOutput: now},
			{Index: 1, State: supervisor.StateRunning, Hashrate: 1.25e6, Threads: 2, Restarts: 2, LastOutput: now},
		},
	}
	if err := r.Record(context.Background(), snap); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := r.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "active" || got.Hashrate != 2.5e6 || got.Accepted != 7 || got.Restarts != 2 || got.LastBeat != now.Unix() {
		t.Errorf("GetStats() = %+v", got)
	}
	if ttl := mr.TTL("test:stats"); ttl != time.Hour {
		t.Errorf("stats TTL = %s", ttl)
	}

	workers, err := r.GetWorkers()
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 2 || workers["engine-1"].Restarts != 2 || workers["engine-0"].Threads != 2 {
		t.Errorf("GetWorkers() = %+v", workers)
	}

	history, err := r.GetHashrateHistory(now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Hashrate != 2.5e6 {
		t.Errorf("history = %+v", history)
	}
}

func TestEventSink(t *testing.T) {
	r, _ := newTestRedis(t)
	var sink telemetry.Sink = r

	sink.Handle(telemetry.New(telemetry.KindReconnect, telemetry.SeverityWarn, "reconnecting", nil))
	sink.Handle(telemetry.New(telemetry.KindProcessFailed, telemetry.SeverityFatal, "engine 0 failed", nil))

	events, err := r.GetRecentEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if !strings.Contains(events[0], `"process_failed"`) || !strings.Contains(events[0], `"fatal"`) {
		t.Errorf("newest event = %s", events[0])
	}
}

func TestMinerStatsFromSnapshot(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := MinerStatsFromSnapshot(&stats.Snapshot{Time: now, State: "reconnecting", Reconnects: 3, EffectiveHashrate: 10})
	if s.LastBeat != 1700000000 || s.State != "reconnecting" || s.Reconnects != 3 || s.EffectiveHashrate != 10 {
		t.Errorf("MinerStatsFromSnapshot() = %+v", s)
	}
}
