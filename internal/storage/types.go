// Package storage persists miner statistics, results and events.
package storage

import (
	"fmt"
	"time"

	"github.com/tos-network/tos-miner/internal/stats"
	"github.com/tos-network/tos-miner/internal/submit"
	"github.com/tos-network/tos-miner/internal/supervisor"
)

// Share is a candidate result with its final pool verdict
type Share struct {
	JobID       string  `json:"job_id"`
	Worker      string  `json:"worker"`
	Nonce       string  `json:"nonce"`
	Extranonce2 string  `json:"extranonce2"`
	NTime       string  `json:"ntime"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	Difficulty  float64 `json:"difficulty"`
	Timestamp   int64   `json:"timestamp"`
}

// ShareFromCandidate converts a finished candidate
func ShareFromCandidate(c submit.Candidate) *Share {
	ts := c.AckedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Share{
		JobID:       c.JobID,
		Worker:      c.Worker,
		Nonce:       c.Nonce,
		Extranonce2: c.Extranonce2,
		NTime:       c.NTime,
		Status:      string(c.Status),
		Reason:      c.Reason,
		Difficulty:  c.Difficulty,
		Timestamp:   ts.Unix(),
	}
}

// MinerStats is the persisted subset of a stats snapshot
type MinerStats struct {
	State             string  `json:"state"`
	Pool              string  `json:"pool"`
	Difficulty        float64 `json:"difficulty"`
	Hashrate          float64 `json:"hashrate"`
	EffectiveHashrate float64 `json:"effective_hashrate"`
	Accepted          uint64  `json:"accepted"`
	Rejected          uint64  `json:"rejected"`
	Reconnects        uint64  `json:"reconnects"`
	Restarts          int     `json:"restarts"`
	Health            string  `json:"health"`
	LastBeat          int64   `json:"last_beat"`
}

// MinerStatsFromSnapshot extracts what is persisted
func MinerStatsFromSnapshot(s *stats.Snapshot) *MinerStats {
	return &MinerStats{
		State:             s.State,
		Pool:              s.Pool,
		Difficulty:        s.Difficulty,
		Hashrate:          s.Hashrate,
		EffectiveHashrate: s.EffectiveHashrate,
		Accepted:          s.Accepted,
		Rejected:          s.Rejected,
		Reconnects:        s.Reconnects,
		Restarts:          s.Restarts,
		Health:            s.Health,
		LastBeat:          s.Time.Unix(),
	}
}

// WorkerStats is one engine process as persisted
type WorkerStats struct {
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Hashrate float64 `json:"hashrate"`
	Threads  int     `json:"threads"`
	Restarts int     `json:"restarts"`
	Results  uint64  `json:"results"`
	LastSeen int64   `json:"last_seen"`
}

// WorkersFromRecords names each process record after its index
func WorkersFromRecords(records []supervisor.Record) []WorkerStats {
	workers := make([]WorkerStats, 0, len(records))
	for _, p := range records {
		w := WorkerStats{
			Name:     fmt.Sprintf("engine-%d", p.Index),
			State:    string(p.State),
			Hashrate: p.Hashrate,
			Threads:  p.Threads,
			Restarts: p.Restarts,
			Results:  p.Results,
		}
		if !p.LastOutput.IsZero() {
			w.LastSeen = p.LastOutput.Unix()
		}
		workers = append(workers, w)
	}
	return workers
}

// HashratePoint is one sample of the hashrate history
type HashratePoint struct {
	Timestamp int64   `json:"ts"`
	Hashrate  float64 `json:"hashrate"`
}
