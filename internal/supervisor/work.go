package supervisor

import (
	"github.com/bytedance/sonic"

	"github.com/tos-network/tos-miner/internal/job"
	"github.com/tos-network/tos-miner/internal/util"
)

// WorkRecord is one line written to an engine's standard input. Each
// process scans extranonce2 values start, start+stride, start+2*stride...
// so processes never overlap.
type WorkRecord struct {
	Type              string   `json:"type"`
	JobID             string   `json:"job_id,omitempty"`
	PrevHash          string   `json:"prevhash,omitempty"`
	Coinb1            string   `json:"coinb1,omitempty"`
	Coinb2            string   `json:"coinb2,omitempty"`
	MerkleBranch      []string `json:"merkle_branch,omitempty"`
	Version           string   `json:"version,omitempty"`
	NBits             string   `json:"nbits,omitempty"`
	NTime             string   `json:"ntime,omitempty"`
	CleanJobs         bool     `json:"clean_jobs,omitempty"`
	Extranonce1       string   `json:"extranonce1,omitempty"`
	Extranonce2Size   int      `json:"extranonce2_size,omitempty"`
	Extranonce2Start  int      `json:"extranonce2_start"`
	Extranonce2Stride int      `json:"extranonce2_stride,omitempty"`
	Difficulty        float64  `json:"difficulty"`
	Target            string   `json:"target"`
}

// NewWorkRecord renders the current job for process index of stride
func NewWorkRecord(w *job.Work, index, stride int) WorkRecord {
	j := w.Job
	return WorkRecord{
		Type:              "work",
		JobID:             j.ID,
		PrevHash:          j.PrevHash,
		Coinb1:            j.Coinb1,
		Coinb2:            j.Coinb2,
		MerkleBranch:      j.MerkleBranch,
		Version:           j.Version,
		NBits:             j.NBits,
		NTime:             j.NTime,
		CleanJobs:         j.CleanJobs,
		Extranonce1:       w.Extranonce1,
		Extranonce2Size:   w.Extranonce2Size,
		Extranonce2Start:  index,
		Extranonce2Stride: stride,
		Difficulty:        j.Difficulty,
		Target:            util.TargetHex(util.DifficultyToTarget(j.Difficulty)),
	}
}

// NewDifficultyRecord announces a target change for the current job
func NewDifficultyRecord(difficulty float64) WorkRecord {
	return WorkRecord{
		Type:       "difficulty",
		Difficulty: difficulty,
		Target:     util.TargetHex(util.DifficultyToTarget(difficulty)),
	}
}

// Encode renders the record as a single JSON line
func (r WorkRecord) Encode() ([]byte, error) {
	data, err := sonic.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// inPartition reports whether an extranonce2 belongs to process index
func inPartition(extranonce2 string, size, index, stride int) bool {
	if stride <= 1 {
		return true
	}
	n, err := util.DecodeExtraNonce2(extranonce2, size)
	if err != nil {
		return false
	}
	return n%uint64(stride) == uint64(index)
}
