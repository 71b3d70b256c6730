// Package job holds the pool's work templates and hands immutable snapshots
// to the engine supervisor and submission queue.
package job

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	sha256 "github.com/minio/sha256-simd"

	"github.com/tos-network/tos-miner/internal/stratum"
	"github.com/tos-network/tos-miner/internal/util"
)

// Job is a normalized mining.notify template. It is immutable once stored.
type Job struct {
	Seq          uint64
	ID           string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
	Difficulty   float64
	ReceivedAt   time.Time

	prevHash [32]byte
	coinb1   []byte
	coinb2   []byte
	branch   [][32]byte
	version  uint32
	nbits    uint32
	ntime    uint32
}

// FromNotify validates every field of a notification and pre-decodes it
func FromNotify(n *stratum.Notify) (*Job, error) {
	j := &Job{
		ID:           n.JobID,
		PrevHash:     n.PrevHash,
		Coinb1:       n.Coinb1,
		Coinb2:       n.Coinb2,
		MerkleBranch: append([]string(nil), n.MerkleBranch...),
		Version:      n.Version,
		NBits:        n.NBits,
		NTime:        n.NTime,
		CleanJobs:    n.CleanJobs,
		ReceivedAt:   time.Now(),
	}
	if j.ID == "" {
		return nil, fmt.Errorf("job without id")
	}

	prev, err := util.DecodeFixedHex(n.PrevHash, 32)
	if err != nil {
		return nil, fmt.Errorf("job %s prevhash: %w", j.ID, err)
	}
	copy(j.prevHash[:], util.SwapWords(prev))

	if j.coinb1, err = util.HexToBytes(n.Coinb1); err != nil {
		return nil, fmt.Errorf("job %s coinb1: %w", j.ID, err)
	}
	if j.coinb2, err = util.HexToBytes(n.Coinb2); err != nil {
		return nil, fmt.Errorf("job %s coinb2: %w", j.ID, err)
	}

	j.branch = make([][32]byte, len(n.MerkleBranch))
	for i, h := range n.MerkleBranch {
		b, err := util.DecodeFixedHex(h, 32)
		if err != nil {
			return nil, fmt.Errorf("job %s merkle branch %d: %w", j.ID, i, err)
		}
		copy(j.branch[i][:], b)
	}

	if j.version, err = util.ParseHexUint32(n.Version); err != nil {
		return nil, fmt.Errorf("job %s version: %w", j.ID, err)
	}
	if j.nbits, err = util.ParseHexUint32(n.NBits); err != nil {
		return nil, fmt.Errorf("job %s nbits: %w", j.ID, err)
	}
	if j.ntime, err = util.ParseHexUint32(n.NTime); err != nil {
		return nil, fmt.Errorf("job %s ntime: %w", j.ID, err)
	}
	return j, nil
}

func (j *Job) withDifficulty(d float64) *Job {
	cp := *j
	cp.Difficulty = d
	return &cp
}

// Coinbase assembles coinb1 + extranonce1 + extranonce2 + coinb2
func (j *Job) Coinbase(extranonce1, extranonce2 string) ([]byte, error) {
	en1, err := util.HexToBytes(extranonce1)
	if err != nil {
		return nil, fmt.Errorf("extranonce1: %w", err)
	}
	en2, err := util.HexToBytes(extranonce2)
	if err != nil {
		return nil, fmt.Errorf("extranonce2: %w", err)
	}
	cb := make([]byte, 0, len(j.coinb1)+len(en1)+len(en2)+len(j.coinb2))
	cb = append(cb, j.coinb1...)
	cb = append(cb, en1...)
	cb = append(cb, en2...)
	return append(cb, j.coinb2...), nil
}

// MerkleRoot folds the coinbase hash through the branch list
func (j *Job) MerkleRoot(extranonce1, extranonce2 string) (chainhash.Hash, error) {
	cb, err := j.Coinbase(extranonce1, extranonce2)
	if err != nil {
		return chainhash.Hash{}, err
	}
	root := doubleSHA256(cb)
	var buf [64]byte
	for _, h := range j.branch {
		copy(buf[:32], root[:])
		copy(buf[32:], h[:])
		root = doubleSHA256(buf[:])
	}
	return chainhash.Hash(root), nil
}

// Header builds the block header for a result. ntime and nonce are the
// big-endian hex words a miner submits.
func (j *Job) Header(extranonce1, extranonce2, ntime, nonce string) (*wire.BlockHeader, error) {
	root, err := j.MerkleRoot(extranonce1, extranonce2)
	if err != nil {
		return nil, err
	}
	ts := j.ntime
	if ntime != "" {
		if ts, err = util.ParseHexUint32(ntime); err != nil {
			return nil, fmt.Errorf("ntime: %w", err)
		}
	}
	n, err := util.ParseHexUint32(nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	h := &wire.BlockHeader{
		Version:    int32(j.version),
		PrevBlock:  chainhash.Hash(j.prevHash),
		MerkleRoot: root,
		Timestamp:  time.Unix(int64(ts), 0),
		Bits:       j.nbits,
		Nonce:      n,
	}
	return h, nil
}

// ShareHash is the double-SHA256 of the serialized header for a result,
// in the byte order wire hashes use
func (j *Job) ShareHash(extranonce1, extranonce2, ntime, nonce string) (chainhash.Hash, error) {
	h, err := j.Header(extranonce1, extranonce2, ntime, nonce)
	if err != nil {
		return chainhash.Hash{}, err
	}
	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	if err := h.Serialize(&buf); err != nil {
		return chainhash.Hash{}, fmt.Errorf("serialize header: %w", err)
	}
	return chainhash.Hash(doubleSHA256(buf.Bytes())), nil
}

// MeetsDifficulty reports whether hash is at or below the share target of
// difficulty
func MeetsDifficulty(hash chainhash.Hash, difficulty float64) bool {
	var be [32]byte
	for i := range hash {
		be[31-i] = hash[i]
	}
	v := new(big.Int).SetBytes(be[:])
	return v.Cmp(util.DifficultyToTarget(difficulty)) <= 0
}

func doubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}
