package util

import (
	"math/big"
)

var (
	// Diff1Target is the pool difficulty 1 target (0x00000000ffff0000...)
	Diff1Target = new(big.Int).Lsh(big.NewInt(0xffff), 208)

	// MaxTarget is the largest 256-bit value
	MaxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// DifficultyToTarget converts a (possibly fractional) pool difficulty to a
// share target. Non-positive difficulty maps to MaxTarget.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(MaxTarget)
	}
	diff1 := new(big.Float).SetInt(Diff1Target)
	target, _ := new(big.Float).Quo(diff1, big.NewFloat(difficulty)).Int(nil)
	if target.Cmp(MaxTarget) > 0 {
		return new(big.Int).Set(MaxTarget)
	}
	return target
}

// TargetToDifficulty converts a share target back to pool difficulty
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() == 0 {
		return 0
	}
	diff := new(big.Float).Quo(new(big.Float).SetInt(Diff1Target), new(big.Float).SetInt(target))
	f, _ := diff.Float64()
	return f
}

// TargetHex renders a target as 64 hex characters, big-endian
func TargetHex(target *big.Int) string {
	buf := make([]byte, 32)
	target.FillBytes(buf)
	return BytesToHex(buf)
}

// HashrateFromShares estimates hashes/second from accepted share difficulty
// over a window: diff * 2^32 / seconds.
func HashrateFromShares(totalDifficulty float64, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return totalDifficulty * 4294967296.0 / seconds
}
