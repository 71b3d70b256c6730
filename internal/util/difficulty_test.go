package util

import (
	"math"
	"math/big"
	"strings"
	"testing"
)

func TestDifficultyToTarget(t *testing.T) {
	if DifficultyToTarget(1).Cmp(Diff1Target) != 0 {
		t.Error("DifficultyToTarget(1) should equal Diff1Target")
	}
	if DifficultyToTarget(0).Cmp(MaxTarget) != 0 {
		t.Error("DifficultyToTarget(0) should return MaxTarget")
	}
	if DifficultyToTarget(-5).Cmp(MaxTarget) != 0 {
		t.Error("DifficultyToTarget(-5) should return MaxTarget")
	}

	t16 := DifficultyToTarget(16)
	want := new(big.Int).Div(Diff1Target, big.NewInt(16))
	if t16.Cmp(want) != 0 {
		t.Errorf("DifficultyToTarget(16) = %x, want %x", t16, want)
	}

	// Fractional difficulties make the target easier than diff 1
	if DifficultyToTarget(0.5).Cmp(Diff1Target) <= 0 {
		t.Error("DifficultyToTarget(0.5) should exceed Diff1Target")
	}
}

func TestTargetToDifficulty(t *testing.T) {
	for _, diff := range []float64{1, 16, 1024, 65536.5} {
		got := TargetToDifficulty(DifficultyToTarget(diff))
		if math.Abs(got-diff)/diff > 1e-6 {
			t.Errorf("round trip of %v = %v", diff, got)
		}
	}
	if TargetToDifficulty(big.NewInt(0)) != 0 {
		t.Error("TargetToDifficulty(0) should return 0")
	}
	if TargetToDifficulty(nil) != 0 {
		t.Error("TargetToDifficulty(nil) should return 0")
	}
}

func TestTargetHex(t *testing.T) {
	h := TargetHex(Diff1Target)
	if len(h) != 64 {
		t.Fatalf("TargetHex() length = %d, want 64", len(h))
	}
	if !strings.HasPrefix(h, "00000000ffff0000") {
		t.Errorf("TargetHex(Diff1Target) = %s", h)
	}
}

func TestHashrateFromShares(t *testing.T) {
	if got := HashrateFromShares(1, 1); got != 4294967296.0 {
		t.Errorf("HashrateFromShares(1, 1) = %v", got)
	}
	if got := HashrateFromShares(10, 0); got != 0 {
		t.Errorf("HashrateFromShares(10, 0) = %v, want 0", got)
	}
}
