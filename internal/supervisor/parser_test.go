package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/tos-network/tos-miner/internal/util"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Line
	}{
		{"hashrate MH/s", "hashrate 12.5 MH/s", Line{Kind: LineHashrate, Hashrate: 12.5e6}},
		{"hashrate lower case", "HASHRATE 3 kh/s", Line{Kind: LineHashrate, Hashrate: 3000}},
		{"hashrate no unit", "hashrate 42", Line{Kind: LineHashrate, Hashrate: 42}},
		{"hashrate TH/s", "hashrate 1 TH/s", Line{Kind: LineHashrate, Hashrate: 1e12}},
		{"hashrate bad unit", "hashrate 1 PH/s", Line{}},
		{"hashrate negative", "hashrate -1 H/s", Line{}},
		{"hashrate NaN", "hashrate NaN H/s", Line{}},
		{"hashrate inf", "hashrate inf kH/s", Line{}},
		{"hashrate overflow", "hashrate 1e308 TH/s", Line{}},
		{"cpuminer thread NaN", "[2024-05-01 10:00:00] thread 1: 10 hashes, NaN khash/s", Line{}},
		{"threads", "threads 8", Line{Kind: LineThreads, Threads: 8}},
		{"threads bad", "threads eight", Line{}},
		{
			"result",
			"result bf 0000000A 504E86B9 0000abcd",
			Line{Kind: LineResult, Result: Result{JobID: "bf", Extranonce2: "0000000a", NTime: "504e86b9", Nonce: "0000abcd"}},
		},
		{"result short nonce", "result bf 00000000 504e86b9 abcd", Line{}},
		{"result bad hex", "result bf zz 504e86b9 0000abcd", Line{}},
		{"result missing field", "result bf 00000000 504e86b9", Line{}},
		{
			"cpuminer thread",
			"[2024-05-01 10:00:00] thread 3: 2097152 hashes, 1234.5 khash/s",
			Line{Kind: LineThreadRate, Thread: 3, Hashrate: 1234500},
		},
		{
			"cpuminer accepted",
			"[2024-05-01 10:00:00] accepted: 1/1 (100.00%), 4938.27 khash/s (yay!!!)",
			Line{Kind: LineHashrate, Hashrate: 4938270},
		},
		{"empty", "   ", Line{}},
		{"noise", "Stratum connection established", Line{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseLine(tt.line)
			if got.Kind != tt.want.Kind || got.Thread != tt.want.Thread || got.Threads != tt.want.Threads || got.Result != tt.want.Result {
				t.Fatalf("ParseLine(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
			if diff := got.Hashrate - tt.want.Hashrate; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("Hashrate = %v, want %v", got.Hashrate, tt.want.Hashrate)
			}
		})
	}
}

func TestWorkRecord(t *testing.T) {
	jobs := newJobs(t)

	w := jobs.Work()
	line, err := NewWorkRecord(w, 1, 3).Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(line), "}\n") || strings.Count(string(line), "\n") != 1 {
		t.Fatalf("record is not a single line: %q", line)
	}

	var decoded map[string]interface{}
	if err := sonic.Unmarshal(line, &decoded); err != nil {
		t.Fatal(err)
	}
	checks := map[string]interface{}{
		"type":               "work",
		"job_id":             "bf",
		"extranonce1":        "ae6812eb4cd7735a302a8a9dd95cf71f",
		"extranonce2_size":   float64(4),
		"extranonce2_start":  float64(1),
		"extranonce2_stride": float64(3),
		"difficulty":         float64(16),
		"target":             util.TargetHex(util.DifficultyToTarget(16)),
	}
	for k, want := range checks {
		if decoded[k] != want {
			t.Errorf("%s = %v, want %v", k, decoded[k], want)
		}
	}

	d := NewDifficultyRecord(32)
	if d.Type != "difficulty" || d.Target != util.TargetHex(util.DifficultyToTarget(32)) {
		t.Errorf("difficulty record = %+v", d)
	}
}

func TestInPartition(t *testing.T) {
	tests := []struct {
		en2    string
		index  int
		stride int
		want   bool
	}{
		{"00000000", 0, 1, true},
		{"00000005", 0, 1, true},
		{"00000004", 0, 2, true},
		{"00000005", 1, 2, true},
		{"00000005", 0, 2, false},
		{"0000000b", 2, 3, true},
		{"000000", 0, 2, false},
	}
	for _, tt := range tests {
		if got := inPartition(tt.en2, 4, tt.index, tt.stride); got != tt.want {
			t.Errorf("inPartition(%s, %d, %d) = %v, want %v", tt.en2, tt.index, tt.stride, got, tt.want)
		}
	}
}

func TestArtifactVerify(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "engine")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	digest, err := FileDigest(exe)
	if err != nil {
		t.Fatal(err)
	}
	if len(digest) != 64 {
		t.Fatalf("digest length = %d", len(digest))
	}

	tests := []struct {
		name    string
		art     Artifact
		wantErr bool
	}{
		{"executable without digest", Artifact{Path: exe}, false},
		{"matching digest", Artifact{Path: exe, Digest: strings.ToUpper(digest)}, false},
		{"digest mismatch", Artifact{Path: exe, Digest: strings.Repeat("0", 64)}, true},
		{"not executable", Artifact{Path: plain}, true},
		{"directory", Artifact{Path: dir}, true},
		{"missing", Artifact{Path: filepath.Join(dir, "nope")}, true},
		{"empty path", Artifact{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.art.Verify()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !util.IsFatal(err) {
					t.Errorf("artifact error should be fatal: %v", err)
				}
			}
		})
	}
}

func TestFileSensor(t *testing.T) {
	dir := t.TempDir()
	milli := filepath.Join(dir, "temp1")
	os.WriteFile(milli, []byte("71500\n"), 0644)
	plain := filepath.Join(dir, "temp2")
	os.WriteFile(plain, []byte("64.5"), 0644)

	if v, err := FileSensor(milli)(); err != nil || v != 71.5 {
		t.Errorf("millidegree sensor = %v, %v", v, err)
	}
	if v, err := FileSensor(plain)(); err != nil || v != 64.5 {
		t.Errorf("degree sensor = %v, %v", v, err)
	}
	if _, err := FileSensor(filepath.Join(dir, "missing"))(); err == nil {
		t.Error("missing sensor should fail")
	}
}
