package job

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/tos-network/tos-miner/internal/stratum"
	"github.com/tos-network/tos-miner/internal/util"
)

func sampleNotify(id string, clean bool) *stratum.Notify {
	return &stratum.Notify{
		JobID:        id,
		PrevHash:     "4d16b6f85af6e2198f44ae2a6de67f78487ae5611b77c6c0440b921e00000000",
		Coinb1:       "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20020862062f503253482f04b8864e5008",
		Coinb2:       "072f736c7573682f000000000100f2052a010000001976a914d23fcdf86f7e756a64a7a9688ef9903327048ed988ac00000000",
		MerkleBranch: []string{},
		Version:      "00000002",
		NBits:        "1c2ac4af",
		NTime:        "504e86b9",
		CleanJobs:    clean,
	}
}

func TestFromNotifyValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(n *stratum.Notify)
		wantErr string
	}{
		{"valid", func(n *stratum.Notify) {}, ""},
		{"empty id", func(n *stratum.Notify) { n.JobID = "" }, "without id"},
		{"short prevhash", func(n *stratum.Notify) { n.PrevHash = "abcd" }, "prevhash"},
		{"bad coinb1", func(n *stratum.Notify) { n.Coinb1 = "zz" }, "coinb1"},
		{"bad coinb2", func(n *stratum.Notify) { n.Coinb2 = "0" }, "coinb2"},
		{"bad branch", func(n *stratum.Notify) { n.MerkleBranch = []string{"00"} }, "merkle branch 0"},
		{"bad version", func(n *stratum.Notify) { n.Version = "2" }, "version"},
		{"bad nbits", func(n *stratum.Notify) { n.NBits = "xyz" }, "nbits"},
		{"bad ntime", func(n *stratum.Notify) { n.NTime = "" }, "ntime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := sampleNotify("j1", false)
			tt.mutate(n)
			_, err := FromNotify(n)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("FromNotify() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("FromNotify() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMerkleRootFoldsBranches(t *testing.T) {
	n := sampleNotify("j1", false)
	n.MerkleBranch = []string{
		strings.Repeat("11", 32),
		strings.Repeat("22", 32),
	}
	j, err := FromNotify(n)
	if err != nil {
		t.Fatal(err)
	}

	en1, en2 := "ae6812eb", "00000001"
	cb, err := j.Coinbase(en1, en2)
	if err != nil {
		t.Fatal(err)
	}
	want := chainhash.DoubleHashB(cb)
	for _, b := range n.MerkleBranch {
		raw, _ := hex.DecodeString(b)
		want = chainhash.DoubleHashB(append(append([]byte{}, want...), raw...))
	}

	got, err := j.MerkleRoot(en1, en2)
	if err != nil {
		t.Fatalf("MerkleRoot() error = %v", err)
	}
	if !bytes.Equal(got[:], want) {
		t.Errorf("MerkleRoot() = %x, want %x", got[:], want)
	}

	// A different extranonce2 changes the root
	other, _ := j.MerkleRoot(en1, "00000002")
	if other == got {
		t.Error("extranonce2 must affect the merkle root")
	}
}

// The genesis coinbase split around a fake extranonce must rebuild the
// genesis header exactly
func TestHeaderMatchesGenesisBlock(t *testing.T) {
	genesis := chaincfg.MainNetParams.GenesisBlock
	var buf bytes.Buffer
	if err := genesis.Transactions[0].Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	cb := buf.Bytes()

	hdr := genesis.Header
	n := &stratum.Notify{
		JobID:        "genesis",
		PrevHash:     util.BytesToHex(util.SwapWords(hdr.PrevBlock[:])),
		Coinb1:       util.BytesToHex(cb[:50]),
		Coinb2:       util.BytesToHex(cb[58:]),
		MerkleBranch: nil,
		Version:      fmt.Sprintf("%08x", uint32(hdr.Version)),
		NBits:        fmt.Sprintf("%08x", hdr.Bits),
		NTime:        fmt.Sprintf("%08x", uint32(hdr.Timestamp.Unix())),
	}
	j, err := FromNotify(n)
	if err != nil {
		t.Fatalf("FromNotify() error = %v", err)
	}

	h, err := j.Header(util.BytesToHex(cb[50:54]), util.BytesToHex(cb[54:58]), "", fmt.Sprintf("%08x", hdr.Nonce))
	if err != nil {
		t.Fatalf("Header() error = %v", err)
	}
	if h.MerkleRoot != hdr.MerkleRoot {
		t.Errorf("MerkleRoot = %s, want %s", h.MerkleRoot, hdr.MerkleRoot)
	}
	if got := h.BlockHash(); got != *chaincfg.MainNetParams.GenesisHash {
		t.Errorf("BlockHash() = %s, want %s", got, chaincfg.MainNetParams.GenesisHash)
	}

	share, err := j.ShareHash(util.BytesToHex(cb[50:54]), util.BytesToHex(cb[54:58]), "", fmt.Sprintf("%08x", hdr.Nonce))
	if err != nil {
		t.Fatalf("ShareHash() error = %v", err)
	}
	if share != *chaincfg.MainNetParams.GenesisHash {
		t.Errorf("ShareHash() = %s, want %s", share, chaincfg.MainNetParams.GenesisHash)
	}
}

func TestMeetsDifficulty(t *testing.T) {
	genesis := *chaincfg.MainNetParams.GenesisHash

	tests := []struct {
		name       string
		hash       chainhash.Hash
		difficulty float64
		want       bool
	}{
		// The genesis hash has ten leading zero hex digits, about difficulty 2536
		{"genesis at diff 1", genesis, 1, true},
		{"genesis at diff 2000", genesis, 2000, true},
		{"genesis at diff 3000", genesis, 3000, false},
		{"all ones at diff 1", chainhash.Hash{0: 0xff, 31: 0xff}, 1, false},
		{"zero hash", chainhash.Hash{}, 1e12, true},
		{"any hash without difficulty", chainhash.Hash{31: 0xff}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MeetsDifficulty(tt.hash, tt.difficulty); got != tt.want {
				t.Errorf("MeetsDifficulty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeaderPrevHashWordOrder(t *testing.T) {
	n := sampleNotify("j1", false)
	j, err := FromNotify(n)
	if err != nil {
		t.Fatal(err)
	}
	h, err := j.Header("00", "00000000", "504e86ba", "00000001")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := hex.DecodeString(n.PrevHash)
	if !bytes.Equal(h.PrevBlock[:], util.SwapWords(raw)) {
		t.Errorf("PrevBlock = %x", h.PrevBlock[:])
	}
	if h.Timestamp.Unix() != 0x504e86ba {
		t.Errorf("Timestamp = %d, want submitted ntime", h.Timestamp.Unix())
	}
	if _, err := j.Header("00", "00000000", "", "xyz"); err == nil {
		t.Error("expected error for invalid nonce")
	}
}
