package supervisor

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tos-network/tos-miner/internal/util"
)

// LineKind identifies a recognized engine output line
type LineKind int

const (
	LineUnknown LineKind = iota
	LineHashrate
	LineThreadRate
	LineThreads
	LineResult
)

// Line is one parsed output line
type Line struct {
	Kind     LineKind
	Hashrate float64 // H/s
	Thread   int
	Threads  int
	Result   Result
}

// Result is a candidate reported by the engine
type Result struct {
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
}

var (
	threadRateRe = regexp.MustCompile(`(?i)\bthread (\d+):.*?([0-9]+(?:\.[0-9]+)?)\s*([kmgt]?)(?:h|hash)/s`)
	acceptedRe   = regexp.MustCompile(`(?i)\baccepted:.*?([0-9]+(?:\.[0-9]+)?)\s*([kmgt]?)(?:h|hash)/s`)
)

var unitScale = map[string]float64{
	"":  1,
	"k": 1e3,
	"m": 1e6,
	"g": 1e9,
	"t": 1e12,
}

// ParseLine recognizes the engine line grammar. Anything else yields
// LineUnknown and is ignored by the caller.
func ParseLine(s string) Line {
	s = strings.TrimSpace(s)
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Line{}
	}

	switch strings.ToLower(fields[0]) {
	case "hashrate":
		if len(fields) < 2 || len(fields) > 3 {
			return Line{}
		}
		unit := "H/s"
		if len(fields) == 3 {
			unit = fields[2]
		}
		rate, ok := parseRate(fields[1], unit)
		if !ok {
			return Line{}
		}
		return Line{Kind: LineHashrate, Hashrate: rate}

	case "threads":
		if len(fields) != 2 {
			return Line{}
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			return Line{}
		}
		return Line{Kind: LineThreads, Threads: n}

	case "result":
		if len(fields) != 5 {
			return Line{}
		}
		r := Result{
			JobID:       fields[1],
			Extranonce2: strings.ToLower(fields[2]),
			NTime:       strings.ToLower(fields[3]),
			Nonce:       strings.ToLower(fields[4]),
		}
		if r.JobID == "" || !util.IsValidHex(r.Extranonce2) ||
			len(r.NTime) != 8 || !util.IsValidHex(r.NTime) ||
			len(r.Nonce) != 8 || !util.IsValidHex(r.Nonce) {
			return Line{}
		}
		return Line{Kind: LineResult, Result: r}
	}

	// cpuminer style
	if m := threadRateRe.FindStringSubmatch(s); m != nil {
		thread, err := strconv.Atoi(m[1])
		if err != nil {
			return Line{}
		}
		rate, ok := parseRate(m[2], m[3]+"h/s")
		if !ok {
			return Line{}
		}
		return Line{Kind: LineThreadRate, Thread: thread, Hashrate: rate}
	}
	if m := acceptedRe.FindStringSubmatch(s); m != nil {
		rate, ok := parseRate(m[1], m[2]+"h/s")
		if !ok {
			return Line{}
		}
		return Line{Kind: LineHashrate, Hashrate: rate}
	}
	return Line{}
}

func parseRate(value, unit string) (float64, bool) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	u := strings.ToLower(unit)
	u = strings.TrimSuffix(u, "/s")
	u = strings.TrimSuffix(u, "ash")
	if !strings.HasSuffix(u, "h") {
		return 0, false
	}
	scale, ok := unitScale[strings.TrimSuffix(u, "h")]
	if !ok {
		return 0, false
	}
	if math.IsInf(v*scale, 0) {
		return 0, false
	}
	return v * scale, true
}
