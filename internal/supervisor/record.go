package supervisor

import "time"

// State is the lifecycle state of one engine process
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StatePaused   State = "paused"
	StateExited   State = "exited"
	StateFailed   State = "failed"
)

// Terminal reports whether the process will never be spawned again
func (s State) Terminal() bool {
	return s == StateExited || s == StateFailed
}

// Record is a point-in-time copy of one supervised process
type Record struct {
	Index      int           `json:"index"`
	PID        int           `json:"pid"`
	Args       []string      `json:"args"`
	State      State         `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	LastOutput time.Time     `json:"last_output"`
	Restarts   int           `json:"restarts"`
	Hashrate   float64       `json:"hashrate"`
	Threads    int           `json:"threads"`
	Results    uint64        `json:"results"`
	CPUUser    time.Duration `json:"cpu_user"`
	CPUSystem  time.Duration `json:"cpu_system"`
	LastExit   string        `json:"last_exit,omitempty"`
}

// Summary aggregates every process record
type Summary struct {
	Hashrate float64 `json:"hashrate"`
	Restarts int     `json:"restarts"`
	Running  int     `json:"running"`
	Failed   int     `json:"failed"`
	Health   string  `json:"health"`
}

// Summarize folds records into totals. Health is "failed" when any process
// failed, "degraded" when some are not running, else "ok".
func Summarize(records []Record) Summary {
	var s Summary
	for _, r := range records {
		s.Hashrate += r.Hashrate
		s.Restarts += r.Restarts
		switch r.State {
		case StateRunning:
			s.Running++
		case StateFailed:
			s.Failed++
		}
	}
	switch {
	case s.Failed > 0:
		s.Health = "failed"
	case len(records) == 0 || s.Running < len(records):
		s.Health = "degraded"
	default:
		s.Health = "ok"
	}
	return s
}
