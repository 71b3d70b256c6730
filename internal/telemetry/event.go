// Package telemetry carries discrete miner events to log, APM, webhook and
// stream sinks.
package telemetry

import (
	"strings"
	"time"
)

// Severity orders events for sink filtering
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in JSON payloads
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity maps a name to a severity, defaulting to warn
func ParseSeverity(name string) Severity {
	switch strings.ToLower(name) {
	case "debug":
		return SeverityDebug
	case "info":
		return SeverityInfo
	case "error":
		return SeverityError
	case "fatal":
		return SeverityFatal
	default:
		return SeverityWarn
	}
}

// Kind names an event type
type Kind string

const (
	KindJobReceived      Kind = "job_received"
	KindDifficulty       Kind = "difficulty_changed"
	KindStateChanged     Kind = "state_changed"
	KindReconnect        Kind = "reconnect"
	KindAuthFailed       Kind = "authorization_failed"
	KindPoolMessage      Kind = "pool_message"
	KindResultAccepted   Kind = "result_accepted"
	KindResultRejected   Kind = "result_rejected"
	KindResultDropped    Kind = "result_dropped"
	KindProcessStarted   Kind = "process_started"
	KindProcessCrashed   Kind = "process_crashed"
	KindProcessRestarted Kind = "process_restarted"
	KindProcessFailed    Kind = "process_failed"
	KindSafety           Kind = "safety_limit"
	KindFatal            Kind = "fatal"
	KindLifecycle        Kind = "lifecycle"
)

// Event is one telemetry record
type Event struct {
	Time     time.Time              `json:"time"`
	Kind     Kind                   `json:"kind"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Emitter accepts events; components depend on this rather than the bus
type Emitter interface {
	Emit(e Event)
}

// Discard drops every event
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// New builds an event stamped now
func New(kind Kind, sev Severity, msg string, fields map[string]interface{}) Event {
	return Event{Time: time.Now(), Kind: kind, Severity: sev, Message: msg, Fields: fields}
}
