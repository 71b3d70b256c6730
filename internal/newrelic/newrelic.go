// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/stats"
	"github.com/tos-network/tos-miner/internal/telemetry"
	"github.com/tos-network/tos-miner/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// WrapHandler instruments an HTTP handler; unchanged when APM is off
func (a *Agent) WrapHandler(pattern string, h http.Handler) http.Handler {
	app := a.Application()
	if app == nil {
		return h
	}
	_, wrapped := newrelic.WrapHandle(app, pattern, h)
	return wrapped
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets transaction from context
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// Name identifies the agent as a telemetry sink and stats recorder
func (a *Agent) Name() string { return "newrelic" }

// Handle records a telemetry event as a custom event named after its kind
func (a *Agent) Handle(e telemetry.Event) {
	a.RecordCustomEvent(EventType(e.Kind), EventParams(e))
}

// Record publishes snapshot gauges as custom metrics
func (a *Agent) Record(_ context.Context, s *stats.Snapshot) error {
	for name, v := range SnapshotMetrics(s) {
		a.RecordCustomMetric(name, v)
	}
	return nil
}

// EventType maps an event kind to a New Relic event type,
// e.g. result_accepted -> MinerResultAccepted
func EventType(k telemetry.Kind) string {
	var b strings.Builder
	b.WriteString("Miner")
	for _, part := range strings.Split(string(k), "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// EventParams flattens an event for RecordCustomEvent, which only accepts
// scalar attribute values
func EventParams(e telemetry.Event) map[string]interface{} {
	params := map[string]interface{}{
		"message":  e.Message,
		"severity": e.Severity.String(),
	}
	for k, v := range e.Fields {
		switch v.(type) {
		case string, bool, int, int64, uint64, float64:
			params[k] = v
		default:
			params[k] = fmt.Sprint(v)
		}
	}
	return params
}

// SnapshotMetrics lists the custom metrics derived from a snapshot
func SnapshotMetrics(s *stats.Snapshot) map[string]float64 {
	return map[string]float64{
		"Custom/Miner/Hashrate":          s.Hashrate,
		"Custom/Miner/EffectiveHashrate": s.EffectiveHashrate,
		"Custom/Miner/Difficulty":        s.Difficulty,
		"Custom/Miner/Accepted":          float64(s.Accepted),
		"Custom/Miner/Rejected":          float64(s.Rejected),
		"Custom/Miner/AcceptedRatio":     s.AcceptedRatio,
		"Custom/Miner/Pending":           float64(s.Pending),
		"Custom/Miner/Reconnects":        float64(s.Reconnects),
		"Custom/Miner/Restarts":          float64(s.Restarts),
	}
}
