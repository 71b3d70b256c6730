package stratum

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw     string
		host    string
		tls     bool
		wantErr bool
	}{
		{"stratum+tcp://solo.ckpool.org:3333", "solo.ckpool.org:3333", false, false},
		{"stratum+ssl://pool.example.com:443", "pool.example.com:443", true, false},
		{"stratum+tls://pool.example.com:443/", "pool.example.com:443", true, false},
		{"127.0.0.1:3333", "127.0.0.1:3333", false, false},
		{"http://pool.example.com:80", "", false, true},
		{"stratum+tcp://pool.example.com", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			ep, err := ParseEndpoint(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEndpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if ep.Host != tt.host || ep.TLS != tt.tls || ep.URL != tt.raw {
				t.Errorf("got %+v", ep)
			}
		})
	}
}

func newTestManager(t *testing.T, maxFailures int, urls ...string) *UpstreamManager {
	t.Helper()
	m, err := NewUpstreamManager(urls, maxFailures)
	if err != nil {
		t.Fatalf("NewUpstreamManager() error = %v", err)
	}
	return m
}

func TestUpstreamManagerFailover(t *testing.T) {
	m := newTestManager(t, 2, "a:1", "b:2", "c:3")

	if m.RecordFailure() {
		t.Fatal("first failure should not fail over")
	}
	if !m.RecordFailure() {
		t.Fatal("second failure should fail over")
	}
	if got := m.Current().Host; got != "b:2" {
		t.Errorf("Current() = %s, want b:2", got)
	}

	states := m.States()
	if states[0].Healthy || states[0].Active || !states[1].Active {
		t.Errorf("unexpected states %+v", states)
	}

	m.RecordSuccess(5 * time.Millisecond)
	states = m.States()
	if states[1].FailCount != 0 || states[1].SuccessCount != 1 || states[1].ResponseTime != 5*time.Millisecond {
		t.Errorf("success not recorded: %+v", states[1])
	}
}

func TestUpstreamManagerRotatesWhenAllUnhealthy(t *testing.T) {
	m := newTestManager(t, 1, "a:1", "b:2")

	m.RecordFailure()
	if m.Current().Host != "b:2" {
		t.Fatalf("Current() = %s, want b:2", m.Current().Host)
	}
	// b fails too; with nothing healthy the manager keeps rotating
	if !m.RecordFailure() {
		t.Fatal("expected rotation")
	}
	if m.Current().Host != "a:1" {
		t.Errorf("Current() = %s, want a:1", m.Current().Host)
	}
	m.RecordFailure()
	if m.Current().Host != "b:2" {
		t.Errorf("Current() = %s, want b:2", m.Current().Host)
	}
}

func TestUpstreamManagerReselectPrefersPrimary(t *testing.T) {
	m := newTestManager(t, 1, "a:1", "b:2")
	m.RecordFailure()
	if m.Current().Host != "b:2" {
		t.Fatal("expected failover")
	}

	// Primary still unhealthy: stay on the backup
	m.Reselect()
	if m.Current().Host != "b:2" {
		t.Errorf("Current() = %s, want b:2", m.Current().Host)
	}

	m.upstreams[0].mu.Lock()
	m.upstreams[0].healthy = true
	m.upstreams[0].mu.Unlock()

	m.Reselect()
	if m.Current().Host != "a:1" {
		t.Errorf("Current() = %s, want primary", m.Current().Host)
	}
}

func TestUpstreamManagerProbeRecovery(t *testing.T) {
	m := newTestManager(t, 1, "a:1", "b:2")
	m.RecordFailure()

	var fail atomic.Bool
	fail.Store(true)
	m.probe = func(ctx context.Context, ep Endpoint) error {
		if fail.Load() {
			return errors.New("refused")
		}
		return nil
	}

	m.checkUnhealthy(context.Background())
	if m.States()[0].Healthy {
		t.Fatal("failed probe must not recover the endpoint")
	}

	fail.Store(false)
	m.checkUnhealthy(context.Background())
	if m.States()[0].Healthy {
		t.Fatal("one probe is not enough to recover")
	}
	m.checkUnhealthy(context.Background())
	if !m.States()[0].Healthy {
		t.Fatal("endpoint should recover after two probes")
	}
}

func TestUpstreamManagerRequiresEndpoints(t *testing.T) {
	if _, err := NewUpstreamManager(nil, 3); err == nil {
		t.Error("expected error without endpoints")
	}
	if _, err := NewUpstreamManager([]string{"ftp://x:1"}, 3); err == nil {
		t.Error("expected error for bad scheme")
	}
}
