package stratum

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-miner/internal/util"
)

// Endpoint is a parsed pool address
type Endpoint struct {
	URL  string
	Host string
	TLS  bool
}

// ParseEndpoint accepts stratum+tcp://host:port, stratum+ssl://host:port or
// a bare host:port
func ParseEndpoint(raw string) (Endpoint, error) {
	ep := Endpoint{URL: raw}
	rest := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		switch raw[:i] {
		case "stratum+tcp", "tcp":
		case "stratum+ssl", "stratum+tls", "ssl", "tls":
			ep.TLS = true
		default:
			return ep, fmt.Errorf("unsupported scheme %q", raw[:i])
		}
		rest = raw[i+3:]
	}
	rest = strings.TrimSuffix(rest, "/")
	if _, _, err := net.SplitHostPort(rest); err != nil {
		return ep, fmt.Errorf("invalid pool address %q: %w", raw, err)
	}
	ep.Host = rest
	return ep, nil
}

// Dial opens the transport for the endpoint
func (e Endpoint) Dial(ctx context.Context, timeout time.Duration, insecure bool) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if !e.TLS {
		return dialer.DialContext(ctx, "tcp", e.Host)
	}
	host, _, _ := net.SplitHostPort(e.Host)
	td := &tls.Dialer{
		NetDialer: dialer,
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: insecure,
			MinVersion:         tls.VersionTLS12,
		},
	}
	return td.DialContext(ctx, "tcp", e.Host)
}

// UpstreamState represents the health state of a pool endpoint
type UpstreamState struct {
	URL          string
	Priority     int
	Healthy      bool
	Active       bool
	LastCheck    time.Time
	SuccessCount int32
	FailCount    int32
	ResponseTime time.Duration
}

// Upstream is one pool endpoint with health tracking
type Upstream struct {
	endpoint Endpoint
	priority int

	mu           sync.RWMutex
	healthy      bool
	failCount    int32
	successCount int32
	lastCheck    time.Time
	responseTime time.Duration
}

// UpstreamManager tracks pool endpoints and fails over between them. The
// primary has priority 0 and is preferred whenever it is healthy.
type UpstreamManager struct {
	upstreams    []*Upstream
	maxFailures  int32
	recoverAfter int32
	probeTimeout time.Duration
	probe        func(ctx context.Context, ep Endpoint) error
	activeIdx    int32
}

// NewUpstreamManager builds a manager from the ordered endpoint URLs
func NewUpstreamManager(urls []string, maxFailures int) (*UpstreamManager, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no pool endpoints configured")
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	m := &UpstreamManager{
		maxFailures:  int32(maxFailures),
		recoverAfter: 2,
		probeTimeout: 5 * time.Second,
	}
	m.probe = m.dialProbe
	for i, u := range urls {
		ep, err := ParseEndpoint(u)
		if err != nil {
			return nil, err
		}
		m.upstreams = append(m.upstreams, &Upstream{
			endpoint: ep,
			priority: i,
			healthy:  true, // Assume healthy initially
		})
	}
	return m, nil
}

// Current returns the endpoint to use for the next connection
func (m *UpstreamManager) Current() Endpoint {
	idx := atomic.LoadInt32(&m.activeIdx)
	return m.upstreams[idx].endpoint
}

// RecordSuccess records a successful session on the active upstream
func (m *UpstreamManager) RecordSuccess(rtt time.Duration) {
	u := m.upstreams[atomic.LoadInt32(&m.activeIdx)]
	u.mu.Lock()
	u.successCount++
	u.failCount = 0
	u.healthy = true
	u.lastCheck = time.Now()
	u.responseTime = rtt
	u.mu.Unlock()
}

// RecordFailure records a failed connection attempt and fails over once the
// active upstream exceeds the failure threshold. It reports whether the
// active endpoint changed.
func (m *UpstreamManager) RecordFailure() bool {
	idx := atomic.LoadInt32(&m.activeIdx)
	u := m.upstreams[idx]

	u.mu.Lock()
	u.failCount++
	u.successCount = 0
	u.lastCheck = time.Now()
	// Fail over on every maxFailures-th consecutive failure so a pool that
	// is already unhealthy still rotates away
	shouldFailover := u.failCount%m.maxFailures == 0
	if shouldFailover && u.healthy {
		u.healthy = false
		util.Warnf("Pool %s marked unhealthy after %d failures", u.endpoint.URL, u.failCount)
	}
	u.mu.Unlock()

	if shouldFailover {
		return m.selectBest()
	}
	return false
}

// selectBest picks the healthy upstream with the lowest priority value. With
// none healthy it rotates to the next endpoint so every pool keeps getting
// tried.
func (m *UpstreamManager) selectBest() bool {
	old := atomic.LoadInt32(&m.activeIdx)
	best := int32(-1)
	for i, u := range m.upstreams {
		u.mu.RLock()
		healthy := u.healthy
		u.mu.RUnlock()
		if healthy {
			best = int32(i)
			break
		}
	}

	if best < 0 {
		best = (old + 1) % int32(len(m.upstreams))
		util.Warnf("No healthy pools available, rotating to %s", m.upstreams[best].endpoint.URL)
	}

	if best != old {
		atomic.StoreInt32(&m.activeIdx, best)
		util.Infof("Switched to pool %s", m.upstreams[best].endpoint.URL)
		return true
	}
	return false
}

// Run probes unhealthy endpoints until ctx is cancelled so a recovered
// primary is preferred again at the next reconnect
func (m *UpstreamManager) Run(ctx context.Context, interval time.Duration) {
	if len(m.upstreams) < 2 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkUnhealthy(ctx)
		}
	}
}

func (m *UpstreamManager) checkUnhealthy(ctx context.Context) {
	var wg sync.WaitGroup
	for _, upstream := range m.upstreams {
		upstream.mu.RLock()
		healthy := upstream.healthy
		upstream.mu.RUnlock()
		if healthy {
			continue
		}

		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			m.checkUpstream(ctx, u)
		}(upstream)
	}
	wg.Wait()
}

func (m *UpstreamManager) checkUpstream(ctx context.Context, u *Upstream) {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := time.Now()
	err := m.probe(ctx, u.endpoint)
	rtt := time.Since(start)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastCheck = time.Now()
	u.responseTime = rtt
	if err != nil {
		u.successCount = 0
		return
	}
	u.successCount++
	if u.successCount >= m.recoverAfter {
		u.healthy = true
		u.failCount = 0
		util.Infof("Pool %s recovered (response=%v)", u.endpoint.URL, rtt)
	}
}

func (m *UpstreamManager) dialProbe(ctx context.Context, ep Endpoint) error {
	conn, err := ep.Dial(ctx, m.probeTimeout, true)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Reselect moves back to the highest priority healthy endpoint, if any.
// It is called before reconnecting.
func (m *UpstreamManager) Reselect() {
	old := atomic.LoadInt32(&m.activeIdx)
	for i, u := range m.upstreams {
		u.mu.RLock()
		healthy := u.healthy
		u.mu.RUnlock()
		if !healthy {
			continue
		}
		if int32(i) != old {
			atomic.StoreInt32(&m.activeIdx, int32(i))
			util.Infof("Returning to pool %s", u.endpoint.URL)
		}
		return
	}
}

// States returns the state of all upstreams for monitoring
func (m *UpstreamManager) States() []UpstreamState {
	active := atomic.LoadInt32(&m.activeIdx)
	states := make([]UpstreamState, len(m.upstreams))
	for i, u := range m.upstreams {
		u.mu.RLock()
		states[i] = UpstreamState{
			URL:          u.endpoint.URL,
			Priority:     u.priority,
			Healthy:      u.healthy,
			Active:       int32(i) == active,
			LastCheck:    u.lastCheck,
			SuccessCount: u.successCount,
			FailCount:    u.failCount,
			ResponseTime: u.responseTime,
		}
		u.mu.RUnlock()
	}
	return states
}

// Count returns the number of configured endpoints
func (m *UpstreamManager) Count() int {
	return len(m.upstreams)
}
