package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Pool: PoolConfig{
			URL:      "stratum+tcp://pool.example.com:3333",
			Address:  "bc1qtestaddress",
			Worker:   "rig1",
			Password: "x",
		},
		Engine: EngineConfig{
			Path:      "/usr/local/bin/minerd",
			Algorithm: "sha256d",
			Processes: 1,
			Threads:   2,
		},
		Supervisor: SupervisorConfig{
			HeartbeatTimeout: 90 * time.Second,
			RestartMax:       5,
			RestartWindow:    10 * time.Minute,
		},
		Safety: SafetyConfig{
			MaxThreads: 8,
		},
		Client: ClientConfig{
			RequestTimeout:    30 * time.Second,
			BackoffInitial:    time.Second,
			BackoffMax:        2 * time.Minute,
			BackoffMultiplier: 2,
		},
		Submit: SubmitConfig{
			QueueSize: 256,
		},
		Lifecycle: LifecycleConfig{
			StartupTimeout: time.Minute,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:   "missing pool url",
			mutate: func(c *Config) { c.Pool.URL = "" },
			errMsg: "pool.url is required",
		},
		{
			name: "unknown preset",
			mutate: func(c *Config) {
				c.Pool.URL = ""
				c.Pool.Preset = "nope"
			},
			errMsg: "unknown pool.preset",
		},
		{
			name:   "bad scheme",
			mutate: func(c *Config) { c.Pool.URL = "http://pool.example.com:3333" },
			errMsg: "unsupported scheme",
		},
		{
			name:   "backup missing port",
			mutate: func(c *Config) { c.Pool.Backups = []string{"stratum+tcp://backup.example.com"} },
			errMsg: "missing a port",
		},
		{
			name:   "missing address",
			mutate: func(c *Config) { c.Pool.Address = "" },
			errMsg: "pool.address is required",
		},
		{
			name:   "missing engine path",
			mutate: func(c *Config) { c.Engine.Path = "" },
			errMsg: "engine.path is required",
		},
		{
			name:   "zero processes",
			mutate: func(c *Config) { c.Engine.Processes = 0 },
			errMsg: "engine.processes must be >= 1",
		},
		{
			name:   "zero threads",
			mutate: func(c *Config) { c.Engine.Threads = 0 },
			errMsg: "engine.threads must be >= 1",
		},
		{
			name: "temp ceiling without sensor",
			mutate: func(c *Config) {
				c.Safety.TempCeiling = 85
			},
			errMsg: "safety.temp_sensor is required",
		},
		{
			name: "hysteresis above ceiling",
			mutate: func(c *Config) {
				c.Safety.TempCeiling = 85
				c.Safety.TempSensor = "/sys/class/thermal/thermal_zone0/temp"
				c.Safety.TempHysteresis = 90
			},
			errMsg: "safety.temp_hysteresis",
		},
		{
			name:   "zero restart budget",
			mutate: func(c *Config) { c.Supervisor.RestartMax = 0 },
			errMsg: "supervisor.restart_max must be >= 1",
		},
		{
			name: "backoff ceiling below initial",
			mutate: func(c *Config) {
				c.Client.BackoffInitial = time.Minute
				c.Client.BackoffMax = time.Second
			},
			errMsg: "client.backoff_initial",
		},
		{
			name: "share verification on another algorithm",
			mutate: func(c *Config) {
				c.Engine.Algorithm = "scrypt"
				c.Submit.VerifyShares = true
			},
			errMsg: "submit.verify_shares",
		},
		{
			name: "kafka without brokers",
			mutate: func(c *Config) {
				c.Kafka.Enabled = true
				c.Kafka.Topic = "events"
			},
			errMsg: "kafka.brokers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestPoolUser(t *testing.T) {
	p := PoolConfig{Address: "bc1qaddr", Worker: "rig"}
	if got := p.User(); got != "bc1qaddr.rig" {
		t.Errorf("User() = %s, want bc1qaddr.rig", got)
	}
	p.Worker = ""
	if got := p.User(); got != "bc1qaddr" {
		t.Errorf("User() = %s, want bc1qaddr", got)
	}
}

func TestPoolEndpoints(t *testing.T) {
	p := PoolConfig{
		URL:     "stratum+tcp://a:1",
		Backups: []string{"stratum+tcp://b:2", "stratum+tcp://a:1", " ", "stratum+tcp://c:3"},
	}
	got := p.Endpoints()
	want := []string{"stratum+tcp://a:1", "stratum+tcp://b:2", "stratum+tcp://c:3"}
	if len(got) != len(want) {
		t.Fatalf("Endpoints() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Endpoints()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEffectiveThreads(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.Threads = 32
	cfg.Safety.MaxThreads = 4
	if got := cfg.EffectiveThreads(); got != 4 {
		t.Errorf("EffectiveThreads() = %d, want 4", got)
	}
	cfg.Engine.Threads = 2
	if got := cfg.EffectiveThreads(); got != 2 {
		t.Errorf("EffectiveThreads() = %d, want 2", got)
	}
}

func TestLoadWithTempConfig(t *testing.T) {
	// Create temp config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
pool:
  preset: ckpool
  backups:
    - "stratum+tcp://public-pool.io:21496"
  address: "bc1qtestaddress"
  worker: "desk"

engine:
  path: "/opt/minerd"
  algorithm: "yespower"
  threads: 4

supervisor:
  restart_max: 3
  restart_window: 5m

api:
  bind: "127.0.0.1:9999"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pool.URL != Presets["ckpool"] {
		t.Errorf("Pool.URL = %s, want %s", cfg.Pool.URL, Presets["ckpool"])
	}
	if len(cfg.Pool.Endpoints()) != 2 {
		t.Errorf("Endpoints() = %v, want 2 entries", cfg.Pool.Endpoints())
	}
	if cfg.Pool.User() != "bc1qtestaddress.desk" {
		t.Errorf("User() = %s", cfg.Pool.User())
	}
	if cfg.Pool.Password != "x" {
		t.Errorf("Pool.Password = %s, want default x", cfg.Pool.Password)
	}
	if cfg.Engine.Algorithm != "yespower" {
		t.Errorf("Engine.Algorithm = %s, want yespower", cfg.Engine.Algorithm)
	}
	if cfg.Supervisor.RestartWindow != 5*time.Minute {
		t.Errorf("Supervisor.RestartWindow = %v, want 5m", cfg.Supervisor.RestartWindow)
	}
	if cfg.Client.BackoffMax != 2*time.Minute {
		t.Errorf("Client.BackoffMax = %v, want default 2m", cfg.Client.BackoffMax)
	}
	if cfg.Submit.JobGrace != 30*time.Second {
		t.Errorf("Submit.JobGrace = %v, want default 30s", cfg.Submit.JobGrace)
	}
	if cfg.API.Bind != "127.0.0.1:9999" {
		t.Errorf("API.Bind = %s", cfg.API.Bind)
	}
	if !cfg.Engine.StdinWork {
		t.Error("Engine.StdinWork should default to true")
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Missing required address
	configContent := `
pool:
  url: "stratum+tcp://pool.example.com:3333"

engine:
  path: "/opt/minerd"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() should return error for invalid config")
	}
}

func TestLoadNonexistentConfig(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for non-existent config")
	}
}
