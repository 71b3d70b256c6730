// Package config handles configuration loading and validation for TOS Miner.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the miner
type Config struct {
	Pool       PoolConfig       `mapstructure:"pool"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Client     ClientConfig     `mapstructure:"client"`
	Submit     SubmitConfig     `mapstructure:"submit"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Stats      StatsConfig      `mapstructure:"stats"`
	API        APIConfig        `mapstructure:"api"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Influx     InfluxConfig     `mapstructure:"influx"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	NewRelic   NewRelicConfig   `mapstructure:"newrelic"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Log        LogConfig        `mapstructure:"log"`
}

// Presets maps well-known pool names to their stratum endpoints
var Presets = map[string]string{
	"ckpool":      "stratum+tcp://solo.ckpool.org:3333",
	"public-pool": "stratum+tcp://public-pool.io:21496",
	"ocean":       "stratum+tcp://stratum.ocean.xyz:3000",
	"ocean-alt":   "stratum+tcp://mine.ocean.xyz:3334",
}

// PoolConfig defines the pool endpoint and worker identity
type PoolConfig struct {
	Preset              string   `mapstructure:"preset"`
	URL                 string   `mapstructure:"url"`
	Backups             []string `mapstructure:"backups"`
	Address             string   `mapstructure:"address"`
	Worker              string   `mapstructure:"worker"`
	Password            string   `mapstructure:"password"`
	ExtranonceSubscribe bool     `mapstructure:"extranonce_subscribe"`
	TLSInsecure         bool     `mapstructure:"tls_insecure"`
}

// User returns the login sent in mining.authorize: <address>.<worker>
func (p *PoolConfig) User() string {
	if p.Worker == "" {
		return p.Address
	}
	return p.Address + "." + p.Worker
}

// Endpoints returns the primary URL followed by backups, deduplicated
func (p *PoolConfig) Endpoints() []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range append([]string{p.URL}, p.Backups...) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// EngineConfig defines the external hashing engine
type EngineConfig struct {
	Path      string   `mapstructure:"path"`
	Digest    string   `mapstructure:"digest"`
	Algorithm string   `mapstructure:"algorithm"`
	Processes int      `mapstructure:"processes"`
	Threads   int      `mapstructure:"threads"`
	Intensity int      `mapstructure:"intensity"`
	StdinWork bool     `mapstructure:"stdin_work"`
	Args      []string `mapstructure:"args"`
}

// SupervisorConfig defines process health and restart policy
type SupervisorConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	RestartMax       int           `mapstructure:"restart_max"`
	RestartWindow    time.Duration `mapstructure:"restart_window"`
	RestartDelay     time.Duration `mapstructure:"restart_delay"`
	StopGrace        time.Duration `mapstructure:"stop_grace"`
}

// SafetyConfig defines resource limits enforced on engine processes
type SafetyConfig struct {
	MaxThreads     int     `mapstructure:"max_threads"`
	TempSensor     string  `mapstructure:"temp_sensor"`
	TempCeiling    float64 `mapstructure:"temp_ceiling"`
	TempHysteresis float64 `mapstructure:"temp_hysteresis"`
}

// ClientConfig defines stratum client timing
type ClientConfig struct {
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	FailoverAfter     int           `mapstructure:"failover_after"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// SubmitConfig defines the submission queue
type SubmitConfig struct {
	QueueSize  int           `mapstructure:"queue_size"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	JobGrace   time.Duration `mapstructure:"job_grace"`

	// VerifyShares hashes each sha256d result locally and drops those
	// above the share target before they reach the pool
	VerifyShares bool `mapstructure:"verify_shares"`
}

// LifecycleConfig defines startup and shutdown deadlines
type LifecycleConfig struct {
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StatsConfig defines the stats aggregator
type StatsConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	HashrateWindow time.Duration `mapstructure:"hashrate_window"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

// APIConfig defines the local UI API server
type APIConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Bind         string   `mapstructure:"bind"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	ControlToken string   `mapstructure:"control_token"`
	Pprof        bool     `mapstructure:"pprof"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// InfluxConfig defines InfluxDB time-series settings
type InfluxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// KafkaConfig defines the event stream settings
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// NewRelicConfig defines New Relic APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramAPI  string `mapstructure:"telegram_api"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	MinSeverity  string `mapstructure:"min_severity"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tos-miner")
	}

	// Read environment variables
	v.SetEnvPrefix("TOS_MINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.applyPreset()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Pool defaults
	v.SetDefault("pool.password", "x")
	v.SetDefault("pool.worker", "w1")

	// Engine defaults
	v.SetDefault("engine.algorithm", "sha256d")
	v.SetDefault("engine.processes", 1)
	v.SetDefault("engine.threads", 2)
	v.SetDefault("engine.intensity", 0)
	v.SetDefault("engine.stdin_work", true)

	// Supervisor defaults
	v.SetDefault("supervisor.heartbeat_timeout", "90s")
	v.SetDefault("supervisor.monitor_interval", "5s")
	v.SetDefault("supervisor.restart_max", 5)
	v.SetDefault("supervisor.restart_window", "10m")
	v.SetDefault("supervisor.restart_delay", "2s")
	v.SetDefault("supervisor.stop_grace", "10s")

	// Safety defaults
	v.SetDefault("safety.max_threads", 8)
	v.SetDefault("safety.temp_ceiling", 0)
	v.SetDefault("safety.temp_hysteresis", 5.0)

	// Client defaults
	v.SetDefault("client.dial_timeout", "10s")
	v.SetDefault("client.request_timeout", "30s")
	v.SetDefault("client.backoff_initial", "1s")
	v.SetDefault("client.backoff_max", "2m")
	v.SetDefault("client.backoff_multiplier", 2.0)
	v.SetDefault("client.failover_after", 3)
	v.SetDefault("client.check_interval", "1s")
	v.SetDefault("client.health_interval", "30s")
	v.SetDefault("client.user_agent", "tos-miner/1.0")

	// Submit defaults
	v.SetDefault("submit.queue_size", 256)
	v.SetDefault("submit.ack_timeout", "60s")
	v.SetDefault("submit.job_grace", "30s")
	v.SetDefault("submit.verify_shares", false)

	// Lifecycle defaults
	v.SetDefault("lifecycle.startup_timeout", "60s")
	v.SetDefault("lifecycle.shutdown_timeout", "20s")

	// Stats defaults
	v.SetDefault("stats.interval", "5s")
	v.SetDefault("stats.hashrate_window", "10m")
	v.SetDefault("stats.event_buffer", 200)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "127.0.0.1:4048")
	v.SetDefault("api.cors_origins", []string{"*"})

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "tos-miner:")
	v.SetDefault("redis.ttl", "24h")

	// Influx defaults
	v.SetDefault("influx.url", "http://127.0.0.1:8086")
	v.SetDefault("influx.bucket", "miner")

	// Kafka defaults
	v.SetDefault("kafka.topic", "miner-events")
	v.SetDefault("kafka.batch_timeout", "1s")

	// New Relic defaults
	v.SetDefault("newrelic.app_name", "tos-miner")

	// Notify defaults
	v.SetDefault("notify.telegram_api", "https://api.telegram.org")
	v.SetDefault("notify.min_severity", "warn")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// applyPreset fills pool.url from a named preset when no explicit URL is set
func (c *Config) applyPreset() {
	if c.Pool.URL != "" || c.Pool.Preset == "" {
		return
	}
	if url, ok := Presets[strings.ToLower(c.Pool.Preset)]; ok {
		c.Pool.URL = url
	}
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Pool.URL == "" {
		if c.Pool.Preset != "" {
			return fmt.Errorf("unknown pool.preset %q", c.Pool.Preset)
		}
		return fmt.Errorf("pool.url is required")
	}

	for _, u := range c.Pool.Endpoints() {
		if err := validatePoolURL(u); err != nil {
			return err
		}
	}

	if c.Pool.Address == "" {
		return fmt.Errorf("pool.address is required")
	}

	if c.Engine.Path == "" {
		return fmt.Errorf("engine.path is required")
	}

	if c.Engine.Algorithm == "" {
		return fmt.Errorf("engine.algorithm is required")
	}

	if c.Engine.Processes < 1 {
		return fmt.Errorf("engine.processes must be >= 1")
	}

	if c.Engine.Threads < 1 {
		return fmt.Errorf("engine.threads must be >= 1")
	}

	if c.Safety.MaxThreads < 1 {
		return fmt.Errorf("safety.max_threads must be >= 1")
	}

	if c.Safety.TempCeiling < 0 {
		return fmt.Errorf("safety.temp_ceiling must not be negative")
	}

	if c.Safety.TempCeiling > 0 {
		if c.Safety.TempSensor == "" {
			return fmt.Errorf("safety.temp_sensor is required when temp_ceiling is set")
		}
		if c.Safety.TempHysteresis < 0 || c.Safety.TempHysteresis >= c.Safety.TempCeiling {
			return fmt.Errorf("safety.temp_hysteresis must be between 0 and temp_ceiling")
		}
	}

	if c.Supervisor.RestartMax < 1 {
		return fmt.Errorf("supervisor.restart_max must be >= 1")
	}

	if c.Supervisor.RestartWindow <= 0 {
		return fmt.Errorf("supervisor.restart_window must be positive")
	}

	if c.Supervisor.HeartbeatTimeout <= 0 {
		return fmt.Errorf("supervisor.heartbeat_timeout must be positive")
	}

	if c.Client.BackoffInitial <= 0 || c.Client.BackoffMax < c.Client.BackoffInitial {
		return fmt.Errorf("client.backoff_initial must be positive and <= backoff_max")
	}

	if c.Client.BackoffMultiplier < 1 {
		return fmt.Errorf("client.backoff_multiplier must be >= 1")
	}

	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be positive")
	}

	if c.Submit.QueueSize < 1 {
		return fmt.Errorf("submit.queue_size must be >= 1")
	}

	if c.Submit.VerifyShares && c.Engine.Algorithm != "sha256d" {
		return fmt.Errorf("submit.verify_shares needs engine.algorithm sha256d, got %s", c.Engine.Algorithm)
	}

	if c.Lifecycle.StartupTimeout <= 0 {
		return fmt.Errorf("lifecycle.startup_timeout must be positive")
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}

	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx.url and influx.bucket are required when influx is enabled")
	}

	return nil
}

// EffectiveThreads returns the configured thread count clamped to the safety maximum
func (c *Config) EffectiveThreads() int {
	if c.Engine.Threads > c.Safety.MaxThreads {
		return c.Safety.MaxThreads
	}
	return c.Engine.Threads
}

func validatePoolURL(u string) error {
	rest := u
	if i := strings.Index(u, "://"); i >= 0 {
		switch u[:i] {
		case "stratum+tcp", "stratum+ssl", "stratum+tls", "tcp", "ssl", "tls":
		default:
			return fmt.Errorf("pool url %q has unsupported scheme %q", u, u[:i])
		}
		rest = u[i+3:]
	}
	if !strings.Contains(rest, ":") {
		return fmt.Errorf("pool url %q is missing a port", u)
	}
	return nil
}
