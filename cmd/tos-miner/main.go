// TOS Miner - Stratum pool client and hashing engine supervisor
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tos-network/tos-miner/internal/api"
	"github.com/tos-network/tos-miner/internal/config"
	"github.com/tos-network/tos-miner/internal/lifecycle"
	"github.com/tos-network/tos-miner/internal/newrelic"
	"github.com/tos-network/tos-miner/internal/notify"
	"github.com/tos-network/tos-miner/internal/stats"
	"github.com/tos-network/tos-miner/internal/storage"
	"github.com/tos-network/tos-miner/internal/submit"
	"github.com/tos-network/tos-miner/internal/telemetry"
	"github.com/tos-network/tos-miner/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("TOS Miner v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("TOS Miner v%s starting, pool %s as %s", version, cfg.Pool.URL, cfg.Pool.User())

	code := run(cfg)
	util.Sync()
	os.Exit(code)
}

func run(cfg *config.Config) int {
	bus := telemetry.NewBus(cfg.Stats.EventBuffer)
	bus.AddSink(telemetry.NewLogSink())

	var recorders []stats.Recorder
	var hooks []func(submit.Candidate)

	var kafka *telemetry.KafkaSink
	if cfg.Kafka.Enabled {
		kafka = telemetry.NewKafkaSink(&cfg.Kafka)
		bus.AddSink(kafka)
		util.Infof("Publishing events to Kafka topic %s", cfg.Kafka.Topic)
	}

	var history api.History
	if cfg.Redis.Enabled {
		redis, err := storage.NewRedisClient(&cfg.Redis)
		if err != nil {
			util.Errorf("Failed to connect to Redis: %v", err)
			return 1
		}
		defer redis.Close()
		bus.AddSink(redis)
		recorders = append(recorders, redis)
		history = redis
		window := cfg.Stats.HashrateWindow
		hooks = append(hooks, func(c submit.Candidate) {
			if err := redis.WriteShare(storage.ShareFromCandidate(c), window); err != nil {
				util.Warnf("Failed to store result in Redis: %v", err)
			}
		})
	}

	if cfg.Influx.Enabled {
		influx, err := storage.NewInfluxClient(&cfg.Influx)
		if err != nil {
			util.Errorf("Failed to connect to InfluxDB: %v", err)
			return 1
		}
		defer influx.Close()
		recorders = append(recorders, influx)
		hooks = append(hooks, influx.WriteShare)
	}

	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("New Relic disabled: %v", err)
	}
	defer agent.Stop()
	if agent.IsEnabled() {
		bus.AddSink(agent)
		recorders = append(recorders, agent)
	}

	notifier := notify.NewNotifier(&cfg.Notify, cfg.Pool.User())
	bus.AddSink(notifier)
	defer notifier.Wait()

	busCtx, busCancel := context.WithCancel(context.Background())
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		bus.Run(busCtx)
	}()
	defer func() {
		busCancel()
		<-busDone
		if kafka != nil {
			if err := kafka.Close(); err != nil {
				util.Warnf("Failed to flush Kafka writer: %v", err)
			}
		}
	}()

	ctl, err := lifecycle.New(lifecycle.Options{
		Config:      cfg,
		Events:      bus,
		Recorders:   recorders,
		ResultHooks: hooks,
	})
	if err != nil {
		util.Errorf("Invalid configuration: %v", err)
		return 1
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(&cfg.API, api.Options{
			Stats:    ctl,
			Events:   bus,
			Control:  ctl,
			History:  history,
			Interval: cfg.Stats.Interval,
			Wrap:     agent.WrapHandler,
		})
		if err := apiServer.Start(); err != nil {
			util.Errorf("Failed to start API server: %v", err)
			return 1
		}
	}

	// Signals are watched from here on so an interrupt during the startup
	// wait still goes through the orderly Stop
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	timeout := cfg.Lifecycle.ShutdownTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	code := mine(sigCtx, ctl, timeout+5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if apiServer != nil {
		if err := apiServer.Stop(ctx); err != nil {
			util.Warnf("API server shutdown: %v", err)
		}
	}

	util.Info("Miner stopped")
	return code
}

// miner is the part of the lifecycle controller main drives
type miner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Fatal() <-chan error
}

// mine starts ctl, waits until ctx ends or mining fails, then stops it. It
// returns the process exit code.
func mine(ctx context.Context, ctl miner, stopTimeout time.Duration) int {
	code := 0
	if err := ctl.Start(ctx); err != nil {
		if ctx.Err() != nil {
			util.Info("Interrupted during startup")
		} else {
			util.Errorf("Failed to start mining: %v", err)
			code = 1
		}
	} else {
		util.Info("Miner started successfully. Press Ctrl+C to stop.")

		select {
		case <-ctx.Done():
			util.Info("Received shutdown signal, shutting down...")
		case err := <-ctl.Fatal():
			util.Errorf("Mining stopped: %v", err)
			code = 1
		}
	}

	// Graceful shutdown
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := ctl.Stop(stopCtx); err != nil {
		util.Warnf("Shutdown incomplete: %v", err)
	}
	return code
}
