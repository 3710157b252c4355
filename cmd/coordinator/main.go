package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"github.com/LandingPadAI/agent-coordinator/internal/config"
	"github.com/LandingPadAI/agent-coordinator/internal/coordination"
	"github.com/LandingPadAI/agent-coordinator/internal/health"
	"github.com/LandingPadAI/agent-coordinator/internal/recovery"
	"github.com/LandingPadAI/agent-coordinator/internal/registry"
	"github.com/LandingPadAI/agent-coordinator/internal/repositories/scylla/heartbeats"
	"github.com/LandingPadAI/agent-coordinator/internal/repositories/sql/workerhealth"
	httpserver "github.com/LandingPadAI/agent-coordinator/internal/server/http"
	"github.com/LandingPadAI/agent-coordinator/internal/store"
	"github.com/LandingPadAI/agent-coordinator/pkg/etcd"
	"github.com/LandingPadAI/agent-coordinator/pkg/infra"
	"github.com/LandingPadAI/agent-coordinator/pkg/logger"
	"github.com/LandingPadAI/agent-coordinator/pkg/messagebus"
	"github.com/LandingPadAI/agent-coordinator/pkg/messagebus/kafka"
	"github.com/LandingPadAI/agent-coordinator/pkg/metric"
	"github.com/LandingPadAI/agent-coordinator/pkg/retry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	config.Init()
	cfg := config.Instance()
	logger.Init(cfg.AppName, cfg.AppLogLevel)
	metric.Init()
	infra.InitDBConnectors()

	bus := buildBus(cfg)

	stateStore, err := store.FromConfig(cfg.StateStoreBackend)
	if err != nil {
		log.Panic().Err(err).Msg("Failed to initialize state store")
	}

	reg := registry.NewRegistry()
	if cfg.RegistryDefinitionsPath != "" {
		loaded, err := reg.LoadDir(cfg.RegistryDefinitionsPath)
		if err != nil {
			log.Panic().Err(err).Str("dir", cfg.RegistryDefinitionsPath).Msg("Failed to load workflow definitions")
		}
		log.Info().Int("definitions", loaded).Str("dir", cfg.RegistryDefinitionsPath).Msg("Workflow definitions loaded")
	}

	policies := retry.NewPolicyTable()
	breakers := retry.NewBreakerManager(retry.DefaultBreakerConfig())

	coordinator := coordination.NewService(
		coordination.Config{MaxInflightDispatches: cfg.CoordinationMaxInflightDispatches},
		coordination.Deps{Bus: bus, Store: stateStore, Registry: reg},
	)

	monitor := health.NewMonitor(
		health.Config{CheckInterval: cfg.CheckInterval(), HeartbeatTimeout: cfg.HeartbeatTimeout()},
		health.Deps{Bus: bus, Persistence: buildHealthPersistence(), History: buildHeartbeatHistory(cfg)},
	)
	coordinator.SetDispatchGate(monitor)

	recoverer := recovery.NewService(
		recovery.Config{
			MaxRecoveryAttempts: cfg.MonitoringMaxRecoveryAttempts,
			AttemptWindow:       cfg.RecoveryAttemptWindow(),
			AutoRecovery:        cfg.MonitoringAutoRecovery,
			CommandRate:         cfg.RecoveryCommandRate,
			CommandBurst:        cfg.RecoveryCommandBurst,
		},
		recovery.Deps{
			Bus:         bus,
			Coordinator: coordinator,
			Health:      monitor,
			Window:      buildFailureWindow(cfg),
			Policies:    policies,
		},
	)

	if etcd.Enabled() {
		client, err := etcd.Init()
		if err != nil {
			log.Panic().Err(err).Msg("Failed to initialize etcd client")
		}
		defer client.Close()
		err = config.WatchDynamic(client, func(snapshot config.DynamicConfigs) {
			applyDynamic(cfg, snapshot, policies, breakers, monitor, recoverer)
		})
		if err != nil {
			log.Panic().Err(err).Msg("Failed to load dynamic configuration")
		}
	}

	if err := coordinator.Start(); err != nil {
		log.Panic().Err(err).Msg("Failed to start coordination service")
	}
	if err := monitor.Start(); err != nil {
		log.Panic().Err(err).Msg("Failed to start health monitor")
	}
	if err := recoverer.Start(); err != nil {
		log.Panic().Err(err).Msg("Failed to start recovery service")
	}

	resumed, err := coordinator.Resume(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("Failed to resume stored workflows")
	} else if resumed > 0 {
		log.Info().Int("workflows", resumed).Msg("Resumed in-flight workflows from state store")
	}

	housekeeper := startHousekeeper(cfg, stateStore, reg, recoverer, breakers)

	server := httpserver.New(
		httpserver.Config{Port: cfg.AppPort, Verbose: !cfg.IsProduction()},
		httpserver.Deps{
			Coordination: coordinator,
			Health:       monitor,
			Recovery:     recoverer,
			Registry:     reg,
			Policies:     policies,
			Breakers:     breakers,
		},
	)
	go func() {
		if err := server.Run(); err != nil {
			log.Panic().Err(err).Msg("Error from running coordinator http server")
		}
	}()
	log.Info().Msgf("agent-coordinator started.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	housekeeper.Stop()
	recoverer.Stop()
	monitor.Stop()
	coordinator.Stop()
	if err := bus.Close(); err != nil {
		log.Error().Err(err).Msg("Bus close failed")
	}
	log.Info().Msg("agent-coordinator stopped.")
}

// buildBus picks the message transport: the in-process bus for single-node
// deployments, Kafka when BUS_BACKEND=kafka.
func buildBus(cfg *config.Configs) messagebus.Bus {
	switch cfg.BusBackend {
	case "", "memory":
		return messagebus.NewMemoryBus(cfg.BusPrefetch)
	case "kafka":
		kafkaCfg, err := kafka.BuildConfigFromEnv()
		if err != nil {
			log.Panic().Err(err).Msg("Failed to build kafka bus config")
		}
		bus, err := kafka.NewKafkaBus(kafkaCfg)
		if err != nil {
			log.Panic().Err(err).Msg("Failed to connect kafka bus")
		}
		return bus
	default:
		log.Panic().Str("backend", cfg.BusBackend).Msg("Unknown bus backend")
		return nil
	}
}

// buildHealthPersistence backs worker records with MySQL when its env is set.
// Without it the health view lives in memory only and resets on restart.
func buildHealthPersistence() health.Persistence {
	if infra.SQL == nil {
		return nil
	}
	conn, err := infra.SQL.GetConnection()
	if err != nil {
		log.Panic().Err(err).Msg("Failed to get SQL connection")
	}
	repo, err := workerhealth.NewRepository(conn.(*infra.SQLConnection))
	if err != nil {
		log.Panic().Err(err).Msg("Failed to build worker health repository")
	}
	return health.NewSQLPersistence(repo)
}

// buildHeartbeatHistory records raw heartbeat samples into Scylla with a TTL
// when its env is set.
func buildHeartbeatHistory(cfg *config.Configs) health.HeartbeatHistory {
	if infra.Scylla == nil {
		return nil
	}
	conn, err := infra.Scylla.GetConnection()
	if err != nil {
		log.Panic().Err(err).Msg("Failed to get Scylla connection")
	}
	repo, err := heartbeats.NewRepository(conn.(*infra.ScyllaConnection), cfg.MonitoringMetricsRetentionDays)
	if err != nil {
		log.Panic().Err(err).Msg("Failed to build heartbeat history repository")
	}
	return health.NewScyllaHistory(repo)
}

// buildFailureWindow returns the Redis-backed failure window when configured,
// nil otherwise so the recovery service falls back to its in-memory window.
func buildFailureWindow(cfg *config.Configs) recovery.FailureWindow {
	if cfg.RecoveryFailureWindowBackend != "redis" {
		return nil
	}
	if infra.Redis == nil {
		log.Panic().Msg("RECOVERY_FAILURE_WINDOW_BACKEND is redis but Redis env is not set")
	}
	conn, err := infra.Redis.GetConnection()
	if err != nil {
		log.Panic().Err(err).Msg("Failed to get Redis connection")
	}
	return recovery.NewRedisWindow(conn.(*infra.RedisConnection).Client, cfg.RecoveryAttemptWindow())
}

// applyDynamic pushes one etcd snapshot into the running services. Absent
// documents leave the static configuration in force. Runs on the watcher
// goroutine, so every target must be safe for concurrent update.
func applyDynamic(cfg *config.Configs, snapshot config.DynamicConfigs,
	policies *retry.PolicyTable, breakers *retry.BreakerManager,
	monitor *health.Monitor, recoverer *recovery.Service) {
	if snapshot.RetryPolicies != nil {
		policies.Replace(snapshot.RetryPolicies)
	}
	if snapshot.Strategies != nil {
		recoverer.UpdateStrategies(snapshot.Strategies)
	}
	if snapshot.Delegation != nil {
		recoverer.UpdateDelegation(snapshot.Delegation)
	}
	if m := snapshot.Monitoring; m != nil {
		monitorCfg := health.Config{
			CheckInterval:    cfg.CheckInterval(),
			HeartbeatTimeout: cfg.HeartbeatTimeout(),
		}
		if m.CheckIntervalInMS > 0 {
			monitorCfg.CheckInterval = time.Duration(m.CheckIntervalInMS) * time.Millisecond
		}
		if m.HeartbeatTimeoutInMS > 0 {
			monitorCfg.HeartbeatTimeout = time.Duration(m.HeartbeatTimeoutInMS) * time.Millisecond
		}
		monitor.UpdateConfig(monitorCfg)
		recoverer.UpdateBounds(m.MaxRecoveryAttempts, m.AutoRecovery)
	}
	if snapshot.Breaker != nil {
		breakers.UpdateConfig(*snapshot.Breaker)
	}
}

// startHousekeeper schedules the hourly retention sweep: purge terminal
// workflows past retention, re-gauge the dead-letter backlog and surface
// breakers stuck outside closed.
func startHousekeeper(cfg *config.Configs, stateStore store.StateStore, reg *registry.Registry,
	recoverer *recovery.Service, breakers *retry.BreakerManager) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("@hourly", func() {
		olderThan := time.Now().Add(-cfg.PurgeTerminalAfter())
		purged, err := stateStore.PurgeTerminal(context.Background(), olderThan, reg.TerminalStates())
		if err != nil {
			log.Error().Err(err).Msg("Terminal workflow purge failed")
		} else if purged > 0 {
			log.Info().Int64("workflows", purged).Msg("Purged terminal workflows past retention")
		}

		backlog := len(recoverer.DeadLetters(recovery.DeadLetterFilter{}))
		metric.Gauge(metric.DeadLetterQueueSize, float64(backlog), nil)

		for _, status := range breakers.Snapshot() {
			if status.State != "closed" {
				log.Warn().Str("service", status.Service).Str("state", status.State).
					Int64("remainingDelayMs", int64(status.RemainingDelay)).
					Msg("Circuit breaker not closed")
			}
		}
	})
	if err != nil {
		log.Panic().Err(err).Msg("Failed to schedule housekeeper")
	}
	c.Start()
	return c
}
