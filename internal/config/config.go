package config

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Configs is the static app configuration, unmarshalled from env once at
// boot. Dynamic overrides (retry policies, monitoring thresholds) arrive
// through the etcd bridge in dynamic.go.
type Configs struct {
	AppName     string `mapstructure:"app_name"`
	AppEnv      string `mapstructure:"app_env"`
	AppPort     int    `mapstructure:"app_port"`
	AppLogLevel string `mapstructure:"app_log_level"`

	MonitoringCheckIntervalInMS     int  `mapstructure:"monitoring_check_interval_ms"`
	MonitoringHeartbeatTimeoutInMS  int  `mapstructure:"monitoring_heartbeat_timeout_ms"`
	MonitoringHeartbeatIntervalInMS int  `mapstructure:"monitoring_heartbeat_interval_ms"`
	MonitoringMaxRecoveryAttempts   int  `mapstructure:"monitoring_max_recovery_attempts"`
	MonitoringAutoRecovery          bool `mapstructure:"monitoring_auto_recovery"`
	MonitoringMetricsRetentionDays  int  `mapstructure:"monitoring_metrics_retention_days"`

	StateStoreBackend string `mapstructure:"state_store_backend"`
	BusBackend        string `mapstructure:"bus_backend"`
	BusPrefetch       int    `mapstructure:"bus_prefetch"`

	CoordinationMaxInflightDispatches int    `mapstructure:"coordination_max_inflight_dispatches"`
	RegistryDefinitionsPath           string `mapstructure:"registry_definitions_path"`

	RecoveryAttemptWindowInMS    int     `mapstructure:"recovery_attempt_window_ms"`
	RecoveryFailureWindowBackend string  `mapstructure:"recovery_failure_window_backend"`
	RecoveryCommandRate          float64 `mapstructure:"recovery_command_rate"`
	RecoveryCommandBurst         int     `mapstructure:"recovery_command_burst"`

	PurgeTerminalAfterInHours int `mapstructure:"purge_terminal_after_hours"`
}

func (c *Configs) CheckInterval() time.Duration {
	return time.Duration(c.MonitoringCheckIntervalInMS) * time.Millisecond
}

func (c *Configs) HeartbeatTimeout() time.Duration {
	return time.Duration(c.MonitoringHeartbeatTimeoutInMS) * time.Millisecond
}

func (c *Configs) RecoveryAttemptWindow() time.Duration {
	return time.Duration(c.RecoveryAttemptWindowInMS) * time.Millisecond
}

func (c *Configs) PurgeTerminalAfter() time.Duration {
	return time.Duration(c.PurgeTerminalAfterInHours) * time.Hour
}

func (c *Configs) IsProduction() bool {
	return c.AppEnv == "PRODUCTION" || c.AppEnv == "production"
}

var (
	initialized bool
	once        sync.Once
	instance    Configs
)

// Init loads env into the Configs instance. Idempotent.
func Init() {
	if initialized {
		log.Debug().Msg("Config already initialized!")
		return
	}
	once.Do(func() {
		viper.AutomaticEnv()
		setDefaults()
		bindEnvVars()
		if err := viper.Unmarshal(&instance); err != nil {
			log.Panic().Err(err).Msg("Failed to unmarshal config from environment")
		}
		initialized = true
		log.Info().Msg("Config initialized!")
	})
}

// Instance returns the loaded configuration, initializing on first use.
func Instance() *Configs {
	Init()
	return &instance
}

// SetInstance replaces the loaded configuration. Test hook.
func SetInstance(c Configs) {
	instance = c
	initialized = true
	once.Do(func() {})
}

func setDefaults() {
	viper.SetDefault("app_name", "agent-coordinator")
	viper.SetDefault("app_env", "dev")
	viper.SetDefault("app_port", 8080)
	viper.SetDefault("app_log_level", "INFO")

	viper.SetDefault("monitoring_check_interval_ms", 30000)
	viper.SetDefault("monitoring_heartbeat_timeout_ms", 90000)
	viper.SetDefault("monitoring_heartbeat_interval_ms", 30000)
	viper.SetDefault("monitoring_max_recovery_attempts", 3)
	viper.SetDefault("monitoring_auto_recovery", true)
	viper.SetDefault("monitoring_metrics_retention_days", 7)

	viper.SetDefault("state_store_backend", "memory")
	viper.SetDefault("bus_backend", "memory")
	viper.SetDefault("bus_prefetch", 8)

	viper.SetDefault("coordination_max_inflight_dispatches", 32)
	viper.SetDefault("registry_definitions_path", "")

	viper.SetDefault("recovery_attempt_window_ms", 3600000)
	viper.SetDefault("recovery_failure_window_backend", "memory")
	viper.SetDefault("recovery_command_rate", 10.0)
	viper.SetDefault("recovery_command_burst", 20)

	viper.SetDefault("purge_terminal_after_hours", 168)
}

func bindEnvVars() {
	_ = viper.BindEnv("app_name", "APP_NAME")
	_ = viper.BindEnv("app_env", "APP_ENV")
	_ = viper.BindEnv("app_port", "APP_PORT")
	_ = viper.BindEnv("app_log_level", "APP_LOG_LEVEL")
	_ = viper.BindEnv("monitoring_check_interval_ms", "MONITORING_CHECK_INTERVAL_MS")
	_ = viper.BindEnv("monitoring_heartbeat_timeout_ms", "MONITORING_HEARTBEAT_TIMEOUT_MS")
	_ = viper.BindEnv("monitoring_heartbeat_interval_ms", "MONITORING_HEARTBEAT_INTERVAL_MS")
	_ = viper.BindEnv("monitoring_max_recovery_attempts", "MONITORING_MAX_RECOVERY_ATTEMPTS")
	_ = viper.BindEnv("monitoring_auto_recovery", "MONITORING_AUTO_RECOVERY")
	_ = viper.BindEnv("monitoring_metrics_retention_days", "MONITORING_METRICS_RETENTION_DAYS")
	_ = viper.BindEnv("state_store_backend", "STATE_STORE_BACKEND")
	_ = viper.BindEnv("bus_backend", "BUS_BACKEND")
	_ = viper.BindEnv("bus_prefetch", "BUS_PREFETCH")
	_ = viper.BindEnv("coordination_max_inflight_dispatches", "COORDINATION_MAX_INFLIGHT_DISPATCHES")
	_ = viper.BindEnv("registry_definitions_path", "REGISTRY_DEFINITIONS_PATH")
	_ = viper.BindEnv("recovery_attempt_window_ms", "RECOVERY_ATTEMPT_WINDOW_MS")
	_ = viper.BindEnv("recovery_failure_window_backend", "RECOVERY_FAILURE_WINDOW_BACKEND")
	_ = viper.BindEnv("recovery_command_rate", "RECOVERY_COMMAND_RATE")
	_ = viper.BindEnv("recovery_command_burst", "RECOVERY_COMMAND_BURST")
	_ = viper.BindEnv("purge_terminal_after_hours", "PURGE_TERMINAL_AFTER_HOURS")
}
