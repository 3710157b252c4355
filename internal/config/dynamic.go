package config

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/LandingPadAI/agent-coordinator/pkg/etcd"
	"github.com/LandingPadAI/agent-coordinator/pkg/retry"
)

// etcd documents under /config/<app>/. Each is optional; absent documents
// leave the static configuration in force.
const (
	pathRetryPolicies = "/retry-policies"
	pathStrategies    = "/strategies"
	pathDelegation    = "/delegation"
	pathMonitoring    = "/monitoring"
	pathBreaker       = "/breaker"

	dynamicReadTimeout = 5 * time.Second
)

// MonitoringOverrides are the hot-reloadable health monitor thresholds.
// Zero values mean "keep the current setting".
type MonitoringOverrides struct {
	CheckIntervalInMS    int   `json:"checkIntervalInMs"`
	HeartbeatTimeoutInMS int   `json:"heartbeatTimeoutInMs"`
	MaxRecoveryAttempts  int   `json:"maxRecoveryAttempts"`
	AutoRecovery         *bool `json:"autoRecovery"`
}

// DynamicConfigs is one consistent snapshot of the etcd-backed documents.
// Strategies maps failure coordinates (worker:module:category, worker:category
// or category) to recovery strategy names.
type DynamicConfigs struct {
	RetryPolicies map[string]retry.Policy `json:"retryPolicies"`
	Strategies    map[string]string       `json:"strategies"`
	Delegation    map[string][]string     `json:"delegation"`
	Monitoring    *MonitoringOverrides    `json:"monitoring"`
	Breaker       *retry.BreakerConfig    `json:"breaker"`
}

// WatchDynamic loads the dynamic documents once and re-applies them whenever
// any of them changes. apply runs on the watcher goroutine and must not block.
func WatchDynamic(client *etcd.Client, apply func(DynamicConfigs)) error {
	reload := func() error {
		snapshot, err := loadDynamic(client)
		if err != nil {
			return err
		}
		apply(snapshot)
		return nil
	}
	if err := reload(); err != nil {
		return err
	}
	for _, path := range []string{pathRetryPolicies, pathStrategies, pathDelegation, pathMonitoring, pathBreaker} {
		client.RegisterWatchPathCallback(path, reload)
	}
	return nil
}

func loadDynamic(client *etcd.Client) (DynamicConfigs, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dynamicReadTimeout)
	defer cancel()

	var snapshot DynamicConfigs
	if found, err := client.GetJSON(ctx, pathRetryPolicies, &snapshot.RetryPolicies); err != nil {
		return snapshot, err
	} else if !found {
		log.Debug().Msg("no retry-policies document in etcd, builtins apply")
	}
	if _, err := client.GetJSON(ctx, pathStrategies, &snapshot.Strategies); err != nil {
		return snapshot, err
	}
	if _, err := client.GetJSON(ctx, pathDelegation, &snapshot.Delegation); err != nil {
		return snapshot, err
	}
	if _, err := client.GetJSON(ctx, pathMonitoring, &snapshot.Monitoring); err != nil {
		return snapshot, err
	}
	if _, err := client.GetJSON(ctx, pathBreaker, &snapshot.Breaker); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}
