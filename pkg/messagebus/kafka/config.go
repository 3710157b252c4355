package kafka

import (
	"errors"

	"github.com/spf13/viper"
)

const (
	kafkaBrokers          = "KAFKA_BROKERS"
	kafkaGroupID          = "KAFKA_GROUP_ID"
	kafkaCommandsTopic    = "KAFKA_COMMANDS_TOPIC"
	kafkaEventsTopic      = "KAFKA_EVENTS_TOPIC"
	kafkaQueriesTopic     = "KAFKA_QUERIES_TOPIC"
	kafkaRepliesTopic     = "KAFKA_REPLIES_TOPIC"
	kafkaSecurityProtocol = "KAFKA_SECURITY_PROTOCOL"
	kafkaSaslMechanism    = "KAFKA_SASL_MECHANISM"
	kafkaSaslUsername     = "KAFKA_SASL_USERNAME"
	kafkaSaslPassword     = "KAFKA_SASL_PASSWORD"
	kafkaAutoOffsetReset  = "KAFKA_AUTO_OFFSET_RESET"
	kafkaPollTimeoutInMS  = "KAFKA_POLL_TIMEOUT_IN_MS"

	defaultCommandsTopic   = "coordinator.commands"
	defaultEventsTopic     = "coordinator.events"
	defaultQueriesTopic    = "coordinator.queries"
	defaultRepliesTopic    = "coordinator.replies"
	defaultAutoOffsetReset = "earliest"
	defaultPollTimeoutInMS = 100
)

// Config holds the broker connection and the three channel topics.
type Config struct {
	Brokers          string
	GroupID          string
	CommandsTopic    string
	EventsTopic      string
	QueriesTopic     string
	RepliesTopic     string
	SecurityProtocol string
	SaslMechanism    string
	SaslUsername     string
	SaslPassword     string
	AutoOffsetReset  string
	PollTimeoutInMS  int
}

// BuildConfigFromEnv reads the KAFKA_* env.
//
// Mandatory environment variables:
//   - KAFKA_BROKERS: bootstrap server list
//   - KAFKA_GROUP_ID: consumer group prefix for this deployment
//
// Topic names default to the coordinator.* set when unset.
func BuildConfigFromEnv() (Config, error) {
	var cfg Config
	if !viper.IsSet(kafkaBrokers) {
		return cfg, errors.New(kafkaBrokers + " not set")
	}
	if !viper.IsSet(kafkaGroupID) {
		return cfg, errors.New(kafkaGroupID + " not set")
	}
	cfg.Brokers = viper.GetString(kafkaBrokers)
	cfg.GroupID = viper.GetString(kafkaGroupID)
	cfg.CommandsTopic = stringOrDefault(kafkaCommandsTopic, defaultCommandsTopic)
	cfg.EventsTopic = stringOrDefault(kafkaEventsTopic, defaultEventsTopic)
	cfg.QueriesTopic = stringOrDefault(kafkaQueriesTopic, defaultQueriesTopic)
	cfg.RepliesTopic = stringOrDefault(kafkaRepliesTopic, defaultRepliesTopic)
	cfg.SecurityProtocol = viper.GetString(kafkaSecurityProtocol)
	cfg.SaslMechanism = viper.GetString(kafkaSaslMechanism)
	cfg.SaslUsername = viper.GetString(kafkaSaslUsername)
	cfg.SaslPassword = viper.GetString(kafkaSaslPassword)
	cfg.AutoOffsetReset = stringOrDefault(kafkaAutoOffsetReset, defaultAutoOffsetReset)
	cfg.PollTimeoutInMS = defaultPollTimeoutInMS
	if viper.IsSet(kafkaPollTimeoutInMS) {
		cfg.PollTimeoutInMS = viper.GetInt(kafkaPollTimeoutInMS)
	}
	return cfg, nil
}

func stringOrDefault(key, fallback string) string {
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	return fallback
}
