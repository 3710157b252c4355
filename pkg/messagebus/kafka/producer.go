package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LandingPadAI/agent-coordinator/pkg/messagebus"
	"github.com/LandingPadAI/agent-coordinator/pkg/metric"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog/log"
)

const (
	confBootstrapServers = "bootstrap.servers"
	confGroupID          = "group.id"
	confAutoOffsetReset  = "auto.offset.reset"
	confEnableAutoCommit = "enable.auto.commit"
	confAcks             = "acks"
	confSecurityProtocol = "security.protocol"
	confSaslMechanism    = "sasl.mechanisms"
	confSaslUsername     = "sasl.username"
	confSaslPassword     = "sasl.password"

	headerRoutingKey    = "routing-key"
	headerCorrelationID = "correlation-id"
)

func newProducer(cfg Config) (*kafka.Producer, error) {
	configMap := &kafka.ConfigMap{
		confBootstrapServers: cfg.Brokers,
		confAcks:             "all",
	}
	applySasl(configMap, cfg)
	producer, err := kafka.NewProducer(configMap)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	go drainDeliveryReports(producer)
	return producer, nil
}

// drainDeliveryReports logs failures surfaced on the producer event channel.
// Publishes that pass a delivery channel report there instead.
func drainDeliveryReports(producer *kafka.Producer) {
	for e := range producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				log.Error().Err(ev.TopicPartition.Error).
					Str("topic", topicOf(ev)).
					Msg("Kafka delivery failed")
				metric.Incr(metric.BusPublishFailureCount, nil)
			}
		case kafka.Error:
			log.Error().Err(ev).Msg("Kafka producer error")
		}
	}
}

func topicOf(m *kafka.Message) string {
	if m.TopicPartition.Topic == nil {
		return ""
	}
	return *m.TopicPartition.Topic
}

func applySasl(configMap *kafka.ConfigMap, cfg Config) {
	if cfg.SecurityProtocol != "" {
		(*configMap)[confSecurityProtocol] = cfg.SecurityProtocol
	}
	if cfg.SaslMechanism != "" {
		(*configMap)[confSaslMechanism] = cfg.SaslMechanism
	}
	if cfg.SaslUsername != "" {
		(*configMap)[confSaslUsername] = cfg.SaslUsername
	}
	if cfg.SaslPassword != "" {
		(*configMap)[confSaslPassword] = cfg.SaslPassword
	}
}

// produce publishes the envelope to topic, keyed by the routing key so a
// worker's commands stay ordered, and waits for the broker delivery report.
func produce(ctx context.Context, producer *kafka.Producer, topic string, msg messagebus.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", msg.Key, err)
	}
	deliveryChan := make(chan kafka.Event, 1)
	err = producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.Key),
		Value:          value,
		Headers: []kafka.Header{
			{Key: headerRoutingKey, Value: []byte(msg.Key)},
			{Key: headerCorrelationID, Value: []byte(msg.CorrelationID)},
		},
	}, deliveryChan)
	if err != nil {
		metric.Incr(metric.BusPublishFailureCount, nil)
		return fmt.Errorf("produce %s to %s: %w", msg.Key, topic, err)
	}
	select {
	case e := <-deliveryChan:
		if report, ok := e.(*kafka.Message); ok && report.TopicPartition.Error != nil {
			metric.Incr(metric.BusPublishFailureCount, nil)
			return fmt.Errorf("deliver %s to %s: %w", msg.Key, topic, report.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
