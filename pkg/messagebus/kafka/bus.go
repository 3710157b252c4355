package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
	"github.com/LandingPadAI/agent-coordinator/pkg/messagebus"
	"github.com/LandingPadAI/agent-coordinator/pkg/metric"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultQueryTimeout = 5 * time.Second

// KafkaBus carries the bus contract over three Kafka topics, one per channel.
//
// Commands are keyed by routing key so one worker's commands stay ordered on
// one partition; each command key gets its own consumer group so competing
// consumers for the same key share partitions. Events fan out by giving every
// subscription a unique group and filtering on the topic pattern client-side.
// Queries carry a correlation id and are answered on the replies topic.
type KafkaBus struct {
	cfg      Config
	producer *kafka.Producer

	mu     sync.Mutex
	closed bool
	subs   map[*consumerLoop]struct{}

	pendingMu sync.Mutex
	pending   map[string]chan messagebus.Message

	replyOnce sync.Once
	replyErr  error
}

// NewKafkaBus connects the producer. Consumers are created per subscription.
func NewKafkaBus(cfg Config) (*KafkaBus, error) {
	producer, err := newProducer(cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaBus{
		cfg:      cfg,
		producer: producer,
		subs:     make(map[*consumerLoop]struct{}),
		pending:  make(map[string]chan messagebus.Message),
	}, nil
}

func (b *KafkaBus) PublishCommand(ctx context.Context, key string, payload interface{}) error {
	msg, err := messagebus.NewMessage(key, payload)
	if err != nil {
		return coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeInvalidRequest, "encode command "+key)
	}
	if b.isClosed() {
		return disconnectedErr(key)
	}
	return produce(ctx, b.producer, b.cfg.CommandsTopic, msg)
}

func (b *KafkaBus) PublishEvent(ctx context.Context, key string, payload interface{}) error {
	msg, err := messagebus.NewMessage(key, payload)
	if err != nil {
		return coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeInvalidRequest, "encode event "+key)
	}
	if b.isClosed() {
		return disconnectedErr(key)
	}
	return produce(ctx, b.producer, b.cfg.EventsTopic, msg)
}

func (b *KafkaBus) SubscribeCommand(key string, h messagebus.Handler) (messagebus.Subscription, error) {
	group := b.cfg.GroupID + "-cmd-" + key
	match := func(routingKey string) bool { return routingKey == key }
	return b.addLoop(group, b.cfg.CommandsTopic, b.cfg.AutoOffsetReset, match, h)
}

func (b *KafkaBus) SubscribeEvent(pattern string, h messagebus.Handler) (messagebus.Subscription, error) {
	// Unique group per subscription: every event subscriber sees every event.
	group := b.cfg.GroupID + "-evt-" + uuid.NewString()[:8]
	match := func(routingKey string) bool { return messagebus.MatchTopic(pattern, routingKey) }
	return b.addLoop(group, b.cfg.EventsTopic, "latest", match, h)
}

func (b *KafkaBus) HandleQuery(key string, qh messagebus.QueryHandler) (messagebus.Subscription, error) {
	h := func(ctx context.Context, d *messagebus.Delivery) {
		reply := messagebus.Message{
			ID:            uuid.NewString(),
			Key:           d.Message.ReplyTo,
			CorrelationID: d.Message.CorrelationID,
			Timestamp:     time.Now(),
		}
		result, err := qh(ctx, d.Message)
		if err != nil {
			reply.Headers = map[string]string{
				messagebus.HeaderError:     err.Error(),
				messagebus.HeaderErrorCode: coorderr.CodeOf(err),
			}
		} else if raw, merr := json.Marshal(result); merr != nil {
			reply.Headers = map[string]string{
				messagebus.HeaderError:     merr.Error(),
				messagebus.HeaderErrorCode: coorderr.CodeInternal,
			}
		} else {
			reply.Payload = raw
		}
		if perr := produce(ctx, b.producer, d.Message.ReplyTo, reply); perr != nil {
			log.Error().Err(perr).Str("key", d.Message.Key).Msg("failed to produce query reply")
		}
		d.Ack()
	}
	group := b.cfg.GroupID + "-qry-" + key
	match := func(routingKey string) bool { return routingKey == key }
	return b.addLoop(group, b.cfg.QueriesTopic, b.cfg.AutoOffsetReset, match, h)
}

func (b *KafkaBus) Query(ctx context.Context, key string, payload interface{}, timeout time.Duration) (messagebus.Message, error) {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	if err := b.ensureReplyLoop(); err != nil {
		return messagebus.Message{}, err
	}
	msg, err := messagebus.NewMessage(key, payload)
	if err != nil {
		return messagebus.Message{}, coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeInvalidRequest, "encode query "+key)
	}
	if b.isClosed() {
		return messagebus.Message{}, disconnectedErr(key)
	}
	msg.CorrelationID = uuid.NewString()
	msg.ReplyTo = b.cfg.RepliesTopic

	ch := make(chan messagebus.Message, 1)
	b.pendingMu.Lock()
	b.pending[msg.CorrelationID] = ch
	b.pendingMu.Unlock()

	if err := produce(ctx, b.producer, b.cfg.QueriesTopic, msg); err != nil {
		b.dropPending(msg.CorrelationID)
		return messagebus.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if emsg, ok := reply.Headers[messagebus.HeaderError]; ok {
			return reply, coorderr.New(coorderr.CategoryMessaging, reply.Headers[messagebus.HeaderErrorCode], emsg)
		}
		return reply, nil
	case <-timer.C:
		b.dropPending(msg.CorrelationID)
		return messagebus.Message{}, coorderr.New(coorderr.CategoryTimeout, coorderr.CodeServiceUnavailable, "query "+key+" timed out")
	case <-ctx.Done():
		b.dropPending(msg.CorrelationID)
		return messagebus.Message{}, ctx.Err()
	}
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	loops := make([]*consumerLoop, 0, len(b.subs))
	for loop := range b.subs {
		loops = append(loops, loop)
	}
	b.mu.Unlock()

	for _, loop := range loops {
		_ = loop.Unsubscribe()
	}
	b.producer.Flush(5000)
	b.producer.Close()
	return nil
}

func (b *KafkaBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// ensureReplyLoop lazily starts the per-instance reply consumer. Replies are
// transient, so the loop reads from latest with auto-commit.
func (b *KafkaBus) ensureReplyLoop() error {
	b.replyOnce.Do(func() {
		group := b.cfg.GroupID + "-replies-" + uuid.NewString()[:8]
		h := func(ctx context.Context, d *messagebus.Delivery) {
			b.pendingMu.Lock()
			ch, ok := b.pending[d.Message.CorrelationID]
			if ok {
				delete(b.pending, d.Message.CorrelationID)
			}
			b.pendingMu.Unlock()
			if ok {
				ch <- d.Message
			}
			d.Ack()
		}
		_, b.replyErr = b.addLoop(group, b.cfg.RepliesTopic, "latest", func(string) bool { return true }, h)
	})
	return b.replyErr
}

func (b *KafkaBus) dropPending(correlationID string) {
	b.pendingMu.Lock()
	delete(b.pending, correlationID)
	b.pendingMu.Unlock()
}

func (b *KafkaBus) addLoop(group, topic, offsetReset string, match func(string) bool, h messagebus.Handler) (*consumerLoop, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, disconnectedErr(topic)
	}
	b.mu.Unlock()

	configMap := &kafka.ConfigMap{
		confBootstrapServers: b.cfg.Brokers,
		confGroupID:          group,
		confAutoOffsetReset:  offsetReset,
		confEnableAutoCommit: false,
	}
	applySasl(configMap, b.cfg)
	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return nil, coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeInternal, "create consumer for "+topic)
	}
	if err := consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = consumer.Close()
		return nil, coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeInternal, "subscribe "+topic)
	}

	loop := &consumerLoop{
		bus:         b,
		consumer:    consumer,
		topic:       topic,
		match:       match,
		handler:     h,
		pollTimeout: b.cfg.PollTimeoutInMS,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[loop] = struct{}{}
	b.mu.Unlock()
	go loop.run()
	return loop, nil
}

func (b *KafkaBus) removeLoop(loop *consumerLoop) {
	b.mu.Lock()
	delete(b.subs, loop)
	b.mu.Unlock()
}

func disconnectedErr(key string) error {
	return coorderr.Wrap(coorderr.ErrBusDisconnected, coorderr.CategoryMessaging, coorderr.CodeBusDisconnected, "bus closed, cannot route "+key)
}

// consumerLoop polls one consumer and processes one message at a time.
// Offsets are committed only after the handler acks, so an unacked message is
// redelivered after a rebalance and a nack with requeue seeks straight back.
type consumerLoop struct {
	bus         *KafkaBus
	consumer    *kafka.Consumer
	topic       string
	match       func(routingKey string) bool
	handler     messagebus.Handler
	pollTimeout int

	stop      chan struct{}
	done      chan struct{}
	unsubOnce sync.Once
}

func (cl *consumerLoop) run() {
	defer close(cl.done)
	defer func() {
		if err := cl.consumer.Unsubscribe(); err != nil {
			log.Error().Err(err).Str("topic", cl.topic).Msg("Error while unsubscribing topic")
		}
		if err := cl.consumer.Close(); err != nil {
			log.Error().Err(err).Str("topic", cl.topic).Msg("Error while closing consumer")
		}
	}()
	for {
		select {
		case <-cl.stop:
			return
		default:
		}
		ev := cl.consumer.Poll(cl.pollTimeout)
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case *kafka.Message:
			cl.handleMessage(e)
		case kafka.Error:
			if e.IsFatal() {
				log.Error().Err(e).Str("topic", cl.topic).Msg("Fatal Kafka error. Shutting down consumer.")
				return
			}
			log.Error().Err(e).Str("topic", cl.topic).Msg("Non-fatal Kafka error encountered.")
		}
	}
}

func (cl *consumerLoop) handleMessage(km *kafka.Message) {
	var msg messagebus.Message
	if err := json.Unmarshal(km.Value, &msg); err != nil {
		log.Error().Err(err).Str("topic", cl.topic).Msg("Dropping undecodable message")
		cl.commit(km)
		return
	}
	if !cl.match(msg.Key) {
		cl.commit(km)
		return
	}

	decided := make(chan bool, 1)
	d := messagebus.NewDelivery(msg,
		func() { decided <- false },
		func(requeue bool) { decided <- requeue },
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("key", msg.Key).Msg("message handler panicked")
				metric.Incr(metric.ConsumerPanicRecoverCount, []string{metric.TagAsString("topic", cl.topic)})
				d.Nack(false)
			}
		}()
		cl.handler(context.Background(), d)
	}()

	select {
	case requeue := <-decided:
		if requeue {
			cl.seekBack(km)
		} else {
			cl.commit(km)
		}
	case <-cl.stop:
	}
}

func (cl *consumerLoop) commit(km *kafka.Message) {
	if _, err := cl.consumer.CommitMessage(km); err != nil {
		log.Error().Err(err).Str("topic", cl.topic).Msg("Failed to commit")
	}
}

func (cl *consumerLoop) seekBack(km *kafka.Message) {
	if _, err := cl.consumer.SeekPartitions([]kafka.TopicPartition{km.TopicPartition}); err != nil {
		log.Error().Err(err).Str("topic", cl.topic).Msg("Failed to seek partitions")
	}
}

func (cl *consumerLoop) Unsubscribe() error {
	cl.unsubOnce.Do(func() {
		close(cl.stop)
		<-cl.done
		cl.bus.removeLoop(cl)
	})
	return nil
}
