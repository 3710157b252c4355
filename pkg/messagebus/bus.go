package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel is one of the three logical routing planes.
type Channel string

const (
	ChannelCommands Channel = "commands"
	ChannelEvents   Channel = "events"
	ChannelQueries  Channel = "queries"
)

// Reply headers set when a query handler fails. A reply carrying HeaderError
// surfaces to the caller as an error instead of a payload.
const (
	HeaderError     = "error"
	HeaderErrorCode = "error-code"
)

// Message is the wire envelope carried on every channel. Payload is JSON.
type Message struct {
	ID            string            `json:"id"`
	Key           string            `json:"key"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// NewMessage builds an envelope for key with the payload marshalled to JSON.
func NewMessage(key string, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal payload for %s: %w", key, err)
	}
	return Message{
		ID:        uuid.NewString(),
		Key:       key,
		Timestamp: time.Now(),
		Payload:   raw,
	}, nil
}

// Decode unmarshals the JSON payload into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// Delivery hands one message to a handler together with its at-least-once
// controls. Exactly one of Ack/Nack must be called; extra calls are no-ops.
type Delivery struct {
	Message Message

	once   sync.Once
	ackFn  func()
	nackFn func(requeue bool)
}

// NewDelivery wraps msg with a transport's ack and nack callbacks. Bus
// implementations use it to hand messages to handlers.
func NewDelivery(msg Message, ack func(), nack func(requeue bool)) *Delivery {
	return &Delivery{Message: msg, ackFn: ack, nackFn: nack}
}

// Ack marks the delivery processed.
func (d *Delivery) Ack() {
	d.once.Do(func() {
		if d.ackFn != nil {
			d.ackFn()
		}
	})
}

// Nack marks the delivery failed. With requeue the message is redelivered.
func (d *Delivery) Nack(requeue bool) {
	d.once.Do(func() {
		if d.nackFn != nil {
			d.nackFn(requeue)
		}
	})
}

// Handler consumes one delivery. Handlers may run concurrently up to the
// subscription's prefetch limit and must ack or nack every delivery.
type Handler func(ctx context.Context, d *Delivery)

// QueryHandler computes the reply for one query message.
type QueryHandler func(ctx context.Context, msg Message) (interface{}, error)

// Subscription is the handle returned by every subscribe call.
// Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the messaging contract the coordinator is written against.
//
// Commands route by exact key to competing consumers. Events route by
// dot-separated topic patterns where '*' matches exactly one segment and '#'
// matches zero or more. Queries are request/reply with a per-call timeout.
// Delivery is at-least-once: a nacked delivery with requeue set is
// redelivered, and consumers must tolerate duplicates and reordering.
type Bus interface {
	PublishCommand(ctx context.Context, key string, payload interface{}) error
	PublishEvent(ctx context.Context, key string, payload interface{}) error
	SubscribeCommand(key string, h Handler) (Subscription, error)
	SubscribeEvent(pattern string, h Handler) (Subscription, error)
	Query(ctx context.Context, key string, payload interface{}, timeout time.Duration) (Message, error)
	HandleQuery(key string, h QueryHandler) (Subscription, error)
	Close() error
}
