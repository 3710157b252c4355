package messagebus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
	"github.com/LandingPadAI/agent-coordinator/pkg/metric"
)

const (
	defaultPrefetch     = 8
	subQueueCapacity    = 1024
	defaultQueryTimeout = 5 * time.Second
)

// MemoryBus is a process-local Bus carrying the full contract: at-least-once
// delivery with ack/nack, redelivery on nack, per-subscription prefetch,
// command messages held until a consumer binds, and request/reply queries.
// It backs tests and single-process deployments.
type MemoryBus struct {
	mu       sync.Mutex
	closed   bool
	prefetch int

	ctx    context.Context
	cancel context.CancelFunc

	cmdSubs    map[string][]*memorySub
	cmdNext    map[string]int
	cmdPending map[string][]Message
	evtSubs    []*memorySub
	qrySubs    map[string][]*memorySub
	qryNext    map[string]int

	pendingReplies map[string]chan Message
}

// NewMemoryBus builds a memory bus. prefetch bounds concurrent in-flight
// deliveries per subscription; <= 0 selects the default.
func NewMemoryBus(prefetch int) *MemoryBus {
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		prefetch:       prefetch,
		ctx:            ctx,
		cancel:         cancel,
		cmdSubs:        make(map[string][]*memorySub),
		cmdNext:        make(map[string]int),
		cmdPending:     make(map[string][]Message),
		qrySubs:        make(map[string][]*memorySub),
		qryNext:        make(map[string]int),
		pendingReplies: make(map[string]chan Message),
	}
}

func (b *MemoryBus) PublishCommand(ctx context.Context, key string, payload interface{}) error {
	msg, err := NewMessage(key, payload)
	if err != nil {
		return coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeInvalidRequest, "encode command "+key)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return disconnectedErr(key)
	}
	subs := b.cmdSubs[key]
	if len(subs) == 0 {
		// Durable queue semantics: hold the command until a consumer binds.
		b.cmdPending[key] = append(b.cmdPending[key], msg)
		b.mu.Unlock()
		return nil
	}
	cursor := b.cmdNext[key] % len(subs)
	b.cmdNext[key] = cursor + 1
	sub := subs[cursor]
	b.mu.Unlock()

	return sub.enqueue(msg)
}

func (b *MemoryBus) PublishEvent(ctx context.Context, key string, payload interface{}) error {
	msg, err := NewMessage(key, payload)
	if err != nil {
		return coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeInvalidRequest, "encode event "+key)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return disconnectedErr(key)
	}
	var targets []*memorySub
	for _, sub := range b.evtSubs {
		if MatchTopic(sub.pattern, key) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	var firstErr error
	for _, sub := range targets {
		if err := sub.enqueue(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *MemoryBus) SubscribeCommand(key string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, disconnectedErr(key)
	}
	sub := newMemorySub(b, ChannelCommands, key, h, b.prefetch)
	b.cmdSubs[key] = append(b.cmdSubs[key], sub)

	// Flush commands published before any consumer was bound.
	pending := b.cmdPending[key]
	delete(b.cmdPending, key)
	for _, msg := range pending {
		if err := sub.enqueue(msg); err != nil {
			log.Error().Err(err).Str("key", key).Msg("dropped pending command on subscribe")
		}
	}
	return sub, nil
}

func (b *MemoryBus) SubscribeEvent(pattern string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, disconnectedErr(pattern)
	}
	sub := newMemorySub(b, ChannelEvents, pattern, h, b.prefetch)
	b.evtSubs = append(b.evtSubs, sub)
	return sub, nil
}

func (b *MemoryBus) HandleQuery(key string, qh QueryHandler) (Subscription, error) {
	h := func(ctx context.Context, d *Delivery) {
		reply := Message{
			ID:            uuid.NewString(),
			Key:           d.Message.ReplyTo,
			CorrelationID: d.Message.CorrelationID,
			Timestamp:     time.Now(),
		}
		result, err := qh(ctx, d.Message)
		if err != nil {
			reply.Headers = map[string]string{
				HeaderError:     err.Error(),
				HeaderErrorCode: coorderr.CodeOf(err),
			}
		} else if raw, merr := json.Marshal(result); merr != nil {
			reply.Headers = map[string]string{
				HeaderError:     merr.Error(),
				HeaderErrorCode: coorderr.CodeInternal,
			}
		} else {
			reply.Payload = raw
		}
		b.deliverReply(d.Message.CorrelationID, reply)
		d.Ack()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, disconnectedErr(key)
	}
	sub := newMemorySub(b, ChannelQueries, key, h, b.prefetch)
	b.qrySubs[key] = append(b.qrySubs[key], sub)
	return sub, nil
}

func (b *MemoryBus) Query(ctx context.Context, key string, payload interface{}, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	msg, err := NewMessage(key, payload)
	if err != nil {
		return Message{}, coorderr.Wrap(err, coorderr.CategoryMessaging, coorderr.CodeInvalidRequest, "encode query "+key)
	}
	msg.CorrelationID = uuid.NewString()
	msg.ReplyTo = "reply." + msg.CorrelationID

	ch := make(chan Message, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, disconnectedErr(key)
	}
	subs := b.qrySubs[key]
	if len(subs) == 0 {
		b.mu.Unlock()
		return Message{}, coorderr.New(coorderr.CategoryMessaging, coorderr.CodeInvalidRequest, "no query handler bound for "+key)
	}
	cursor := b.qryNext[key] % len(subs)
	b.qryNext[key] = cursor + 1
	sub := subs[cursor]
	b.pendingReplies[msg.CorrelationID] = ch
	b.mu.Unlock()

	if err := sub.enqueue(msg); err != nil {
		b.dropPendingReply(msg.CorrelationID)
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if emsg, ok := reply.Headers[HeaderError]; ok {
			return reply, coorderr.New(coorderr.CategoryMessaging, reply.Headers[HeaderErrorCode], emsg)
		}
		return reply, nil
	case <-timer.C:
		b.dropPendingReply(msg.CorrelationID)
		return Message{}, coorderr.New(coorderr.CategoryTimeout, coorderr.CodeServiceUnavailable, "query "+key+" timed out")
	case <-ctx.Done():
		b.dropPendingReply(msg.CorrelationID)
		return Message{}, ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySub
	for _, list := range b.cmdSubs {
		subs = append(subs, list...)
	}
	subs = append(subs, b.evtSubs...)
	for _, list := range b.qrySubs {
		subs = append(subs, list...)
	}
	b.mu.Unlock()

	b.cancel()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

func (b *MemoryBus) deliverReply(correlationID string, reply Message) {
	b.mu.Lock()
	ch, ok := b.pendingReplies[correlationID]
	if ok {
		delete(b.pendingReplies, correlationID)
	}
	b.mu.Unlock()
	if ok {
		ch <- reply
	}
}

func (b *MemoryBus) dropPendingReply(correlationID string) {
	b.mu.Lock()
	delete(b.pendingReplies, correlationID)
	b.mu.Unlock()
}

func (b *MemoryBus) removeSub(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch sub.channel {
	case ChannelCommands:
		b.cmdSubs[sub.pattern] = withoutSub(b.cmdSubs[sub.pattern], sub)
		if len(b.cmdSubs[sub.pattern]) == 0 {
			delete(b.cmdSubs, sub.pattern)
		}
	case ChannelEvents:
		b.evtSubs = withoutSub(b.evtSubs, sub)
	case ChannelQueries:
		b.qrySubs[sub.pattern] = withoutSub(b.qrySubs[sub.pattern], sub)
		if len(b.qrySubs[sub.pattern]) == 0 {
			delete(b.qrySubs, sub.pattern)
		}
	}
}

func withoutSub(subs []*memorySub, target *memorySub) []*memorySub {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func disconnectedErr(key string) error {
	return coorderr.Wrap(coorderr.ErrBusDisconnected, coorderr.CategoryMessaging, coorderr.CodeBusDisconnected, "bus closed, cannot route "+key)
}

// memorySub owns one subscription: a bounded queue, a dispatcher goroutine
// and a prefetch semaphore released on ack/nack.
type memorySub struct {
	bus     *MemoryBus
	channel Channel
	pattern string
	handler Handler

	queue    chan Message
	inflight chan struct{}
	stop     chan struct{}
	done     chan struct{}

	unsubOnce sync.Once
}

func newMemorySub(bus *MemoryBus, channel Channel, pattern string, h Handler, prefetch int) *memorySub {
	s := &memorySub{
		bus:      bus,
		channel:  channel,
		pattern:  pattern,
		handler:  h,
		queue:    make(chan Message, subQueueCapacity),
		inflight: make(chan struct{}, prefetch),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *memorySub) enqueue(msg Message) error {
	select {
	case s.queue <- msg:
		return nil
	default:
		return coorderr.New(coorderr.CategoryMessaging, coorderr.CodeServiceUnavailable, "subscriber queue full for "+msg.Key)
	}
}

func (s *memorySub) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.queue:
			select {
			case s.inflight <- struct{}{}:
			case <-s.stop:
				return
			}
			d := &Delivery{Message: msg}
			d.ackFn = func() { <-s.inflight }
			d.nackFn = func(requeue bool) {
				<-s.inflight
				if requeue {
					if err := s.enqueue(msg); err != nil {
						log.Error().Str("key", msg.Key).Msg("redelivery dropped, subscriber queue full")
					}
				}
			}
			go s.invoke(d)
		}
	}
}

func (s *memorySub) invoke(d *Delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("key", d.Message.Key).Msg("message handler panicked")
			metric.Incr(metric.ConsumerPanicRecoverCount, []string{metric.TagAsString("channel", string(s.channel))})
			d.Nack(false)
		}
	}()
	s.handler(s.bus.ctx, d)
}

func (s *memorySub) Unsubscribe() error {
	s.unsubOnce.Do(func() {
		close(s.stop)
		s.bus.removeSub(s)
	})
	return nil
}
