package messagebus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

type taskPayload struct {
	WorkflowID string `json:"workflowId"`
	TaskType   string `json:"taskType"`
}

func TestCommandRoutedByExactKey(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	got := make(chan taskPayload, 1)
	_, err := bus.SubscribeCommand("creation.execute-task", func(ctx context.Context, d *Delivery) {
		var p taskPayload
		require.NoError(t, d.Message.Decode(&p))
		got <- p
		d.Ack()
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishCommand(context.Background(), "creation.execute-task", taskPayload{WorkflowID: "wf-1", TaskType: "draft"}))

	select {
	case p := <-got:
		assert.Equal(t, "wf-1", p.WorkflowID)
		assert.Equal(t, "draft", p.TaskType)
	case <-time.After(time.Second):
		t.Fatal("command not delivered")
	}
}

func TestCommandHeldUntilConsumerBinds(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	require.NoError(t, bus.PublishCommand(context.Background(), "strategy.execute-task", taskPayload{WorkflowID: "wf-2"}))

	got := make(chan string, 1)
	_, err := bus.SubscribeCommand("strategy.execute-task", func(ctx context.Context, d *Delivery) {
		var p taskPayload
		_ = d.Message.Decode(&p)
		got <- p.WorkflowID
		d.Ack()
	})
	require.NoError(t, err)

	select {
	case id := <-got:
		assert.Equal(t, "wf-2", id)
	case <-time.After(time.Second):
		t.Fatal("pending command not flushed to late subscriber")
	}
}

func TestEventWildcardFanout(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	var starHits, hashHits, exactHits atomic.Int32
	_, err := bus.SubscribeEvent("workflow.*", func(ctx context.Context, d *Delivery) {
		starHits.Add(1)
		d.Ack()
	})
	require.NoError(t, err)
	_, err = bus.SubscribeEvent("workflow.#", func(ctx context.Context, d *Delivery) {
		hashHits.Add(1)
		d.Ack()
	})
	require.NoError(t, err)
	_, err = bus.SubscribeEvent("workflow.completed", func(ctx context.Context, d *Delivery) {
		exactHits.Add(1)
		d.Ack()
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishEvent(context.Background(), "workflow.completed", map[string]string{"workflowId": "wf-3"}))
	require.NoError(t, bus.PublishEvent(context.Background(), "workflow.state.changed", map[string]string{"workflowId": "wf-3"}))

	assert.Eventually(t, func() bool {
		return starHits.Load() == 1 && hashHits.Load() == 2 && exactHits.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestNackRequeuesDelivery(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	var attempts atomic.Int32
	done := make(chan struct{}, 1)
	_, err := bus.SubscribeCommand("w1.retry-task", func(ctx context.Context, d *Delivery) {
		if attempts.Add(1) == 1 {
			d.Nack(true)
			return
		}
		d.Ack()
		done <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishCommand(context.Background(), "w1.retry-task", map[string]string{"taskId": "t-1"}))

	select {
	case <-done:
		assert.Equal(t, int32(2), attempts.Load())
	case <-time.After(time.Second):
		t.Fatal("nacked delivery was not redelivered")
	}
}

func TestAckNackIdempotent(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	var attempts atomic.Int32
	_, err := bus.SubscribeCommand("w1.recover", func(ctx context.Context, d *Delivery) {
		attempts.Add(1)
		d.Ack()
		d.Nack(true) // must be a no-op after ack
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishCommand(context.Background(), "w1.recover", map[string]string{}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestUnsubscribeIdempotentAndStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	var hits atomic.Int32
	sub, err := bus.SubscribeEvent("agent.heartbeat", func(ctx context.Context, d *Delivery) {
		hits.Add(1)
		d.Ack()
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, bus.PublishEvent(context.Background(), "agent.heartbeat", map[string]string{"workerId": "w1"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), hits.Load())
}

func TestPublishAfterCloseFailsTyped(t *testing.T) {
	bus := NewMemoryBus(0)
	require.NoError(t, bus.Close())

	err := bus.PublishEvent(context.Background(), "agent.heartbeat", map[string]string{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, coorderr.ErrBusDisconnected))
	assert.Equal(t, coorderr.CategoryMessaging, coorderr.CategoryOf(err))

	err = bus.PublishCommand(context.Background(), "w1.restart", map[string]string{})
	assert.True(t, errors.Is(err, coorderr.ErrBusDisconnected))
}

func TestQueryRoundTrip(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	_, err := bus.HandleQuery("workflow.status", func(ctx context.Context, msg Message) (interface{}, error) {
		var req map[string]string
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		return map[string]interface{}{"workflowId": req["workflowId"], "status": "active"}, nil
	})
	require.NoError(t, err)

	reply, err := bus.Query(context.Background(), "workflow.status", map[string]string{"workflowId": "wf-9"}, time.Second)
	require.NoError(t, err)

	var res map[string]interface{}
	require.NoError(t, reply.Decode(&res))
	assert.Equal(t, "wf-9", res["workflowId"])
	assert.Equal(t, "active", res["status"])
}

func TestQueryHandlerError(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	_, err := bus.HandleQuery("workflow.status", func(ctx context.Context, msg Message) (interface{}, error) {
		return nil, coorderr.New(coorderr.CategoryNotFound, coorderr.CodeWorkflowNotFound, "no such workflow")
	})
	require.NoError(t, err)

	_, err = bus.Query(context.Background(), "workflow.status", map[string]string{"workflowId": "missing"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, coorderr.CodeWorkflowNotFound, coorderr.CodeOf(err))
}

func TestQueryWithoutHandlerFailsFast(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	start := time.Now()
	_, err := bus.Query(context.Background(), "nobody.home", map[string]string{}, time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPrefetchBoundsInflightDeliveries(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	gate := make(chan struct{})
	var started atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	_, err := bus.SubscribeCommand("slow.execute-task", func(ctx context.Context, d *Delivery) {
		started.Add(1)
		<-gate
		d.Ack()
		wg.Done()
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishCommand(context.Background(), "slow.execute-task", map[string]string{"n": "1"}))
	require.NoError(t, bus.PublishCommand(context.Background(), "slow.execute-task", map[string]string{"n": "2"}))

	assert.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), started.Load(), "second delivery must wait for the first ack")

	close(gate)
	wg.Wait()
	assert.Equal(t, int32(2), started.Load())
}

func TestCommandCompetingConsumersRoundRobin(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	var a, b atomic.Int32
	_, err := bus.SubscribeCommand("shared.execute-task", func(ctx context.Context, d *Delivery) {
		a.Add(1)
		d.Ack()
	})
	require.NoError(t, err)
	_, err = bus.SubscribeCommand("shared.execute-task", func(ctx context.Context, d *Delivery) {
		b.Add(1)
		d.Ack()
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, bus.PublishCommand(context.Background(), "shared.execute-task", map[string]int{"i": i}))
	}

	assert.Eventually(t, func() bool {
		return a.Load()+b.Load() == 4
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(2), b.Load())
}
