package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterQueueKeepsFirstEntryPerKey(t *testing.T) {
	q := NewDeadLetterQueue()
	q.Add(DeadLetterEntry{Key: "worker:w1", Kind: KindWorker, WorkerID: "w1", Error: "crash loop", EnqueuedAt: time.Now()})
	q.Add(DeadLetterEntry{Key: "worker:w1", Kind: KindWorker, WorkerID: "w1", Error: "later failure"})

	require.Equal(t, 1, q.Len())
	got, ok := q.Get("worker:w1")
	require.True(t, ok)
	assert.Equal(t, "crash loop", got.Error)
}

func TestDeadLetterQueueListOrderAndFilter(t *testing.T) {
	q := NewDeadLetterQueue()
	q.Add(DeadLetterEntry{Key: "task:wf-1:draft", Kind: KindTask, WorkerID: "w1", Category: "timeout"})
	q.Add(DeadLetterEntry{Key: "worker:w2", Kind: KindWorker, WorkerID: "w2", Category: "failed"})
	q.Add(DeadLetterEntry{Key: "task:wf-2:review", Kind: KindTask, WorkerID: "w2", Category: "timeout"})

	all := q.List(DeadLetterFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "task:wf-1:draft", all[0].Key)
	assert.Equal(t, "worker:w2", all[1].Key)
	assert.Equal(t, "task:wf-2:review", all[2].Key)

	assert.Len(t, q.List(DeadLetterFilter{Kind: KindTask}), 2)
	assert.Len(t, q.List(DeadLetterFilter{WorkerID: "w2"}), 2)

	narrowed := q.List(DeadLetterFilter{Kind: KindTask, WorkerID: "w2", Category: "timeout"})
	require.Len(t, narrowed, 1)
	assert.Equal(t, "task:wf-2:review", narrowed[0].Key)
}

func TestDeadLetterQueueDelete(t *testing.T) {
	q := NewDeadLetterQueue()
	q.Add(DeadLetterEntry{Key: "worker:w1", Kind: KindWorker})

	assert.True(t, q.Delete("worker:w1"))
	assert.False(t, q.Delete("worker:w1"))
	assert.Equal(t, 0, q.Len())

	_, ok := q.Get("worker:w1")
	assert.False(t, ok)
}
