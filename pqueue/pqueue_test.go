package pqueue

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jobgate/jobgate/model"
)

func TestPriorityOrderingWithFIFOTieBreak(t *testing.T) {
	q := New()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	q.Enqueue(model.ClassCDN, a, 10)
	q.Enqueue(model.ClassCDN, b, 50)
	q.Enqueue(model.ClassCDN, c, 50)

	got := make([]uuid.UUID, 0, 3)
	for {
		id, ok := q.DequeueHighest(model.ClassCDN)
		if !ok {
			break
		}
		got = append(got, id)
	}
	require.Equal(t, []uuid.UUID{b, c, a}, got)
}

func TestPositionReflectsPriorityNotInsertionOrder(t *testing.T) {
	q := New()

	low, high := uuid.New(), uuid.New()
	q.Enqueue(model.ClassAPI, low, model.PriorityLow)
	q.Enqueue(model.ClassAPI, high, model.PriorityHigh)

	require.Equal(t, 1, q.Position(model.ClassAPI, high))
	require.Equal(t, 2, q.Position(model.ClassAPI, low))
	require.Equal(t, 0, q.Position(model.ClassAPI, uuid.New()))
}

func TestDepthPerClass(t *testing.T) {
	q := New()

	q.Enqueue(model.ClassAI, uuid.New(), model.PriorityNormal)
	q.Enqueue(model.ClassAI, uuid.New(), model.PriorityNormal)
	q.Enqueue(model.ClassBulk, uuid.New(), model.PriorityNormal)

	require.Equal(t, 2, q.Depth(model.ClassAI))
	require.Equal(t, 1, q.Depth(model.ClassBulk))
	require.Equal(t, 0, q.Depth(model.ClassCritical))

	_, ok := q.DequeueHighest(model.ClassAI)
	require.True(t, ok)
	require.Equal(t, 1, q.Depth(model.ClassAI))
}

func TestEnqueueIsIdempotentPerJobID(t *testing.T) {
	q := New()

	id := uuid.New()
	q.Enqueue(model.ClassCDN, id, model.PriorityNormal)
	q.Enqueue(model.ClassCDN, id, model.PriorityNormal)

	require.Equal(t, 1, q.Depth(model.ClassCDN))
}

func TestRemove(t *testing.T) {
	q := New()

	keep, drop := uuid.New(), uuid.New()
	q.Enqueue(model.ClassCDN, keep, model.PriorityNormal)
	q.Enqueue(model.ClassCDN, drop, model.PriorityHigh)

	require.True(t, q.Remove(model.ClassCDN, drop))
	require.False(t, q.Remove(model.ClassCDN, drop))
	require.False(t, q.Contains(model.ClassCDN, drop))

	id, ok := q.DequeueHighest(model.ClassCDN)
	require.True(t, ok)
	require.Equal(t, keep, id)
}

func TestConcurrentEnqueueDequeue(t *testing.T) {
	q := New()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(priority int) {
			defer wg.Done()
			q.Enqueue(model.ClassDiscovery, uuid.New(), priority)
		}(i % 3 * 50)
	}
	wg.Wait()
	require.Equal(t, n, q.Depth(model.ClassDiscovery))

	seen := 0
	for {
		if _, ok := q.DequeueHighest(model.ClassDiscovery); !ok {
			break
		}
		seen++
	}
	require.Equal(t, n, seen)
}
