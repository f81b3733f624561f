// Package pqueue implements the in-memory per-class priority queue
// backend. It is a rebuildable index over the job store: the store is
// the source of truth, the reconciler re-enqueues any queued rows that
// are missing from here after a restart.
package pqueue

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"

	"github.com/jobgate/jobgate/model"
)

type item struct {
	jobID    uuid.UUID
	priority int
	seq      uint64
	index    int
}

// classHeap orders by priority descending, insertion sequence ascending
// for equal priorities (strict priority with FIFO tie-break).
type classHeap []*item

func (h classHeap) Len() int { return len(h) }

func (h classHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h classHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *classHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *classHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type classQueue struct {
	heap classHeap
	byID map[uuid.UUID]*item
}

// Queue holds one ordered structure per queue class. All operations are
// safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	classes map[model.QueueClass]*classQueue
	seq     uint64
}

func New() *Queue {
	return &Queue{classes: make(map[model.QueueClass]*classQueue)}
}

func (q *Queue) class(c model.QueueClass) *classQueue {
	cq, ok := q.classes[c]
	if !ok {
		cq = &classQueue{byID: make(map[uuid.UUID]*item)}
		q.classes[c] = cq
	}
	return cq
}

// Enqueue inserts a job. Re-enqueueing an id already present is a no-op
// so that the reconciler's rebuild sweep stays idempotent.
func (q *Queue) Enqueue(class model.QueueClass, jobID uuid.UUID, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq := q.class(class)
	if _, ok := cq.byID[jobID]; ok {
		return
	}
	q.seq++
	it := &item{jobID: jobID, priority: priority, seq: q.seq}
	heap.Push(&cq.heap, it)
	cq.byID[jobID] = it
}

// Depth returns the number of jobs waiting in the class.
func (q *Queue) Depth(class model.QueueClass) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cq, ok := q.classes[class]; ok {
		return len(cq.heap)
	}
	return 0
}

// Position returns the 1-indexed rank of the job from the head of the
// class, honouring priority ordering. Zero means the job is not queued.
func (q *Queue) Position(class model.QueueClass, jobID uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.classes[class]
	if !ok {
		return 0
	}
	target, ok := cq.byID[jobID]
	if !ok {
		return 0
	}
	rank := 1
	for _, it := range cq.heap {
		if it == target {
			continue
		}
		if it.priority > target.priority ||
			(it.priority == target.priority && it.seq < target.seq) {
			rank++
		}
	}
	return rank
}

// DequeueHighest removes and returns the head of the class.
func (q *Queue) DequeueHighest(class model.QueueClass) (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.classes[class]
	if !ok || len(cq.heap) == 0 {
		return uuid.Nil, false
	}
	it := heap.Pop(&cq.heap).(*item)
	delete(cq.byID, it.jobID)
	return it.jobID, true
}

// Remove deletes a job from the class, used when a queued job gets
// cancelled.
func (q *Queue) Remove(class model.QueueClass, jobID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.classes[class]
	if !ok {
		return false
	}
	it, ok := cq.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&cq.heap, it.index)
	delete(cq.byID, jobID)
	return true
}

// JobIDs returns the ids currently queued in the class, in no
// particular order. The reconciler uses it to drop entries whose store
// row is no longer queued.
func (q *Queue) JobIDs(class model.QueueClass) []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.classes[class]
	if !ok {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(cq.byID))
	for id := range cq.byID {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether the job is currently queued in the class.
func (q *Queue) Contains(class model.QueueClass, jobID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.classes[class]
	if !ok {
		return false
	}
	_, ok = cq.byID[jobID]
	return ok
}
