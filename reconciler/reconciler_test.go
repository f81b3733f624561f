package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/jobgate/jobgate/model"
	"github.com/jobgate/jobgate/pqueue"
	"github.com/jobgate/jobgate/repo"
)

func TestRebuildQueues(t *testing.T) {
	t.Run("enqueues store rows missing from the queue", func(t *testing.T) {
		first, second := uuid.New(), uuid.New()
		store := newFakeStore()
		store.queued[model.ClassCDN] = []repo.QueuedRef{
			{ID: first, Priority: model.PriorityNormal},
			{ID: second, Priority: model.PriorityHigh},
		}
		pq := pqueue.New()
		r := newReconciler(t, store, pq, &fakeDispatcher{})

		require.NoError(t, r.RebuildQueues(context.Background()))
		require.Equal(t, 2, pq.Depth(model.ClassCDN))
		// priority ordering holds after a rebuild
		head, ok := pq.DequeueHighest(model.ClassCDN)
		require.True(t, ok)
		require.Equal(t, second, head)
	})

	t.Run("is idempotent", func(t *testing.T) {
		store := newFakeStore()
		store.queued[model.ClassAPI] = []repo.QueuedRef{{ID: uuid.New(), Priority: model.PriorityNormal}}
		pq := pqueue.New()
		r := newReconciler(t, store, pq, &fakeDispatcher{})

		require.NoError(t, r.RebuildQueues(context.Background()))
		require.NoError(t, r.RebuildQueues(context.Background()))
		require.Equal(t, 1, pq.Depth(model.ClassAPI))
	})

	t.Run("drops queue entries whose row is no longer queued", func(t *testing.T) {
		stale := uuid.New()
		pq := pqueue.New()
		pq.Enqueue(model.ClassAPI, stale, model.PriorityNormal)
		r := newReconciler(t, newFakeStore(), pq, &fakeDispatcher{})

		require.NoError(t, r.RebuildQueues(context.Background()))
		require.Zero(t, pq.Depth(model.ClassAPI))
	})

	t.Run("store errors propagate", func(t *testing.T) {
		store := newFakeStore()
		store.queuedErr = errors.New("db down")
		r := newReconciler(t, store, pqueue.New(), &fakeDispatcher{})
		require.Error(t, r.RebuildQueues(context.Background()))
	})
}

func TestSweepTimeouts(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("fails jobs past their class timeout", func(t *testing.T) {
		stuckJob := &model.Job{ID: uuid.New(), QueueClass: model.ClassAPI, Status: model.Processing}
		store := newFakeStore()
		store.stuck[model.ClassAPI] = []*model.Job{stuckJob}
		r := newReconciler(t, store, pqueue.New(), &fakeDispatcher{}, WithNow(func() time.Time { return now }))

		require.NoError(t, r.SweepTimeouts(context.Background()))

		require.Len(t, store.failed, 1)
		require.Equal(t, stuckJob.ID, store.failed[0].id)
		require.Contains(t, string(store.failed[0].details), "timed out after 30s")
		// api class timeout is 30s
		require.Equal(t, now.Add(-30*time.Second), store.stuckCutoffs[model.ClassAPI])
	})

	t.Run("a fail race does not abort the sweep", func(t *testing.T) {
		store := newFakeStore()
		store.stuck[model.ClassAPI] = []*model.Job{
			{ID: uuid.New(), QueueClass: model.ClassAPI},
			{ID: uuid.New(), QueueClass: model.ClassAPI},
		}
		store.failErr = map[int]error{0: repo.ErrInvalidTransition}
		r := newReconciler(t, store, pqueue.New(), &fakeDispatcher{})

		require.NoError(t, r.SweepTimeouts(context.Background()))
		require.Len(t, store.failed, 1)
	})
}

func TestSweepRetries(t *testing.T) {
	t.Run("requeues, re-enqueues and re-dispatches", func(t *testing.T) {
		job := &model.Job{
			ID:         uuid.New(),
			QueueClass: model.ClassBulk,
			Priority:   model.PriorityLow,
			Status:     model.Failed,
		}
		store := newFakeStore()
		store.retryable = []*model.Job{job}
		pq := pqueue.New()
		d := &fakeDispatcher{}
		r := newReconciler(t, store, pq, d)

		require.NoError(t, r.SweepRetries(context.Background()))

		require.Equal(t, []uuid.UUID{job.ID}, store.requeued)
		require.True(t, pq.Contains(model.ClassBulk, job.ID))
		require.Len(t, d.handoffs, 1)
		require.Equal(t, model.Handoff{
			JobID:      job.ID,
			QueueClass: model.ClassBulk,
			Priority:   model.PriorityLow,
		}, d.handoffs[0])
	})

	t.Run("a lost requeue race skips the job", func(t *testing.T) {
		job := &model.Job{ID: uuid.New(), QueueClass: model.ClassBulk, Status: model.Failed}
		store := newFakeStore()
		store.retryable = []*model.Job{job}
		store.requeueErr = repo.ErrInvalidTransition
		pq := pqueue.New()
		d := &fakeDispatcher{}
		r := newReconciler(t, store, pq, d)

		require.NoError(t, r.SweepRetries(context.Background()))
		require.False(t, pq.Contains(model.ClassBulk, job.ID))
		require.Empty(t, d.handoffs)
	})
}

func TestStartStopsOnContextCancel(t *testing.T) {
	conf := config.New()
	conf.Set("Reconciler.rebuildInterval", "10ms")
	conf.Set("Reconciler.timeoutSweepInterval", "10ms")
	conf.Set("Reconciler.retrySweepInterval", "10ms")
	store := newFakeStore()
	r := New(conf, logger.NOP, stats.NOP, store, pqueue.New(), &fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func newReconciler(t *testing.T, store *fakeStore, pq *pqueue.Queue, d *fakeDispatcher, opts ...Opt) *Reconciler {
	t.Helper()
	return New(config.New(), logger.NOP, stats.NOP, store, pq, d, opts...)
}

type failedCall struct {
	id      uuid.UUID
	details json.RawMessage
}

type fakeStore struct {
	mu sync.Mutex

	queued    map[model.QueueClass][]repo.QueuedRef
	queuedErr error

	stuck        map[model.QueueClass][]*model.Job
	stuckCutoffs map[model.QueueClass]time.Time
	failed       []failedCall
	failErr      map[int]error
	failCalls    int

	retryable  []*model.Job
	requeued   []uuid.UUID
	requeueErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queued:       make(map[model.QueueClass][]repo.QueuedRef),
		stuck:        make(map[model.QueueClass][]*model.Job),
		stuckCutoffs: make(map[model.QueueClass]time.Time),
	}
}

func (f *fakeStore) QueuedRefs(_ context.Context, class model.QueueClass) ([]repo.QueuedRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued[class], f.queuedErr
}

func (f *fakeStore) StuckProcessing(_ context.Context, class model.QueueClass, startedBefore time.Time) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuckCutoffs[class] = startedBefore
	return f.stuck[class], nil
}

func (f *fakeStore) RetryableFailed(context.Context, time.Duration, int) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryable, nil
}

func (f *fakeStore) Fail(_ context.Context, id uuid.UUID, details json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.failCalls
	f.failCalls++
	if err, ok := f.failErr[call]; ok {
		return err
	}
	f.failed = append(f.failed, failedCall{id: id, details: details})
	return nil
}

func (f *fakeStore) Requeue(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requeueErr != nil {
		return f.requeueErr
	}
	f.requeued = append(f.requeued, id)
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	handoffs []model.Handoff
}

func (f *fakeDispatcher) Notify(_ context.Context, h model.Handoff) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handoffs = append(f.handoffs, h)
}
