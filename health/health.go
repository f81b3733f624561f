// Package health aggregates per-class queue statistics into an
// advisory system health snapshot. It has no feedback effect on
// admission decisions.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/samber/lo"

	"github.com/jobgate/jobgate/model"
	"github.com/jobgate/jobgate/pqueue"
)

const (
	Healthy  = "healthy"
	Degraded = "degraded"
)

type processingCounter interface {
	ProcessingCounts(ctx context.Context) (map[model.QueueClass]int, error)
}

// ClassStats is the per-class slice of a snapshot. The window counts
// are maintained as side effects of admission and status transitions,
// never recomputed from table scans.
type ClassStats struct {
	Depth       int     `json:"depth"`
	MaxDepth    int     `json:"max_depth"`
	Processing  int     `json:"processing"`
	Utilization float64 `json:"utilization"`

	Enqueued  int     `json:"enqueued"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Retried   int     `json:"retried"`
	ErrorRate float64 `json:"error_rate"`
}

// SystemStats is the full snapshot.
type SystemStats struct {
	Health  string                          `json:"health"`
	Classes map[model.QueueClass]ClassStats `json:"classes"`
}

type bucket struct {
	start time.Time

	enqueued  int
	completed int
	failed    int
	retried   int
}

type window struct {
	mu         sync.Mutex
	buckets    []bucket
	interval   time.Duration
	maxBuckets int
}

func (w *window) current(now time.Time) *bucket {
	cutoff := now.Truncate(w.interval)
	n := len(w.buckets)
	if n == 0 || !w.buckets[n-1].start.Equal(cutoff) {
		w.buckets = append(w.buckets, bucket{start: cutoff})
		if len(w.buckets) > w.maxBuckets {
			w.buckets = w.buckets[len(w.buckets)-w.maxBuckets:]
		}
	}
	return &w.buckets[len(w.buckets)-1]
}

func (w *window) totals(now time.Time, span time.Duration) (enqueued, completed, failed, retried int) {
	oldest := now.Add(-span)
	for i := range w.buckets {
		if w.buckets[i].start.Before(oldest) {
			continue
		}
		enqueued += w.buckets[i].enqueued
		completed += w.buckets[i].completed
		failed += w.buckets[i].failed
		retried += w.buckets[i].retried
	}
	return
}

// Aggregator tracks trailing-window operation counters per class and
// composes them with live depth and processing counts into snapshots.
type Aggregator struct {
	pq      *pqueue.Queue
	repo    processingCounter
	classes map[model.QueueClass]model.ClassConfig
	now     func() time.Time

	span     time.Duration
	interval time.Duration

	mu      sync.Mutex
	windows map[model.QueueClass]*window

	errorRateThreshold   float64
	utilizationThreshold float64

	depthGauges map[model.QueueClass]stats.Measurement
	utilGauges  map[model.QueueClass]stats.Measurement
}

func New(conf *config.Config, statsFactory stats.Stats, pq *pqueue.Queue, repo processingCounter) *Aggregator {
	a := &Aggregator{
		pq:                   pq,
		repo:                 repo,
		classes:              model.LoadClassConfigs(conf),
		now:                  time.Now,
		span:                 conf.GetDuration("Health.window", 15, time.Minute),
		interval:             conf.GetDuration("Health.bucketInterval", 1, time.Minute),
		windows:              make(map[model.QueueClass]*window),
		errorRateThreshold:   conf.GetFloat64("Health.errorRateThreshold", 0.10),
		utilizationThreshold: conf.GetFloat64("Health.utilizationThreshold", 0.90),
		depthGauges:          make(map[model.QueueClass]stats.Measurement),
		utilGauges:           make(map[model.QueueClass]stats.Measurement),
	}
	for _, class := range model.QueueClasses() {
		tags := stats.Tags{"queue_class": string(class)}
		a.depthGauges[class] = statsFactory.NewTaggedStat("jobgate_queue_depth", stats.GaugeType, tags)
		a.utilGauges[class] = statsFactory.NewTaggedStat("jobgate_queue_utilization", stats.GaugeType, tags)
	}
	return a
}

// WithNow overrides the clock, used by tests.
func (a *Aggregator) WithNow(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

func (a *Aggregator) window(class model.QueueClass) *window {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.windows[class]
	if !ok {
		bucketCount := int(a.span/a.interval) + 1
		w = &window{
			buckets:    make([]bucket, 0, bucketCount),
			interval:   a.interval,
			maxBuckets: bucketCount,
		}
		a.windows[class] = w
	}
	return w
}

// JobEnqueued is called by the admission controller on every accepted
// admission.
func (a *Aggregator) JobEnqueued(class model.QueueClass) {
	w := a.window(class)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current(a.now()).enqueued++
}

// JobCompleted implements the job store's status observer.
func (a *Aggregator) JobCompleted(class model.QueueClass) {
	w := a.window(class)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current(a.now()).completed++
}

// JobFailed implements the job store's status observer.
func (a *Aggregator) JobFailed(class model.QueueClass) {
	w := a.window(class)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current(a.now()).failed++
}

// JobRequeued implements the job store's status observer.
func (a *Aggregator) JobRequeued(class model.QueueClass) {
	w := a.window(class)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current(a.now()).retried++
}

// Snapshot composes the current system stats. Overall health is
// degraded when any class breaches the error-rate or utilization
// threshold.
func (a *Aggregator) Snapshot(ctx context.Context) (SystemStats, error) {
	processing, err := a.repo.ProcessingCounts(ctx)
	if err != nil {
		return SystemStats{}, fmt.Errorf("reading processing counts: %w", err)
	}

	now := a.now()
	snapshot := SystemStats{
		Health:  Healthy,
		Classes: make(map[model.QueueClass]ClassStats, len(a.classes)),
	}
	for _, class := range model.QueueClasses() {
		cfg := a.classes[class]
		w := a.window(class)

		w.mu.Lock()
		enqueued, completed, failed, retried := w.totals(now, a.span)
		w.mu.Unlock()

		cs := ClassStats{
			Depth:      a.pq.Depth(class),
			MaxDepth:   cfg.MaxDepth,
			Processing: processing[class],
			Enqueued:   enqueued,
			Completed:  completed,
			Failed:     failed,
			Retried:    retried,
		}
		if cfg.MaxDepth > 0 {
			cs.Utilization = float64(cs.Depth) / float64(cfg.MaxDepth)
		}
		if completed+failed > 0 {
			cs.ErrorRate = float64(failed) / float64(failed+completed)
		}
		if cs.ErrorRate > a.errorRateThreshold || cs.Utilization > a.utilizationThreshold {
			snapshot.Health = Degraded
		}

		a.depthGauges[class].Gauge(cs.Depth)
		a.utilGauges[class].Gauge(cs.Utilization)

		snapshot.Classes[class] = cs
	}
	return snapshot, nil
}

// DegradedClasses lists the classes currently breaching a threshold,
// worst utilization first. Convenience for log lines and the health
// endpoint.
func (a *Aggregator) DegradedClasses(snapshot SystemStats) []model.QueueClass {
	degraded := lo.Filter(lo.Keys(snapshot.Classes), func(c model.QueueClass, _ int) bool {
		cs := snapshot.Classes[c]
		return cs.ErrorRate > a.errorRateThreshold || cs.Utilization > a.utilizationThreshold
	})
	sort.Slice(degraded, func(i, j int) bool {
		return snapshot.Classes[degraded[i]].Utilization > snapshot.Classes[degraded[j]].Utilization
	})
	return degraded
}
