// Package dispatch hands admitted jobs off to the external worker
// substrate. The handoff message carries only the job id, class and
// priority; workers fetch the full row from the job store.
package dispatch

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/sony/gobreaker"

	"github.com/jobgate/jobgate/jsonrs"
	"github.com/jobgate/jobgate/model"
)

// Publisher submits a handoff payload to a named worker queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload []byte) error
}

// RedisPublisher pushes handoff messages onto per-class Redis lists,
// which is what the worker substrate consumes.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(conf *config.Config) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     conf.GetString("Dispatch.Redis.addr", "localhost:6379"),
			Password: conf.GetString("Dispatch.Redis.password", ""),
			DB:       conf.GetInt("Dispatch.Redis.db", 0),
		}),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, queue string, payload []byte) error {
	return p.client.LPush(ctx, queue, payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Dispatcher notifies the worker substrate about admitted jobs. Failure
// to dispatch never fails admission: the job stays queued and the
// reconciler's rebuild sweep will surface it again.
type Dispatcher struct {
	publisher   Publisher
	breaker     *gobreaker.CircuitBreaker
	logger      logger.Logger
	queuePrefix string

	stats struct {
		dispatched stats.Measurement
		dropped    stats.Measurement
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, publisher Publisher) *Dispatcher {
	d := &Dispatcher{
		publisher:   publisher,
		logger:      log.Child("dispatch"),
		queuePrefix: conf.GetString("Dispatch.queuePrefix", "jobgate:queue:"),
	}
	consecutiveFailures := conf.GetInt("Dispatch.breakerConsecutiveFailures", 3)
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dispatch",
		MaxRequests: 1,
		Timeout:     conf.GetDuration("Dispatch.breakerTimeout", 10, time.Second),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(consecutiveFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warnf("dispatch circuit breaker %s -> %s", from, to)
		},
	})
	d.stats.dispatched = statsFactory.NewStat("jobgate_dispatched", stats.CountType)
	d.stats.dropped = statsFactory.NewStat("jobgate_dispatch_dropped", stats.CountType)
	return d
}

// QueueName maps a class to the worker queue the substrate listens on.
func (d *Dispatcher) QueueName(class model.QueueClass) string {
	return d.queuePrefix + string(class)
}

// Notify publishes the handoff message. Errors (including an open
// circuit) are logged and swallowed.
func (d *Dispatcher) Notify(ctx context.Context, handoff model.Handoff) {
	payload, err := jsonrs.Marshal(handoff)
	if err != nil {
		d.stats.dropped.Increment()
		d.logger.Errorf("marshalling handoff for job %s: %v", handoff.JobID, err)
		return
	}

	_, err = d.breaker.Execute(func() (any, error) {
		return nil, d.publisher.Publish(ctx, d.QueueName(handoff.QueueClass), payload)
	})
	if err != nil {
		d.stats.dropped.Increment()
		d.logger.Warnf("dispatch handoff for job %s to %s failed: %v",
			handoff.JobID, d.QueueName(handoff.QueueClass), err)
		return
	}
	d.stats.dispatched.Increment()
}

// BreakerState exposes the circuit state for health reporting.
func (d *Dispatcher) BreakerState() gobreaker.State {
	return d.breaker.State()
}
