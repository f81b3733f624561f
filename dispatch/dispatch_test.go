package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/jobgate/jobgate/jsonrs"
	"github.com/jobgate/jobgate/model"
)

type fakePublisher struct {
	queues   []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, queue string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.queues = append(f.queues, queue)
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestNotifyPublishesTinyHandoff(t *testing.T) {
	pub := &fakePublisher{}
	d := New(config.New(), logger.NOP, stats.NOP, pub)

	jobID := uuid.New()
	d.Notify(context.Background(), model.Handoff{
		JobID:      jobID,
		QueueClass: model.ClassCDN,
		Priority:   model.PriorityNormal,
	})

	require.Equal(t, []string{"jobgate:queue:cdn"}, pub.queues)

	var got model.Handoff
	require.NoError(t, jsonrs.Unmarshal(pub.payloads[0], &got))
	require.Equal(t, jobID, got.JobID)
	require.Equal(t, model.ClassCDN, got.QueueClass)
	require.Equal(t, model.PriorityNormal, got.Priority)
}

func TestNotifyNeverPropagatesFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	d := New(config.New(), logger.NOP, stats.NOP, pub)

	// must not panic or surface the error to the caller
	d.Notify(context.Background(), model.Handoff{JobID: uuid.New(), QueueClass: model.ClassAPI})
	require.Equal(t, gobreaker.StateClosed, d.BreakerState())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	conf := config.New()
	conf.Set("Dispatch.breakerConsecutiveFailures", 3)
	pub := &fakePublisher{err: errors.New("redis down")}
	d := New(conf, logger.NOP, stats.NOP, pub)

	h := model.Handoff{JobID: uuid.New(), QueueClass: model.ClassAPI}
	for i := 0; i < 3; i++ {
		d.Notify(context.Background(), h)
	}
	require.Equal(t, gobreaker.StateOpen, d.BreakerState())

	// while open, publish attempts are short-circuited away from the publisher
	before := len(pub.queues)
	pub.err = nil
	d.Notify(context.Background(), h)
	require.Equal(t, before, len(pub.queues))
}

func TestQueueNamePrefixIsConfigurable(t *testing.T) {
	conf := config.New()
	conf.Set("Dispatch.queuePrefix", "celery:")
	d := New(conf, logger.NOP, stats.NOP, &fakePublisher{})
	require.Equal(t, "celery:ai", d.QueueName(model.ClassAI))
}
