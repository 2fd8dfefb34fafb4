package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/localfirst-replica/protocol"
	"github.com/raniellyferreira/localfirst-replica/replication"
)

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func sampleEvent() replication.Event {
	return replication.Event{
		Origin: replication.SideB,
		Actor:  "actor-b",
		Ops:    2,
		B: &protocol.Patch{
			Actor: "actor-b",
			Fields: []protocol.FieldState{
				{Field: "counts", Kind: protocol.KindCounter, Counter: 3},
				{Field: "text", Kind: protocol.KindText, Elements: []protocol.Element{
					{ID: protocol.OpID{Counter: 1, Actor: "actor-b"}, Char: "h"},
					{ID: protocol.OpID{Counter: 2, Actor: "actor-b"}, Char: "x", Deleted: true},
					{ID: protocol.OpID{Counter: 3, Actor: "actor-b"}, Char: "i"},
				}},
			},
		},
		Duration: 1500 * time.Microsecond,
		At:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewChangeEvent(t *testing.T) {
	evt := NewChangeEvent(sampleEvent())

	assert.Equal(t, "B", evt.Origin)
	assert.Equal(t, "actor-b", evt.Actor)
	assert.Equal(t, int64(1500), evt.DurationUS)
	require.Len(t, evt.Fields, 2)
	require.NotNil(t, evt.Fields[0].Counter)
	assert.Equal(t, int64(3), *evt.Fields[0].Counter)
	require.NotNil(t, evt.Fields[1].Text)
	assert.Equal(t, "hi", *evt.Fields[1].Text)

	rejected := NewChangeEvent(replication.Event{Origin: replication.SideA, Rejected: true, Reason: "deps"})
	assert.True(t, rejected.Rejected)
	assert.Empty(t, rejected.Fields)
}

func TestDispatcherSends(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt ChangeEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.Actor != "actor-b" || evt.Ops != 2 {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	d := NewDispatcher(producer, "doc-changes", Options{Workers: 1})
	d.OnApplied(sampleEvent())
	require.NoError(t, d.Close())

	assert.Equal(t, Stats{Sent: 1}, d.Stats())
	require.NoError(t, producer.Close())
}

func TestDispatcherRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	d := NewDispatcher(producer, "doc-changes", Options{
		Workers:     1,
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	require.NoError(t, d.Enqueue(NewChangeEvent(sampleEvent())))

	// Close abandons retries, so wait for the send first
	require.Eventually(t, func() bool { return d.Stats().Sent == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, d.Close())
	assert.Equal(t, int64(0), d.Stats().Failed)
	require.NoError(t, producer.Close())
}

func TestDispatcherGivesUp(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewDispatcher(producer, "doc-changes", Options{
		Workers:     1,
		MaxRetry:    -1,
		BaseBackoff: time.Millisecond,
	})
	require.NoError(t, d.Enqueue(NewChangeEvent(sampleEvent())))
	require.NoError(t, d.Enqueue(NewChangeEvent(sampleEvent())))
	require.NoError(t, d.Close())

	assert.Equal(t, Stats{Failed: 2}, d.Stats())
	require.NoError(t, producer.Close())
}

// blockingProducer holds every send until release is closed
type blockingProducer struct {
	sarama.SyncProducer
	release chan struct{}
	started chan struct{}
}

func (p *blockingProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-p.release
	return 0, 0, nil
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	producer := &blockingProducer{release: make(chan struct{}), started: make(chan struct{}, 1)}
	d := NewDispatcher(producer, "doc-changes", Options{Workers: 1, QueueSize: 2})

	evt := NewChangeEvent(sampleEvent())
	require.NoError(t, d.Enqueue(evt))
	<-producer.started // the worker holds the first event

	require.NoError(t, d.Enqueue(evt))
	require.NoError(t, d.Enqueue(evt))
	assert.ErrorIs(t, d.Enqueue(evt), ErrQueueFull)
	d.OnApplied(sampleEvent())

	close(producer.release)
	require.NoError(t, d.Close())
	assert.Equal(t, Stats{Sent: 3, Dropped: 2}, d.Stats())

	assert.ErrorIs(t, d.Enqueue(evt), ErrClosed)
	assert.NoError(t, d.Close())
}
