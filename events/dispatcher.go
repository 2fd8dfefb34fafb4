// Package events publishes the requests processed by a synchronization loop
// to Kafka.
//
// The Dispatcher is a replication.Observer. OnApplied only enqueues into a
// bounded queue; workers send with a doubling backoff and give up after
// MaxRetry attempts. When the queue is full the event is dropped, so a slow
// broker never stalls the loop.
package events

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/raniellyferreira/localfirst-replica/protocol"
	"github.com/raniellyferreira/localfirst-replica/replication"
)

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("dispatcher closed")

// ErrQueueFull is returned by Enqueue when the queue has no room
var ErrQueueFull = errors.New("event queue full")

// FieldValue is the value of one document field after a request
type FieldValue struct {
	Field   string  `json:"field"`
	Kind    string  `json:"kind"`
	Counter *int64  `json:"counter,omitempty"`
	Text    *string `json:"text,omitempty"`
}

// ChangeEvent is the message published for every processed request
type ChangeEvent struct {
	Origin     string       `json:"origin"`
	Actor      string       `json:"actor"`
	Ops        int          `json:"ops"`
	Rejected   bool         `json:"rejected"`
	Reason     string       `json:"reason,omitempty"`
	Fields     []FieldValue `json:"fields,omitempty"`
	DurationUS int64        `json:"duration_us"`
	At         time.Time    `json:"at"`
}

// NewChangeEvent converts a loop event. Fields come from the patch of the
// requesting side.
func NewChangeEvent(e replication.Event) ChangeEvent {
	evt := ChangeEvent{
		Origin:     e.Origin.String(),
		Actor:      e.Actor.String(),
		Ops:        e.Ops,
		Rejected:   e.Rejected,
		Reason:     e.Reason,
		DurationUS: e.Duration.Microseconds(),
		At:         e.At.UTC(),
	}

	patch := e.A
	if e.Origin == replication.SideB {
		patch = e.B
	}
	if patch == nil {
		return evt
	}
	for _, fs := range patch.Fields {
		fv := FieldValue{Field: fs.Field, Kind: fs.Kind.String()}
		switch fs.Kind {
		case protocol.KindCounter:
			n := fs.Counter
			fv.Counter = &n
		case protocol.KindText:
			text := fs.Text()
			fv.Text = &text
		}
		evt.Fields = append(evt.Fields, fv)
	}
	return evt
}

// Logger interface for dispatcher logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Options tunes a Dispatcher. Zero fields take the defaults.
type Options struct {
	QueueSize   int           // default 1024
	Workers     int           // default 2
	MaxRetry    int           // default 3, negative for none
	BaseBackoff time.Duration // default 100ms
	MaxBackoff  time.Duration // default 2s
	Logger      Logger
}

// Stats counts what happened to the events
type Stats struct {
	Sent    int64
	Failed  int64 // given up after retries
	Dropped int64 // queue full or closed
}

// Dispatcher sends change events to a Kafka topic
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opts     Options
	logger   Logger

	queue chan ChangeEvent
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	sent    int64 // atomic
	failed  int64 // atomic
	dropped int64 // atomic
}

// NewDispatcher starts the workers. The producer stays owned by the caller.
func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	} else if opts.MaxRetry == 0 {
		opts.MaxRetry = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		logger:   logger,
		queue:    make(chan ChangeEvent, opts.QueueSize),
		stop:     make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// OnApplied implements replication.Observer
func (d *Dispatcher) OnApplied(e replication.Event) {
	if err := d.Enqueue(NewChangeEvent(e)); err != nil {
		d.logger.Debug("Change event dropped", "actor", e.Actor.Short(), "error", err)
	}
}

// Enqueue queues evt without blocking
func (d *Dispatcher) Enqueue(evt ChangeEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		atomic.AddInt64(&d.dropped, 1)
		return ErrClosed
	}
	select {
	case d.queue <- evt:
		return nil
	default:
		atomic.AddInt64(&d.dropped, 1)
		return ErrQueueFull
	}
}

// Close stops accepting events, lets the workers send what is queued and
// waits for them. Pending retries are abandoned.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// Stats returns the event counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:    atomic.LoadInt64(&d.sent),
		Failed:  atomic.LoadInt64(&d.failed),
		Dropped: atomic.LoadInt64(&d.dropped),
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt ChangeEvent) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			atomic.AddInt64(&d.sent, 1)
			return
		}

		if attempt == d.opts.MaxRetry {
			atomic.AddInt64(&d.failed, 1)
			d.logger.Error("Kafka send failed, dropping event",
				"actor", evt.Actor,
				"origin", evt.Origin,
				"worker", workerID,
				"error", err)
			return
		}

		// doubles each attempt
		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-d.stop:
			timer.Stop()
			atomic.AddInt64(&d.failed, 1)
			return
		}
	}
}

func (d *Dispatcher) sendOnce(evt ChangeEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Actor),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// NewProducer builds a SyncProducer the way the dispatcher expects:
// successes returned, leader acknowledgement
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}
