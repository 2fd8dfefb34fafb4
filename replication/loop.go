package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/localfirst-replica/backend"
	"github.com/raniellyferreira/localfirst-replica/protocol"
)

// Stats is a snapshot of the loop counters
type Stats struct {
	Running       bool
	Processed     int64 // requests taken from an inbox
	Rejected      int64
	Delivered     int64 // notifications accepted by the sink
	Dropped       int64 // notifications the sink failed
	Discarded     int64 // requests still queued when the loop ended
	RemoteErrors  int64
	QueuedA       int
	QueuedB       int
	StartedAt     time.Time
	LastProcessed time.Time
	Err           error
}

type loopStats struct {
	mu sync.RWMutex

	processed     int64
	rejected      int64
	delivered     int64
	dropped       int64
	discarded     int64
	remoteErrors  int64
	startedAt     time.Time
	lastProcessed time.Time
}

type query struct {
	fn   func(a, b *backend.Store)
	done chan struct{}
}

// Loop is the synchronization loop. It is the only user of its two stores
// once started.
type Loop struct {
	a, b    *backend.Store
	inboxA  *Inbox
	inboxB  *Inbox
	sink    Sink
	queries chan query

	// Control channels
	readyChan chan struct{}
	stopChan  chan struct{}
	doneChan  chan struct{}
	started   int32 // atomic
	stopped   int32 // atomic

	mu          sync.Mutex
	err         error
	idleWaiters []chan struct{}

	stats *loopStats

	// Configuration
	logger   Logger
	metrics  MetricsCollector
	observer Observer
}

// NewLoop creates a loop over stores a and b delivering to sink
func NewLoop(a, b *backend.Store, sink Sink) *Loop {
	return &Loop{
		a:         a,
		b:         b,
		inboxA:    newInbox(SideA),
		inboxB:    newInbox(SideB),
		sink:      sink,
		queries:   make(chan query),
		readyChan: make(chan struct{}),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		stats:     &loopStats{},
		logger:    &defaultLogger{},
	}
}

// SetLogger sets the logger
func (l *Loop) SetLogger(logger Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (l *Loop) SetMetrics(metrics MetricsCollector) {
	l.metrics = metrics
}

// SetObserver sets the observer told about every processed request
func (l *Loop) SetObserver(observer Observer) {
	l.observer = observer
}

// Inbox returns the request channel of side s
func (l *Loop) Inbox(s Side) *Inbox {
	if s == SideA {
		return l.inboxA
	}
	return l.inboxB
}

func (l *Loop) store(s Side) *backend.Store {
	if s == SideA {
		return l.a
	}
	return l.b
}

// Start launches the loop goroutine and returns once it is receiving
func (l *Loop) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return fmt.Errorf("synchronization loop already started")
	}

	l.stats.mu.Lock()
	l.stats.startedAt = time.Now()
	l.stats.mu.Unlock()

	go l.run()

	select {
	case <-l.readyChan:
		l.logger.Info("Synchronization loop started", "a", l.a.Name(), "b", l.b.Name())
		return nil
	case <-ctx.Done():
		_ = l.Stop()
		return ctx.Err()
	}
}

// Stop stops accepting requests, signals the loop and waits for it to exit.
// Requests still queued are discarded.
func (l *Loop) Stop() error {
	if !atomic.CompareAndSwapInt32(&l.stopped, 0, 1) {
		<-l.doneChan
		return nil
	}

	l.logger.Info("Stopping synchronization loop")
	l.inboxA.queue.Seal()
	l.inboxB.queue.Seal()
	close(l.stopChan)

	if atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		// never started
		close(l.doneChan)
		return nil
	}
	<-l.doneChan
	return nil
}

// Done is closed once the loop goroutine exited
func (l *Loop) Done() <-chan struct{} {
	return l.doneChan
}

// Err returns why the loop ended on its own, or nil
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Inspect runs fn on the loop goroutine with exclusive access to both stores
func (l *Loop) Inspect(ctx context.Context, fn func(a, b *backend.Store)) error {
	q := query{fn: fn, done: make(chan struct{})}
	select {
	case l.queries <- q:
	case <-l.doneChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until both inboxes are empty and no request is being
// processed
func (l *Loop) WaitIdle(ctx context.Context) error {
	idle := make(chan struct{})
	err := l.Inspect(ctx, func(_, _ *backend.Store) {
		if l.inboxA.Len() == 0 && l.inboxB.Len() == 0 {
			close(idle)
			return
		}
		l.idleWaiters = append(l.idleWaiters, idle)
	})
	if err != nil {
		return err
	}
	select {
	case <-idle:
		return nil
	case <-l.doneChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the loop counters
func (l *Loop) Status() Stats {
	l.stats.mu.RLock()
	defer l.stats.mu.RUnlock()

	running := atomic.LoadInt32(&l.started) == 1
	select {
	case <-l.doneChan:
		running = false
	default:
	}

	return Stats{
		Running:       running,
		Processed:     l.stats.processed,
		Rejected:      l.stats.rejected,
		Delivered:     l.stats.delivered,
		Dropped:       l.stats.dropped,
		Discarded:     l.stats.discarded,
		RemoteErrors:  l.stats.remoteErrors,
		QueuedA:       l.inboxA.Len(),
		QueuedB:       l.inboxB.Len(),
		StartedAt:     l.stats.startedAt,
		LastProcessed: l.stats.lastProcessed,
		Err:           l.Err(),
	}
}

func (l *Loop) run() {
	defer close(l.doneChan)
	defer l.shutdown()
	close(l.readyChan)

	for {
		select {
		case <-l.stopChan:
			return
		case <-l.inboxA.queue.Ready():
			if !l.next(l.inboxA) {
				return
			}
		case <-l.inboxB.queue.Ready():
			if !l.next(l.inboxB) {
				return
			}
		case q := <-l.queries:
			q.fn(l.a, l.b)
			close(q.done)
		}
	}
}

// next processes one request from in. It returns false when the inbox was
// closed and is empty.
func (l *Loop) next(in *Inbox) bool {
	req, ok := in.queue.Pop()
	if !ok {
		if in.queue.Closed() {
			l.mu.Lock()
			l.err = fmt.Errorf("%w: inbox %s", ErrChannelClosed, in.side)
			l.mu.Unlock()
			l.logger.Error("Inbox closed, ending synchronization loop", "side", in.side.String())
			l.recordError("channel_closed")
			return false
		}
		return true
	}

	l.process(in.side, req)
	l.releaseIdle()
	return true
}

// process applies req to its own store and forwards the history to the
// other one. Both stores are prepared and the peer is persisted before
// anything is committed, so a failure on either side changes nothing
// visible and is reported to the origin as a rejection.
func (l *Loop) process(side Side, req protocol.ChangeRequest) {
	start := time.Now()
	s, o := l.store(side), l.store(side.Other())
	event := Event{Origin: side, Actor: req.Actor, Ops: len(req.Ops), At: start}

	prepS, err := s.PrepareLocalChange(req)
	if err != nil {
		l.reject(side, req, err, event, start)
		return
	}

	// full history on every request; the receiving store skips what it has
	changes := append(s.ChangesSince(protocol.Clock{}), prepS.Changes()...)
	prepO, err := o.PrepareRemoteChanges(changes)
	if err == nil {
		err = o.Persist(prepO)
	}
	if err != nil {
		l.logger.Error("Remote apply failed",
			"from", side.String(),
			"to", side.Other().String(),
			"changes", len(changes),
			"error", err)
		l.stats.mu.Lock()
		l.stats.remoteErrors++
		l.stats.mu.Unlock()
		l.recordError("remote_apply")
		l.reject(side, req, &backend.RejectedError{
			Actor:  req.Actor,
			First:  req.First(),
			Last:   req.Last(),
			Reason: "peer apply",
			Err:    err,
		}, event, start)
		return
	}

	// a failure here leaves the peer log ahead of its memory; replaying it
	// later yields the same changes
	patchS, err := s.Commit(prepS)
	if err != nil {
		l.reject(side, req, err, event, start)
		return
	}

	n := Notification{Origin: side}
	n.setPatch(side, patchS)
	patchO, err := o.Commit(prepO)
	if err != nil {
		l.logger.Error("Remote commit failed",
			"from", side.String(),
			"to", side.Other().String(),
			"error", err)
		l.stats.mu.Lock()
		l.stats.remoteErrors++
		l.stats.mu.Unlock()
		l.recordError("remote_apply")
	} else {
		n.setPatch(side.Other(), patchO)
	}

	l.stats.mu.Lock()
	l.stats.processed++
	l.stats.lastProcessed = time.Now()
	l.stats.mu.Unlock()

	l.deliver(n)
	l.logger.Debug("Request processed",
		"side", side.String(),
		"actor", req.Actor.Short(),
		"ops", len(req.Ops),
		"changes", len(changes))

	event.A, event.B = n.A, n.B
	l.observe(event, start)
}

// reject reports a refused request to its origin only
func (l *Loop) reject(side Side, req protocol.ChangeRequest, err error, event Event, start time.Time) {
	var rej *backend.RejectedError
	if !errors.As(err, &rej) {
		rej = &backend.RejectedError{Actor: req.Actor, First: req.First(), Last: req.Last(), Reason: "apply", Err: err}
	}
	r := rej.Rejection()
	l.logger.Info("Change request rejected",
		"side", side.String(),
		"actor", req.Actor.Short(),
		"reason", r.Reason)

	l.stats.mu.Lock()
	l.stats.processed++
	l.stats.rejected++
	l.stats.lastProcessed = time.Now()
	l.stats.mu.Unlock()
	if l.metrics != nil {
		l.metrics.RecordRejection(side.String())
	}

	l.deliver(Notification{Origin: side, Rejection: &r})
	event.Rejected = true
	event.Reason = r.Reason
	l.observe(event, start)
}

func (l *Loop) deliver(n Notification) {
	if err := l.sink.Deliver(n); err != nil {
		l.logger.Error("Notification dropped",
			"origin", n.Origin.String(),
			"error", fmt.Errorf("%w: %v", ErrPatchDelivery, err))
		l.stats.mu.Lock()
		l.stats.dropped++
		l.stats.mu.Unlock()
		if l.metrics != nil {
			l.metrics.RecordDeliveryFailure()
		}
		return
	}
	l.stats.mu.Lock()
	l.stats.delivered++
	l.stats.mu.Unlock()
}

func (l *Loop) observe(e Event, start time.Time) {
	e.Duration = time.Since(start)
	if l.metrics != nil {
		l.metrics.RecordRequestProcessed(e.Origin.String(), e.Duration)
		l.metrics.RecordQueueDepth(SideA.String(), l.inboxA.Len())
		l.metrics.RecordQueueDepth(SideB.String(), l.inboxB.Len())
	}
	if l.observer != nil {
		l.observer.OnApplied(e)
	}
}

func (l *Loop) releaseIdle() {
	if len(l.idleWaiters) == 0 || l.inboxA.Len() > 0 || l.inboxB.Len() > 0 {
		return
	}
	for _, w := range l.idleWaiters {
		close(w)
	}
	l.idleWaiters = nil
}

func (l *Loop) recordError(errorType string) {
	if l.metrics != nil {
		l.metrics.RecordError(errorType)
	}
}

// shutdown seals both inboxes and discards what is left in them
func (l *Loop) shutdown() {
	l.inboxA.queue.Seal()
	l.inboxB.queue.Seal()

	discarded := len(l.inboxA.queue.Drain()) + len(l.inboxB.queue.Drain())
	l.stats.mu.Lock()
	l.stats.discarded += int64(discarded)
	l.stats.mu.Unlock()

	if discarded > 0 {
		l.logger.Info("Discarded queued requests", "count", discarded)
	}
	l.logger.Info("Synchronization loop exited")
}
