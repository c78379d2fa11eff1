package ingress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/metrics"
)

// DefaultDrainTimeout bounds how long Stop waits for an in-flight insertion.
const DefaultDrainTimeout = 2 * time.Second

const eventBuffer = 256

type eventKind int

const (
	evArrival eventKind = iota
	evOpen
	evComplete
)

type event struct {
	kind  eventKind
	chunk []byte
}

// Loop owns a Controller and serializes every event that touches it: chunk
// arrivals from the transport, and open/complete signals from the sink. Loop
// implements Notifier, so it can be handed to the sink directly.
type Loop struct {
	ctrl         *Controller
	events       chan event
	stop         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	drainTimeout time.Duration
	log          *zap.Logger
	metrics      *metrics.Metrics
}

// NewLoop builds a Loop around a new Controller for sink. A drainTimeout of
// zero uses DefaultDrainTimeout.
func NewLoop(sink Sink, drainTimeout time.Duration, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Loop {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	log = logging.OrNop(log)
	opts = append([]Option{WithLogger(log), WithMetrics(m)}, opts...)
	return &Loop{
		ctrl:         NewController(sink, opts...),
		events:       make(chan event, eventBuffer),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		drainTimeout: drainTimeout,
		log:          log.Named("ingress"),
		metrics:      m,
	}
}

// Enqueue posts an arriving chunk. It is safe to call from any goroutine,
// and is shaped to be used directly as a transport handler. Chunks arriving
// after Stop are dropped.
func (l *Loop) Enqueue(chunk []byte) {
	if !l.post(event{kind: evArrival, chunk: chunk}) {
		l.metrics.Dropped(metrics.ReasonStopped, 1)
	}
}

// Open implements Notifier.
func (l *Loop) Open() { l.post(event{kind: evOpen}) }

// Complete implements Notifier.
func (l *Loop) Complete() { l.post(event{kind: evComplete}) }

func (l *Loop) post(ev event) bool {
	select {
	case <-l.stop:
		if ev.kind != evComplete {
			return false
		}
	default:
	}
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

// Run processes events until ctx is cancelled or Stop is called, then drains:
// pending chunks are flushed and an in-flight insertion is given up to the
// drain timeout to complete.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	for {
		// stop takes priority over queued events
		select {
		case <-ctx.Done():
			l.drain()
			return nil
		case <-l.stop:
			l.drain()
			return nil
		default:
		}

		select {
		case ev := <-l.events:
			l.handle(ev)
		case <-ctx.Done():
		case <-l.stop:
		}
	}
}

// Stop asks Run to drain and return, and waits until it has or ctx expires.
func (l *Loop) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) handle(ev event) {
	switch ev.kind {
	case evArrival:
		l.ctrl.Enqueue(ev.chunk)
		l.advance(l.ctrl.TryAdvance())
	case evOpen:
		l.advance(l.ctrl.Open())
	case evComplete:
		l.advance(l.ctrl.Complete())
	}
}

// advance keeps the queue moving past synchronous sink rejections, so a bad
// chunk never stalls the ones behind it.
func (l *Loop) advance(_ bool, err error) {
	for err != nil {
		_, err = l.ctrl.TryAdvance()
	}
}

func (l *Loop) drain() {
	defer l.discard()

	if n := l.ctrl.Flush(metrics.ReasonStopped); n > 0 {
		l.log.Info("flushed pending chunks on stop", zap.Int("chunks", n))
	}
	if l.ctrl.Readiness() != Busy {
		return
	}

	timer := time.NewTimer(l.drainTimeout)
	defer timer.Stop()
	for l.ctrl.Readiness() == Busy {
		select {
		case ev := <-l.events:
			l.drop(ev)
		case <-timer.C:
			l.log.Warn("in-flight insertion did not complete before drain timeout", zap.Duration("timeout", l.drainTimeout))
			return
		}
	}
}

// discard empties the event buffer without starting insertions.
func (l *Loop) discard() {
	for {
		select {
		case ev := <-l.events:
			l.drop(ev)
		default:
			return
		}
	}
}

func (l *Loop) drop(ev event) {
	switch ev.kind {
	case evComplete:
		if l.ctrl.Readiness() == Busy {
			l.ctrl.Complete()
		}
	case evArrival:
		l.metrics.Dropped(metrics.ReasonStopped, 1)
	}
}
