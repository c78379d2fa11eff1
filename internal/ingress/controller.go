// Package ingress buffers arriving chunks and feeds them to an audio sink that
// accepts one insertion at a time.
//
// The Controller is a plain state machine with no locks: it must be driven
// from a single goroutine. Loop provides that goroutine.
package ingress

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/metrics"
)

// Readiness is the sink's state as seen by the controller.
type Readiness int

const (
	NotReady Readiness = iota
	ReadyIdle
	Busy
)

func (r Readiness) String() string {
	switch r {
	case NotReady:
		return "not-ready"
	case ReadyIdle:
		return "ready-idle"
	case Busy:
		return "busy"
	}
	return fmt.Sprintf("Readiness(%d)", int(r))
}

// Sink is the insertion primitive of an audio sink. Append starts an
// insertion and must not block on it; the sink reports completion later
// through its Notifier. A returned error means the insertion never started.
type Sink interface {
	Append(chunk []byte) error
}

// EndOfStreamer is implemented by sinks that want to be told no more chunks
// are coming.
type EndOfStreamer interface {
	EndOfStream()
}

// Notifier receives the sink's signals.
type Notifier interface {
	// Open reports that the sink is ready for its first insertion.
	Open()
	// Complete reports that the in-flight insertion finished.
	Complete()
}

// SinkRejectionError is returned by TryAdvance when the sink refused a chunk
// synchronously. The chunk is dropped.
type SinkRejectionError struct {
	Err error
}

func (e *SinkRejectionError) Error() string { return "sink rejected chunk: " + e.Err.Error() }

func (e *SinkRejectionError) Unwrap() error { return e.Err }

// Stats counts chunks through the controller.
type Stats struct {
	Enqueued  uint64
	Delivered uint64
	Dropped   uint64
	Depth     int
}

// Option configures a Controller.
type Option func(*Controller)

// WithEndOfStream signals end of stream to the sink whenever an insertion
// completes and the queue is empty. Use it for finite, pre-recorded input.
func WithEndOfStream() Option {
	return func(c *Controller) { c.endOfStream = true }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) { c.log = logging.OrNop(log).Named("ingress") }
}

// Controller holds the pending queue and guarantees at most one insertion in
// flight.
type Controller struct {
	sink        Sink
	queue       [][]byte
	readiness   Readiness
	bufferReady bool
	endOfStream bool

	stats     Stats
	firstSeen bool
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewController(sink Sink, opts ...Option) *Controller {
	c := &Controller{
		sink: sink,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue appends chunk to the pending queue. It never fails and never
// starts an insertion; call TryAdvance afterwards.
func (c *Controller) Enqueue(chunk []byte) {
	if !c.firstSeen {
		c.firstSeen = true
		c.log.Info("first chunk arrived", zap.Int("bytes", len(chunk)), zap.Stringer("readiness", c.readiness))
	}
	c.queue = append(c.queue, chunk)
	c.stats.Enqueued++
	c.metrics.Enqueued(len(c.queue))
}

// TryAdvance hands the head of the queue to the sink when the sink is open
// and idle. It reports whether an insertion was started. A synchronous sink
// failure drops the chunk, leaves the sink idle and returns a
// *SinkRejectionError; the caller may call TryAdvance again for the next one.
func (c *Controller) TryAdvance() (bool, error) {
	if !c.bufferReady || c.readiness != ReadyIdle || len(c.queue) == 0 {
		return false, nil
	}

	chunk := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.readiness = Busy

	if err := c.sink.Append(chunk); err != nil {
		c.readiness = ReadyIdle
		c.stats.Dropped++
		c.metrics.Dropped(metrics.ReasonSinkRejected, 1)
		c.metrics.Depth(len(c.queue))
		c.log.Warn("sink rejected chunk", zap.Int("bytes", len(chunk)), zap.Int("pending", len(c.queue)), zap.Error(err))
		return false, &SinkRejectionError{Err: err}
	}

	c.stats.Delivered++
	c.metrics.Delivered(len(c.queue))
	c.log.Debug("chunk handed to sink", zap.Int("bytes", len(chunk)), zap.Int("pending", len(c.queue)))
	return true, nil
}

// Complete records the sink's completion signal and advances. A completion
// while no insertion is in flight is ignored.
func (c *Controller) Complete() (bool, error) {
	if c.readiness != Busy {
		c.log.Debug("ignoring completion with no insertion in flight", zap.Stringer("readiness", c.readiness))
		return false, nil
	}
	c.readiness = ReadyIdle

	if c.endOfStream && len(c.queue) == 0 {
		if eos, ok := c.sink.(EndOfStreamer); ok {
			eos.EndOfStream()
		}
	}
	return c.TryAdvance()
}

// Open records that the sink became ready and advances. Chunks enqueued
// before Open are delivered in arrival order.
func (c *Controller) Open() (bool, error) {
	c.bufferReady = true
	if c.readiness == NotReady {
		c.readiness = ReadyIdle
	}
	c.log.Debug("sink open", zap.Int("pending", len(c.queue)))
	return c.TryAdvance()
}

// Flush drops every pending chunk and returns how many were dropped. An
// in-flight insertion is not affected.
func (c *Controller) Flush(reason string) int {
	n := len(c.queue)
	if n == 0 {
		return 0
	}
	clear(c.queue)
	c.queue = c.queue[:0]
	c.stats.Dropped += uint64(n)
	c.metrics.Dropped(reason, n)
	c.metrics.Depth(0)
	return n
}

func (c *Controller) Len() int { return len(c.queue) }

func (c *Controller) Readiness() Readiness { return c.readiness }

func (c *Controller) Stats() Stats {
	s := c.stats
	s.Depth = len(c.queue)
	return s
}
