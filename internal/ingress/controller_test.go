package ingress

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/satindergrewal/airwave/internal/metrics"
)

var errRejected = errors.New("quota exceeded")

// recordingSink records appends and tracks how many are in flight.
type recordingSink struct {
	got      []string
	inFlight int
	maxIn    int
	reject   map[string]bool
	eos      int
}

func (s *recordingSink) Append(chunk []byte) error {
	if s.reject[string(chunk)] {
		return errRejected
	}
	s.inFlight++
	if s.inFlight > s.maxIn {
		s.maxIn = s.inFlight
	}
	s.got = append(s.got, string(chunk))
	return nil
}

func (s *recordingSink) done() { s.inFlight-- }

func (s *recordingSink) EndOfStream() { s.eos++ }

func TestReadinessString(t *testing.T) {
	tests := map[Readiness]string{NotReady: "not-ready", ReadyIdle: "ready-idle", Busy: "busy", Readiness(9): "Readiness(9)"}
	for r, want := range tests {
		if r.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(r), r.String(), want)
		}
	}
}

func TestEnqueueBeforeReady(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink)

	for _, chunk := range []string{"A", "B", "C"} {
		c.Enqueue([]byte(chunk))
		if issued, err := c.TryAdvance(); issued || err != nil {
			t.Fatalf("TryAdvance before open = %v, %v; want no-op", issued, err)
		}
	}
	if c.Len() != 3 || c.Readiness() != NotReady {
		t.Fatalf("Len = %d, Readiness = %v", c.Len(), c.Readiness())
	}

	if issued, _ := c.Open(); !issued {
		t.Fatal("Open did not start an insertion")
	}
	assertGot(t, sink, "A")

	// busy sink: nothing more until completion
	if issued, _ := c.TryAdvance(); issued {
		t.Fatal("TryAdvance while busy started an insertion")
	}
	sink.done()
	c.Complete()
	assertGot(t, sink, "A", "B")
	sink.done()
	c.Complete()
	assertGot(t, sink, "A", "B", "C")
	sink.done()
	if issued, _ := c.Complete(); issued {
		t.Error("Complete with empty queue started an insertion")
	}
	if c.Readiness() != ReadyIdle {
		t.Errorf("Readiness = %v, want ready-idle", c.Readiness())
	}

	st := c.Stats()
	if st.Enqueued != 3 || st.Delivered != 3 || st.Dropped != 0 || st.Depth != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestSyncRejectionDoesNotBlock(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sink := &recordingSink{reject: map[string]bool{"B": true}}
	c := NewController(sink, WithMetrics(m))
	c.Open()

	c.Enqueue([]byte("A"))
	c.TryAdvance()
	c.Enqueue([]byte("B"))
	c.Enqueue([]byte("C"))

	sink.done()
	_, err := c.Complete()
	var rej *SinkRejectionError
	if !errors.As(err, &rej) || !errors.Is(err, errRejected) {
		t.Fatalf("Complete err = %v, want *SinkRejectionError", err)
	}
	if c.Readiness() != ReadyIdle {
		t.Fatalf("Readiness after rejection = %v, want ready-idle", c.Readiness())
	}

	if issued, err := c.TryAdvance(); !issued || err != nil {
		t.Fatalf("TryAdvance after rejection = %v, %v", issued, err)
	}
	assertGot(t, sink, "A", "C")

	if got := testutil.ToFloat64(m.ChunksDropped.WithLabelValues(metrics.ReasonSinkRejected)); got != 1 {
		t.Errorf("dropped metric = %v, want 1", got)
	}
	if st := c.Stats(); st.Dropped != 1 || st.Delivered != 2 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestStrayCompleteIgnored(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink)
	c.Enqueue([]byte("A"))

	if issued, err := c.Complete(); issued || err != nil {
		t.Errorf("Complete before open = %v, %v", issued, err)
	}
	if c.Readiness() != NotReady {
		t.Errorf("Readiness = %v, want not-ready", c.Readiness())
	}
	c.Open()
	c.Open() // a second open while busy must not reset readiness
	if c.Readiness() != Busy {
		t.Errorf("Readiness after double open = %v, want busy", c.Readiness())
	}
}

func TestEndOfStream(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink, WithEndOfStream())
	c.Enqueue([]byte("A"))
	c.Enqueue([]byte("B"))
	c.Open()

	sink.done()
	c.Complete()
	if sink.eos != 0 {
		t.Fatal("end of stream signalled with chunks pending")
	}
	sink.done()
	c.Complete()
	if sink.eos != 1 {
		t.Errorf("eos = %d, want 1", sink.eos)
	}
}

func TestFlush(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink)
	c.Enqueue([]byte("A"))
	c.Enqueue([]byte("B"))
	if n := c.Flush(metrics.ReasonFlushed); n != 2 {
		t.Errorf("Flush = %d, want 2", n)
	}
	if n := c.Flush(metrics.ReasonFlushed); n != 0 {
		t.Errorf("second Flush = %d, want 0", n)
	}
	c.Open()
	if len(sink.got) != 0 {
		t.Errorf("flushed chunks delivered: %v", sink.got)
	}
}

// Random interleavings of arrivals, completions and a late open never put two
// insertions in flight and deliver everything in order.
func TestNoConcurrentInsertion(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 200; round++ {
		sink := &recordingSink{}
		c := NewController(sink)
		openAt := rng.Intn(20)
		next := 0

		for step := 0; step < 60; step++ {
			if step == openAt {
				c.Open()
			}
			switch rng.Intn(3) {
			case 0, 1:
				c.Enqueue([]byte{byte(next)})
				next++
				c.TryAdvance()
			case 2:
				if sink.inFlight > 0 {
					sink.done()
					c.Complete()
				} else {
					c.Complete() // stray
				}
			}
			if sink.inFlight > 1 {
				t.Fatalf("round %d step %d: %d insertions in flight", round, step, sink.inFlight)
			}
		}
		if openAt >= 60 {
			c.Open()
		}
		for c.Len() > 0 || sink.inFlight > 0 {
			sink.done()
			c.Complete()
		}

		if len(sink.got) != next {
			t.Fatalf("round %d: delivered %d of %d", round, len(sink.got), next)
		}
		for i, chunk := range sink.got {
			if chunk[0] != byte(i) {
				t.Fatalf("round %d: chunk %d out of order (%d)", round, i, chunk[0])
			}
		}
		if sink.maxIn > 1 {
			t.Fatalf("round %d: max in flight %d", round, sink.maxIn)
		}
	}
}

func assertGot(t *testing.T, s *recordingSink, want ...string) {
	t.Helper()
	if len(s.got) != len(want) {
		t.Fatalf("sink got %v, want %v", s.got, want)
	}
	for i := range want {
		if s.got[i] != want[i] {
			t.Fatalf("sink got %v, want %v", s.got, want)
		}
	}
}
