// Package playback turns decoded frames into a gapless, bounded-latency
// schedule on an output clock.
package playback

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/audio"
	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/metrics"
)

// DefaultLookahead is the jitter margin added in front of the output clock.
const DefaultLookahead = 50 * time.Millisecond

// Clock is the output device's monotonic clock.
type Clock interface {
	Now() time.Duration
}

// Output renders a frame starting at an absolute clock time. Play must copy
// what it needs before returning; the frame is released right after.
type Output interface {
	Play(f audio.Frame, at time.Duration)
}

// Scheduler assigns start times to frames in arrival order. Frames never
// overlap and never start earlier than now+lookahead.
type Scheduler struct {
	clock     Clock
	out       Output
	lookahead time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	cursor  time.Duration
	started bool
}

// NewScheduler creates a Scheduler. A lookahead of zero uses DefaultLookahead.
func NewScheduler(clock Clock, out Output, lookahead time.Duration, log *zap.Logger, m *metrics.Metrics) *Scheduler {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	return &Scheduler{
		clock:     clock,
		out:       out,
		lookahead: lookahead,
		log:       logging.OrNop(log).Named("playback"),
		metrics:   m,
	}
}

// Schedule plays f at max(cursor, now+lookahead), advances the cursor past
// it, and releases f. It returns the start time.
func (s *Scheduler) Schedule(f audio.Frame) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	earliest := now + s.lookahead
	startAt := s.cursor
	bumped := false
	if startAt < earliest {
		// fell behind: resync to the lookahead instead of playing in the past
		bumped = s.started
		if bumped {
			s.log.Debug("playback cursor behind, resyncing",
				zap.Duration("cursor", s.cursor), zap.Duration("now", now))
		}
		startAt = earliest
	}

	s.out.Play(f, startAt)
	s.cursor = startAt + f.Duration()
	s.started = true
	s.metrics.Scheduled(startAt-now, bumped)
	f.Release()
	return startAt
}

// Reset forgets the cursor. The next frame starts at now+lookahead.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.cursor = 0
	s.started = false
	s.mu.Unlock()
}

// Cursor returns the end time of the last scheduled frame.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Scheduler) Lookahead() time.Duration { return s.lookahead }
