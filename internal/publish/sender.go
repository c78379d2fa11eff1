package publish

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/transport"
)

// BroadcastSender publishes every chunk on one topic.
type BroadcastSender struct {
	Broadcast transport.Broadcast
	Topic     string
}

func (s BroadcastSender) Send(ctx context.Context, chunk []byte) error {
	return s.Broadcast.Publish(ctx, s.Topic, chunk)
}

// StreamOpener opens point-to-point streams. *transport.Dialer implements it.
type StreamOpener interface {
	OpenStream(ctx context.Context, peer, protocolID string) (*transport.Stream, error)
}

const (
	minRedial   = 250 * time.Millisecond
	maxRedial   = 5 * time.Second
	dialTimeout = 3 * time.Second
)

var errRedialPending = errors.New("stream down, waiting to redial")

// StreamSender writes every chunk as one frame on a stream to a single peer.
// After a failure the stream is dropped and re-dialed with exponential
// backoff; chunks produced while waiting are rejected rather than queued,
// since stale live audio is worthless.
type StreamSender struct {
	opener   StreamOpener
	peer     string
	protocol string
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	stream   *transport.Stream
	delay    time.Duration
	nextDial time.Time
}

func NewStreamSender(opener StreamOpener, peer, protocolID string, log *zap.Logger) *StreamSender {
	return &StreamSender{
		opener:   opener,
		peer:     peer,
		protocol: protocolID,
		log:      logging.OrNop(log).Named("stream-sender"),
		now:      time.Now,
	}
}

func (s *StreamSender) Send(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		if err := s.dial(ctx); err != nil {
			return err
		}
	}
	if err := s.stream.WriteFrame(chunk); err != nil {
		s.stream.Close()
		s.stream = nil
		s.backoff()
		return err
	}
	return nil
}

func (s *StreamSender) dial(ctx context.Context) error {
	if s.now().Before(s.nextDial) {
		return &transport.DialError{Peer: s.peer, Protocol: s.protocol, Err: errRedialPending}
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	st, err := s.opener.OpenStream(dctx, s.peer, s.protocol)
	if err != nil {
		s.backoff()
		return err
	}
	s.stream = st
	s.delay = 0
	s.log.Info("stream open", zap.String("peer", s.peer))
	return nil
}

func (s *StreamSender) backoff() {
	if s.delay == 0 {
		s.delay = minRedial
	} else {
		s.delay = min(s.delay*2, maxRedial)
	}
	s.nextDial = s.now().Add(s.delay)
	s.log.Debug("redial scheduled", zap.Duration("in", s.delay))
}

// Close closes the current stream, if any.
func (s *StreamSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	return err
}
