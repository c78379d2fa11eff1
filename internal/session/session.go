// Package session wires one receiving session together: a transport feeding
// an ingress loop feeding a sink.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/airwave/internal/ingress"
	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/metrics"
	"github.com/satindergrewal/airwave/internal/transport"
)

var errSinkStopped = errors.New("sink stopped")

// Sink is an ingress sink with its own worker. Run must call n.Open once it
// can accept chunks and n.Complete after each insertion finishes.
type Sink interface {
	ingress.Sink
	Run(ctx context.Context, n ingress.Notifier) error
}

type Options struct {
	DrainTimeout time.Duration
	EndOfStream  bool
	Metrics      *metrics.Metrics
}

func newLoop(log *zap.Logger, sink Sink, opts Options) *ingress.Loop {
	var extra []ingress.Option
	if opts.EndOfStream {
		extra = append(extra, ingress.WithEndOfStream())
	}
	return ingress.NewLoop(sink, opts.DrainTimeout, log, opts.Metrics, extra...)
}

// RunBroadcast delivers every chunk published on topic to sink until ctx is
// done or the sink fails.
func RunBroadcast(ctx context.Context, log *zap.Logger, b transport.Broadcast, topic string, sink Sink, opts Options) error {
	log = logging.OrNop(log).With(zap.String("topic", topic))
	loop := newLoop(log, sink, opts)

	unsubscribe, err := b.Subscribe(topic, loop.Enqueue)
	if err != nil {
		return err
	}
	defer unsubscribe()

	log.Info("session started")
	defer log.Info("session ended")
	return run(ctx, loop, sink, nil)
}

// RunStream delivers every frame received on s to sink until the peer closes
// the stream, ctx is done or either side fails. s is closed on return.
func RunStream(ctx context.Context, log *zap.Logger, s *transport.Stream, sink Sink, opts Options) error {
	log = logging.OrNop(log).With(zap.String("peer", s.Peer()))
	loop := newLoop(log, sink, opts)
	defer s.Close()

	log.Info("session started")
	defer log.Info("session ended")
	return run(ctx, loop, sink, func(ctx context.Context) error {
		stop := context.AfterFunc(ctx, func() { s.Close() })
		defer stop()
		for frame, err := range s.Frames() {
			if err != nil {
				return err
			}
			loop.Enqueue(frame)
		}
		return nil
	})
}

// run drives loop and sink together. The sink outlives the loop so that an
// in-flight insertion can complete while the loop drains.
func run(ctx context.Context, loop *ingress.Loop, sink Sink, feed func(context.Context) error) error {
	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSink()
	sinkErr := make(chan error, 1)
	go func() { sinkErr <- sink.Run(sinkCtx, loop) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error {
		select {
		case err := <-sinkErr:
			sinkErr <- err
			if err == nil {
				err = errSinkStopped
			}
			return err
		case <-loop.Done():
			return nil
		}
	})
	if feed != nil {
		g.Go(func() error {
			if err := feed(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return loop.Stop(context.WithoutCancel(gctx))
		})
	}

	err := g.Wait()
	stopSink()
	<-sinkErr
	return err
}
