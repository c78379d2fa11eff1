package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/codec"
	"github.com/satindergrewal/airwave/internal/config"
	"github.com/satindergrewal/airwave/internal/device"
	"github.com/satindergrewal/airwave/internal/metrics"
	"github.com/satindergrewal/airwave/internal/playback"
	"github.com/satindergrewal/airwave/internal/session"
	"github.com/satindergrewal/airwave/internal/transport"
)

func runListen(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics) error {
	if cfg.Transport == config.TransportStream {
		return listenStream(ctx, cfg, log, m)
	}

	client, relayCtx, stop, err := dialRelay(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()
	defer stop(nil)

	if err := listenBroadcast(relayCtx, cfg, log, m, client); err != nil {
		return err
	}
	return context.Cause(relayCtx)
}

// decodeSink builds a sink with a fresh decoder feeding sched.
func decodeSink(cfg config.Config, log *zap.Logger, m *metrics.Metrics, sched *playback.Scheduler, unpack playback.Unpacker) (*playback.DecodeSink, error) {
	dec, err := codec.NewDecoder(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, err
	}
	return playback.NewDecodeSink(dec, unpack, sched, log, m), nil
}

func listenBroadcast(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics, b transport.Broadcast) error {
	player, err := device.OpenPlayer(cfg.SampleRate, cfg.Channels, log, m)
	if err != nil {
		return err
	}
	defer player.Close()

	sched := playback.NewScheduler(player, player, cfg.Lookahead, log, m)
	sink, err := decodeSink(cfg, log, m, sched, codec.Unpack)
	if err != nil {
		return err
	}
	return session.RunBroadcast(ctx, log, b, cfg.Topic, sink, sessionOptions(cfg, m))
}

// listenStream accepts point-to-point streams. One stream plays at a time:
// a new speaker replaces the current one.
func listenStream(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics) error {
	player, err := device.OpenPlayer(cfg.SampleRate, cfg.Channels, log, m)
	if err != nil {
		return err
	}
	defer player.Close()

	tlsConf, err := transport.ServerTLS()
	if err != nil {
		return err
	}
	ln, err := transport.Listen(cfg.QUICAddr, tlsConf, cfg.ProtocolID, log)
	if err != nil {
		return err
	}
	defer ln.Close()

	sched := playback.NewScheduler(player, player, cfg.Lookahead, log, m)
	var (
		mu      sync.Mutex
		current context.CancelFunc
		ended   chan struct{}
	)
	handle := func(s *transport.Stream) {
		mu.Lock()
		if current != nil {
			select {
			case <-ended:
			default:
				log.Info("new speaker replaces current stream", zap.String("peer", s.Peer()))
			}
			current()
			<-ended
		}
		sctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		current, ended = cancel, done
		player.Flush()
		sched.Reset()
		mu.Unlock()
		defer close(done)
		defer cancel()

		sink, err := decodeSink(cfg, log, m, sched, codec.Single)
		if err != nil {
			log.Error("decoder setup failed", zap.Error(err))
			s.Close()
			return
		}
		if err := session.RunStream(sctx, log, s, sink, sessionOptions(cfg, m)); err != nil {
			log.Warn("stream session failed", zap.String("peer", s.Peer()), zap.Error(err))
		}
	}
	return ln.Serve(ctx, handle)
}
