package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/audio"
	"github.com/satindergrewal/airwave/internal/codec"
	"github.com/satindergrewal/airwave/internal/config"
	"github.com/satindergrewal/airwave/internal/device"
	"github.com/satindergrewal/airwave/internal/metrics"
	"github.com/satindergrewal/airwave/internal/publish"
	"github.com/satindergrewal/airwave/internal/transport"
)

func runPublish(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics) error {
	if cfg.Transport == config.TransportStream {
		return publishStream(ctx, cfg, log, m)
	}

	client, relayCtx, stop, err := dialRelay(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()
	defer stop(nil)

	if err := publishBroadcast(relayCtx, cfg, log, m, client); err != nil {
		return err
	}
	return context.Cause(relayCtx)
}

// publishBroadcast sends slices to topic while at least MinSubscribers are
// on it, counting ourselves.
func publishBroadcast(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics, b transport.Broadcast) error {
	src, enc, err := openSource(ctx, cfg, log)
	if err != nil {
		return err
	}

	// Subscribing makes this publisher part of the topic degree the gate
	// counts, the same as any other member.
	unsubscribe, err := b.Subscribe(cfg.Topic, func([]byte) {})
	if err != nil {
		src.Close()
		return err
	}
	defer unsubscribe()

	p := publish.NewPipeline(src, enc,
		publish.BroadcastSender{Broadcast: b, Topic: cfg.Topic},
		publish.SubscriberGate{Broadcast: b, Topic: cfg.Topic, Min: cfg.MinSubscribers},
		publish.Options{FramesPerChunk: int(cfg.SliceDuration / audio.FrameDuration)},
		log, m)
	return p.Run(ctx)
}

// publishStream sends one frame per chunk to a single peer. There is no
// subscriber gate on a point-to-point stream.
func publishStream(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics) error {
	src, enc, err := openSource(ctx, cfg, log)
	if err != nil {
		return err
	}

	sender := publish.NewStreamSender(&transport.Dialer{TLS: transport.ClientTLS()}, cfg.Peer, cfg.ProtocolID, log)
	defer sender.Close()

	p := publish.NewPipeline(src, enc, sender, publish.AlwaysOpen{},
		publish.Options{FramesPerChunk: 1, Pack: publish.Raw}, log, m)
	return p.Run(ctx)
}

// openSource opens the microphone, or the input file when one is configured,
// and an encoder for it.
func openSource(ctx context.Context, cfg config.Config, log *zap.Logger) (publish.Source, *codec.Encoder, error) {
	enc, err := codec.NewEncoder(cfg.SampleRate, cfg.Channels, cfg.Bitrate)
	if err != nil {
		return nil, nil, err
	}

	if cfg.InputFile != "" {
		src, err := publish.NewFileSource(ctx, cfg.InputFile, cfg.SampleRate, cfg.Channels, true)
		if err != nil {
			return nil, nil, fmt.Errorf("open input file: %w", err)
		}
		log.Info("publishing file", zap.String("path", cfg.InputFile))
		return src, enc, nil
	}

	src, err := device.OpenCapture(device.CaptureConfig{
		DeviceRate: cfg.DeviceSampleRate,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return src, enc, nil
}
