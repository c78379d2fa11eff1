// Package egress forwards a broadcast topic to browsers over WebRTC.
package egress

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/audio"
	"github.com/satindergrewal/airwave/internal/codec"
	"github.com/satindergrewal/airwave/internal/ingress"
	"github.com/satindergrewal/airwave/internal/logging"
)

var errBusy = errors.New("track sink busy")

// SampleWriter is satisfied by *webrtc.TrackLocalStaticSample.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// TrackSink is an ingress.Sink that writes the Opus packets of each chunk to
// a local WebRTC track. Packets are already encoded, so nothing is decoded.
type TrackSink struct {
	track SampleWriter
	work  chan [][]byte
	log   *zap.Logger
}

func NewTrackSink(track SampleWriter, log *zap.Logger) *TrackSink {
	return &TrackSink{
		track: track,
		work:  make(chan [][]byte, 1),
		log:   logging.OrNop(log).Named("track"),
	}
}

// Append implements ingress.Sink.
func (t *TrackSink) Append(chunk []byte) error {
	packets, err := codec.Unpack(chunk)
	if err != nil {
		return fmt.Errorf("unpack %d byte chunk: %w", len(chunk), err)
	}
	select {
	case t.work <- packets:
		return nil
	default:
		return errBusy
	}
}

// Run signals readiness to n and writes chunks until ctx is done. A write
// failure means the peer is gone and ends Run.
func (t *TrackSink) Run(ctx context.Context, n ingress.Notifier) error {
	n.Open()
	for {
		select {
		case <-ctx.Done():
			return nil
		case packets := <-t.work:
			if err := t.write(packets); err != nil {
				return err
			}
			n.Complete()
		}
	}
}

func (t *TrackSink) write(packets [][]byte) error {
	for _, pkt := range packets {
		d, err := codec.PacketDuration(pkt)
		if err != nil {
			t.log.Debug("unreadable packet duration", zap.Int("bytes", len(pkt)), zap.Error(err))
			d = audio.FrameDuration
		}
		if err := t.track.WriteSample(media.Sample{Data: pkt, Duration: d}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
	}
	return nil
}
