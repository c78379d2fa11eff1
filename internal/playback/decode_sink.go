package playback

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/audio"
	"github.com/satindergrewal/airwave/internal/ingress"
	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/metrics"
)

var errBusy = errors.New("decode sink busy")

// Decoder decodes one access unit.
type Decoder interface {
	Decode(pkt []byte) (audio.Frame, error)
}

// Unpacker splits a chunk into access units.
type Unpacker func(chunk []byte) ([][]byte, error)

// DecodeSink is an ingress.Sink that decodes each chunk on a worker
// goroutine and schedules the frames for playback.
type DecodeSink struct {
	dec     Decoder
	unpack  Unpacker
	sched   *Scheduler
	work    chan [][]byte
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewDecodeSink(dec Decoder, unpack Unpacker, sched *Scheduler, log *zap.Logger, m *metrics.Metrics) *DecodeSink {
	return &DecodeSink{
		dec:     dec,
		unpack:  unpack,
		sched:   sched,
		work:    make(chan [][]byte, 1),
		log:     logging.OrNop(log).Named("decode"),
		metrics: m,
	}
}

// Append implements ingress.Sink. Chunks that cannot be unpacked are refused
// synchronously.
func (d *DecodeSink) Append(chunk []byte) error {
	packets, err := d.unpack(chunk)
	if err != nil {
		return fmt.Errorf("unpack %d byte chunk: %w", len(chunk), err)
	}
	select {
	case d.work <- packets:
		return nil
	default:
		return errBusy
	}
}

// Run signals readiness to n, then decodes chunks and reports each
// completion until ctx is done.
func (d *DecodeSink) Run(ctx context.Context, n ingress.Notifier) error {
	n.Open()
	for {
		select {
		case <-ctx.Done():
			return nil
		case packets := <-d.work:
			d.decode(packets)
			n.Complete()
		}
	}
}

func (d *DecodeSink) decode(packets [][]byte) {
	for i, pkt := range packets {
		frame, err := d.dec.Decode(pkt)
		if err != nil {
			d.metrics.DecodeFailed()
			d.log.Warn("skipping undecodable packet", zap.Int("index", i), zap.Int("bytes", len(pkt)), zap.Error(err))
			continue
		}
		d.sched.Schedule(frame)
	}
}
