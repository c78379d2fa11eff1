// Package publish captures audio, encodes it and transmits it, skipping the
// work entirely while nobody is listening.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/codec"
	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/metrics"
	"github.com/satindergrewal/airwave/internal/transport"
)

// DefaultMinSubscribers is the topic degree below which slices are dropped
// unencoded.
const DefaultMinSubscribers = 2

// Encoder encodes one 20ms frame into one access unit.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// Sender transmits one chunk.
type Sender interface {
	Send(ctx context.Context, chunk []byte) error
}

// Gate decides whether a captured slice is worth encoding.
type Gate interface {
	Open() bool
}

// SubscriberGate opens when the topic has at least Min subscribers.
type SubscriberGate struct {
	Broadcast transport.Broadcast
	Topic     string
	Min       int
}

func (g SubscriberGate) Open() bool {
	return g.Broadcast.SubscriberCount(g.Topic) >= g.Min
}

// AlwaysOpen never gates.
type AlwaysOpen struct{}

func (AlwaysOpen) Open() bool { return true }

// Packer turns the access units of one slice into one chunk.
type Packer func(packets [][]byte) []byte

// Raw sends a one-frame slice as the bare access unit.
func Raw(packets [][]byte) []byte { return packets[0] }

// Options shapes how frames are grouped into chunks.
type Options struct {
	// FramesPerChunk is the slice length in 20ms frames. 1 is per-frame mode.
	FramesPerChunk int
	// Pack builds the chunk. Defaults to codec.Pack.
	Pack Packer
}

// Pipeline reads slices from a Source, gates them, encodes them and sends
// one chunk per slice.
type Pipeline struct {
	src     Source
	enc     Encoder
	send    Sender
	gate    Gate
	n       int
	pack    Packer
	log     *zap.Logger
	metrics *metrics.Metrics

	open bool // last gate state, for transition logs
}

func NewPipeline(src Source, enc Encoder, send Sender, gate Gate, opts Options, log *zap.Logger, m *metrics.Metrics) *Pipeline {
	if opts.FramesPerChunk < 1 {
		opts.FramesPerChunk = 1
	}
	if opts.Pack == nil {
		opts.Pack = codec.Pack
	}
	if gate == nil {
		gate = AlwaysOpen{}
	}
	return &Pipeline{
		src:     src,
		enc:     enc,
		send:    send,
		gate:    gate,
		n:       opts.FramesPerChunk,
		pack:    opts.Pack,
		log:     logging.OrNop(log).Named("publish"),
		metrics: m,
	}
}

// Run captures until ctx is cancelled or the source ends. The source is
// closed before Run returns. Send failures are logged and capture goes on;
// an encoder failure ends the run.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.src.Close()

	p.log.Info("publishing", zap.Int("frames_per_chunk", p.n))
	slice := make([][]int16, 0, p.n)
	for {
		pcm, err := p.src.Read(ctx)
		if err != nil {
			if len(slice) > 0 && errors.Is(err, io.EOF) {
				if perr := p.process(ctx, slice); perr != nil {
					return perr
				}
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				p.log.Info("capture stopped")
				return nil
			}
			return fmt.Errorf("capture: %w", err)
		}

		slice = append(slice, pcm)
		if len(slice) < p.n {
			continue
		}
		if err := p.process(ctx, slice); err != nil {
			return err
		}
		slice = slice[:0]
	}
}

func (p *Pipeline) process(ctx context.Context, slice [][]int16) error {
	open := p.gate.Open()
	if open != p.open {
		p.open = open
		if open {
			p.log.Info("listeners present, transmitting")
		} else {
			p.log.Info("waiting for listeners")
		}
	}
	if !open {
		p.metrics.Gated()
		return nil
	}

	packets := make([][]byte, 0, len(slice))
	for _, pcm := range slice {
		pkt, err := p.enc.Encode(pcm)
		if err != nil {
			return err
		}
		packets = append(packets, pkt)
	}

	if err := p.send.Send(ctx, p.pack(packets)); err != nil {
		p.metrics.PublishFailed()
		if ctx.Err() == nil {
			p.log.Warn("send failed", zap.Error(err))
		}
		return nil
	}
	p.metrics.Published()
	return nil
}
