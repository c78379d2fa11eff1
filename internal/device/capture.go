package device

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/audio"
	"github.com/satindergrewal/airwave/internal/logging"
)

// captureBuffer holds ~1 second of 20ms frames.
const captureBuffer = 50

// CaptureConfig describes the microphone and the frames wanted from it.
type CaptureConfig struct {
	DeviceRate int // rate the device is opened at
	SampleRate int // rate of the frames Read returns
	Channels   int
}

// Capture is a microphone delivering 20ms frames. It satisfies
// publish.Source.
type Capture struct {
	mctx      *malgo.AllocatedContext
	dev       *malgo.Device
	resampler *audio.Resampler
	framer    *audio.Framer
	frames    chan []int16
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
	log       *zap.Logger
}

// OpenCapture opens and starts the default capture device.
func OpenCapture(cfg CaptureConfig, log *zap.Logger) (*Capture, error) {
	log = logging.OrNop(log).Named("capture")
	c := &Capture{
		framer: audio.NewFramer(audio.SamplesPerFrame(cfg.SampleRate, cfg.Channels)),
		frames: make(chan []int16, captureBuffer),
		done:   make(chan struct{}),
		log:    log,
	}

	if cfg.DeviceRate != cfg.SampleRate {
		r, err := audio.NewResampler(cfg.DeviceRate, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, &SetupError{Op: "resampler", Err: err}
		}
		c.resampler = r
	}

	mctx, err := initContext(log)
	if err != nil {
		c.closeResampler()
		return nil, err
	}
	c.mctx = mctx

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.DeviceRate)
	dc.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, dc, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		freeContext(mctx)
		c.closeResampler()
		return nil, &SetupError{Op: "open capture", Err: err}
	}
	c.dev = dev

	if err := dev.Start(); err != nil {
		c.Close()
		return nil, &SetupError{Op: "start capture", Err: err}
	}
	log.Info("capture started",
		zap.Int("device_rate", cfg.DeviceRate),
		zap.Int("sample_rate", cfg.SampleRate),
		zap.Int("channels", cfg.Channels))
	return c, nil
}

// onData runs on the audio thread.
func (c *Capture) onData(_, in []byte, _ uint32) {
	samples := audio.BytesToSamples(in)
	if c.resampler != nil {
		var err error
		samples, err = c.resampler.Process(samples)
		if err != nil {
			c.log.Warn("resample failed", zap.Error(err))
			return
		}
	}
	for _, f := range c.framer.Push(samples) {
		select {
		case c.frames <- f:
		default:
			if c.dropped.Add(1)%50 == 1 {
				c.log.Warn("capture reader too slow, dropping frames", zap.Uint64("dropped", c.dropped.Load()))
			}
		}
	}
}

// Read returns the next 20ms frame.
func (c *Capture) Read(ctx context.Context) ([]int16, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the device and frees it. Safe to call more than once.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		if c.dev != nil {
			c.dev.Uninit()
		}
		if c.mctx != nil {
			freeContext(c.mctx)
		}
		c.closeResampler()
		close(c.done)
		c.log.Info("capture closed")
	})
	return nil
}

func (c *Capture) closeResampler() {
	if c.resampler != nil {
		c.resampler.Close()
		c.resampler = nil
	}
}
