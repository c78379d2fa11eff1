package device

import (
	"sort"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/satindergrewal/airwave/internal/audio"
	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/metrics"
)

type segment struct {
	start   int64 // in sample frames on the output clock
	samples []int16
}

// Player renders scheduled frames at their sample offset on its own clock.
// Its clock is the number of sample frames rendered so far, so it never
// drifts from what was actually played. It implements playback.Clock and
// playback.Output.
type Player struct {
	rate     int
	channels int
	log      *zap.Logger
	metrics  *metrics.Metrics

	mctx *malgo.AllocatedContext
	dev  *malgo.Device

	mu       sync.Mutex
	rendered int64
	segs     []segment
	playing  bool
	scratch  []int16
	warned   bool
}

// NewPlayer creates a Player with no device attached. Render drives it.
func NewPlayer(sampleRate, channels int, log *zap.Logger, m *metrics.Metrics) *Player {
	return &Player{
		rate:     sampleRate,
		channels: channels,
		log:      logging.OrNop(log).Named("player"),
		metrics:  m,
	}
}

// OpenPlayer creates a Player bound to the default playback device and
// starts it.
func OpenPlayer(sampleRate, channels int, log *zap.Logger, m *metrics.Metrics) (*Player, error) {
	p := NewPlayer(sampleRate, channels, log, m)

	mctx, err := initContext(p.log)
	if err != nil {
		return nil, err
	}
	p.mctx = mctx

	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.Playback.Format = malgo.FormatS16
	dc.Playback.Channels = uint32(channels)
	dc.SampleRate = uint32(sampleRate)
	dc.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) { p.renderBytes(out) },
	})
	if err != nil {
		freeContext(mctx)
		return nil, &SetupError{Op: "open playback", Err: err}
	}
	p.dev = dev

	if err := dev.Start(); err != nil {
		p.Close()
		return nil, &SetupError{Op: "start playback", Err: err}
	}
	p.log.Info("playback started", zap.Int("sample_rate", sampleRate), zap.Int("channels", channels))
	return p, nil
}

// Now returns the output clock.
func (p *Player) Now() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rendered) * time.Second / time.Duration(p.rate)
}

// Play copies f and schedules it to start at the given clock time. Frames at
// another sample rate are dropped; channel count is adapted.
func (p *Player) Play(f audio.Frame, at time.Duration) {
	if f.SampleRate != p.rate {
		p.mu.Lock()
		warn := !p.warned
		p.warned = true
		p.mu.Unlock()
		if warn {
			p.log.Warn("dropping frames at foreign sample rate", zap.Int("frame_rate", f.SampleRate), zap.Int("device_rate", p.rate))
		}
		return
	}

	var samples []int16
	if f.Channels != p.channels {
		samples = audio.Remix(f.Samples, f.Channels, p.channels)
	} else {
		samples = append([]int16(nil), f.Samples...)
	}
	start := int64(at * time.Duration(p.rate) / time.Second)

	p.mu.Lock()
	defer p.mu.Unlock()
	if start+int64(len(samples)/p.channels) <= p.rendered {
		p.log.Debug("frame arrived after its slot", zap.Duration("at", at))
		return
	}
	i := sort.Search(len(p.segs), func(i int) bool { return p.segs[i].start > start })
	p.segs = append(p.segs, segment{})
	copy(p.segs[i+1:], p.segs[i:])
	p.segs[i] = segment{start: start, samples: samples}
}

// Render fills out with the next len(out)/channels sample frames and
// advances the clock. Gaps are silence.
func (p *Player) Render(out []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := int64(p.channels)
	n := int64(len(out)) / ch
	pos := p.rendered
	clear(out)

	wrote := false
	keep := p.segs[:0]
	for _, s := range p.segs {
		end := s.start + int64(len(s.samples))/ch
		if end <= pos {
			continue
		}
		if s.start < pos+n {
			from := max(s.start, pos)
			to := min(end, pos+n)
			copy(out[(from-pos)*ch:(to-pos)*ch], s.samples[(from-s.start)*ch:(to-s.start)*ch])
			wrote = true
		}
		if end > pos+n {
			keep = append(keep, s)
		}
	}
	clear(p.segs[len(keep):])
	p.segs = keep
	p.rendered += n

	if wrote {
		p.playing = true
	} else if p.playing {
		p.playing = false
		p.metrics.Underrun()
		p.log.Debug("playback underrun", zap.Int64("at_frame", pos))
	}
}

func (p *Player) renderBytes(out []byte) {
	n := len(out) / 2
	if cap(p.scratch) < n {
		p.scratch = make([]int16, n)
	}
	buf := p.scratch[:n]
	p.Render(buf)
	audio.PutSamples(out, buf)
}

// Flush drops everything scheduled but not yet rendered.
func (p *Player) Flush() {
	p.mu.Lock()
	clear(p.segs)
	p.segs = p.segs[:0]
	p.playing = false
	p.mu.Unlock()
}

// Pending returns how much audio is scheduled past the clock.
func (p *Player) Pending() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.segs) == 0 {
		return 0
	}
	last := p.segs[len(p.segs)-1]
	end := last.start + int64(len(last.samples)/p.channels)
	if end <= p.rendered {
		return 0
	}
	return time.Duration(end-p.rendered) * time.Second / time.Duration(p.rate)
}

// Close stops the device, if any.
func (p *Player) Close() error {
	if p.dev != nil {
		p.dev.Uninit()
		p.dev = nil
	}
	if p.mctx != nil {
		freeContext(p.mctx)
		p.mctx = nil
	}
	return nil
}
