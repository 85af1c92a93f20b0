//go:build linux && cgo

package audio

import (
	"fmt"
	"sync/atomic"
	"time"

	alsa "github.com/cocoonlife/goalsa"
)

// alsaBufferParams sizes the ALSA ring buffer generously to avoid overruns
// while keeping the period aligned with the session frame size.
func alsaBufferParams(cfg Config) alsa.BufferParams {
	periodFrames := cfg.SampleRate * int(FramePeriod/time.Millisecond) / 1000
	return alsa.BufferParams{
		BufferFrames: cfg.SampleRate,
		PeriodFrames: periodFrames,
		Periods:      10,
	}
}

// ALSACapture is a CaptureDevice backed by an ALSA capture PCM.
type ALSACapture struct {
	dev     *alsa.CaptureDevice
	samples []int16
	closed  atomic.Bool
}

// NewALSACapture opens the named ALSA capture device with the session format.
func NewALSACapture(name string, cfg Config) (*ALSACapture, error) {
	dev, err := alsa.NewCaptureDevice(name, cfg.Channels, alsa.FormatS16LE, cfg.SampleRate, alsaBufferParams(cfg))
	if err != nil {
		return nil, fmt.Errorf("open capture device %q: %w", name, err)
	}
	return &ALSACapture{dev: dev}, nil
}

func (c *ALSACapture) Start() error { return nil }

// Read blocks for one period and fills p with raw S16LE bytes. An ALSA
// overrun is reported as an empty read so the pump skips the gap instead of
// tearing the session down.
func (c *ALSACapture) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrDeviceClosed
	}

	want := len(p) / BytesPerSample
	if cap(c.samples) < want {
		c.samples = make([]int16, want)
	}

	n, err := c.dev.Read(c.samples[:want])
	if err != nil {
		if c.closed.Load() {
			return 0, ErrDeviceClosed
		}
		if err == alsa.ErrOverrun {
			return 0, nil
		}
		return 0, fmt.Errorf("alsa read: %w", err)
	}
	if n <= 0 {
		return 0, nil
	}

	for i := 0; i < n; i++ {
		u := uint16(c.samples[i])
		p[2*i] = byte(u)
		p[2*i+1] = byte(u >> 8)
	}
	return n * BytesPerSample, nil
}

func (c *ALSACapture) Stop() {}

func (c *ALSACapture) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.dev.Close()
	return nil
}

// ALSAPlayback is a PlaybackDevice backed by an ALSA playback PCM.
type ALSAPlayback struct {
	dev     *alsa.PlaybackDevice
	samples []int16
	closed  atomic.Bool
}

// NewALSAPlayback opens the named ALSA playback device with the session format.
func NewALSAPlayback(name string, cfg Config) (*ALSAPlayback, error) {
	dev, err := alsa.NewPlaybackDevice(name, cfg.Channels, alsa.FormatS16LE, cfg.SampleRate, alsaBufferParams(cfg))
	if err != nil {
		return nil, fmt.Errorf("open playback device %q: %w", name, err)
	}
	return &ALSAPlayback{dev: dev}, nil
}

func (p *ALSAPlayback) Start() error { return nil }

// Write blocks until the frame has been queued to the PCM. An underrun is
// absorbed: the gap is audible but the stream continues.
func (p *ALSAPlayback) Write(buf []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrDeviceClosed
	}

	samples := len(buf) / BytesPerSample
	if cap(p.samples) < samples {
		p.samples = make([]int16, samples)
	}
	dst := p.samples[:samples]
	for i := 0; i < samples; i++ {
		lo := uint16(buf[2*i])
		hi := uint16(buf[2*i+1])
		dst[i] = int16(hi<<8 | lo)
	}

	if _, err := p.dev.Write(dst); err != nil {
		if p.closed.Load() {
			return 0, ErrDeviceClosed
		}
		if err == alsa.ErrUnderrun {
			return len(buf), nil
		}
		return 0, fmt.Errorf("alsa write: %w", err)
	}
	return len(buf), nil
}

func (p *ALSAPlayback) Stop() {}

func (p *ALSAPlayback) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.dev.Close()
	return nil
}
