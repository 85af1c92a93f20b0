package audio

import (
	"encoding/binary"
	"sync"
)

// Processor transforms one frame of raw S16LE samples in place. Processors
// must not block and must not allocate per call.
type Processor interface {
	Process(frame []byte)
}

// Conditioning is the post-capture conditioning stage (echo cancellation /
// noise suppression). It is created once alongside the capture device and
// released exactly once when capture is torn down; it is not per-frame
// configurable.
type Conditioning struct {
	procs   []Processor
	release sync.Once
}

// NewConditioning builds the default conditioning chain for cfg: DC removal
// followed by a noise gate.
func NewConditioning(cfg Config) *Conditioning {
	return &Conditioning{
		procs: []Processor{
			newDCBlock(cfg.Channels),
			newNoiseGate(),
		},
	}
}

// Process runs the frame through the chain in order.
func (c *Conditioning) Process(frame []byte) {
	for _, p := range c.procs {
		p.Process(frame)
	}
}

// Release frees the chain's state. Safe to call more than once; only the
// first call takes effect.
func (c *Conditioning) Release() {
	c.release.Do(func() {
		c.procs = nil
	})
}

// dcBlock is a first-order high-pass filter that removes DC offset, one
// filter state per channel.
type dcBlock struct {
	channels int
	prevIn   []int32
	prevOut  []int32
}

func newDCBlock(channels int) *dcBlock {
	return &dcBlock{
		channels: channels,
		prevIn:   make([]int32, channels),
		prevOut:  make([]int32, channels),
	}
}

func (d *dcBlock) Process(frame []byte) {
	// y[n] = x[n] - x[n-1] + a*y[n-1], a = 255/256 in fixed point
	samples := len(frame) / BytesPerSample
	for i := 0; i < samples; i++ {
		ch := i % d.channels
		in := int32(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		out := in - d.prevIn[ch] + d.prevOut[ch]*255/256
		d.prevIn[ch] = in
		d.prevOut[ch] = out
		binary.LittleEndian.PutUint16(frame[2*i:], uint16(clampInt16(out)))
	}
}

// noiseGate zeroes frames whose mean absolute amplitude stays below the
// threshold for longer than the hold window, suppressing idle-channel hiss.
type noiseGate struct {
	threshold int64
	holdLeft  int
}

const (
	gateThreshold  = 256 // of 32767 full scale
	gateHoldFrames = 8   // frames of hold after the last loud frame
)

func newNoiseGate() *noiseGate {
	return &noiseGate{threshold: gateThreshold}
}

func (g *noiseGate) Process(frame []byte) {
	samples := len(frame) / BytesPerSample
	if samples == 0 {
		return
	}

	var sum int64
	for i := 0; i < samples; i++ {
		v := int64(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		if v < 0 {
			v = -v
		}
		sum += v
	}

	if sum/int64(samples) >= g.threshold {
		g.holdLeft = gateHoldFrames
		return
	}
	if g.holdLeft > 0 {
		g.holdLeft--
		return
	}
	for i := range frame {
		frame[i] = 0
	}
}

func clampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
