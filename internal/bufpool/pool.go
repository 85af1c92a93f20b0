// Package bufpool provides reusable fixed-size frame buffers for the audio
// pumps. Both directions of a streaming session draw from the same pool, so
// every buffer has exactly the frame size negotiated at capture init.
package bufpool

import "sync"

// Pool hands out byte buffers of one fixed size. Buffers are recycled to keep
// the per-frame allocation rate of the pumps at zero in steady state.
type Pool struct {
	pool      sync.Pool
	frameSize int
}

// New creates a pool whose buffers are exactly frameSize bytes.
func New(frameSize int) *Pool {
	if frameSize <= 0 {
		panic("frameSize must be positive")
	}
	return &Pool{
		frameSize: frameSize,
		pool: sync.Pool{
			New: func() any {
				return make([]byte, frameSize)
			},
		},
	}
}

// Get returns a frame buffer of exactly the pool's frame size.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.frameSize {
		return make([]byte, p.frameSize)
	}
	return buf[:p.frameSize]
}

// Put returns a buffer for reuse. Buffers smaller than the frame size are
// discarded rather than handed out short.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.frameSize {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

// FrameSize returns the size of buffers handed out by this pool.
func (p *Pool) FrameSize() int {
	return p.frameSize
}
