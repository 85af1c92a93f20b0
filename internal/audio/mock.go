package audio

import (
	"sync"
	"time"
)

// ScriptCapture is an in-memory CaptureDevice for testing. Frames fed via
// Feed are returned by Read in order; Read blocks when the script is empty
// and unblocks with ErrDeviceClosed once the device is closed.
type ScriptCapture struct {
	StartErr error

	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

var _ CaptureDevice = (*ScriptCapture)(nil)

// NewScriptCapture creates a capture device pre-loaded with frames.
func NewScriptCapture(frames ...[]byte) *ScriptCapture {
	c := &ScriptCapture{
		frames: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		c.Feed(f)
	}
	return c
}

// Feed queues one frame for a future Read.
func (c *ScriptCapture) Feed(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case c.frames <- buf:
	case <-c.closed:
	}
}

func (c *ScriptCapture) Start() error { return c.StartErr }

func (c *ScriptCapture) Read(p []byte) (int, error) {
	// Drain queued frames before honoring close, so a script fed before
	// teardown is still observed in order.
	select {
	case f := <-c.frames:
		return copy(p, f), nil
	default:
	}
	select {
	case f := <-c.frames:
		return copy(p, f), nil
	case <-c.closed:
		return 0, ErrDeviceClosed
	}
}

func (c *ScriptCapture) Stop() {}

func (c *ScriptCapture) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// SinkPlayback is an in-memory PlaybackDevice for testing. It records every
// frame written to it.
type SinkPlayback struct {
	StartErr error
	WriteErr error

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

var _ PlaybackDevice = (*SinkPlayback)(nil)

// NewSinkPlayback creates an empty recording sink.
func NewSinkPlayback() *SinkPlayback {
	return &SinkPlayback{}
}

func (s *SinkPlayback) Start() error { return s.StartErr }

func (s *SinkPlayback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrDeviceClosed
	}
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	s.frames = append(s.frames, buf)
	return len(p), nil
}

func (s *SinkPlayback) Stop() {}

func (s *SinkPlayback) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Frames returns a snapshot of everything written so far.
func (s *SinkPlayback) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// WaitFrames polls until at least n frames have been written or the timeout
// elapses. Returns true if the count was reached.
func (s *SinkPlayback) WaitFrames(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		count := len(s.frames)
		s.mu.Unlock()
		if count >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
