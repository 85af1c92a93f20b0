// Package stream implements the duplex audio pipeline: two independent
// pumps moving fixed-size PCM frames between the audio devices and the
// connection's byte stream, one per direction.
package stream

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nearwave/nearwave/internal/audio"
	"github.com/nearwave/nearwave/internal/bufpool"
)

// Direction labels which pump an error came from.
type Direction int

const (
	Outbound Direction = iota // capture -> transport
	Inbound                   // transport -> playback
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Error is a fatal pump failure. It always means the session is over; the
// connection manager reacts by closing the connection, never by restarting
// the pump alone.
type Error struct {
	Direction Direction
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream: %s pump: %v", e.Direction, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ResourceInitError means a capture or playback device could not be
// acquired. It aborts only the streaming session; the transport connection
// stays up and transmission may be retried without reconnecting.
type ResourceInitError struct {
	Device string
	Err    error
}

func (e *ResourceInitError) Error() string {
	return fmt.Sprintf("stream: acquire %s device: %v", e.Device, e.Err)
}

func (e *ResourceInitError) Unwrap() error { return e.Err }

// Config assembles a session's collaborators.
type Config struct {
	Conn     io.ReadWriter // borrowed from the connection manager; never closed here
	Capture  audio.CaptureDevice
	Playback audio.PlaybackDevice
	Format   audio.Config
	Logger   *slog.Logger

	// OnFatal is invoked at most once, from its own goroutine, with the
	// first fatal pump error. Teardown-induced errors after Stop are not
	// reported.
	OnFatal func(error)
}

// Session is one pair of pumps bound to one connection. It exists only while
// the link is connected; either a dropped connection or an explicit stop
// destroys it.
type Session struct {
	conn     io.ReadWriter
	capture  audio.CaptureDevice
	playback audio.PlaybackDevice
	cond     *audio.Conditioning
	pool     *bufpool.Pool
	logger   *slog.Logger
	onFatal  func(error)

	transmitting atomic.Bool
	stopping     atomic.Bool
	fatalOnce    sync.Once
	stopOnce     sync.Once
	wg           sync.WaitGroup
	started      bool
}

// New creates a session. The frame size is fixed here, once, from the
// session format, and reused for every frame in both directions.
func New(cfg Config) *Session {
	return &Session{
		conn:     cfg.Conn,
		capture:  cfg.Capture,
		playback: cfg.Playback,
		pool:     bufpool.New(audio.FrameSize(cfg.Format)),
		cond:     audio.NewConditioning(cfg.Format),
		logger:   cfg.Logger,
		onFatal:  cfg.OnFatal,
	}
}

// Start acquires both devices and launches the two pumps. A device failure
// returns ResourceInitError and leaves nothing running.
func (s *Session) Start() error {
	if err := s.capture.Start(); err != nil {
		return &ResourceInitError{Device: "capture", Err: err}
	}
	if err := s.playback.Start(); err != nil {
		s.capture.Stop()
		return &ResourceInitError{Device: "playback", Err: err}
	}

	s.started = true
	s.wg.Add(2)
	go s.outboundPump()
	go s.inboundPump()

	s.logger.Info("streaming session started", "frame_bytes", s.pool.FrameSize())
	return nil
}

// SetTransmit enables or disables the outbound pump's send gate. It never
// touches the capture device or the connection: un-muting while connected
// resumes sending without any renegotiation.
func (s *Session) SetTransmit(on bool) {
	s.transmitting.Store(on)
}

// Transmitting reports whether the outbound pump is currently sending.
func (s *Session) Transmitting() bool {
	return s.transmitting.Load()
}

// Stop initiates teardown: both devices are closed, unblocking the pump ends
// that wait on them. The caller then closes the connection (which unblocks a
// pump stuck in a transport call) and calls Wait.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.transmitting.Store(false)
		s.capture.Close()
		s.playback.Close()
		s.logger.Info("streaming session stopping")
	})
}

// Wait blocks until both pumps have exited, then releases the conditioning
// stage. Release happens here so no pump can be mid-frame when it runs.
func (s *Session) Wait() {
	if s.started {
		s.wg.Wait()
	}
	s.cond.Release()
}

// outboundPump moves frames capture -> transport. Frames are conditioned and
// sent in exact capture order; empty reads are skipped. While muted the
// frames are still drained from the device and discarded, keeping capture
// warm.
func (s *Session) outboundPump() {
	defer s.wg.Done()

	for {
		buf := s.pool.Get()
		n, err := s.capture.Read(buf)
		if err != nil {
			s.fatal(&Error{Direction: Outbound, Err: err})
			return
		}
		if n == 0 {
			s.pool.Put(buf)
			continue
		}

		frame := buf[:n]
		s.cond.Process(frame)

		if s.transmitting.Load() {
			if _, err := s.conn.Write(frame); err != nil {
				// A failed write on a raw stream has no safe
				// resumption point.
				s.pool.Put(buf)
				s.fatal(&Error{Direction: Outbound, Err: err})
				return
			}
		}
		s.pool.Put(buf)
	}
}

// inboundPump moves frames transport -> playback. Whatever chunk size the
// read returns is forwarded as-is; a read error or stream end stops the
// session and forces mute, since sending into a dead connection is
// pointless.
func (s *Session) inboundPump() {
	defer s.wg.Done()

	for {
		buf := s.pool.Get()
		n, err := s.conn.Read(buf)
		if n > 0 {
			if _, werr := s.playback.Write(buf[:n]); werr != nil {
				s.pool.Put(buf)
				s.fatal(&Error{Direction: Inbound, Err: werr})
				return
			}
		}
		s.pool.Put(buf)
		if err != nil {
			s.transmitting.Store(false)
			s.fatal(&Error{Direction: Inbound, Err: err})
			return
		}
	}
}

// fatal reports the first genuine pump failure. Errors observed after Stop
// are expected teardown noise and are swallowed.
func (s *Session) fatal(err *Error) {
	if s.stopping.Load() {
		return
	}
	s.fatalOnce.Do(func() {
		s.logger.Warn("pump failed", "direction", err.Direction.String(), "error", err.Err)
		if s.onFatal != nil {
			// Dispatched from its own goroutine: the handler will
			// stop this session and must not deadlock against the
			// exiting pump.
			go s.onFatal(err)
		}
	})
}
