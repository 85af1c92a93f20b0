// Package audio defines the capture and playback device abstractions used by
// the streaming pipeline, the fixed-format frame policy shared by both
// directions, and the capture-side conditioning chain.
package audio

import (
	"errors"
	"time"
)

// Fixed sample format. Sender and receiver agree on this out of band; it is
// never negotiated per connection.
const (
	SampleRate     = 16000
	Channels       = 1
	BytesPerSample = 2 // S16LE
	FramePeriod    = 20 * time.Millisecond
)

// ErrDeviceClosed is returned by blocking Read/Write calls once the device
// has been closed out from under them.
var ErrDeviceClosed = errors.New("audio: device closed")

// Config describes a capture or playback device's sample layout.
type Config struct {
	SampleRate int
	Channels   int
}

// DefaultConfig returns the fixed session format.
func DefaultConfig() Config {
	return Config{SampleRate: SampleRate, Channels: Channels}
}

// FrameSize returns the byte size of one audio frame for cfg. It is computed
// once per capture init and reused for every frame in both directions for the
// lifetime of the session.
func FrameSize(cfg Config) int {
	samplesPerPeriod := cfg.SampleRate * int(FramePeriod/time.Millisecond) / 1000
	return samplesPerPeriod * cfg.Channels * BytesPerSample
}

// CaptureDevice is a blocking audio source. Read fills p with raw S16LE
// samples and returns the byte count. Closing the device unblocks a pending
// Read with an error.
type CaptureDevice interface {
	Start() error
	Read(p []byte) (int, error)
	Stop()
	Close() error
}

// PlaybackDevice is a blocking audio sink. Write consumes exactly the first
// n bytes handed to it. Closing the device unblocks a pending Write with an
// error.
type PlaybackDevice interface {
	Start() error
	Write(p []byte) (int, error)
	Stop()
	Close() error
}
