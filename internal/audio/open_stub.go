//go:build !linux || !cgo

package audio

import "errors"

var errNoAudioBackend = errors.New("audio: no capture/playback backend on this platform")

// OpenCapture acquires the platform capture device.
func OpenCapture(name string, cfg Config) (CaptureDevice, error) {
	return nil, errNoAudioBackend
}

// OpenPlayback acquires the platform playback device.
func OpenPlayback(name string, cfg Config) (PlaybackDevice, error) {
	return nil, errNoAudioBackend
}
