//go:build linux && cgo

package audio

// OpenCapture acquires the platform capture device.
func OpenCapture(name string, cfg Config) (CaptureDevice, error) {
	return NewALSACapture(name, cfg)
}

// OpenPlayback acquires the platform playback device.
func OpenPlayback(name string, cfg Config) (PlaybackDevice, error) {
	return NewALSAPlayback(name, cfg)
}
