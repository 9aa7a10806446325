// Package audio owns microphone capture and turns device blocks into
// canonical frames with a voice-activity signal.
package audio

import (
	"context"
	"errors"

	"github.com/bt-bridge/voice-core/shared"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("microphone not found")
	ErrNotSupported     = errors.New("audio capture not supported")
	ErrDeviceBusy       = errors.New("microphone in use by another application")
	ErrStreamEnded      = errors.New("audio stream ended")
)

// Constraints are requested from the capture device. Sources honour what
// they can and report the result as Capabilities.
type Constraints struct {
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type Capabilities struct {
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Block is one captured buffer of mono float samples.
type Block struct {
	Samples    []float32
	SampleRate int
}

// Source opens capture streams.
type Source interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open capture device.
type Stream interface {
	// Read blocks until the next block is captured. It returns ErrStreamEnded
	// (or io.EOF) once the device stops delivering.
	Read(ctx context.Context) (Block, error)
	Capabilities() Capabilities
	// Active reports whether the device is still delivering.
	Active() bool
	// Resume restarts a suspended processing context.
	Resume() error
	Close() error
}

// MediaErrorCode classifies a Source.Open failure.
func MediaErrorCode(err error) shared.ErrorCode {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return shared.CodeMicrophonePermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return shared.CodeMicrophoneNotFound
	case errors.Is(err, ErrNotSupported):
		return shared.CodeBrowserNotSupported
	default:
		return shared.CodeUnknown
	}
}
