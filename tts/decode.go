package tts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bt-bridge/voice-core/tools"
	"github.com/hajimehoshi/go-mp3"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// Buffer is decoded interleaved PCM16 audio.
type Buffer struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

func (b Buffer) Duration() time.Duration {
	return tools.SamplesDuration(len(b.Samples), b.SampleRate, b.Channels)
}

type Decoder interface {
	Decode(format string, data []byte) (Buffer, error)
}

// FormatDecoder decodes the service output formats: mp3_<rate>_<kbps> and
// pcm_<rate> (mono little-endian PCM16).
type FormatDecoder struct{}

func (FormatDecoder) Decode(format string, data []byte) (Buffer, error) {
	switch {
	case strings.HasPrefix(format, "mp3_"):
		return decodeMP3(data)
	case strings.HasPrefix(format, "pcm_"):
		rate, err := strconv.Atoi(strings.TrimPrefix(format, "pcm_"))
		if err != nil || rate <= 0 {
			return Buffer{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
		}
		if len(data)%2 != 0 {
			return Buffer{}, tools.ErrOddPCMLength
		}
		return Buffer{Samples: tools.BytesToPCM16(data), SampleRate: rate, Channels: 1}, nil
	default:
		return Buffer{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func decodeMP3(data []byte) (Buffer, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Buffer{}, fmt.Errorf("opening mp3 stream: %w", err)
	}
	pcm, err := io.ReadAll(d)
	if err != nil {
		return Buffer{}, fmt.Errorf("decoding mp3 stream: %w", err)
	}
	// go-mp3 always produces 16-bit stereo.
	return Buffer{Samples: tools.BytesToPCM16(pcm), SampleRate: d.SampleRate(), Channels: 2}, nil
}
