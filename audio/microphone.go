package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"
)

// Microphone captures from the default input through pion/mediadevices.
// A driver must be registered by importing
// github.com/pion/mediadevices/pkg/driver/microphone.
type Microphone struct {
	logger shared.LoggerAdapter
}

func NewMicrophone(logger shared.LoggerAdapter) *Microphone {
	return &Microphone{logger: shared.OrNop(logger).With(zap.String("component", "microphone"))}
}

func (m *Microphone) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	media, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(c.SampleRate)
			mc.ChannelCount = prop.Int(c.ChannelCount)
			mc.SampleSize = prop.Int(16)
		},
	})
	if err != nil {
		return nil, classifyOpenError(err)
	}
	tracks := media.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrDeviceNotFound
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		_ = tracks[0].Close()
		return nil, ErrNotSupported
	}
	s := &micStream{
		track:  track,
		reader: track.NewReader(false),
		logger: m.logger,
		rate:   c.SampleRate,
	}
	s.active.Store(true)
	track.OnEnded(func(err error) {
		s.active.Store(false)
		if err != nil {
			m.logger.Warn("microphone track ended", zap.Error(err))
		}
	})
	return s, nil
}

// classifyOpenError maps a GetUserMedia failure onto the capture sentinels.
// Drivers surface OS errors either wrapped or only as text, so both are checked.
func classifyOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM),
		containsAny(msg, "permission denied", "not permitted", "access denied", "not allowed"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY),
		containsAny(msg, "busy", "in use"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type waveReader interface {
	Read() (wave.Audio, func(), error)
}

type micStream struct {
	track  *mediadevices.AudioTrack
	reader waveReader
	logger shared.LoggerAdapter
	rate   int
	active atomic.Bool
}

func (s *micStream) Read(ctx context.Context) (Block, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Block{}, err
		}
		chunk, release, err := s.reader.Read()
		if err != nil {
			s.active.Store(false)
			return Block{}, fmt.Errorf("%w: %v", ErrStreamEnded, err)
		}
		block, err := toBlock(chunk)
		release()
		if err != nil {
			s.logger.Warn("dropping audio chunk", zap.Error(err))
			continue
		}
		if block.SampleRate == 0 {
			block.SampleRate = s.rate
		}
		return block, nil
	}
}

// toBlock down-mixes an interleaved chunk to mono float samples.
func toBlock(chunk wave.Audio) (Block, error) {
	info := chunk.ChunkInfo()
	channels := max(info.Channels, 1)
	out := make([]float32, info.Len)
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		for i := range info.Len {
			var sum float32
			for ch := range channels {
				v := c.Data[i*channels+ch]
				if v < 0 {
					sum += float32(v) / 0x8000
				} else {
					sum += float32(v) / 0x7fff
				}
			}
			out[i] = sum / float32(channels)
		}
	case *wave.Float32Interleaved:
		for i := range info.Len {
			var sum float32
			for ch := range channels {
				sum += c.Data[i*channels+ch]
			}
			out[i] = sum / float32(channels)
		}
	default:
		return Block{}, fmt.Errorf("unsupported sample format %T", chunk)
	}
	return Block{Samples: out, SampleRate: info.SamplingRate}, nil
}

func (s *micStream) Capabilities() Capabilities {
	return Capabilities{SampleRate: s.rate}
}

func (s *micStream) Active() bool { return s.active.Load() }

// Resume is a no-op: the native driver has no suspendable processing context.
func (s *micStream) Resume() error { return nil }

func (s *micStream) Close() error {
	s.active.Store(false)
	return s.track.Close()
}
