package tts

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voice-core/tools"
	"github.com/ebitengine/oto/v3"
)

var ErrSinkClosed = errors.New("audio sink closed")

// Sink is the single playback output. Play blocks until the buffer finished
// or Halt was called. Gain applies to the current and later buffers.
type Sink interface {
	Play(b Buffer) error
	Halt()
	SetGain(g float64)
	Gain() float64
	Close() error
}

const (
	DefaultSinkSampleRate = 44100
	DefaultSinkChannels   = 2
	otoPollInterval       = 10 * time.Millisecond
)

// OtoSink plays through the platform audio device with ebitengine/oto. The
// device context is created on first Play; oto allows one per process.
type OtoSink struct {
	sampleRate int
	channels   int
	bufferSize time.Duration

	mu     sync.Mutex
	ctx    *oto.Context
	player *oto.Player
	halt   chan struct{}
	gain   float64
	closed bool
}

func NewOtoSink(sampleRate, channels int) *OtoSink {
	if sampleRate <= 0 {
		sampleRate = DefaultSinkSampleRate
	}
	if channels <= 0 {
		channels = DefaultSinkChannels
	}
	return &OtoSink{sampleRate: sampleRate, channels: channels, gain: 1}
}

func (s *OtoSink) init() error {
	if s.ctx != nil {
		return nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   s.sampleRate,
		ChannelCount: s.channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   s.bufferSize,
	})
	if err != nil {
		return fmt.Errorf("creating audio output context: %w", err)
	}
	<-ready
	s.ctx = ctx
	return nil
}

func (s *OtoSink) Play(b Buffer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	if err := s.init(); err != nil {
		s.mu.Unlock()
		return err
	}
	samples := convert(b, s.sampleRate, s.channels)
	p := s.ctx.NewPlayer(bytes.NewReader(tools.PCM16ToBytes(samples)))
	p.SetVolume(s.gain)
	halt := make(chan struct{})
	s.player, s.halt = p, halt
	s.mu.Unlock()

	p.Play()
	ticker := time.NewTicker(otoPollInterval)
	defer ticker.Stop()
loop:
	for p.IsPlaying() {
		select {
		case <-halt:
			p.Pause()
			break loop
		case <-ticker.C:
		}
	}

	s.mu.Lock()
	if s.player == p {
		s.player, s.halt = nil, nil
	}
	s.mu.Unlock()
	return p.Close()
}

func (s *OtoSink) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halt != nil {
		close(s.halt)
		s.halt = nil
	}
}

func (s *OtoSink) SetGain(g float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = g
	if s.player != nil {
		s.player.SetVolume(g)
	}
}

func (s *OtoSink) Gain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain
}

func (s *OtoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halt != nil {
		close(s.halt)
		s.halt = nil
	}
	s.closed = true
	return nil
}

// convert adapts b to the output rate and channel count.
func convert(b Buffer, rate, channels int) []int16 {
	samples := b.Samples
	srcChannels := max(b.Channels, 1)
	if b.SampleRate > 0 && b.SampleRate != rate {
		if srcChannels == 2 {
			samples = tools.StereoToMono(samples)
		}
		f := tools.ToCanonicalRate(tools.PCM16ToFloat(samples), b.SampleRate, rate)
		samples = tools.FloatToPCM16(f)
		srcChannels = 1
	}
	switch {
	case srcChannels == 1 && channels == 2:
		return tools.MonoToStereo(samples)
	case srcChannels == 2 && channels == 1:
		return tools.StereoToMono(samples)
	default:
		return samples
	}
}
