package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/bt-bridge/voice-core/tools"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultTargetSampleRate = 16000
	DefaultVADThreshold     = 0.01
	DefaultSilenceTimeout   = 1500 * time.Millisecond
	DefaultWatchdogInterval = 2 * time.Second
	DefaultWatchdogTimeout  = 3 * time.Second
	DefaultFrameDuration    = 100 * time.Millisecond
)

// Frame is one fixed-duration block of canonical audio: mono samples at
// SampleRate.
type Frame struct {
	Samples    []float32
	PCM        []int16
	SampleRate int
	Energy     float64
	HasVoice   bool
}

// Base64 is the transport encoding of the frame's PCM16 samples.
func (f Frame) Base64() string {
	return tools.PCM16ToBase64(f.PCM)
}

type ActivityKind int

const (
	SpeakingStarted ActivityKind = iota + 1
	SilenceDetected
)

func (k ActivityKind) String() string {
	switch k {
	case SpeakingStarted:
		return "speaking-started"
	case SilenceDetected:
		return "silence-detected"
	default:
		return "unknown"
	}
}

// VoiceActivity is a transition of the voice-present signal. Duration is the
// elapsed silence for SilenceDetected.
type VoiceActivity struct {
	Kind     ActivityKind
	Duration time.Duration
}

type Options struct {
	TargetSampleRate int
	VADThreshold     float64
	// SilenceTimeout is how long silence must last after speech before
	// SilenceDetected fires.
	SilenceTimeout   time.Duration
	// FrameDuration is the length of every emitted frame. Captured blocks are
	// re-chunked to it; a partial tail waits for the next block.
	FrameDuration    time.Duration
	WatchdogInterval time.Duration
	WatchdogTimeout  time.Duration
	Constraints      Constraints
	Clock            clockwork.Clock
	Logger           shared.LoggerAdapter
}

func (o Options) withDefaults() Options {
	if o.TargetSampleRate <= 0 {
		o.TargetSampleRate = DefaultTargetSampleRate
	}
	if o.VADThreshold <= 0 {
		o.VADThreshold = DefaultVADThreshold
	}
	if o.SilenceTimeout <= 0 {
		o.SilenceTimeout = DefaultSilenceTimeout
	}
	if o.FrameDuration <= 0 {
		o.FrameDuration = DefaultFrameDuration
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = DefaultWatchdogInterval
	}
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if o.Constraints.SampleRate <= 0 {
		o.Constraints.SampleRate = 48000
	}
	if o.Constraints.ChannelCount <= 0 {
		o.Constraints.ChannelCount = 1
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	o.Logger = shared.OrNop(o.Logger)
	return o
}

// Pipeline owns one capture stream at a time. Frames, voice activity and
// fatal errors are delivered through the On* observers from the capture and
// watchdog goroutines.
type Pipeline struct {
	source    Source
	opts      Options
	logger    shared.LoggerAdapter
	frameSize int

	frames   shared.Emitter[Frame]
	activity shared.Emitter[VoiceActivity]
	errs     shared.Emitter[*shared.VoiceError]

	mu           sync.Mutex
	stream       Stream
	cancel       context.CancelFunc
	paused       bool
	speaking     bool
	silenceStart time.Time
	lastFrame    time.Time
}

func NewPipeline(source Source, opts Options) *Pipeline {
	opts = opts.withDefaults()
	p := &Pipeline{
		source:    source,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("component", "audio")),
		frameSize: max(1, tools.FrameSamples(opts.FrameDuration, opts.TargetSampleRate, 1)),
	}
	p.frames.SetLogger(p.logger)
	p.activity.SetLogger(p.logger)
	p.errs.SetLogger(p.logger)
	return p
}

func (p *Pipeline) OnFrame(fn func(Frame)) (off func()) {
	return p.frames.On(fn)
}

func (p *Pipeline) OnVoiceActivity(fn func(VoiceActivity)) (off func()) {
	return p.activity.On(fn)
}

func (p *Pipeline) OnError(fn func(*shared.VoiceError)) (off func()) {
	return p.errs.On(fn)
}

// Start opens the capture device and begins emitting frames. Calling Start
// while capturing is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}
	if p.source == nil {
		return shared.NewError(shared.CodeBrowserNotSupported, "", ErrNotSupported)
	}
	stream, err := p.source.Open(ctx, p.opts.Constraints)
	if err != nil {
		code := MediaErrorCode(err)
		msg := ""
		if code == shared.CodeUnknown {
			msg = fmt.Sprintf("opening microphone: %v", err)
		}
		return shared.NewError(code, msg, err)
	}
	caps := stream.Capabilities()
	p.logger.Info(
		"capture started",
		zap.Int("deviceRate", caps.SampleRate),
		zap.Int("targetRate", p.opts.TargetSampleRate),
		zap.Bool("echoCancellation", caps.EchoCancellation),
		zap.Bool("noiseSuppression", caps.NoiseSuppression),
		zap.Bool("autoGainControl", caps.AutoGainControl),
	)
	if p.opts.Constraints.EchoCancellation && !caps.EchoCancellation {
		p.logger.Debug("device does not provide echo cancellation; relying on echo gate")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.stream = stream
	p.cancel = cancel
	p.paused = false
	p.speaking = false
	p.silenceStart = time.Time{}
	p.lastFrame = p.opts.Clock.Now()

	ticker := p.opts.Clock.NewTicker(p.opts.WatchdogInterval)
	go p.capture(runCtx, stream)
	go p.watch(runCtx, stream, ticker)
	return nil
}

// Stop releases the device synchronously. It is idempotent and safe to call
// from an observer running on the capture goroutine; a frame already being
// delivered when Stop runs may still reach observers.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	stream, cancel := p.stream, p.cancel
	p.stream, p.cancel = nil, nil
	p.paused = false
	p.speaking = false
	p.silenceStart = time.Time{}
	p.mu.Unlock()
	if stream == nil {
		return
	}
	cancel()
	if err := stream.Close(); err != nil {
		p.logger.Warn("closing capture stream", zap.Error(err))
	}
	p.logger.Info("capture stopped")
}

// Pause suppresses frame emission while keeping the device open.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume re-enables frame emission if the stream is still active.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil && p.stream.Active() {
		p.paused = false
	}
}

func (p *Pipeline) ResetSpeakingState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaking = false
	p.silenceStart = time.Time{}
}

func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

func (p *Pipeline) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Destroy stops capture and drops every observer.
func (p *Pipeline) Destroy() {
	p.Stop()
	p.frames.Clear()
	p.activity.Clear()
	p.errs.Clear()
}

func (p *Pipeline) capture(ctx context.Context, stream Stream) {
	var pending []float32
	for {
		block, err := stream.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrStreamEnded) && !errors.Is(err, io.EOF) {
				p.logger.Error("reading capture stream", err)
			}
			return
		}
		pending = p.process(stream, block, pending)
	}
}

// process resamples block, appends it to pending and emits every complete
// frame. It returns the samples still short of a frame.
func (p *Pipeline) process(stream Stream, block Block, pending []float32) []float32 {
	now := p.opts.Clock.Now()
	p.mu.Lock()
	if p.stream != stream {
		p.mu.Unlock()
		return nil
	}
	p.lastFrame = now
	paused := p.paused
	p.mu.Unlock()
	if paused {
		return nil
	}
	if len(block.Samples) == 0 {
		return pending
	}

	samples := block.Samples
	if block.SampleRate > 0 && block.SampleRate != p.opts.TargetSampleRate {
		samples = tools.ToCanonicalRate(samples, block.SampleRate, p.opts.TargetSampleRate)
	}
	pending = append(pending, samples...)
	for len(pending) >= p.frameSize {
		p.emit(pending[:p.frameSize:p.frameSize], now)
		pending = pending[p.frameSize:]
	}
	return append([]float32(nil), pending...)
}

func (p *Pipeline) emit(samples []float32, now time.Time) {
	energy := tools.RMS(samples)
	frame := Frame{
		Samples:    samples,
		PCM:        tools.FloatToPCM16(samples),
		SampleRate: p.opts.TargetSampleRate,
		Energy:     energy,
		HasVoice:   energy > p.opts.VADThreshold,
	}

	if ev, ok := p.track(frame.HasVoice, now); ok {
		p.activity.Emit(ev)
	}
	p.frames.Emit(frame)
}

// track derives voice-activity transitions from consecutive frames.
func (p *Pipeline) track(hasVoice bool, now time.Time) (VoiceActivity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hasVoice {
		p.silenceStart = time.Time{}
		if !p.speaking {
			p.speaking = true
			return VoiceActivity{Kind: SpeakingStarted}, true
		}
		return VoiceActivity{}, false
	}
	if !p.speaking {
		return VoiceActivity{}, false
	}
	if p.silenceStart.IsZero() {
		p.silenceStart = now
	}
	elapsed := now.Sub(p.silenceStart)
	if elapsed < p.opts.SilenceTimeout {
		return VoiceActivity{}, false
	}
	p.speaking = false
	p.silenceStart = time.Time{}
	return VoiceActivity{Kind: SilenceDetected, Duration: elapsed}, true
}

func (p *Pipeline) watch(ctx context.Context, stream Stream, ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		p.mu.Lock()
		if p.stream != stream {
			p.mu.Unlock()
			return
		}
		since := p.opts.Clock.Since(p.lastFrame)
		p.mu.Unlock()
		if since < p.opts.WatchdogTimeout {
			continue
		}
		p.logger.Warn("no audio received", zap.Duration("since", since))
		if err := stream.Resume(); err != nil {
			p.logger.Warn("resuming capture context", zap.Error(err))
		}
		if stream.Active() {
			continue
		}
		p.Stop()
		p.errs.Emit(shared.NewError(
			shared.CodeMicrophoneNotFound,
			"Microphone stream ended unexpectedly",
			ErrStreamEnded,
		))
		return
	}
}
