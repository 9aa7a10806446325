package tts

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/bt-bridge/voice-core/tools"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultFade = 150 * time.Millisecond
	BargeInFade = 20 * time.Millisecond

	fadeFloor   = 0.001
	fadeSteps   = 10
	readChunk   = 32 * 1024
	maxErrorLen = 4 * 1024
)

// ErrPlaybackStopped is the cause of every entry rejected by Stop.
var ErrPlaybackStopped = errors.New("playback stopped")

func stoppedError() *shared.VoiceError {
	return shared.NewError(shared.CodeTTSGenerationFailed, "Playback stopped", ErrPlaybackStopped)
}

// Handle completes when its entry finished playing, failed or was stopped.
type Handle struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) settle(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the outcome; it is only meaningful once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type entry struct {
	text   string
	opts   Options
	handle *Handle
}

type fade struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Player synthesizes queued texts in FIFO order with at most one request in
// flight and plays them on a single Sink.
type Player struct {
	client  StreamingClient
	decoder Decoder
	sink    Sink
	clock   clockwork.Clock
	logger  shared.LoggerAdapter

	started shared.Emitter[string]
	ended   shared.Emitter[struct{}]
	errs    shared.Emitter[*shared.VoiceError]
	drained shared.Emitter[struct{}]

	// playMu serializes workers across a Stop/Speak boundary.
	playMu sync.Mutex

	mu         sync.Mutex
	queue      []*entry
	gen        uint64
	processing bool
	stopped    bool
	playing    bool
	destroyed  bool
	previous   string
	current    *entry
	cancel     context.CancelFunc

	fadeMu sync.Mutex
	fade   *fade
}

type PlayerOptions struct {
	Client  StreamingClient
	Decoder Decoder
	Sink    Sink
	Clock   clockwork.Clock
	Logger  shared.LoggerAdapter
}

func NewPlayer(opts PlayerOptions) *Player {
	if opts.Client == nil {
		opts.Client = NewFastHTTPClient(nil)
	}
	if opts.Decoder == nil {
		opts.Decoder = FormatDecoder{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	p := &Player{
		client:  opts.Client,
		decoder: opts.Decoder,
		sink:    opts.Sink,
		clock:   opts.Clock,
		logger:  shared.OrNop(opts.Logger).With(zap.String("component", "tts")),
	}
	p.started.SetLogger(p.logger)
	p.ended.SetLogger(p.logger)
	p.errs.SetLogger(p.logger)
	p.drained.SetLogger(p.logger)
	return p
}

func (p *Player) OnStarted(fn func(text string)) (off func()) { return p.started.On(fn) }
func (p *Player) OnEnded(fn func()) (off func()) {
	return p.ended.On(func(struct{}) { fn() })
}
func (p *Player) OnError(fn func(*shared.VoiceError)) (off func()) { return p.errs.On(fn) }

// OnDrained fires when the queue empties without a Stop.
func (p *Player) OnDrained(fn func()) (off func()) {
	return p.drained.On(func(struct{}) { fn() })
}

// Speak queues text and returns its completion handle. Any fade still in
// progress is finished first.
func (p *Player) Speak(text string, opts Options) *Handle {
	h := newHandle()
	p.finishFade()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		h.settle(stoppedError())
		return h
	}
	p.stopped = false
	p.queue = append(p.queue, &entry{text: text, opts: opts, handle: h})
	if !p.processing {
		p.processing = true
		go p.process(p.gen)
	}
	return h
}

// Stop rejects queued entries and the one in flight, cancels its request and
// silences output: a 20 ms fade for barge-in (which also forgets the
// previous text), an instant halt when immediate, a 150 ms fade otherwise.
func (p *Player) Stop(immediate, bargeIn bool) {
	p.mu.Lock()
	p.stopped = true
	p.playing = false
	p.processing = false
	p.gen++
	rejected := p.queue
	p.queue = nil
	if p.current != nil {
		rejected = append(rejected, p.current)
		p.current = nil
	}
	cancel := p.cancel
	p.cancel = nil
	if bargeIn {
		p.previous = ""
	}
	p.mu.Unlock()

	if len(rejected) > 0 {
		p.logger.Debug("rejecting synthesis entries", zap.Int("count", len(rejected)))
	}
	for _, e := range rejected {
		e.handle.settle(stoppedError())
	}
	if cancel != nil {
		cancel()
	}

	switch {
	case bargeIn:
		p.fadeOut(BargeInFade)
	case immediate:
		p.finishFade()
		p.halt()
	default:
		p.fadeOut(DefaultFade)
	}
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Pending counts queued entries plus the one in flight.
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	if p.current != nil {
		n++
	}
	return n
}

func (p *Player) PreviousText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.previous
}

func (p *Player) ClearPreviousText() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.previous = ""
}

// Destroy stops immediately, closes the sink and drops every listener.
func (p *Player) Destroy() {
	p.Stop(true, false)
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			p.logger.Warn("closing audio sink", zap.Error(err))
		}
	}
	p.started.Clear()
	p.ended.Clear()
	p.errs.Clear()
	p.drained.Clear()
}

func (p *Player) process(gen uint64) {
	p.playMu.Lock()
	defer p.playMu.Unlock()
	for {
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 || p.stopped {
			p.processing = false
			stopped := p.stopped
			p.mu.Unlock()
			if !stopped {
				p.drained.Emit(struct{}{})
			}
			return
		}
		e := p.queue[0]
		p.queue = p.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		p.current, p.cancel = e, cancel
		p.mu.Unlock()

		err := p.speakOne(ctx, e)
		cancel()

		p.mu.Lock()
		if p.current == e {
			p.current, p.cancel = nil, nil
		}
		p.mu.Unlock()
		e.handle.settle(err)
	}
}

func (p *Player) speakOne(ctx context.Context, e *entry) error {
	req, err := NewRequest(e.text, e.opts, p.PreviousText())
	if err != nil {
		return p.fail(shared.NewError(shared.CodeTTSGenerationFailed, err.Error(), err))
	}
	begin := p.clock.Now()
	resp, err := p.client.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return stoppedError()
		}
		return p.fail(shared.NewError(shared.CodeNetworkError, err.Error(), err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorLen))
		return p.fail(StatusError(resp.StatusCode, body))
	}

	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		return stoppedError()
	}
	p.playing = true
	p.mu.Unlock()
	defer p.setPlaying(false)
	p.started.Emit(e.text)

	data, err := readAll(ctx, resp.Body)
	if ctx.Err() != nil {
		return stoppedError()
	}
	if err != nil {
		return p.fail(shared.NewError(shared.CodeNetworkError, "reading synthesis stream", err))
	}
	format := e.opts.withDefaults().OutputFormat
	buf, err := p.decoder.Decode(format, data)
	if err != nil {
		return p.fail(shared.NewError(shared.CodeTTSGenerationFailed, "decoding synthesized audio", err))
	}
	p.logger.Debug(
		"synthesized",
		zap.Int("bytes", len(data)),
		zap.Duration("audio", buf.Duration()),
		zap.Duration("latency", p.clock.Since(begin)),
	)
	if ctx.Err() != nil {
		return stoppedError()
	}
	if p.sink == nil {
		return p.fail(shared.NewError(shared.CodeBrowserNotSupported, "", ErrSinkClosed))
	}
	if err := p.sink.Play(buf); err != nil {
		if ctx.Err() != nil {
			return stoppedError()
		}
		return p.fail(shared.NewError(shared.CodeTTSGenerationFailed, "playing synthesized audio", err))
	}
	if ctx.Err() != nil {
		return stoppedError()
	}

	p.mu.Lock()
	p.previous = e.text
	p.mu.Unlock()
	p.ended.Emit(struct{}{})
	return nil
}

func (p *Player) fail(err *shared.VoiceError) error {
	p.logger.Warn("synthesis failed", zap.String("code", string(err.Code())), zap.Error(err))
	p.errs.Emit(err)
	return err
}

func (p *Player) setPlaying(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = v
}

// readAll collects the streamed body. Cancelling ctx closes body, which
// unblocks a read stalled on the network.
func readAll(ctx context.Context, body io.ReadCloser) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()
	var chunks [][]byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf := make([]byte, readChunk)
		n, err := body.Read(buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return tools.MergeChunks(chunks), nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}
	}
}

func (p *Player) halt() {
	if p.sink == nil {
		return
	}
	p.sink.Halt()
	p.sink.SetGain(1)
}

// fadeOut ramps the gain exponentially to fadeFloor over d, then halts and
// restores unity gain.
func (p *Player) fadeOut(d time.Duration) {
	p.finishFade()
	if p.sink == nil {
		return
	}
	start := p.sink.Gain()
	if start <= fadeFloor {
		p.halt()
		return
	}
	f := &fade{stop: make(chan struct{}), done: make(chan struct{})}
	p.fadeMu.Lock()
	p.fade = f
	p.fadeMu.Unlock()

	ticker := p.clock.NewTicker(d / fadeSteps)
	go func() {
		defer close(f.done)
		defer ticker.Stop()
	ramp:
		for i := 1; i <= fadeSteps; i++ {
			select {
			case <-f.stop:
				break ramp
			case <-ticker.Chan():
				p.sink.SetGain(start * math.Pow(fadeFloor/start, float64(i)/fadeSteps))
			}
		}
		p.halt()
		p.fadeMu.Lock()
		if p.fade == f {
			p.fade = nil
		}
		p.fadeMu.Unlock()
	}()
}

// finishFade completes a running fade at once and waits for it.
func (p *Player) finishFade() {
	p.fadeMu.Lock()
	f := p.fade
	p.fade = nil
	p.fadeMu.Unlock()
	if f == nil {
		return
	}
	f.once.Do(func() { close(f.stop) })
	<-f.done
}
