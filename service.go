package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/voice-core/audio"
	"github.com/bt-bridge/voice-core/echo"
	"github.com/bt-bridge/voice-core/segment"
	"github.com/bt-bridge/voice-core/shared"
	"github.com/bt-bridge/voice-core/stt"
	"github.com/bt-bridge/voice-core/tts"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultReconnectRate  = rate.Limit(1)
	DefaultReconnectBurst = 3
)

// Service runs one voice session at a time: it captures audio, streams it to
// recognition, speaks agent replies and resolves barge-in.
type Service struct {
	logger  shared.LoggerAdapter
	source  audio.Source
	sink    tts.Sink
	dialer  stt.Dialer
	client  tts.StreamingClient
	decoder tts.Decoder
	clock   clockwork.Clock
	metrics *Metrics
	limiter *rate.Limiter

	pipeline  *audio.Pipeline
	player    *tts.Player
	segmenter *segment.Segmenter
	gate      *echo.Gate

	events shared.Emitter[*Event]

	// textMu keeps ProcessTextChunk calls in order across the key lookup.
	textMu sync.Mutex

	mu            sync.Mutex
	cfg           Config
	state         State
	epoch         uint64
	sessionID     string
	startedAt     time.Time
	partial       string
	lastErr       *shared.VoiceError
	token         string
	apiKey        string
	link          *stt.Link
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	onMessage     func(text string)
	destroyed     bool
}

// NewService validates cfg and builds the components. Nothing is opened
// until StartSession.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	merged, err := MergeConfig(cfg)
	if err != nil {
		return nil, err
	}
	s := &Service{cfg: merged, state: StateIdle}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = shared.OrNop(s.logger).With(zap.String("component", "voice"))
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.source == nil {
		s.source = audio.NewMicrophone(s.logger)
	}
	if s.sink == nil {
		s.sink = tts.NewOtoSink(0, 0)
	}
	if s.dialer == nil {
		s.dialer = stt.NewWebSocketDialer()
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(DefaultReconnectRate, DefaultReconnectBurst)
	}
	s.events.SetLogger(s.logger)

	s.pipeline = audio.NewPipeline(s.source, audio.Options{
		TargetSampleRate: merged.SampleRate,
		VADThreshold:     merged.VADThreshold,
		SilenceTimeout:   merged.silenceTimeout(),
		Constraints: audio.Constraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Clock:  s.clock,
		Logger: s.logger,
	})
	gateOpts := merged.gateOptions()
	gateOpts.Clock = s.clock
	s.gate = echo.New(gateOpts)
	s.segmenter = segment.New()
	s.player = tts.NewPlayer(tts.PlayerOptions{
		Client:  s.client,
		Decoder: s.decoder,
		Sink:    s.sink,
		Clock:   s.clock,
		Logger:  s.logger,
	})

	s.pipeline.OnFrame(s.handleFrame)
	s.pipeline.OnVoiceActivity(s.handleVoiceActivity)
	s.pipeline.OnError(s.handleCaptureError)
	s.player.OnDrained(s.handleDrained)
	s.player.OnError(func(err *shared.VoiceError) {
		s.logger.Debug("synthesis entry failed", zap.String("code", string(err.Code())))
	})
	return s, nil
}

// On subscribes h to events of type t.
func (s *Service) On(t EventType, h EventHandler) (off func()) {
	return s.events.On(func(e *Event) {
		if e.Type == t {
			h(e)
		}
	})
}

// Once subscribes h to the next event of type t.
func (s *Service) Once(t EventType, h EventHandler) (off func()) {
	var once sync.Once
	var unsubscribe func()
	var mu sync.Mutex
	mu.Lock()
	defer mu.Unlock()
	unsubscribe = s.events.On(func(e *Event) {
		if e.Type != t {
			return
		}
		once.Do(func() {
			mu.Lock()
			off := unsubscribe
			mu.Unlock()
			off()
			h(e)
		})
	})
	return unsubscribe
}

// RegisterEventHandler subscribes h to every event.
func (s *Service) RegisterEventHandler(h EventHandler) (off func()) {
	return s.events.On(h)
}

// SetMessageCallback sets the receiver of committed transcripts.
func (s *Service) SetMessageCallback(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// SetLanguage changes the language used by later links and synthesis
// requests.
func (s *Service) SetLanguage(code string) {
	code = NormalizeLanguage(code)
	if code == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.LanguageCode = code
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Session returns a snapshot of the active session.
func (s *Service) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		return Session{}, false
	}
	return Session{
		ID:                s.sessionID,
		State:             s.state,
		StartedAt:         s.startedAt,
		Config:            s.cfg,
		PartialTranscript: s.partial,
		Playing:           s.player.IsPlaying(),
		LastError:         s.lastErr,
	}, true
}

// StartSession acquires a recognition token, opens the microphone and
// connects recognition. Link events are consumed only after the link is up,
// so a rejected first connection never reaches the reconnect path. Any
// failure leaves the Service in the error state until EndSession.
func (s *Service) StartSession(ctx context.Context) (Session, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return Session{}, shared.ErrServiceDestroyed
	}
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return Session{}, shared.NewError(
			shared.CodeUnknown,
			fmt.Sprintf("cannot start session in state %s", state),
			shared.ErrSessionAlreadyRunning,
		)
	}
	s.epoch++
	epoch := s.epoch
	s.sessionCtx, s.cancelSession = context.WithCancel(context.Background())
	cfg := s.cfg
	evs := s.setStateLocked(StateInitializing, nil)
	s.mu.Unlock()
	s.dispatch(evs)

	token, err := s.fetchToken(ctx, cfg)
	if err != nil {
		return Session{}, s.failStart(epoch, nil, err)
	}
	if err := s.pipeline.Start(ctx); err != nil {
		return Session{}, s.failStart(epoch, nil, err)
	}
	link := stt.NewLink(cfg.sttConfig(), token, s.dialer, s.logger, s.clock)
	if err := link.Connect(ctx); err != nil {
		return Session{}, s.failStart(epoch, nil, err)
	}

	s.mu.Lock()
	if s.epoch != epoch || s.state != StateInitializing {
		s.mu.Unlock()
		return Session{}, s.failStart(epoch, link, shared.NewError(
			shared.CodeUnknown,
			"session ended while starting",
			shared.ErrNoActiveSession,
		))
	}
	s.link = link
	s.token = token
	s.sessionID = "voice-" + uuid.NewString()
	s.startedAt = s.clock.Now()
	evs = s.setStateLocked(StateListening, nil)
	evs = append(evs,
		&Event{Type: EventTypeSessionStarted, Param: &EventParamSessionStarted{ID: s.sessionID, StartedAt: s.startedAt}},
		&Event{Type: EventTypeListeningStarted, Param: &EventParamEmpty{}},
	)
	session := s.snapshotLocked()
	s.mu.Unlock()

	go s.consume(link, epoch)
	s.metrics.recordSession(true)
	s.logger.Info("voice session started", zap.String("session", session.ID), zap.String("link", link.SessionID()))
	s.dispatch(evs)
	return session, nil
}

func (s *Service) fetchToken(ctx context.Context, cfg Config) (string, error) {
	token, err := cfg.GetToken(ctx)
	if err != nil {
		return "", shared.AsVoiceError(err, shared.CodeSTTAuthFailed)
	}
	if token == "" {
		return "", shared.NewError(shared.CodeSTTAuthFailed, "token provider returned an empty token", nil)
	}
	return token, nil
}

// failStart releases what StartSession acquired and reports err. The state
// only moves to error when the start has not been superseded by EndSession.
func (s *Service) failStart(epoch uint64, link *stt.Link, err error) error {
	ve := shared.AsVoiceError(err, shared.CodeUnknown)
	s.metrics.recordSession(false)
	s.logger.Error("starting voice session", err)

	s.mu.Lock()
	current := s.epoch == epoch
	// A newer session owns the pipeline unless the service went back to idle.
	release := current || s.state == StateIdle
	var evs []*Event
	if current {
		evs = s.setStateLocked(StateError, nil)
		evs = s.errorLocked(ve, evs)
	}
	s.mu.Unlock()

	if release {
		s.pipeline.Stop()
	}
	if link != nil {
		if derr := link.Disconnect(); derr != nil {
			s.logger.Debug("disconnecting recognition link", zap.Error(derr))
		}
	}
	s.dispatch(evs)
	return ve
}

// EndSession releases every session resource, rejects pending synthesis and
// returns to idle. It also clears an error state.
func (s *Service) EndSession() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return shared.ErrServiceDestroyed
	}
	if s.state == StateIdle {
		s.mu.Unlock()
		return shared.ErrNoActiveSession
	}
	s.epoch++
	if s.cancelSession != nil {
		s.cancelSession()
		s.sessionCtx, s.cancelSession = nil, nil
	}
	link := s.link
	id := s.sessionID
	var duration time.Duration
	if !s.startedAt.IsZero() {
		duration = s.clock.Since(s.startedAt)
	}
	s.link = nil
	s.sessionID = ""
	s.startedAt = time.Time{}
	s.partial = ""
	s.lastErr = nil
	s.token = ""
	s.apiKey = ""
	s.player.Stop(true, false)
	s.segmenter.Clear()
	s.gate.Reset()
	evs := s.setStateLocked(StateIdle, nil)
	evs = append(evs,
		&Event{Type: EventTypeSessionEnded, Param: &EventParamSessionEnded{SessionID: id, Duration: duration}},
		&Event{Type: EventTypeListeningStopped, Param: &EventParamEmpty{}},
	)
	s.mu.Unlock()

	s.pipeline.Stop()
	if link != nil {
		if err := link.Disconnect(); err != nil {
			s.logger.Warn("disconnecting recognition link", zap.Error(err))
		}
	}
	s.logger.Info("voice session ended", zap.String("session", id), zap.Duration("duration", duration))
	s.dispatch(evs)
	return nil
}

// ProcessTextChunk feeds agent text into synthesis. Fragments that should
// not be spoken are skipped; isComplete flushes whatever is buffered.
func (s *Service) ProcessTextChunk(text string, isComplete bool) error {
	s.textMu.Lock()
	defer s.textMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return shared.ErrServiceDestroyed
	}
	switch s.state {
	case StateListening, StateProcessing, StateSpeaking:
	default:
		s.mu.Unlock()
		return shared.ErrNoActiveSession
	}
	ctx := s.sessionCtx
	var chunks []string
	if IsSpeakable(text) {
		if chunk, ok := s.segmenter.Add(text); ok {
			chunks = append(chunks, chunk)
		}
	}
	if isComplete {
		if chunk, ok := s.segmenter.Flush(); ok {
			chunks = append(chunks, chunk)
		}
	}
	chunks = slices.DeleteFunc(chunks, func(c string) bool { return !IsSpeakable(c) })
	s.mu.Unlock()
	if len(chunks) == 0 {
		return nil
	}

	apiKey, err := s.resolveAPIKey(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.sessionCtx != ctx {
		s.mu.Unlock()
		return shared.ErrNoActiveSession
	}
	var evs []*Event
	for _, chunk := range chunks {
		evs = s.speakLocked(chunk, apiKey, evs)
	}
	s.mu.Unlock()
	s.dispatch(evs)
	return nil
}

// resolveAPIKey returns the cached synthesis key or asks the provider.
func (s *Service) resolveAPIKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	key := s.apiKey
	provider := s.cfg.GetAPIKey
	s.mu.Unlock()
	if key != "" {
		return key, nil
	}
	key, err := provider(ctx)
	if err == nil && key == "" {
		err = shared.ErrNoAPIKey
	}
	if err != nil {
		ve := shared.AsVoiceError(err, shared.CodeTTSGenerationFailed)
		s.mu.Lock()
		evs := s.errorLocked(ve, nil)
		s.mu.Unlock()
		s.dispatch(evs)
		return "", ve
	}
	s.mu.Lock()
	if s.sessionCtx == ctx {
		s.apiKey = key
	}
	s.mu.Unlock()
	return key, nil
}

func (s *Service) speakLocked(text, apiKey string, evs []*Event) []*Event {
	s.gate.OnTTSStarted()
	evs = s.setStateLocked(StateSpeaking, evs)
	evs = append(evs, &Event{Type: EventTypeSpeakingStarted, Param: &EventParamText{Text: text}})
	h := s.player.Speak(text, s.cfg.ttsOptions(apiKey))
	go s.awaitSpeech(h, s.epoch, s.clock.Now())
	return evs
}

// awaitSpeech reports a failed entry. Entries rejected by a stop are
// expected after barge-in or session end and stay silent.
func (s *Service) awaitSpeech(h *tts.Handle, epoch uint64, enqueued time.Time) {
	err := h.Wait(context.Background())
	switch {
	case err == nil:
		s.metrics.recordSynthesis("ok", s.clock.Since(enqueued))
		return
	case errors.Is(err, tts.ErrPlaybackStopped):
		s.metrics.recordSynthesis("stopped", 0)
		return
	}
	s.metrics.recordSynthesis("error", 0)
	ve := shared.AsVoiceError(err, shared.CodeTTSGenerationFailed)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	if ve.Code() == shared.CodeTokenExpired {
		s.apiKey = ""
	}
	evs := s.errorLocked(ve, nil)
	s.mu.Unlock()
	s.dispatch(evs)
}

// StopSpeaking silences synthesis and drops buffered text. A default stop
// fades out; immediate halts at once.
func (s *Service) StopSpeaking(immediate bool) {
	s.mu.Lock()
	s.player.Stop(immediate, false)
	s.segmenter.Clear()
	var evs []*Event
	if s.state == StateSpeaking {
		s.gate.OnTTSStopped()
		evs = s.setStateLocked(StateListening, nil)
		evs = append(evs,
			&Event{Type: EventTypeSpeakingEnded, Param: &EventParamEmpty{}},
			&Event{Type: EventTypeListeningStarted, Param: &EventParamEmpty{}},
		)
	}
	s.mu.Unlock()
	s.dispatch(evs)
}

// Destroy ends any session and releases the devices. The Service cannot be
// used afterwards.
func (s *Service) Destroy() {
	if err := s.EndSession(); err != nil && !errors.Is(err, shared.ErrNoActiveSession) {
		return
	}
	s.mu.Lock()
	s.destroyed = true
	s.onMessage = nil
	s.mu.Unlock()
	s.pipeline.Destroy()
	s.player.Destroy()
	s.gate.Destroy()
	s.events.Clear()
}

func (s *Service) handleFrame(f audio.Frame) {
	s.mu.Lock()
	if s.state == StateSpeaking && s.cfg.BargeInEnabled() {
		// Compared against the gate's threshold, which is elevated during
		// playback, instead of the frame's own voice flag.
		if s.gate.ShouldTriggerBargeIn(f.Energy > s.gate.BargeInThreshold()) {
			evs := s.bargeInLocked()
			s.mu.Unlock()
			s.dispatch(evs)
			return
		}
	}
	link := s.link
	forward := s.gate.ShouldForwardAudio()
	s.mu.Unlock()

	if !forward || link == nil || !link.IsConnected() {
		return
	}
	if err := link.SendAudio(f.Base64(), f.SampleRate, false); err != nil {
		s.logger.Debug("forwarding audio frame", zap.Error(err))
	}
}

func (s *Service) bargeInLocked() []*Event {
	s.logger.Info("barge-in detected", zap.String("session", s.sessionID))
	evs := s.setStateLocked(StateListening, nil)
	s.player.Stop(false, true)
	s.segmenter.Clear()
	s.gate.OnBargeInDetected()
	s.pipeline.ResetSpeakingState()
	s.metrics.recordBargeIn()
	return append(evs, &Event{Type: EventTypeBargeIn, Param: &EventParamEmpty{}})
}

func (s *Service) handleVoiceActivity(a audio.VoiceActivity) {
	if a.Kind != audio.SpeakingStarted {
		return
	}
	s.mu.Lock()
	var evs []*Event
	if s.state == StateListening {
		evs = s.setStateLocked(StateProcessing, nil)
	}
	s.mu.Unlock()
	s.dispatch(evs)
}

func (s *Service) handleCaptureError(err *shared.VoiceError) {
	s.mu.Lock()
	if s.sessionID == "" {
		s.mu.Unlock()
		return
	}
	evs := s.errorLocked(err, nil)
	if !err.Recoverable() {
		evs = s.setStateLocked(StateError, evs)
	}
	s.mu.Unlock()
	s.dispatch(evs)
}

// handleDrained may run after a newer reply was queued, since the player
// emits drained outside its lock. That reply keeps the gate and the state.
func (s *Service) handleDrained() {
	s.mu.Lock()
	if s.player.Pending() > 0 {
		s.mu.Unlock()
		return
	}
	s.gate.OnTTSStopped()
	var evs []*Event
	if s.state == StateSpeaking {
		evs = s.setStateLocked(StateListening, nil)
		evs = append(evs,
			&Event{Type: EventTypeSpeakingEnded, Param: &EventParamEmpty{}},
			&Event{Type: EventTypeListeningStarted, Param: &EventParamEmpty{}},
		)
	}
	s.mu.Unlock()
	s.dispatch(evs)
}

// consume processes one link's events in arrival order until it closes.
func (s *Service) consume(link *stt.Link, epoch uint64) {
	for ev := range link.Events() {
		switch ev.Kind {
		case stt.EventPartial:
			s.handlePartial(link, ev.Text)
		case stt.EventCommitted:
			s.handleCommitted(link, ev.Text)
		case stt.EventError:
			s.handleRecognitionError(link, ev.Err)
		case stt.EventClosed:
			s.handleClosed(link, epoch, ev.CloseCode, ev.CloseReason)
		}
	}
}

func (s *Service) handlePartial(link *stt.Link, text string) {
	s.mu.Lock()
	if s.link != link {
		s.mu.Unlock()
		return
	}
	s.partial = text
	s.mu.Unlock()
	s.dispatch([]*Event{{Type: EventTypeTranscriptPartial, Param: &EventParamText{Text: text}}})
}

func (s *Service) handleCommitted(link *stt.Link, text string) {
	text = strings.TrimSpace(text)
	s.mu.Lock()
	if s.link != link {
		s.mu.Unlock()
		return
	}
	var evs []*Event
	var callback func(string)
	if text != "" {
		s.partial = ""
		callback = s.onMessage
		evs = append(evs, &Event{Type: EventTypeTranscriptCommitted, Param: &EventParamText{Text: text}})
	}
	var after []*Event
	// While speaking, the player still owns the state and barge-in is only
	// evaluated in speaking, so the drained or stop path moves to listening.
	if s.state == StateListening || s.state == StateProcessing {
		after = s.setStateLocked(StateListening, nil)
	}
	s.mu.Unlock()

	s.dispatch(evs)
	if callback != nil {
		s.deliverMessage(callback, text)
	}
	s.dispatch(after)
}

func (s *Service) deliverMessage(fn func(string), text string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message callback panicked", fmt.Errorf("%v", r))
		}
	}()
	fn(text)
}

func (s *Service) handleRecognitionError(link *stt.Link, err *shared.VoiceError) {
	s.mu.Lock()
	if s.link != link {
		s.mu.Unlock()
		return
	}
	evs := s.errorLocked(err, nil)
	s.mu.Unlock()
	s.dispatch(evs)
}

// handleClosed replaces a link that closed during an active session. An
// authentication rejection is final; other closures get one reconnect
// attempt each, bounded by the limiter.
func (s *Service) handleClosed(link *stt.Link, epoch uint64, code int, reason string) {
	s.mu.Lock()
	if s.link != link || s.epoch != epoch || !s.state.reconnectable() {
		s.mu.Unlock()
		return
	}
	s.link = nil
	var fail *shared.VoiceError
	switch {
	case code == stt.ClosePolicyViolation:
		fail = shared.NewError(
			shared.CodeSTTAuthFailed,
			strings.TrimSpace("Recognition service rejected authentication (1008) "+reason),
			nil,
		)
		s.metrics.recordReconnect("skipped")
	case !s.limiter.AllowN(s.clock.Now(), 1):
		fail = shared.NewError(
			shared.CodeSTTConnectionFailed,
			"Recognition channel keeps closing; reconnect limit reached",
			nil,
		)
		s.metrics.recordReconnect("limited")
	}
	if fail != nil {
		evs := s.errorLocked(fail, nil)
		evs = s.setStateLocked(StateError, evs)
		s.mu.Unlock()
		s.dispatch(evs)
		return
	}
	ctx := s.sessionCtx
	cfg := s.cfg
	s.mu.Unlock()

	s.logger.Warn("recognition channel closed, reconnecting", zap.Int("code", code), zap.String("reason", reason))
	s.reconnect(ctx, cfg, epoch)
}

func (s *Service) reconnect(ctx context.Context, cfg Config, epoch uint64) {
	token, err := s.fetchToken(ctx, cfg)
	var next *stt.Link
	if err == nil {
		next = stt.NewLink(cfg.sttConfig(), token, s.dialer, s.logger, s.clock)
		err = next.Connect(ctx)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		if next != nil && err == nil {
			_ = next.Disconnect()
		}
		return
	}
	if err != nil {
		s.metrics.recordReconnect("error")
		evs := s.errorLocked(shared.AsVoiceError(err, shared.CodeSTTConnectionFailed), nil)
		evs = s.setStateLocked(StateError, evs)
		s.mu.Unlock()
		s.dispatch(evs)
		return
	}
	s.link = next
	s.token = token
	s.mu.Unlock()

	s.metrics.recordReconnect("ok")
	s.logger.Info("recognition link reconnected", zap.String("link", next.SessionID()))
	go s.consume(next, epoch)
}

func (s *Service) setStateLocked(to State, evs []*Event) []*Event {
	from := s.state
	if from == to {
		return evs
	}
	s.state = to
	s.metrics.recordTransition(from, to)
	s.logger.Debug("state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	return append(evs, &Event{Type: EventTypeStateChanged, Param: &EventParamStateChanged{State: to, PreviousState: from}})
}

func (s *Service) errorLocked(err *shared.VoiceError, evs []*Event) []*Event {
	s.lastErr = err
	s.metrics.recordError(err.Code())
	return append(evs, &Event{Type: EventTypeError, Param: newErrorParam(err)})
}

func (s *Service) snapshotLocked() Session {
	return Session{
		ID:                s.sessionID,
		State:             s.state,
		StartedAt:         s.startedAt,
		Config:            s.cfg,
		PartialTranscript: s.partial,
		LastError:         s.lastErr,
	}
}

func (s *Service) dispatch(evs []*Event) {
	for _, e := range evs {
		s.events.Emit(e)
	}
}
