package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const eventBuffer = 64

var errLinkInUse = errors.New("link already connecting or closed")

// Link is one recognition session over a DuplexChannel. It is single use:
// after Disconnect or a failed Connect a new Link must be created.
type Link struct {
	cfg    Config
	token  string
	dialer Dialer
	logger shared.LoggerAdapter
	clock  clockwork.Clock

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	ch        DuplexChannel
	dialing   bool
	connected bool
	sessionID string
}

func NewLink(cfg Config, token string, dialer Dialer, logger shared.LoggerAdapter, clock clockwork.Clock) *Link {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Link{
		cfg:    cfg.withDefaults(),
		token:  token,
		dialer: dialer,
		logger: shared.OrNop(logger).With(zap.String("component", "stt")),
		clock:  clock,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Connect opens the channel and blocks until the service acknowledges the
// session. Failures are returned as *shared.VoiceError.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	if l.dialing || l.isDone() {
		l.mu.Unlock()
		return shared.NewError(shared.CodeSTTConnectionFailed, "", errLinkInUse)
	}
	l.dialing = true
	l.mu.Unlock()

	url, err := BuildURL(l.cfg, l.token)
	if err != nil {
		l.shutdown()
		close(l.events)
		return shared.NewError(shared.CodeSTTConnectionFailed, "", err)
	}

	connectCtx, cancel := clockwork.WithTimeout(ctx, l.clock, l.cfg.ConnectTimeout)
	defer cancel()

	ch, err := l.dialer.Dial(connectCtx, url)
	if err != nil {
		l.shutdown()
		close(l.events)
		if !expired(ctx) && expired(connectCtx) {
			return shared.NewError(shared.CodeSTTConnectionFailed, "STT connection timed out", err)
		}
		return shared.NewError(DialErrorCode(err), fmt.Sprintf("Failed to open recognition channel: %v", err), err)
	}

	l.mu.Lock()
	l.ch = ch
	l.mu.Unlock()

	ack := make(chan error, 1)
	go l.readLoop(ch, ack)

	select {
	case err := <-ack:
		if err != nil {
			l.shutdown()
			_ = ch.Close(CloseNormal, "")
			return err
		}
		l.logger.Info("recognition session started", zap.String("sessionId", l.SessionID()))
		return nil
	case <-connectCtx.Done():
		l.shutdown()
		_ = ch.Close(CloseNormal, "")
		if expired(ctx) {
			return shared.NewError(shared.CodeSTTConnectionFailed, "STT connection cancelled", ctx.Err())
		}
		return shared.NewError(shared.CodeSTTConnectionFailed, "STT connection timed out", connectCtx.Err())
	}
}

// expired polls ctx. Err on a fake clock context blocks until the context is
// done, so it is only read after Done has fired.
func expired(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Events is the ordered inbound stream. Messages arriving before the consumer
// starts are buffered. The last event is EventClosed, after which the channel
// is closed.
func (l *Link) Events() <-chan Event {
	return l.events
}

// SendAudio forwards one base64 PCM16 chunk. It is a no-op until the session
// is acknowledged and after disconnect.
func (l *Link) SendAudio(audioBase64 string, sampleRate int, commit bool) error {
	l.mu.Lock()
	ch, connected := l.ch, l.connected
	l.mu.Unlock()
	if !connected || ch == nil {
		return nil
	}
	data, err := EncodeAudioChunk(audioBase64, sampleRate, commit)
	if err != nil {
		return err
	}
	if err := ch.WriteMessage(data); err != nil {
		return fmt.Errorf("writing audio chunk: %w", err)
	}
	return nil
}

// Commit forces the service to finalize the pending utterance.
func (l *Link) Commit() error {
	return l.SendAudio("", CanonicalSampleRate, true)
}

// Disconnect closes the channel with a normal closure. It is idempotent.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()
	if !l.shutdown() || ch == nil {
		return nil
	}
	if err := ch.Close(CloseNormal, "Client disconnect"); err != nil {
		return fmt.Errorf("closing recognition channel: %w", err)
	}
	return nil
}

func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Link) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// shutdown marks the link closed and reports whether this call did so.
func (l *Link) shutdown() (first bool) {
	l.closeOnce.Do(func() {
		first = true
		l.mu.Lock()
		l.connected = false
		l.mu.Unlock()
		close(l.done)
	})
	return
}

func (l *Link) isDone() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Link) readLoop(ch DuplexChannel, ack chan<- error) {
	defer close(l.events)
	settled := false
	settle := func(err error) {
		if !settled {
			settled = true
			ack <- err
		}
	}
	for {
		data, err := ch.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			if l.isDone() {
				code, reason = CloseNormal, "Client disconnect"
			}
			l.mu.Lock()
			l.connected = false
			l.mu.Unlock()
			settle(closedBeforeStart(code, reason, err))
			l.logger.Debug("recognition channel closed", zap.Int("code", code), zap.String("reason", reason))
			l.push(Event{Kind: EventClosed, CloseCode: code, CloseReason: reason})
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			l.logger.Warn("dropping malformed message", zap.Error(err), zap.ByteString("data", data))
			continue
		}
		ev, ok := msg.ToEvent()
		if !ok {
			l.logger.Trace("ignoring message", zap.String("type", string(msg.Type)))
			continue
		}
		if !settled {
			switch ev.Kind {
			case EventSession:
				l.mu.Lock()
				l.connected = !l.isDone()
				l.sessionID = ev.SessionID
				l.mu.Unlock()
				settle(nil)
			case EventError:
				settle(ev.Err)
				continue
			}
		}
		l.push(ev)
	}
}

func closedBeforeStart(code int, reason string, err error) *shared.VoiceError {
	detail := ""
	if reason != "" {
		detail = fmt.Sprintf(" (%s)", reason)
	}
	if code == ClosePolicyViolation {
		return shared.NewError(
			shared.CodeSTTAuthFailed,
			fmt.Sprintf("Recognition service rejected authentication (1008)%s", detail),
			err,
		)
	}
	return shared.NewError(
		shared.CodeSTTConnectionFailed,
		fmt.Sprintf("Channel closed before session start: %d%s", code, detail),
		err,
	)
}

// push delivers ev in order. Once the link is shut down it only delivers
// while buffer space remains.
func (l *Link) push(ev Event) {
	select {
	case l.events <- ev:
		return
	default:
	}
	select {
	case l.events <- ev:
	case <-l.done:
		l.logger.Debug("dropping event after disconnect", zap.Stringer("kind", ev.Kind))
	}
}
