package agents

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	voice "github.com/bt-bridge/voice-core"
	"github.com/bt-bridge/voice-core/audio"
	"github.com/bt-bridge/voice-core/shared"
	"github.com/bt-bridge/voice-core/tts"
	"github.com/goccy/go-yaml"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Commands typed on the reply stream. Any other line is spoken.
const (
	CommandListen = "/listen"
	CommandEnd    = "/end"
	CommandStop   = "/stop"
	CommandQuit   = "/quit"
)

// CLIAgent runs a voice session in a terminal. Lines read from the reply
// stream stand in for agent text and are spoken back.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	svc     *voice.Service
	echo    bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Spawn builds the service and starts the agent loop. With echo set, every
// committed transcript is spoken back as the reply.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg voice.Config,
	printer *shared.Printer,
	replies io.Reader,
	echo bool,
	opts ...voice.Option,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if replies == nil {
		return errors.New("no reply stream provided")
	}
	a.logger = logger
	a.printer = printer
	a.echo = echo
	a.logger.Info("spawning CLI agent")
	if err := a.printer.Writeln("🤖 Spawning CLI agent...\n", 0); err != nil {
		a.logger.Error("printing spawning message", err)
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		a.logger.Error("marshaling voice config to yaml", err)
		return err
	}
	if err := a.printer.Block("📋 Voice Config", string(yamlBytes), 0); err != nil {
		a.logger.Error("printing voice config", err)
	}

	opts = append([]voice.Option{
		voice.WithLogger(a.logger),
		voice.WithAudioSource(audio.NewMicrophone(a.logger)),
		voice.WithAudioSink(tts.NewOtoSink(0, 0)),
	}, opts...)
	a.svc, err = voice.NewService(cfg, opts...)
	if err != nil {
		a.logger.Error("creating voice service", err)
		a.printError(err)
		return err
	}
	a.svc.RegisterEventHandler(a.printEvent)
	a.svc.SetMessageCallback(a.onTranscript)

	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	if a.svc.Config().AutoListenEnabled() {
		a.listen(ctx)
	} else if err := a.printer.Writeln("⌨️  Type "+CommandListen+" to start listening.\n", 0); err != nil {
		a.logger.Error("printing listen hint", err)
	}

	lines := make(chan string)
	go func() {
		// stdin cannot be interrupted, so this reader is left behind on exit.
		scanner := bufio.NewScanner(replies)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			a.logger.Warn("reading replies", zap.Error(err))
		}
		close(lines)
	}()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := a.handleLine(gctx, line); quit {
					cancel()
					return nil
				}
			}
		}
	})
	go func() {
		if err := group.Wait(); err != nil {
			a.logger.Error("running CLI agent", err)
		}
		a.svc.Destroy()
		a.logger.Info("CLI agent stopped")
		close(a.done)
	}()
	return nil
}

func (a *CLIAgent) handleLine(ctx context.Context, line string) (quit bool) {
	switch strings.TrimSpace(line) {
	case CommandQuit:
		return true
	case CommandListen:
		a.listen(ctx)
	case CommandEnd:
		if err := a.svc.EndSession(); err != nil {
			a.logger.Warn("ending session", zap.Error(err))
		}
	case CommandStop:
		a.svc.StopSpeaking(false)
	default:
		if err := a.svc.ProcessTextChunk(line, true); err != nil {
			a.logger.Warn("speaking reply", zap.Error(err))
			a.printError(err)
		}
	}
	return false
}

func (a *CLIAgent) listen(ctx context.Context) {
	if err := a.printer.Writeln("🎤 Accessing microphone...", 0); err != nil {
		a.logger.Error("printing microphone access message", err)
	}
	session, err := a.svc.StartSession(ctx)
	if err != nil {
		a.logger.Error("starting voice session", err)
		a.printError(err)
		return
	}
	a.logger.Info("voice session started", zap.String("session", session.ID))
}

func (a *CLIAgent) onTranscript(text string) {
	if err := a.printer.Writeln("🗣️  "+text, 1); err != nil {
		a.logger.Error("printing transcript", err)
	}
	if !a.echo {
		return
	}
	if err := a.svc.ProcessTextChunk(text, true); err != nil {
		a.logger.Warn("echoing transcript", zap.Error(err))
	}
}

func (a *CLIAgent) printEvent(event *voice.Event) {
	if event.Type == voice.EventTypeTranscriptPartial {
		a.logger.Trace("partial transcript", zap.Any("param", event.Param.Json()))
		return
	}
	body, err := event.MarshalYAML()
	if err != nil {
		a.logger.Error("marshaling event to yaml", err)
		return
	}
	if err := a.printer.Block("📨 "+string(event.Type), string(body), 0); err != nil {
		a.logger.Error("printing event", err)
	}
}

func (a *CLIAgent) printError(err error) {
	ve := shared.AsVoiceError(err, shared.CodeUnknown)
	msg := "❌ " + ve.Message()
	if s := ve.Suggestion(); s != "" {
		msg += "\n" + s
	}
	if !ve.Recoverable() {
		msg += "\n(not recoverable)"
	}
	if werr := a.printer.Writeln(msg+"\n", 0); werr != nil {
		a.logger.Error("printing error", werr)
	}
}

// Done is closed once the agent has released the service.
func (a *CLIAgent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Close stops the agent. Wait on Done for the shutdown to finish.
func (a *CLIAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return errors.New("agent not spawned")
	}
	a.cancel()
	return nil
}
