package agents

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	voice "github.com/bt-bridge/voice-core"
	"github.com/bt-bridge/voice-core/audio"
	"github.com/bt-bridge/voice-core/shared"
	"github.com/bt-bridge/voice-core/stt"
	"github.com/bt-bridge/voice-core/tools"
	"github.com/bt-bridge/voice-core/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = time.Millisecond
)

type bufferHook struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *bufferHook) WriteString(s string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.WriteString(s)
}

func (b *bufferHook) Close() error { return nil }

func (b *bufferHook) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	agent  *CLIAgent
	out    *bufferHook
	input  *io.PipeWriter
	dialer *stt.MockDialer
	client *tts.MockClient
}

func spawn(t *testing.T, autoListen, echo bool) *fixture {
	t.Helper()
	f := &fixture{
		agent:  new(CLIAgent),
		out:    &bufferHook{},
		dialer: stt.NewMockDialer(),
		client: tts.NewMockClient(tts.PCMResponder(tools.PCM16ToBytes(make([]int16, 240)))),
	}
	f.dialer.OnDial(func(ch *stt.MockChannel) { ch.Start("stt-session") })
	printer, err := shared.NewPrinter("", f.out)
	require.NoError(t, err)

	cfg := voice.Config{
		VoiceID:     "voice-1",
		AudioFormat: "pcm_24000",
		AutoListen:  voice.Bool(autoListen),
		GetToken:    func(context.Context) (string, error) { return "tok", nil },
		GetAPIKey:   func(context.Context) (string, error) { return "key", nil },
	}
	replies, input := io.Pipe()
	f.input = input
	err = f.agent.Spawn(
		context.Background(), shared.NewNopLogger(), cfg, printer, replies, echo,
		voice.WithAudioSource(audio.NewMockSource()),
		voice.WithAudioSink(tts.NewMockSink(false)),
		voice.WithDialer(f.dialer),
		voice.WithStreamingClient(f.client),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.agent.Close()
		_ = input.Close()
		<-f.agent.Done()
	})
	return f
}

func (f *fixture) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(f.input, line+"\n")
	require.NoError(t, err)
}

func (f *fixture) waitState(t *testing.T, want voice.State) {
	t.Helper()
	assert.Eventually(t, func() bool { return f.agent.svc.State() == want }, waitFor, tick, "state %s", want)
}

func TestCLIAgentSpawnRejectsMissingInputs(t *testing.T) {
	printer, err := shared.NewPrinter("", &bufferHook{})
	require.NoError(t, err)
	cfg := voice.DefaultConfig()

	tests := []struct {
		name    string
		logger  shared.LoggerAdapter
		printer *shared.Printer
		replies io.Reader
	}{
		{"no logger", nil, printer, strings.NewReader("")},
		{"no printer", shared.NewNopLogger(), nil, strings.NewReader("")},
		{"no replies", shared.NewNopLogger(), printer, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := new(CLIAgent).Spawn(context.Background(), tt.logger, cfg, tt.printer, tt.replies, false)
			assert.Error(t, err)
		})
	}
}

func TestCLIAgentSpawnRejectsInvalidConfig(t *testing.T) {
	out := &bufferHook{}
	printer, err := shared.NewPrinter("", out)
	require.NoError(t, err)

	err = new(CLIAgent).Spawn(
		context.Background(), shared.NewNopLogger(), voice.Config{}, printer, strings.NewReader(""), false,
	)
	require.Error(t, err)
	assert.Equal(t, shared.CodeUnknown, shared.CodeOf(err))
	assert.Contains(t, out.String(), "❌")
}

func TestCLIAgentCommands(t *testing.T) {
	f := spawn(t, false, false)
	assert.Equal(t, voice.StateIdle, f.agent.svc.State())
	assert.Contains(t, f.out.String(), CommandListen)

	f.send(t, CommandListen)
	f.waitState(t, voice.StateListening)
	assert.Eventually(t, func() bool {
		return strings.Contains(f.out.String(), string(voice.EventTypeSessionStarted))
	}, waitFor, tick)

	f.send(t, "Hello from the agent.")
	assert.Eventually(t, func() bool { return len(f.client.Requests()) == 1 }, waitFor, tick)
	assert.Contains(t, string(f.client.Requests()[0].Body), "Hello from the agent.")

	f.send(t, CommandEnd)
	f.waitState(t, voice.StateIdle)

	f.send(t, CommandQuit)
	select {
	case <-f.agent.Done():
	case <-time.After(waitFor):
		t.Fatal("agent did not stop on quit")
	}
}

func TestCLIAgentRejectsTextWithoutSession(t *testing.T) {
	f := spawn(t, false, false)

	f.send(t, "Nobody is listening.")
	assert.Eventually(t, func() bool { return strings.Contains(f.out.String(), "❌") }, waitFor, tick)
	assert.Empty(t, f.client.Requests())
}

func TestCLIAgentEchoesTranscripts(t *testing.T) {
	f := spawn(t, true, true)
	f.waitState(t, voice.StateListening)
	ch := f.dialer.Last()
	require.NotNil(t, ch)

	ch.Send(stt.Message{Type: stt.MessageCommittedTranscript, Text: "hello there."})

	assert.Eventually(t, func() bool { return len(f.client.Requests()) == 1 }, waitFor, tick)
	assert.Contains(t, string(f.client.Requests()[0].Body), "hello there.")
	assert.Contains(t, f.out.String(), "🗣️  hello there.")
}

func TestCLIAgentClose(t *testing.T) {
	assert.Error(t, new(CLIAgent).Close())

	f := spawn(t, true, false)
	f.waitState(t, voice.StateListening)
	require.NoError(t, f.agent.Close())
	select {
	case <-f.agent.Done():
	case <-time.After(waitFor):
		t.Fatal("agent did not stop on close")
	}
	assert.Equal(t, voice.StateIdle, f.agent.svc.State())
}
