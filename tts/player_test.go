package tts

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/bt-bridge/voice-core/tools"
	"github.com/bytedance/sonic"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOptions = Options{VoiceID: "voice", APIKey: "key", OutputFormat: "pcm_16000", LanguageCode: "en"}

var tone = tools.PCM16ToBytes(make([]int16, 1600))

type playerEvents struct {
	mu      sync.Mutex
	started []string
	ended   int
	errs    []*shared.VoiceError
	drained int
}

func watchPlayer(p *Player) *playerEvents {
	ev := &playerEvents{}
	p.OnStarted(func(text string) {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		ev.started = append(ev.started, text)
	})
	p.OnEnded(func() {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		ev.ended++
	})
	p.OnError(func(err *shared.VoiceError) {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		ev.errs = append(ev.errs, err)
	})
	p.OnDrained(func() {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		ev.drained++
	})
	return ev
}

func (ev *playerEvents) snapshot() (started []string, ended, errs, drained int) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return append([]string(nil), ev.started...), ev.ended, len(ev.errs), ev.drained
}

func wait(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func decodeRequestBody(t *testing.T, r *Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, sonic.Unmarshal(r.Body, &body))
	return body
}

func TestPlayerSpeaksInOrder(t *testing.T) {
	client := NewMockClient(PCMResponder(tone))
	sink := NewMockSink(false)
	p := NewPlayer(PlayerOptions{Client: client, Sink: sink})
	ev := watchPlayer(p)

	h1 := p.Speak("First.", testOptions)
	h2 := p.Speak("Second.", testOptions)
	require.NoError(t, wait(t, h1))
	require.NoError(t, wait(t, h2))

	require.Eventually(t, func() bool {
		_, _, _, drained := ev.snapshot()
		return drained == 1
	}, time.Second, time.Millisecond)
	started, ended, errs, _ := ev.snapshot()
	assert.Equal(t, []string{"First.", "Second."}, started)
	assert.Equal(t, 2, ended)
	assert.Zero(t, errs)

	played := sink.Played()
	require.Len(t, played, 2)
	assert.Equal(t, 16000, played[0].SampleRate)
	assert.Len(t, played[0].Samples, 1600)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.NotContains(t, decodeRequestBody(t, reqs[0]), "previous_text")
	assert.Equal(t, "First.", decodeRequestBody(t, reqs[1])["previous_text"])
	assert.Equal(t, "Second.", p.PreviousText())
	assert.False(t, p.IsPlaying())
	assert.Zero(t, p.Pending())
}

func TestPlayerFailureRejectsOnlyThatEntry(t *testing.T) {
	tests := []struct {
		name    string
		resp    Responder
		code    shared.ErrorCode
		message string
	}{
		{
			name: "unauthorized",
			resp: func(context.Context, *Request) (*Response, error) {
				return AudioResponse(401, nil), nil
			},
			code:    shared.CodeTokenExpired,
			message: "synthesis request failed with status 401",
		},
		{
			name: "rate limited",
			resp: func(context.Context, *Request) (*Response, error) {
				return AudioResponse(429, []byte(`{"detail":{"message":"busy"}}`)), nil
			},
			code:    shared.CodeRateLimited,
			message: "busy",
		},
		{
			name: "server error",
			resp: func(context.Context, *Request) (*Response, error) {
				return AudioResponse(500, nil), nil
			},
			code:    shared.CodeTTSGenerationFailed,
			message: "synthesis request failed with status 500",
		},
		{
			name: "transport",
			resp: func(context.Context, *Request) (*Response, error) {
				return nil, errors.New("connection refused")
			},
			code: shared.CodeNetworkError,
		},
		{
			name: "undecodable",
			resp: func(context.Context, *Request) (*Response, error) {
				return AudioResponse(200, []byte{1, 2, 3}), nil
			},
			code: shared.CodeTTSGenerationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockClient(func(ctx context.Context, r *Request) (*Response, error) {
				if decodeRequestBody(t, r)["text"] == "Bad." {
					return tt.resp(ctx, r)
				}
				return AudioResponse(200, tone), nil
			})
			p := NewPlayer(PlayerOptions{Client: client, Sink: NewMockSink(false)})
			ev := watchPlayer(p)

			bad := p.Speak("Bad.", testOptions)
			good := p.Speak("Good.", testOptions)

			err := wait(t, bad)
			require.Error(t, err)
			assert.Equal(t, tt.code, shared.CodeOf(err))
			if tt.message != "" {
				assert.Equal(t, tt.message, shared.AsVoiceError(err, shared.CodeUnknown).Message())
			}
			require.NoError(t, wait(t, good))

			require.Eventually(t, func() bool {
				_, _, _, drained := ev.snapshot()
				return drained == 1
			}, time.Second, time.Millisecond)
			_, ended, errs, _ := ev.snapshot()
			assert.Equal(t, 1, ended)
			assert.Equal(t, 1, errs)
		})
	}
}

func TestPlayerStopRejectsEverything(t *testing.T) {
	sink := NewMockSink(true)
	p := NewPlayer(PlayerOptions{Client: NewMockClient(PCMResponder(tone)), Sink: sink})
	ev := watchPlayer(p)

	handles := []*Handle{
		p.Speak("One.", testOptions),
		p.Speak("Two.", testOptions),
		p.Speak("Three.", testOptions),
	}
	<-sink.Started()
	assert.True(t, p.IsPlaying())
	assert.Equal(t, 3, p.Pending())

	p.Stop(true, false)
	for _, h := range handles {
		err := wait(t, h)
		assert.ErrorIs(t, err, ErrPlaybackStopped)
		ve := shared.AsVoiceError(err, shared.CodeUnknown)
		assert.Equal(t, shared.CodeTTSGenerationFailed, ve.Code())
		assert.Equal(t, "Playback stopped", ve.Message())
	}
	assert.False(t, p.IsPlaying())
	assert.Zero(t, p.Pending())
	assert.Equal(t, 1, sink.Halts())
	assert.Equal(t, 1.0, sink.Gain())

	assert.Never(t, func() bool {
		_, _, errs, drained := ev.snapshot()
		return drained > 0 || errs > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Len(t, sink.Played(), 1)
}

func TestPlayerStopCancelsInFlightRequest(t *testing.T) {
	requested := make(chan struct{})
	client := NewMockClient(func(ctx context.Context, r *Request) (*Response, error) {
		close(requested)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := NewPlayer(PlayerOptions{Client: client, Sink: NewMockSink(false)})
	ev := watchPlayer(p)

	h := p.Speak("Slow.", testOptions)
	<-requested
	p.Stop(true, false)
	assert.ErrorIs(t, wait(t, h), ErrPlaybackStopped)

	time.Sleep(20 * time.Millisecond)
	_, _, errs, drained := ev.snapshot()
	assert.Zero(t, errs)
	assert.Zero(t, drained)
}

func TestPlayerStopAbortsStalledStream(t *testing.T) {
	stalled, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })
	go func() { _, _ = w.Write(tone[:64]) }()

	var calls sync.Mutex
	first := true
	client := NewMockClient(func(ctx context.Context, r *Request) (*Response, error) {
		calls.Lock()
		defer calls.Unlock()
		if first {
			first = false
			return &Response{StatusCode: 200, Body: stalled}, nil
		}
		return AudioResponse(200, tone), nil
	})
	sink := NewMockSink(false)
	p := NewPlayer(PlayerOptions{Client: client, Sink: sink})
	ev := watchPlayer(p)

	h := p.Speak("Never ends.", testOptions)
	require.Eventually(t, p.IsPlaying, time.Second, time.Millisecond)
	p.Stop(true, false)
	assert.ErrorIs(t, wait(t, h), ErrPlaybackStopped)

	next := p.Speak("Next reply.", testOptions)
	require.NoError(t, wait(t, next))
	assert.Len(t, sink.Played(), 1)
	started, ended, errs, _ := ev.snapshot()
	assert.Equal(t, []string{"Never ends.", "Next reply."}, started)
	assert.Equal(t, 1, ended)
	assert.Zero(t, errs)
}

func TestPlayerFades(t *testing.T) {
	tests := []struct {
		name    string
		bargeIn bool
		fade    time.Duration
	}{
		{"default", false, DefaultFade},
		{"barge-in", true, BargeInFade},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			sink := NewMockSink(true)
			p := NewPlayer(PlayerOptions{Client: NewMockClient(PCMResponder(tone)), Sink: sink, Clock: clock})

			first := p.Speak("First.", testOptions)
			<-sink.Started()
			sink.Finish()
			require.NoError(t, wait(t, first))
			require.Equal(t, "First.", p.PreviousText())

			h := p.Speak("Second.", testOptions)
			<-sink.Started()
			p.Stop(false, tt.bargeIn)
			assert.ErrorIs(t, wait(t, h), ErrPlaybackStopped)

			step := tt.fade / fadeSteps
			for i := 1; i <= fadeSteps; i++ {
				clock.Advance(step)
				require.Eventually(t, func() bool { return len(sink.Gains()) >= i }, time.Second, time.Millisecond)
			}
			require.Eventually(t, func() bool { return sink.Halts() == 1 }, time.Second, time.Millisecond)

			gains := sink.Gains()
			require.Len(t, gains, fadeSteps+1)
			for i := 1; i < fadeSteps; i++ {
				assert.Less(t, gains[i], gains[i-1])
			}
			assert.InDelta(t, fadeFloor, gains[fadeSteps-1], 1e-9)
			assert.Equal(t, 1.0, gains[fadeSteps])
			if tt.bargeIn {
				assert.Empty(t, p.PreviousText())
			} else {
				assert.Equal(t, "First.", p.PreviousText())
			}
		})
	}
}

func TestPlayerSpeakFinishesRunningFade(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := NewMockSink(true)
	p := NewPlayer(PlayerOptions{Client: NewMockClient(PCMResponder(tone)), Sink: sink, Clock: clock})

	p.Speak("First.", testOptions)
	<-sink.Started()
	p.Stop(false, false)
	assert.Zero(t, sink.Halts())

	h := p.Speak("Next.", testOptions)
	assert.Equal(t, 1, sink.Halts())
	assert.Equal(t, 1.0, sink.Gain())

	<-sink.Started()
	sink.Finish()
	require.NoError(t, wait(t, h))
	assert.Len(t, sink.Played(), 2)
}

func TestPlayerSinkFailure(t *testing.T) {
	sink := NewMockSink(false)
	sink.FailWith(errors.New("device lost"))
	p := NewPlayer(PlayerOptions{Client: NewMockClient(PCMResponder(tone)), Sink: sink})

	err := wait(t, p.Speak("Hi.", testOptions))
	assert.Equal(t, shared.CodeTTSGenerationFailed, shared.CodeOf(err))
	assert.Empty(t, p.PreviousText())
}

func TestPlayerDestroy(t *testing.T) {
	sink := NewMockSink(true)
	p := NewPlayer(PlayerOptions{Client: NewMockClient(PCMResponder(tone)), Sink: sink})
	ev := watchPlayer(p)

	h := p.Speak("Bye.", testOptions)
	<-sink.Started()
	p.Destroy()
	assert.ErrorIs(t, wait(t, h), ErrPlaybackStopped)
	assert.True(t, sink.Closed())

	assert.ErrorIs(t, wait(t, p.Speak("Again.", testOptions)), ErrPlaybackStopped)
	started, _, _, _ := ev.snapshot()
	assert.Equal(t, []string{"Bye."}, started)
}

func TestHandleWaitHonoursContext(t *testing.T) {
	h := newHandle()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.Canceled)
	assert.NoError(t, h.Err())

	h.settle(nil)
	h.settle(errors.New("ignored"))
	assert.NoError(t, h.Wait(context.Background()))
}
