package stt

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		LanguageCode:         "en",
		SilenceThreshold:     1.5,
		VADThreshold:         0.4,
		MinSpeechDurationMs:  100,
		MinSilenceDurationMs: 100,
	}
}

func nextEvent(t *testing.T, l *Link) Event {
	t.Helper()
	select {
	case ev, ok := <-l.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(time.Second):
		require.FailNow(t, "no event")
		return Event{}
	}
}

func connectedLink(t *testing.T) (*Link, *MockChannel) {
	t.Helper()
	dialer := NewMockDialer()
	dialer.OnDial(func(ch *MockChannel) { ch.Start("sess-1") })
	l := NewLink(testConfig(), "tok", dialer, nil, nil)
	require.NoError(t, l.Connect(context.Background()))
	t.Cleanup(func() { _ = l.Disconnect() })
	return l, dialer.Last()
}

func TestLinkConnect(t *testing.T) {
	dialer := NewMockDialer()
	dialer.OnDial(func(ch *MockChannel) { ch.Start("sess-1") })
	l := NewLink(testConfig(), "tok", dialer, nil, nil)

	require.NoError(t, l.Connect(context.Background()))
	assert.True(t, l.IsConnected())
	assert.Equal(t, "sess-1", l.SessionID())
	require.NoError(t, l.Connect(context.Background()))
	assert.Equal(t, 1, dialer.Count())

	u, err := url.Parse(dialer.URLs()[0])
	require.NoError(t, err)
	assert.Equal(t, "tok", u.Query().Get("token"))

	ev := nextEvent(t, l)
	assert.Equal(t, EventSession, ev.Kind)
	assert.Equal(t, "sess-1", ev.SessionID)
}

func TestLinkDeliversEventsInOrder(t *testing.T) {
	l, ch := connectedLink(t)

	ch.Send(Message{Type: MessagePartialTranscript, Text: "hel"})
	ch.Send(Message{Type: MessageInsufficientAudioActivity})
	ch.Deliver([]byte("{broken"))
	ch.Send(Message{Type: MessageCommittedWithTimestamps, Text: "hello", LanguageCode: "en"})
	ch.Send(Message{Type: MessageQuotaExceeded, Error: "quota"})
	ch.CloseRemote(1011, "server error")

	kinds := []EventKind{EventSession, EventPartial, EventCommitted, EventError, EventClosed}
	var got []Event
	for range kinds {
		got = append(got, nextEvent(t, l))
	}
	for i, k := range kinds {
		assert.Equal(t, k, got[i].Kind, "event %d", i)
	}
	assert.Equal(t, "hel", got[1].Text)
	assert.Equal(t, "hello", got[2].Text)
	assert.Equal(t, "en", got[2].LanguageCode)
	assert.Equal(t, shared.CodeRateLimited, got[3].Err.Code())
	assert.Equal(t, 1011, got[4].CloseCode)
	assert.Equal(t, "server error", got[4].CloseReason)
	assert.False(t, l.IsConnected())

	_, open := <-l.Events()
	assert.False(t, open)
}

func TestLinkSendAudio(t *testing.T) {
	t.Run("no-op before connect", func(t *testing.T) {
		dialer := NewMockDialer()
		l := NewLink(testConfig(), "tok", dialer, nil, nil)
		assert.NoError(t, l.SendAudio("AAAA", 16000, false))
		assert.NoError(t, l.Commit())
		assert.Equal(t, 0, dialer.Count())
	})

	t.Run("writes chunks once connected", func(t *testing.T) {
		l, ch := connectedLink(t)
		require.NoError(t, l.SendAudio("AAAA", 16000, false))
		require.NoError(t, l.Commit())

		chunks := ch.Chunks()
		require.Len(t, chunks, 2)
		assert.Equal(t, AudioChunk{Type: MessageInputAudioChunk, Audio: "AAAA", SampleRate: 16000}, chunks[0])
		assert.Equal(t, AudioChunk{Type: MessageInputAudioChunk, Audio: "", Commit: true, SampleRate: 16000}, chunks[1])
	})

	t.Run("no-op after disconnect", func(t *testing.T) {
		l, ch := connectedLink(t)
		require.NoError(t, l.Disconnect())
		assert.NoError(t, l.SendAudio("AAAA", 16000, false))
		assert.Empty(t, ch.Chunks())
	})
}

func TestLinkConnectFailuresBeforeAck(t *testing.T) {
	tests := []struct {
		name    string
		onDial  func(*MockChannel)
		code    shared.ErrorCode
		message string
	}{
		{
			name:   "policy violation close",
			onDial: func(ch *MockChannel) { ch.CloseRemote(ClosePolicyViolation, "invalid token") },
			code:   shared.CodeSTTAuthFailed,
		},
		{
			name:    "other close",
			onDial:  func(ch *MockChannel) { ch.CloseRemote(1011, "") },
			code:    shared.CodeSTTConnectionFailed,
			message: "closed before session start",
		},
		{
			name: "error message",
			onDial: func(ch *MockChannel) {
				ch.Send(Message{Type: MessageAuthError, Error: "token expired"})
			},
			code:    shared.CodeTokenExpired,
			message: "token expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := NewMockDialer()
			dialer.OnDial(tt.onDial)
			l := NewLink(testConfig(), "tok", dialer, nil, nil)

			err := l.Connect(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.code, shared.CodeOf(err))
			if tt.message != "" {
				assert.Contains(t, shared.AsVoiceError(err, shared.CodeUnknown).Message(), tt.message)
			}
			assert.False(t, l.IsConnected())
			assert.True(t, dialer.Last().IsClosed())
		})
	}
}

func TestLinkPolicyViolationIsNotRecoverable(t *testing.T) {
	dialer := NewMockDialer()
	dialer.OnDial(func(ch *MockChannel) { ch.CloseRemote(ClosePolicyViolation, "") })
	err := NewLink(testConfig(), "tok", dialer, nil, nil).Connect(context.Background())
	ve := shared.AsVoiceError(err, shared.CodeUnknown)
	require.NotNil(t, ve)
	assert.False(t, ve.Recoverable())
}

func TestLinkDialFailure(t *testing.T) {
	dialer := NewMockDialer()
	dialer.FailWith(&HandshakeError{Status: 429, Err: errors.New("bad handshake")})
	l := NewLink(testConfig(), "tok", dialer, nil, nil)

	err := l.Connect(context.Background())
	assert.Equal(t, shared.CodeRateLimited, shared.CodeOf(err))

	_, open := <-l.Events()
	assert.False(t, open)
	assert.Error(t, l.Connect(context.Background()))
}

func TestLinkDialFailureWithFakeClock(t *testing.T) {
	dialer := NewMockDialer()
	dialer.FailWith(&HandshakeError{Status: 401, Err: errors.New("bad handshake")})
	l := NewLink(testConfig(), "tok", dialer, nil, clockwork.NewFakeClock())

	errC := make(chan error, 1)
	go func() { errC <- l.Connect(context.Background()) }()

	select {
	case err := <-errC:
		ve := shared.AsVoiceError(err, shared.CodeUnknown)
		assert.Equal(t, shared.CodeTokenExpired, ve.Code())
	case <-time.After(time.Second):
		require.FailNow(t, "connect blocked on a failed dial")
	}
	assert.Equal(t, 1, dialer.Count())
}

func TestLinkConnectTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dialer := NewMockDialer()
	l := NewLink(testConfig(), "tok", dialer, nil, clock)

	errC := make(chan error, 1)
	go func() { errC <- l.Connect(context.Background()) }()

	var ch *MockChannel
	select {
	case ch = <-dialer.Dialed():
	case <-time.After(time.Second):
		require.FailNow(t, "not dialed")
	}
	clock.Advance(DefaultConnectTimeout)

	select {
	case err := <-errC:
		ve := shared.AsVoiceError(err, shared.CodeUnknown)
		assert.Equal(t, shared.CodeSTTConnectionFailed, ve.Code())
		assert.Equal(t, "STT connection timed out", ve.Message())
	case <-time.After(time.Second):
		require.FailNow(t, "connect did not time out")
	}
	assert.True(t, ch.IsClosed())
}

func TestLinkConnectCancelled(t *testing.T) {
	dialer := NewMockDialer()
	l := NewLink(testConfig(), "tok", dialer, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errC := make(chan error, 1)
	go func() { errC <- l.Connect(ctx) }()
	<-dialer.Dialed()
	cancel()

	err := <-errC
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, shared.CodeSTTConnectionFailed, shared.CodeOf(err))
}

func TestLinkDisconnect(t *testing.T) {
	l, ch := connectedLink(t)
	require.Equal(t, EventSession, nextEvent(t, l).Kind)

	require.NoError(t, l.Disconnect())
	require.NoError(t, l.Disconnect())
	assert.False(t, l.IsConnected())

	code, reason, local := ch.ClosedBy()
	assert.Equal(t, CloseNormal, code)
	assert.Equal(t, "Client disconnect", reason)
	assert.True(t, local)

	ev := nextEvent(t, l)
	assert.Equal(t, EventClosed, ev.Kind)
	assert.Equal(t, CloseNormal, ev.CloseCode)

	assert.Error(t, l.Connect(context.Background()))
}
