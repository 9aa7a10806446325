package stt

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildURL(t *testing.T) {
	raw, err := BuildURL(Config{
		LanguageCode:         "pt",
		SilenceThreshold:     1.5,
		VADThreshold:         0.4,
		MinSpeechDurationMs:  100,
		MinSilenceDurationMs: 120,
	}, "tok-123")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "api.elevenlabs.io", u.Host)
	assert.Equal(t, "/v1/speech-to-text/realtime", u.Path)

	q := u.Query()
	assert.Equal(t, DefaultModelID, q.Get("model_id"))
	assert.Equal(t, "tok-123", q.Get("token"))
	assert.Equal(t, "pcm_16000", q.Get("audio_format"))
	assert.Equal(t, "vad", q.Get("commit_strategy"))
	assert.Equal(t, "1.5", q.Get("vad_silence_threshold_secs"))
	assert.Equal(t, "0.4", q.Get("vad_threshold"))
	assert.Equal(t, "100", q.Get("min_speech_duration_ms"))
	assert.Equal(t, "120", q.Get("min_silence_duration_ms"))
	assert.Equal(t, "pt", q.Get("language_code"))
}

func TestBuildURLOmitsEmptyLanguage(t *testing.T) {
	raw, err := BuildURL(Config{URL: "ws://localhost:9000/stt", ModelID: "m"}, "t")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.False(t, u.Query().Has("language_code"))
	assert.Equal(t, "m", u.Query().Get("model_id"))
}

func TestBuildURLRejectsBadBase(t *testing.T) {
	_, err := BuildURL(Config{URL: "://nope"}, "t")
	assert.Error(t, err)
}
