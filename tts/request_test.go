package tts

import (
	"net/url"
	"testing"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamURL(t *testing.T) {
	raw, err := Options{VoiceID: "voice-1", LatencyOptimization: 3}.StreamURL()
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "api.elevenlabs.io", u.Host)
	assert.Equal(t, "/v1/text-to-speech/voice-1/stream", u.Path)
	assert.Equal(t, DefaultOutputFormat, u.Query().Get("output_format"))
	assert.Equal(t, "3", u.Query().Get("optimize_streaming_latency"))

	_, err = Options{}.StreamURL()
	assert.ErrorIs(t, err, shared.ErrNoVoiceID)
}

func TestBuildRequestBody(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		previous string
		want     string
	}{
		{
			name: "minimal",
			want: `{"text":"Hello.","model_id":"eleven_flash_v2_5"}`,
		},
		{
			name:     "language and previous text",
			opts:     Options{ModelID: "eleven_multilingual_v2", LanguageCode: "pt"},
			previous: "Oi.",
			want:     `{"text":"Hello.","model_id":"eleven_multilingual_v2","language_code":"pt","previous_text":"Oi."}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := BuildRequestBody("Hello.", tt.opts, tt.previous)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(body))
		})
	}
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("Hi.", Options{VoiceID: "v", APIKey: "key"}, "")
	require.NoError(t, err)
	assert.Equal(t, "key", req.Header["xi-api-key"])
	assert.Equal(t, "application/json", req.Header["Content-Type"])
	assert.Contains(t, req.URL, "/text-to-speech/v/stream")

	_, err = NewRequest("Hi.", Options{VoiceID: "v"}, "")
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    shared.ErrorCode
		message string
	}{
		{"unauthorized", 401, "", shared.CodeTokenExpired, "synthesis request failed with status 401"},
		{"rate limited", 429, `{"detail":{"message":"too many requests"}}`, shared.CodeRateLimited, "too many requests"},
		{"detail message", 400, `{"detail":{"status":"voice_not_found","message":"voice not found"}}`, shared.CodeTTSGenerationFailed, "voice not found"},
		{"detail string", 422, `{"detail":"text is empty"}`, shared.CodeTTSGenerationFailed, "text is empty"},
		{"unparseable", 500, `<html>`, shared.CodeTTSGenerationFailed, "synthesis request failed with status 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StatusError(tt.status, []byte(tt.body))
			assert.Equal(t, tt.code, err.Code())
			assert.Equal(t, tt.message, err.Message())
		})
	}
}
