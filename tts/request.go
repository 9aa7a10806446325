// Package tts synthesizes agent replies over a streaming HTTP endpoint and
// plays them one at a time on an audio sink.
package tts

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/bytedance/sonic"
)

const (
	DefaultBaseURL             = "https://api.elevenlabs.io/v1"
	DefaultModelID             = "eleven_flash_v2_5"
	DefaultOutputFormat        = "mp3_44100_128"
	DefaultLatencyOptimization = 3
)

// Options describe one synthesis request.
type Options struct {
	VoiceID             string
	APIKey              string
	ModelID             string
	LanguageCode        string
	OutputFormat        string
	LatencyOptimization int
	BaseURL             string
}

func (o Options) withDefaults() Options {
	if o.ModelID == "" {
		o.ModelID = DefaultModelID
	}
	if o.OutputFormat == "" {
		o.OutputFormat = DefaultOutputFormat
	}
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	return o
}

// StreamURL is {base}/text-to-speech/{voiceId}/stream with the format and
// latency query parameters.
func (o Options) StreamURL() (string, error) {
	o = o.withDefaults()
	if o.VoiceID == "" {
		return "", shared.ErrNoVoiceID
	}
	u, err := url.Parse(o.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing synthesis base URL: %w", err)
	}
	u = u.JoinPath("text-to-speech", o.VoiceID, "stream")
	q := u.Query()
	q.Set("output_format", o.OutputFormat)
	q.Set("optimize_streaming_latency", strconv.Itoa(o.LatencyOptimization))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type requestBody struct {
	Text         string `json:"text"`
	ModelID      string `json:"model_id"`
	LanguageCode string `json:"language_code,omitempty"`
	PreviousText string `json:"previous_text,omitempty"`
}

// BuildRequestBody renders the JSON body. previous is the last spoken text,
// sent for prosody continuity when non-empty.
func BuildRequestBody(text string, o Options, previous string) ([]byte, error) {
	o = o.withDefaults()
	b, err := sonic.Marshal(requestBody{
		Text:         text,
		ModelID:      o.ModelID,
		LanguageCode: o.LanguageCode,
		PreviousText: previous,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling synthesis request: %w", err)
	}
	return b, nil
}

// NewRequest builds the streaming POST for text.
func NewRequest(text string, o Options, previous string) (*Request, error) {
	if o.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	u, err := o.StreamURL()
	if err != nil {
		return nil, err
	}
	body, err := BuildRequestBody(text, o, previous)
	if err != nil {
		return nil, err
	}
	return &Request{
		URL: u,
		Header: map[string]string{
			"xi-api-key":   o.APIKey,
			"Content-Type": "application/json",
		},
		Body: body,
	}, nil
}

// StatusError classifies a non-2xx synthesis response.
func StatusError(status int, body []byte) *shared.VoiceError {
	code := shared.CodeTTSGenerationFailed
	switch status {
	case http.StatusUnauthorized:
		code = shared.CodeTokenExpired
	case http.StatusTooManyRequests:
		code = shared.CodeRateLimited
	}
	msg := fmt.Sprintf("synthesis request failed with status %d", status)
	if detail := errorDetail(body); detail != "" {
		msg = detail
	}
	return shared.NewError(code, msg, fmt.Errorf("status %d", status))
}

// errorDetail extracts detail.message (or a plain detail string).
func errorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var eb struct {
		Detail any `json:"detail"`
	}
	if err := sonic.Unmarshal(body, &eb); err != nil {
		return ""
	}
	switch d := eb.Detail.(type) {
	case string:
		return d
	case map[string]any:
		if m, ok := d["message"].(string); ok {
			return m
		}
	}
	return ""
}
