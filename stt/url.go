package stt

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultURL            = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"
	DefaultModelID        = "scribe_v2_realtime"
	DefaultConnectTimeout = 10 * time.Second
	CanonicalAudioFormat  = "pcm_16000"
	CanonicalSampleRate   = 16000
)

// Config parameterizes one recognition session.
type Config struct {
	URL     string
	ModelID string
	// LanguageCode is omitted from the URL when empty.
	LanguageCode         string
	SilenceThreshold     float64 // seconds
	VADThreshold         float64
	MinSpeechDurationMs  int
	MinSilenceDurationMs int
	ConnectTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.ModelID == "" {
		c.ModelID = DefaultModelID
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// BuildURL renders the session URL with token and VAD parameters.
func BuildURL(cfg Config, token string) (string, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing recognition URL: %w", err)
	}
	q := u.Query()
	q.Set("model_id", cfg.ModelID)
	q.Set("token", token)
	q.Set("audio_format", CanonicalAudioFormat)
	q.Set("commit_strategy", "vad")
	q.Set("vad_silence_threshold_secs", strconv.FormatFloat(cfg.SilenceThreshold, 'f', -1, 64))
	q.Set("vad_threshold", strconv.FormatFloat(cfg.VADThreshold, 'f', -1, 64))
	q.Set("min_speech_duration_ms", strconv.Itoa(cfg.MinSpeechDurationMs))
	q.Set("min_silence_duration_ms", strconv.Itoa(cfg.MinSilenceDurationMs))
	if cfg.LanguageCode != "" {
		q.Set("language_code", cfg.LanguageCode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
