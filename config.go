package voice

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/bt-bridge/voice-core/echo"
	"github.com/bt-bridge/voice-core/shared"
	"github.com/bt-bridge/voice-core/stt"
	"github.com/bt-bridge/voice-core/tts"
	"github.com/goccy/go-yaml"
)

var (
	ValidTTSModels    = []string{"eleven_flash_v2_5", "eleven_multilingual_v2"}
	ValidAudioFormats = []string{"mp3_44100_128", "pcm_24000"}
)

// CredentialProvider returns a fresh credential on each call.
type CredentialProvider func(ctx context.Context) (string, error)

// Texts are user-facing strings for a presentation layer.
type Texts struct {
	Title          string `yaml:"title"`
	Listening      string `yaml:"listening"`
	MicrophoneHint string `yaml:"microphoneHint"`
	Speaking       string `yaml:"speaking"`
	Processing     string `yaml:"processing"`
	ErrorTitle     string `yaml:"errorTitle"`
}

// Endpoints override the service URLs, mainly for testing.
type Endpoints struct {
	STTURL     string `yaml:"sttUrl"`
	TTSBaseURL string `yaml:"ttsBaseUrl"`
}

type Config struct {
	VoiceID              string        `yaml:"voiceId"`
	LanguageCode         string        `yaml:"languageCode"`
	TTSModel             string        `yaml:"ttsModel"`
	STTModel             string        `yaml:"sttModel"`
	AudioFormat          string        `yaml:"audioFormat"`
	SampleRate           int           `yaml:"sampleRate"`
	SilenceThreshold     float64       `yaml:"silenceThreshold"`
	VADThreshold         float64       `yaml:"vadThreshold"`
	BargeInVADThreshold  float64       `yaml:"bargeInVadThreshold"`
	STTVADThreshold      float64       `yaml:"sttVadThreshold"`
	MinSpeechDurationMs  int           `yaml:"minSpeechDuration"`
	MinSilenceDurationMs int           `yaml:"minSilenceDuration"`
	LatencyOptimization  *int          `yaml:"latencyOptimization"`
	EnableBargeIn        *bool         `yaml:"enableBargeIn"`
	AutoListen           *bool         `yaml:"autoListen"`
	EchoCooldown         time.Duration `yaml:"echoCooldown"`
	BargeInFrames        int           `yaml:"bargeInFrames"`
	Texts                Texts         `yaml:"texts"`
	Endpoints            Endpoints     `yaml:"endpoints"`

	GetToken  CredentialProvider `yaml:"-"`
	GetAPIKey CredentialProvider `yaml:"-"`
}

func Bool(v bool) *bool { return &v }
func Int(v int) *int    { return &v }

func DefaultConfig() Config {
	gate := echo.DefaultOptions()
	return Config{
		LanguageCode:         "en",
		TTSModel:             tts.DefaultModelID,
		STTModel:             stt.DefaultModelID,
		AudioFormat:          tts.DefaultOutputFormat,
		SampleRate:           stt.CanonicalSampleRate,
		SilenceThreshold:     1.5,
		VADThreshold:         gate.NormalThreshold,
		BargeInVADThreshold:  gate.ElevatedThreshold,
		STTVADThreshold:      0.4,
		MinSpeechDurationMs:  100,
		MinSilenceDurationMs: 100,
		LatencyOptimization:  Int(tts.DefaultLatencyOptimization),
		EnableBargeIn:        Bool(true),
		AutoListen:           Bool(true),
		EchoCooldown:         gate.Cooldown,
		BargeInFrames:        gate.FramesRequired,
	}
}

// ConfigError lists every violation found by MergeConfig.
type ConfigError struct {
	Violations []string
}

func (e *ConfigError) Error() string {
	return strings.Join(e.Violations, "; ")
}

// MergeConfig fills unset fields from DefaultConfig, normalizes the language
// and validates the result. Violations are reported together as one
// *shared.VoiceError whose cause is a *ConfigError.
func MergeConfig(c Config) (Config, error) {
	d := DefaultConfig()
	if c.LanguageCode == "" {
		c.LanguageCode = d.LanguageCode
	}
	if c.TTSModel == "" {
		c.TTSModel = d.TTSModel
	}
	if c.STTModel == "" {
		c.STTModel = d.STTModel
	}
	if c.AudioFormat == "" {
		c.AudioFormat = d.AudioFormat
	}
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = d.VADThreshold
	}
	if c.BargeInVADThreshold == 0 {
		c.BargeInVADThreshold = d.BargeInVADThreshold
	}
	if c.STTVADThreshold == 0 {
		c.STTVADThreshold = d.STTVADThreshold
	}
	if c.MinSpeechDurationMs == 0 {
		c.MinSpeechDurationMs = d.MinSpeechDurationMs
	}
	if c.MinSilenceDurationMs == 0 {
		c.MinSilenceDurationMs = d.MinSilenceDurationMs
	}
	if c.LatencyOptimization == nil {
		c.LatencyOptimization = d.LatencyOptimization
	}
	if c.EnableBargeIn == nil {
		c.EnableBargeIn = d.EnableBargeIn
	}
	if c.AutoListen == nil {
		c.AutoListen = d.AutoListen
	}
	if c.EchoCooldown == 0 {
		c.EchoCooldown = d.EchoCooldown
	}
	if c.BargeInFrames == 0 {
		c.BargeInFrames = d.BargeInFrames
	}
	c.LanguageCode = NormalizeLanguage(c.LanguageCode)

	if violations := c.validate(); len(violations) > 0 {
		cerr := &ConfigError{Violations: violations}
		return c, shared.NewError(shared.CodeUnknown, "invalid voice configuration: "+cerr.Error(), cerr)
	}
	return c, nil
}

func (c Config) validate() []string {
	var violations []string
	if strings.TrimSpace(c.VoiceID) == "" {
		violations = append(violations, "voiceId is required and must be a non-empty string")
	}
	if c.GetToken == nil {
		violations = append(violations, "getToken must be a function")
	}
	if c.GetAPIKey == nil {
		violations = append(violations, "getApiKey must be a function")
	}
	if c.SilenceThreshold < 0.3 || c.SilenceThreshold > 3.0 {
		violations = append(violations, "silenceThreshold must be a number between 0.3 and 3.0")
	}
	if c.VADThreshold < 0.01 || c.VADThreshold > 0.5 {
		violations = append(violations, "vadThreshold must be a number between 0.01 and 0.5")
	}
	if l := c.Latency(); l < 0 || l > 4 {
		violations = append(violations, "latencyOptimization must be an integer between 0 and 4")
	}
	if !slices.Contains(ValidTTSModels, c.TTSModel) {
		violations = append(violations, "ttsModel must be one of: "+strings.Join(ValidTTSModels, ", "))
	}
	if !slices.Contains(ValidAudioFormats, c.AudioFormat) {
		violations = append(violations, "audioFormat must be one of: "+strings.Join(ValidAudioFormats, ", "))
	}
	return violations
}

// NormalizeLanguage reduces a BCP-47 tag to its lowercase primary subtag.
func NormalizeLanguage(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	primary, _, _ := strings.Cut(code, "-")
	return strings.ToLower(primary)
}

func (c Config) Latency() int {
	if c.LatencyOptimization == nil {
		return tts.DefaultLatencyOptimization
	}
	return *c.LatencyOptimization
}

func (c Config) BargeInEnabled() bool {
	return c.EnableBargeIn == nil || *c.EnableBargeIn
}

func (c Config) AutoListenEnabled() bool {
	return c.AutoListen == nil || *c.AutoListen
}

func (c Config) silenceTimeout() time.Duration {
	return time.Duration(c.SilenceThreshold * float64(time.Second))
}

func (c Config) sttConfig() stt.Config {
	return stt.Config{
		URL:                  c.Endpoints.STTURL,
		ModelID:              c.STTModel,
		LanguageCode:         c.LanguageCode,
		SilenceThreshold:     c.SilenceThreshold,
		VADThreshold:         c.STTVADThreshold,
		MinSpeechDurationMs:  c.MinSpeechDurationMs,
		MinSilenceDurationMs: c.MinSilenceDurationMs,
	}
}

func (c Config) ttsOptions(apiKey string) tts.Options {
	return tts.Options{
		VoiceID:             c.VoiceID,
		APIKey:              apiKey,
		ModelID:             c.TTSModel,
		LanguageCode:        c.LanguageCode,
		OutputFormat:        c.AudioFormat,
		LatencyOptimization: c.Latency(),
		BaseURL:             c.Endpoints.TTSBaseURL,
	}
}

func (c Config) gateOptions() echo.Options {
	return echo.Options{
		Cooldown:          c.EchoCooldown,
		FramesRequired:    c.BargeInFrames,
		NormalThreshold:   c.VADThreshold,
		ElevatedThreshold: c.BargeInVADThreshold,
	}
}

// LoadConfigFile reads a YAML config. Credential providers are not part of
// the file and must be set by the caller before MergeConfig.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	return c, nil
}
