package voice

import (
	"github.com/bt-bridge/voice-core/audio"
	"github.com/bt-bridge/voice-core/shared"
	"github.com/bt-bridge/voice-core/stt"
	"github.com/bt-bridge/voice-core/tts"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Option customizes a Service. Every capability defaults to the real
// device or network implementation.
type Option func(*Service)

func WithLogger(logger shared.LoggerAdapter) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAudioSource(source audio.Source) Option {
	return func(s *Service) { s.source = source }
}

func WithAudioSink(sink tts.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

func WithDialer(dialer stt.Dialer) Option {
	return func(s *Service) { s.dialer = dialer }
}

func WithStreamingClient(client tts.StreamingClient) Option {
	return func(s *Service) { s.client = client }
}

func WithDecoder(decoder tts.Decoder) Option {
	return func(s *Service) { s.decoder = decoder }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithReconnectLimiter bounds how often a closed recognition link is
// replaced. The default allows a burst of 3 and one per second after that.
func WithReconnectLimiter(l *rate.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}
