// Package stt streams microphone audio to the realtime recognition service
// and turns its replies into an ordered event stream.
package stt

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/bytedance/sonic"
)

type MessageType string

const (
	MessageInputAudioChunk           MessageType = "input_audio_chunk"
	MessageSessionStarted            MessageType = "session_started"
	MessagePartialTranscript         MessageType = "partial_transcript"
	MessageCommittedTranscript       MessageType = "committed_transcript"
	MessageCommittedWithTimestamps   MessageType = "committed_transcript_with_timestamps"
	MessageInsufficientAudioActivity MessageType = "insufficient_audio_activity"
	MessageError                     MessageType = "error"
	MessageAuthError                 MessageType = "auth_error"
	MessageRateLimited               MessageType = "rate_limited"
	MessageQuotaExceeded             MessageType = "quota_exceeded"
	MessageCommitThrottled           MessageType = "commit_throttled"
	MessageInputError                MessageType = "input_error"
	MessageChunkSizeExceeded         MessageType = "chunk_size_exceeded"
	MessageTranscriberError          MessageType = "transcriber_error"
	MessageQueueOverflow             MessageType = "queue_overflow"
	MessageResourceExhausted         MessageType = "resource_exhausted"
	MessageSessionTimeLimitExceeded  MessageType = "session_time_limit_exceeded"
	MessageUnacceptedTerms           MessageType = "unaccepted_terms"
)

var errorCodes = map[MessageType]shared.ErrorCode{
	MessageError:                    shared.CodeSTTTranscriptionFailed,
	MessageInputError:               shared.CodeSTTTranscriptionFailed,
	MessageChunkSizeExceeded:        shared.CodeSTTTranscriptionFailed,
	MessageTranscriberError:         shared.CodeSTTTranscriptionFailed,
	MessageAuthError:                shared.CodeTokenExpired,
	MessageRateLimited:              shared.CodeRateLimited,
	MessageQuotaExceeded:            shared.CodeRateLimited,
	MessageCommitThrottled:          shared.CodeRateLimited,
	MessageQueueOverflow:            shared.CodeRateLimited,
	MessageResourceExhausted:        shared.CodeSTTConnectionFailed,
	MessageSessionTimeLimitExceeded: shared.CodeSTTConnectionFailed,
	MessageUnacceptedTerms:          shared.CodeUnknown,
}

// ErrorCodeFor maps an error message type to its classification. ok is
// false when t is not an error type.
func ErrorCodeFor(t MessageType) (code shared.ErrorCode, ok bool) {
	code, ok = errorCodes[t]
	return
}

func (t MessageType) IsError() bool {
	_, ok := errorCodes[t]
	return ok
}

// Word is one timed token of a committed transcript.
type Word struct {
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Type      string  `json:"type,omitempty"`
	SpeakerID string  `json:"speaker_id,omitempty"`
	LogProb   float64 `json:"logprob,omitempty"`
}

// Message is the union of every inbound message shape.
type Message struct {
	Type         MessageType `json:"message_type"`
	SessionID    string      `json:"session_id,omitempty"`
	Text         string      `json:"text,omitempty"`
	LanguageCode string      `json:"language_code,omitempty"`
	Words        []Word      `json:"words,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// AudioChunk is the outbound audio message.
type AudioChunk struct {
	Type       MessageType `json:"message_type"`
	Audio      string      `json:"audio_base_64"`
	Commit     bool        `json:"commit"`
	SampleRate int         `json:"sample_rate"`
}

func EncodeAudioChunk(audioBase64 string, sampleRate int, commit bool) ([]byte, error) {
	b, err := sonic.Marshal(AudioChunk{
		Type:       MessageInputAudioChunk,
		Audio:      audioBase64,
		Commit:     commit,
		SampleRate: sampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling audio chunk: %w", err)
	}
	return b, nil
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshaling message: %w", err)
	}
	return m, nil
}

type EventKind int

const (
	EventSession EventKind = iota + 1
	EventPartial
	EventCommitted
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventSession:
		return "session"
	case EventPartial:
		return "partial"
	case EventCommitted:
		return "committed"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item of a link's inbound stream. Fields beyond Kind are set
// according to the kind.
type Event struct {
	Kind         EventKind
	SessionID    string
	Text         string
	LanguageCode string
	Words        []Word
	Err          *shared.VoiceError
	CloseCode    int
	CloseReason  string
}

// ToEvent routes a message to its event. ok is false for messages that
// produce nothing (insufficient activity, unknown types).
func (m Message) ToEvent() (Event, bool) {
	switch m.Type {
	case MessageSessionStarted:
		return Event{Kind: EventSession, SessionID: m.SessionID}, true
	case MessagePartialTranscript:
		return Event{Kind: EventPartial, Text: m.Text}, true
	case MessageCommittedTranscript:
		return Event{Kind: EventCommitted, Text: m.Text}, true
	case MessageCommittedWithTimestamps:
		return Event{
			Kind:         EventCommitted,
			Text:         m.Text,
			LanguageCode: m.LanguageCode,
			Words:        m.Words,
		}, true
	}
	if code, ok := ErrorCodeFor(m.Type); ok {
		return Event{Kind: EventError, Err: shared.NewError(code, m.Error, nil)}, true
	}
	return Event{}, false
}

// DialErrorCode classifies a failure to open the channel.
func DialErrorCode(err error) shared.ErrorCode {
	var hs *HandshakeError
	if errors.As(err, &hs) {
		switch hs.Status {
		case http.StatusUnauthorized:
			return shared.CodeTokenExpired
		case http.StatusTooManyRequests:
			return shared.CodeRateLimited
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return shared.CodeNetworkError
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "token"):
		return shared.CodeTokenExpired
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return shared.CodeRateLimited
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"):
		return shared.CodeNetworkError
	default:
		return shared.CodeSTTConnectionFailed
	}
}
