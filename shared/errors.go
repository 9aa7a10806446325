package shared

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoEventHandler        = errors.New("no event handler provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoVoiceID             = errors.New("no voice ID provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrNoActiveSession       = errors.New("no active session")
	ErrNotConnected          = errors.New("recognition link not connected")
	ErrServiceDestroyed      = errors.New("service destroyed")
)

// ErrorCode is the closed set of voice error classifications.
type ErrorCode string

const (
	CodeMicrophonePermissionDenied ErrorCode = "MICROPHONE_PERMISSION_DENIED"
	CodeMicrophoneNotFound         ErrorCode = "MICROPHONE_NOT_FOUND"
	CodeBrowserNotSupported        ErrorCode = "BROWSER_NOT_SUPPORTED"
	CodeSTTConnectionFailed        ErrorCode = "STT_CONNECTION_FAILED"
	CodeSTTAuthFailed              ErrorCode = "STT_AUTH_FAILED"
	CodeSTTTranscriptionFailed     ErrorCode = "STT_TRANSCRIPTION_FAILED"
	CodeTTSGenerationFailed        ErrorCode = "TTS_GENERATION_FAILED"
	CodeNetworkError               ErrorCode = "NETWORK_ERROR"
	CodeTokenExpired               ErrorCode = "TOKEN_EXPIRED"
	CodeRateLimited                ErrorCode = "RATE_LIMITED"
	CodeUnknown                    ErrorCode = "UNKNOWN"
)

type errorMeta struct {
	message     string
	suggestion  string
	recoverable bool
}

var errorMetadata = map[ErrorCode]errorMeta{
	CodeMicrophonePermissionDenied: {
		message:     "Microphone access was denied.",
		suggestion:  "Allow microphone access in your system settings and try again.",
		recoverable: true,
	},
	CodeMicrophoneNotFound: {
		message:     "No microphone was found.",
		suggestion:  "Connect a microphone and restart the voice session.",
		recoverable: false,
	},
	CodeBrowserNotSupported: {
		message:     "Audio capture or playback is not supported on this platform.",
		suggestion:  "Use a platform with a working audio input and output device.",
		recoverable: false,
	},
	CodeSTTConnectionFailed: {
		message:     "Could not connect to the speech recognition service.",
		suggestion:  "Check your internet connection and try again.",
		recoverable: true,
	},
	CodeSTTAuthFailed: {
		message:     "The speech recognition service rejected the credentials.",
		suggestion:  "Verify the API key and token configuration.",
		recoverable: false,
	},
	CodeSTTTranscriptionFailed: {
		message:     "Speech could not be transcribed.",
		suggestion:  "Speak clearly and try again.",
		recoverable: true,
	},
	CodeTTSGenerationFailed: {
		message:     "Speech could not be generated.",
		suggestion:  "Try again in a moment.",
		recoverable: true,
	},
	CodeNetworkError: {
		message:     "A network error occurred.",
		suggestion:  "Check your internet connection.",
		recoverable: true,
	},
	CodeTokenExpired: {
		message:     "The session credential has expired.",
		suggestion:  "Start a new voice session.",
		recoverable: true,
	},
	CodeRateLimited: {
		message:     "Too many requests were sent.",
		suggestion:  "Wait a few seconds and try again.",
		recoverable: true,
	},
	CodeUnknown: {
		message:     "An unexpected error occurred.",
		suggestion:  "Try again.",
		recoverable: true,
	},
}

// Recoverable reports whether a session can continue or retry after code.
func (c ErrorCode) Recoverable() bool {
	if meta, ok := errorMetadata[c]; ok {
		return meta.recoverable
	}
	return true
}

// DefaultMessage is the human message used when no specific one is given.
func (c ErrorCode) DefaultMessage() string {
	if meta, ok := errorMetadata[c]; ok {
		return meta.message
	}
	return errorMetadata[CodeUnknown].message
}

func (c ErrorCode) Suggestion() string {
	if meta, ok := errorMetadata[c]; ok {
		return meta.suggestion
	}
	return errorMetadata[CodeUnknown].suggestion
}

// VoiceError is an immutable classified error.
type VoiceError struct {
	code        ErrorCode
	message     string
	suggestion  string
	recoverable bool
	cause       error
}

// NewError builds a VoiceError. An empty message falls back to the code's default.
func NewError(code ErrorCode, message string, cause error) *VoiceError {
	if _, ok := errorMetadata[code]; !ok {
		code = CodeUnknown
	}
	if message == "" {
		message = code.DefaultMessage()
	}
	return &VoiceError{
		code:        code,
		message:     message,
		suggestion:  code.Suggestion(),
		recoverable: code.Recoverable(),
		cause:       cause,
	}
}

func (e *VoiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *VoiceError) Unwrap() error { return e.cause }
func (e *VoiceError) Code() ErrorCode { return e.code }
func (e *VoiceError) Message() string { return e.message }
func (e *VoiceError) Suggestion() string { return e.suggestion }
func (e *VoiceError) Recoverable() bool { return e.recoverable }

// AsVoiceError returns err as a *VoiceError, classifying it with fallback
// when it is not one already.
func AsVoiceError(err error, fallback ErrorCode) *VoiceError {
	if err == nil {
		return nil
	}
	var ve *VoiceError
	if errors.As(err, &ve) {
		return ve
	}
	return NewError(fallback, err.Error(), err)
}

// CodeOf returns the classification of err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var ve *VoiceError
	if errors.As(err, &ve) {
		return ve.code
	}
	return CodeUnknown
}
