package stt

import (
	"context"
	"errors"
	"fmt"
)

const (
	CloseNormal          = 1000
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
)

// DuplexChannel is an open, message-oriented, bidirectional channel.
// ReadMessage must be called from a single goroutine; WriteMessage and
// Close may be called concurrently with it.
type DuplexChannel interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (DuplexChannel, error)
}

// CloseError is returned by ReadMessage once the channel is closed.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("channel closed with code %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("channel closed with code %d", e.Code)
}

func (e *CloseError) Unwrap() error { return e.Err }

// HandshakeError reports a rejected upgrade with its HTTP status.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d: %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// closeInfo extracts the close code and reason of a read error. Errors that
// are not a CloseError count as an abnormal closure.
func closeInfo(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return CloseAbnormal, err.Error()
}
