package tts

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MockSink records played buffers. When blocking, Play waits for Finish or
// Halt, like a real device.
type MockSink struct {
	mu       sync.Mutex
	blocking bool
	playErr  error
	gain     float64
	gains    []float64
	played   []Buffer
	halts    int
	closed   bool
	finish   chan struct{}
	starts   chan Buffer
}

func NewMockSink(blocking bool) *MockSink {
	return &MockSink{blocking: blocking, gain: 1, starts: make(chan Buffer, 16)}
}

// FailWith makes Play return err.
func (s *MockSink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playErr = err
}

func (s *MockSink) Play(b Buffer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	if s.playErr != nil {
		err := s.playErr
		s.mu.Unlock()
		return err
	}
	s.played = append(s.played, b)
	var finish chan struct{}
	if s.blocking {
		finish = make(chan struct{})
		s.finish = finish
	}
	s.mu.Unlock()

	select {
	case s.starts <- b:
	default:
	}
	if finish != nil {
		<-finish
	}
	return nil
}

// Started delivers each buffer as its playback begins.
func (s *MockSink) Started() <-chan Buffer { return s.starts }

// Finish ends the current blocking playback as if it ran to completion.
func (s *MockSink) Finish() {
	s.release()
}

func (s *MockSink) release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finish == nil {
		return false
	}
	close(s.finish)
	s.finish = nil
	return true
}

func (s *MockSink) Halt() {
	s.release()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halts++
}

func (s *MockSink) SetGain(g float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = g
	s.gains = append(s.gains, g)
}

func (s *MockSink) Gain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain
}

func (s *MockSink) Close() error {
	s.release()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MockSink) Played() []Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Buffer(nil), s.played...)
}

func (s *MockSink) Halts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halts
}

// Gains is the history of SetGain values.
func (s *MockSink) Gains() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.gains...)
}

func (s *MockSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Responder produces the response for one request.
type Responder func(ctx context.Context, r *Request) (*Response, error)

// MockClient is an in-memory StreamingClient.
type MockClient struct {
	mu        sync.Mutex
	responder Responder
	requests  []*Request
}

func NewMockClient(responder Responder) *MockClient {
	return &MockClient{responder: responder}
}

func (c *MockClient) Do(ctx context.Context, r *Request) (*Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, r)
	responder := c.responder
	c.mu.Unlock()
	if responder == nil {
		return AudioResponse(200, nil), nil
	}
	return responder(ctx, r)
}

func (c *MockClient) SetResponder(responder Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = responder
}

func (c *MockClient) Requests() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Request(nil), c.requests...)
}

// AudioResponse is a response with a fixed body.
func AudioResponse(status int, body []byte) *Response {
	return &Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body))}
}

// PCMResponder answers every request with status 200 and body.
func PCMResponder(body []byte) Responder {
	return func(ctx context.Context, r *Request) (*Response, error) {
		return AudioResponse(200, body), nil
	}
}
