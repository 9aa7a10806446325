package stt

import (
	"context"
	"errors"
	"sync"

	"github.com/bytedance/sonic"
)

var ErrMockChannelClosed = errors.New("mock channel closed")

// MockDialer hands out in-memory channels and records every dialed URL.
type MockDialer struct {
	mu       sync.Mutex
	err      error
	onDial   func(*MockChannel)
	urls     []string
	channels []*MockChannel
	dialed   chan *MockChannel
}

func NewMockDialer() *MockDialer {
	return &MockDialer{dialed: make(chan *MockChannel, 16)}
}

// FailWith makes subsequent dials fail with err. A nil err restores success.
func (d *MockDialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// OnDial runs fn on every new channel before Dial returns, typically to
// queue a session acknowledgement.
func (d *MockDialer) OnDial(fn func(*MockChannel)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDial = fn
}

func (d *MockDialer) Dial(ctx context.Context, url string) (DuplexChannel, error) {
	if expired(ctx) {
		return nil, ctx.Err()
	}
	d.mu.Lock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	ch := NewMockChannel()
	d.channels = append(d.channels, ch)
	onDial := d.onDial
	d.mu.Unlock()
	if onDial != nil {
		onDial(ch)
	}
	select {
	case d.dialed <- ch:
	default:
	}
	return ch, nil
}

func (d *MockDialer) Dialed() <-chan *MockChannel { return d.dialed }

func (d *MockDialer) Last() *MockChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

func (d *MockDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Count is the number of dial attempts, failed ones included.
func (d *MockDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// MockChannel is the service side of an in-memory DuplexChannel.
type MockChannel struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	written     [][]byte
	closeCode   int
	closeReason string
	localClose  bool
}

func NewMockChannel() *MockChannel {
	return &MockChannel{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// Deliver queues a raw inbound message.
func (c *MockChannel) Deliver(data []byte) {
	select {
	case c.inbound <- data:
	case <-c.closed:
	}
}

func (c *MockChannel) Send(m Message) {
	data, err := sonic.Marshal(m)
	if err != nil {
		panic(err)
	}
	c.Deliver(data)
}

// Start acknowledges the session.
func (c *MockChannel) Start(sessionID string) {
	c.Send(Message{Type: MessageSessionStarted, SessionID: sessionID})
}

// CloseRemote closes the channel from the service side. Messages queued
// before it are still read first.
func (c *MockChannel) CloseRemote(code int, reason string) {
	c.closeWith(code, reason, false)
}

func (c *MockChannel) closeWith(code int, reason string, local bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason, c.localClose = code, reason, local
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *MockChannel) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		select {
		case data := <-c.inbound:
			return data, nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, &CloseError{Code: c.closeCode, Reason: c.closeReason}
	}
}

func (c *MockChannel) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrMockChannelClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *MockChannel) Close(code int, reason string) error {
	c.closeWith(code, reason, true)
	return nil
}

// Chunks decodes every audio message written by the client.
func (c *MockChannel) Chunks() []AudioChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AudioChunk, 0, len(c.written))
	for _, data := range c.written {
		var chunk AudioChunk
		if err := sonic.Unmarshal(data, &chunk); err == nil {
			out = append(out, chunk)
		}
	}
	return out
}

// ClosedBy reports the close code and reason and whether the client closed.
func (c *MockChannel) ClosedBy() (code int, reason string, local bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.localClose
}

func (c *MockChannel) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
