package audio

import (
	"context"
	"sync"
	"sync/atomic"
)

// MockSource is an in-memory Source for tests and headless runs.
type MockSource struct {
	mu      sync.Mutex
	openErr error
	caps    Capabilities
	streams []*MockStream
	opened  chan *MockStream
}

func NewMockSource() *MockSource {
	return &MockSource{
		caps:   Capabilities{SampleRate: DefaultTargetSampleRate},
		opened: make(chan *MockStream, 8),
	}
}

// FailWith makes the next Open calls return err.
func (m *MockSource) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

func (m *MockSource) SetCapabilities(c Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = c
}

func (m *MockSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	caps := m.caps
	if caps.SampleRate == 0 {
		caps.SampleRate = c.SampleRate
	}
	s := &MockStream{
		blocks: make(chan Block),
		closed: make(chan struct{}),
		caps:   caps,
	}
	s.active.Store(true)
	m.streams = append(m.streams, s)
	select {
	case m.opened <- s:
	default:
	}
	return s, nil
}

// Opened delivers each stream as it is opened.
func (m *MockSource) Opened() <-chan *MockStream {
	return m.opened
}

// Last returns the most recently opened stream, or nil.
func (m *MockSource) Last() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

type MockStream struct {
	blocks    chan Block
	closed    chan struct{}
	closeOnce sync.Once
	caps      Capabilities
	active    atomic.Bool
	resumes   atomic.Int32
}

var _ Stream = (*MockStream)(nil)

// Push hands a block to the reader. It returns false once the stream is closed.
func (s *MockStream) Push(b Block) bool {
	select {
	case s.blocks <- b:
		return true
	case <-s.closed:
		return false
	}
}

// PushSamples pushes samples at the stream's sample rate.
func (s *MockStream) PushSamples(samples []float32) bool {
	return s.Push(Block{Samples: samples, SampleRate: s.caps.SampleRate})
}

// End marks the device as no longer delivering without closing the stream.
func (s *MockStream) End() {
	s.active.Store(false)
}

func (s *MockStream) Read(ctx context.Context) (Block, error) {
	select {
	case b := <-s.blocks:
		return b, nil
	case <-s.closed:
		return Block{}, ErrStreamEnded
	case <-ctx.Done():
		return Block{}, ctx.Err()
	}
}

func (s *MockStream) Capabilities() Capabilities { return s.caps }

func (s *MockStream) Active() bool { return s.active.Load() }

func (s *MockStream) Resume() error {
	s.resumes.Add(1)
	return nil
}

// Resumes counts Resume calls.
func (s *MockStream) Resumes() int { return int(s.resumes.Load()) }

func (s *MockStream) Close() error {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		close(s.closed)
	})
	return nil
}

func (s *MockStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
