// Package segment splits streamed agent text into speakable chunks.
package segment

import (
	"strings"
	"sync"
	"unicode"
)

const (
	DefaultMinChunkSize = 20
	DefaultMaxChunkSize = 150
)

// Delimiters end a sentence.
const Delimiters = ".!?。！？\n"

type Option func(*Segmenter)

func WithMinChunkSize(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.minSize = n
		}
	}
}

func WithMaxChunkSize(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// Segmenter buffers text and releases it at sentence boundaries or once the
// buffer grows past the maximum size. Lengths are counted in runes.
type Segmenter struct {
	mu      sync.Mutex
	minSize int
	maxSize int
	buf     []rune
}

func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		minSize: DefaultMinChunkSize,
		maxSize: DefaultMaxChunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add appends fragment and returns a chunk when one is ready.
func (s *Segmenter) Add(fragment string) (string, bool) {
	if fragment == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, []rune(fragment)...)
	return s.extract()
}

func (s *Segmenter) extract() (string, bool) {
	if len(s.buf) >= s.minSize {
		if i := lastDelimiter(s.buf); i >= 0 {
			return s.take(i+1, i+1)
		}
	}
	if len(s.buf) >= s.maxSize {
		if i := lastSpace(s.buf); i > 0 {
			return s.take(i, i+1)
		}
	}
	return "", false
}

// take emits buf[:end] and keeps buf[rest:].
func (s *Segmenter) take(end, rest int) (string, bool) {
	chunk := strings.TrimSpace(string(s.buf[:end]))
	s.buf = append([]rune(nil), s.buf[rest:]...)
	if chunk == "" {
		return "", false
	}
	return chunk, true
}

// Flush returns whatever is buffered, trimmed, and clears the buffer.
func (s *Segmenter) Flush() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk := strings.TrimSpace(string(s.buf))
	s.buf = nil
	if chunk == "" {
		return "", false
	}
	return chunk, true
}

func (s *Segmenter) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}

func (s *Segmenter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func lastDelimiter(buf []rune) int {
	for i := len(buf) - 1; i >= 0; i-- {
		if strings.ContainsRune(Delimiters, buf[i]) {
			return i
		}
	}
	return -1
}

func lastSpace(buf []rune) int {
	for i := len(buf) - 1; i >= 0; i-- {
		if unicode.IsSpace(buf[i]) {
			return i
		}
	}
	return -1
}
