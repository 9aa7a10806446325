package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Printer writes indented, multi-line text to one or more hooks. It is safe
// for concurrent use; each call is written atomically with respect to others.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []StringWriteCloser
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{
		indStr: indentString,
		hooks:  hooks,
	}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeIndented(s, ind)
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeIndented(s, ind); err != nil {
		return err
	}
	return p.writeRaw("\n")
}

// Block writes a title line followed by body indented one level deeper.
func (p *Printer) Block(title, body string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeIndented(title, ind); err != nil {
		return err
	}
	if err := p.writeRaw("\n"); err != nil {
		return err
	}
	if err := p.writeIndented(strings.TrimRight(body, "\n"), ind+1); err != nil {
		return err
	}
	return p.writeRaw("\n")
}

func (p *Printer) writeIndented(s string, ind int) error {
	indent := strings.Repeat(p.indStr, ind)
	first := true
	for line := range strings.SplitSeq(s, "\n") {
		if first {
			line = indent + line
			first = false
		} else {
			line = "\n" + indent + line
		}
		if err := p.writeRaw(line); err != nil {
			return err
		}
	}
	return nil
}

func (p *Printer) writeRaw(s string) error {
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			errs = append(errs, fmt.Errorf("on closing hook: %w", err))
		}
	}
	return errors.Join(errs...)
}
