package shared

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	bytes.Buffer
	closed bool
}

func (b *bufferHook) Close() error {
	b.closed = true
	return nil
}

func TestPrinter(t *testing.T) {
	hook := &bufferHook{}
	p, err := NewPrinter("│ ", hook)
	require.NoError(t, err)

	require.NoError(t, p.Writeln("first\nsecond", 1))
	require.NoError(t, p.Block("event", "type: barge-in\n", 0))
	require.NoError(t, p.Close())

	assert.Equal(t, "│ first\n│ second\nevent\n│ type: barge-in\n", hook.String())
	assert.True(t, hook.closed)
}

func TestNewPrinterRejectsMissingHooks(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)

	_, err = NewPrinter("  ", nil)
	assert.Error(t, err)
}
