package shared

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterDeliversInRegistrationOrder(t *testing.T) {
	var e Emitter[int]
	var got []string
	e.On(func(v int) { got = append(got, "a") })
	e.On(func(v int) { got = append(got, "b") })
	e.Emit(1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestEmitterIsolatesPanics(t *testing.T) {
	e := NewEmitter[string](NewNopLogger())
	var received []string
	e.On(func(v string) { panic("listener exploded") })
	e.On(func(v string) { received = append(received, v) })

	assert.NotPanics(t, func() { e.Emit("hello") })
	assert.NotPanics(t, func() { e.Emit("again") })
	assert.Equal(t, []string{"hello", "again"}, received)
}

func TestEmitterOff(t *testing.T) {
	var e Emitter[int]
	count := 0
	off := e.On(func(int) { count++ })
	e.Emit(1)
	off()
	off()
	e.Emit(2)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, e.Len())
}

func TestEmitterOnce(t *testing.T) {
	var e Emitter[int]
	var got []int
	e.Once(func(v int) { got = append(got, v) })
	e.Emit(1)
	e.Emit(2)
	assert.Equal(t, []int{1}, got)
	assert.Equal(t, 0, e.Len())
}

func TestEmitterOnceConcurrentEmit(t *testing.T) {
	var e Emitter[int]
	var mu sync.Mutex
	calls := 0
	e.Once(func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(i)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestEmitterListenerMayUnsubscribeDuringEmit(t *testing.T) {
	var e Emitter[int]
	var off func()
	calls := 0
	off = e.On(func(int) {
		calls++
		off()
	})
	e.Emit(1)
	e.Emit(2)
	assert.Equal(t, 1, calls)
}

func TestEmitterClear(t *testing.T) {
	var e Emitter[int]
	e.On(func(int) {})
	e.On(func(int) {})
	assert.Equal(t, 2, e.Len())
	e.Clear()
	assert.Equal(t, 0, e.Len())
}
