// Package echo decides when captured audio may reach recognition and when
// the user is talking over synthesized speech.
package echo

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultCooldown          = 250 * time.Millisecond
	DefaultFramesRequired    = 3
	DefaultNormalThreshold   = 0.02
	DefaultElevatedThreshold = 0.08
)

type Options struct {
	// Cooldown keeps the gate closed after playback stops to absorb residual echo.
	Cooldown time.Duration
	// FramesRequired is the number of consecutive voiced frames that confirm a barge-in.
	FramesRequired    int
	NormalThreshold   float64
	ElevatedThreshold float64
	Clock             clockwork.Clock
}

func DefaultOptions() Options {
	return Options{
		Cooldown:          DefaultCooldown,
		FramesRequired:    DefaultFramesRequired,
		NormalThreshold:   DefaultNormalThreshold,
		ElevatedThreshold: DefaultElevatedThreshold,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Cooldown <= 0 {
		o.Cooldown = d.Cooldown
	}
	if o.FramesRequired <= 0 {
		o.FramesRequired = d.FramesRequired
	}
	if o.NormalThreshold <= 0 {
		o.NormalThreshold = d.NormalThreshold
	}
	if o.ElevatedThreshold <= 0 {
		o.ElevatedThreshold = d.ElevatedThreshold
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

type Gate struct {
	opts Options

	mu        sync.Mutex
	gated     bool
	playing   bool
	cooldown  bool
	frames    int
	threshold float64
	timer     clockwork.Timer
	// gen invalidates cooldown callbacks that fire after being superseded.
	gen uint64
}

func New(opts Options) *Gate {
	opts = opts.withDefaults()
	return &Gate{
		opts:      opts,
		threshold: opts.NormalThreshold,
	}
}

func (g *Gate) OnTTSStarted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCooldownLocked()
	g.gated = true
	if !g.playing {
		g.frames = 0
	}
	g.playing = true
	g.threshold = g.opts.ElevatedThreshold
}

func (g *Gate) OnTTSStopped() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCooldownLocked()
	g.playing = false
	g.cooldown = true
	gen := g.gen
	g.timer = g.opts.Clock.AfterFunc(g.opts.Cooldown, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.gen != gen {
			return
		}
		g.timer = nil
		g.cooldown = false
		g.gated = false
		g.threshold = g.opts.NormalThreshold
	})
}

func (g *Gate) OnBargeInDetected() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restoreLocked()
}

func (g *Gate) ShouldForwardAudio() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.gated
}

// ShouldTriggerBargeIn feeds one frame's voice decision, measured against
// BargeInThreshold, into the debounce counter.
func (g *Gate) ShouldTriggerBargeIn(hasVoice bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.playing {
		return false
	}
	if !hasVoice {
		g.frames = 0
		return false
	}
	g.frames++
	return g.frames >= g.opts.FramesRequired
}

func (g *Gate) BargeInThreshold() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threshold
}

func (g *Gate) IsGated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gated
}

func (g *Gate) IsTTSPlaying() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.playing
}

func (g *Gate) CooldownActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldown
}

func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restoreLocked()
}

func (g *Gate) Destroy() {
	g.Reset()
}

func (g *Gate) restoreLocked() {
	g.cancelCooldownLocked()
	g.gated = false
	g.playing = false
	g.frames = 0
	g.threshold = g.opts.NormalThreshold
}

func (g *Gate) cancelCooldownLocked() {
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.cooldown = false
}
