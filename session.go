package voice

import (
	"time"

	"github.com/bt-bridge/voice-core/shared"
)

// State is the lifecycle state of the Service.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateListening    State = "listening"
	StateProcessing   State = "processing"
	StateSpeaking     State = "speaking"
	StateError        State = "error"
)

// reconnectable reports whether a closed recognition link should be replaced
// while in s. Closures during initializing belong to StartSession.
func (s State) reconnectable() bool {
	switch s {
	case StateListening, StateProcessing, StateSpeaking:
		return true
	}
	return false
}

// Session is a snapshot of the active session. The Service owns the live
// copy; callers only ever see values returned by Service.Session.
type Session struct {
	ID                string
	State             State
	StartedAt         time.Time
	Config            Config
	PartialTranscript string
	Playing           bool
	LastError         *shared.VoiceError
}

func (s Session) Active() bool { return s.ID != "" }
