package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

const (
	EventTypeStateChanged        EventType = "state:changed"
	EventTypeSessionStarted      EventType = "session:started"
	EventTypeSessionEnded        EventType = "session:ended"
	EventTypeTranscriptPartial   EventType = "transcript:partial"
	EventTypeTranscriptCommitted EventType = "transcript:committed"
	EventTypeSpeakingStarted     EventType = "speaking:started"
	EventTypeSpeakingEnded       EventType = "speaking:ended"
	EventTypeListeningStarted    EventType = "listening:started"
	EventTypeListeningStopped    EventType = "listening:stopped"
	EventTypeBargeIn             EventType = "barge-in"
	EventTypeError               EventType = "error"
)

// Event is one notification to collaborators of the Service.
type Event struct {
	Type  EventType
	Param EventParam
}

type EventHandler func(event *Event)

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

func newParam(t EventType) (EventParam, error) {
	switch t {
	case EventTypeStateChanged:
		return new(EventParamStateChanged), nil
	case EventTypeSessionStarted:
		return new(EventParamSessionStarted), nil
	case EventTypeSessionEnded:
		return new(EventParamSessionEnded), nil
	case EventTypeTranscriptPartial, EventTypeTranscriptCommitted, EventTypeSpeakingStarted:
		return new(EventParamText), nil
	case EventTypeSpeakingEnded, EventTypeListeningStarted, EventTypeListeningStopped, EventTypeBargeIn:
		return new(EventParamEmpty), nil
	case EventTypeError:
		return new(EventParamError), nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
}

func (e *Event) fields() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["type"] = e.Type
	return resp, nil
}

func (e *Event) fromFields(raw map[string]any) error {
	v, ok := raw["type"].(string)
	if !ok {
		return errors.New("missing type")
	}
	delete(raw, "type")
	e.Type = EventType(v)
	param, err := newParam(e.Type)
	if err != nil {
		return err
	}
	e.Param = param
	return e.Param.New(raw)
}

func (e *Event) MarshalJSON() ([]byte, error) {
	resp, err := e.fields()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromFields(raw)
}

func (e *Event) MarshalYAML() ([]byte, error) {
	resp, err := e.fields()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *Event) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.fromFields(raw)
}

// Helpers for number conversions
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

// state:changed
type EventParamStateChanged struct {
	State         State
	PreviousState State
}

func (p *EventParamStateChanged) New(m map[string]any) error {
	if v, ok := m["state"].(string); ok {
		p.State = State(v)
	} else {
		return errors.New("missing state")
	}
	if v, ok := m["previousState"].(string); ok {
		p.PreviousState = State(v)
	} else {
		return errors.New("missing previousState")
	}
	return nil
}

func (p *EventParamStateChanged) Json() map[string]any {
	return map[string]any{
		"state":         string(p.State),
		"previousState": string(p.PreviousState),
	}
}

// session:started
type EventParamSessionStarted struct {
	ID        string
	StartedAt time.Time
}

func (p *EventParamSessionStarted) New(m map[string]any) error {
	if v, ok := m["id"].(string); ok {
		p.ID = v
	} else {
		return errors.New("missing id")
	}
	switch v := m["startedAt"].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("parsing startedAt: %w", err)
		}
		p.StartedAt = t
	case time.Time:
		p.StartedAt = v
	default:
		return errors.New("missing startedAt")
	}
	return nil
}

func (p *EventParamSessionStarted) Json() map[string]any {
	return map[string]any{
		"id":        p.ID,
		"startedAt": p.StartedAt.Format(time.RFC3339Nano),
	}
}

// session:ended, duration in milliseconds on the wire
type EventParamSessionEnded struct {
	SessionID string
	Duration  time.Duration
}

func (p *EventParamSessionEnded) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok {
		p.SessionID = v
	} else {
		return errors.New("missing sessionId")
	}
	if v, ok := asInt64(m["duration"]); ok {
		p.Duration = time.Duration(v) * time.Millisecond
	} else {
		return errors.New("missing duration")
	}
	return nil
}

func (p *EventParamSessionEnded) Json() map[string]any {
	return map[string]any{
		"sessionId": p.SessionID,
		"duration":  p.Duration.Milliseconds(),
	}
}

// transcript:partial, transcript:committed, speaking:started
type EventParamText struct {
	Text string
}

func (p *EventParamText) New(m map[string]any) error {
	if v, ok := m["text"].(string); ok {
		p.Text = v
	} else {
		return errors.New("missing text")
	}
	return nil
}

func (p *EventParamText) Json() map[string]any {
	return map[string]any{
		"text": p.Text,
	}
}

type EventParamEmpty struct{}

func (p *EventParamEmpty) New(map[string]any) error {
	return nil
}

func (p *EventParamEmpty) Json() map[string]any {
	return map[string]any{}
}

// error
type EventParamError struct {
	Code        shared.ErrorCode
	Message     string
	Suggestion  string
	Recoverable bool
}

func newErrorParam(err *shared.VoiceError) *EventParamError {
	return &EventParamError{
		Code:        err.Code(),
		Message:     err.Message(),
		Suggestion:  err.Suggestion(),
		Recoverable: err.Recoverable(),
	}
}

func (p *EventParamError) New(m map[string]any) error {
	if v, ok := m["code"].(string); ok {
		p.Code = shared.ErrorCode(v)
	} else {
		return errors.New("missing code")
	}
	if v, ok := m["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	if v, ok := m["suggestion"].(string); ok {
		p.Suggestion = v
	}
	if v, ok := m["recoverable"].(bool); ok {
		p.Recoverable = v
	}
	return nil
}

func (p *EventParamError) Json() map[string]any {
	return map[string]any{
		"code":        string(p.Code),
		"message":     p.Message,
		"suggestion":  p.Suggestion,
		"recoverable": p.Recoverable,
	}
}
