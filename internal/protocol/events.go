package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Event is either a Status or an Output. The set is closed; listeners switch on
// the concrete type.
type Event interface {
	isEvent()
}

// StatusKind describes pipeline lifecycle, never transcript content.
type StatusKind string

const (
	StatusLoading  StatusKind = "loading"
	StatusReady    StatusKind = "ready"
	StatusError    StatusKind = "error"
	StatusDegraded StatusKind = "degraded"
)

// Origin names the stage that raised a status.
type Origin string

const (
	OriginAudio   Origin = "audio"
	OriginModel   Origin = "model"
	OriginSession Origin = "session"
)

// Status reports pipeline lifecycle changes.
type Status struct {
	Kind    StatusKind
	Message string
	Origin  Origin
}

// Output is one transcript segment. Start and End are offsets from the start of
// the session's audio stream.
type Output struct {
	Text     string
	Start    time.Duration
	End      time.Duration
	Duration Duration
}

func (Status) isEvent() {}
func (Output) isEvent() {}

// Fatal reports whether the status terminates a session.
func (s Status) Fatal() bool { return s.Kind == StatusError }

// Duration is either UntilNext or an explicit display time.
type Duration struct {
	untilNext bool
	d         time.Duration
}

// UntilNext keeps a segment visible until a later Output replaces it.
var UntilNext = Duration{untilNext: true}

const untilNextToken = "until_next"

// For returns an explicit display duration. Non-positive values collapse to UntilNext.
func For(d time.Duration) Duration {
	if d <= 0 {
		return UntilNext
	}
	return Duration{d: d}
}

// Millis is For expressed in milliseconds.
func Millis(ms int64) Duration {
	return For(time.Duration(ms) * time.Millisecond)
}

// IsZero reports an unset duration (neither UntilNext nor explicit).
func (d Duration) IsZero() bool { return !d.untilNext && d.d == 0 }

// UntilNext reports whether the segment stays until superseded.
func (d Duration) UntilNext() bool { return d.untilNext }

// Value returns the explicit duration and true, or zero and false.
func (d Duration) Value() (time.Duration, bool) {
	if d.untilNext || d.d == 0 {
		return 0, false
	}
	return d.d, true
}

func (d Duration) String() string {
	if d.untilNext {
		return untilNextToken
	}
	return strconv.FormatInt(d.d.Milliseconds(), 10)
}

// ParseDuration accepts "until_next" or an integer number of milliseconds.
func ParseDuration(s string) (Duration, error) {
	if s == untilNextToken {
		return UntilNext, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Duration{}, fmt.Errorf("parse duration %q: want %q or milliseconds", s, untilNextToken)
	}
	if ms <= 0 {
		return Duration{}, fmt.Errorf("parse duration %q: milliseconds must be positive", s)
	}
	return Millis(ms), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d.untilNext {
		return json.Marshal(untilNextToken)
	}
	return []byte(strconv.FormatInt(d.d.Milliseconds(), 10)), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != untilNextToken {
			return fmt.Errorf("duration: unknown token %q", s)
		}
		*d = UntilNext
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Millis(ms)
	return nil
}

// Encode wraps an event in its wire envelope.
func Encode(sessionID string, sequence uint64, evt Event, at time.Time) (Envelope, error) {
	env := Envelope{SessionID: sessionID, Sequence: sequence, Timestamp: at.UTC()}
	switch e := evt.(type) {
	case Status:
		env.Type = TypeStatus
		env.Kind = string(e.Kind)
		env.Origin = string(e.Origin)
		env.Message = e.Message
	case Output:
		env.Type = TypeOutput
		env.Message = e.Text
		start, end := e.Start.Milliseconds(), e.End.Milliseconds()
		dur := e.Duration
		env.Start, env.End, env.Duration = &start, &end, &dur
	default:
		return Envelope{}, fmt.Errorf("encode event: unsupported type %T", evt)
	}
	return env, nil
}

// Decode turns an envelope back into an event.
func Decode(env Envelope) (Event, error) {
	switch env.Type {
	case TypeStatus:
		return Status{Kind: StatusKind(env.Kind), Message: env.Message, Origin: Origin(env.Origin)}, nil
	case TypeOutput:
		if env.Start == nil || env.End == nil {
			return nil, errors.New("decode output: start and end are required")
		}
		out := Output{
			Text:  env.Message,
			Start: time.Duration(*env.Start) * time.Millisecond,
			End:   time.Duration(*env.End) * time.Millisecond,
		}
		if env.Duration != nil {
			out.Duration = *env.Duration
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", env.Type)
	}
}
