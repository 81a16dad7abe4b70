package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Envelope is the JSON shape used when events leave the process (bus mirror, journal).
type Envelope struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	// status
	Kind   string `json:"kind,omitempty"`
	Origin string `json:"origin,omitempty"`

	// status message or output text
	Message string `json:"message"`

	// output
	Start    *int64    `json:"start,omitempty"`
	End      *int64    `json:"end,omitempty"`
	Duration *Duration `json:"duration,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectCaptionStatus    = "caption.status"
	SubjectCaptionOutput    = "caption.output"
)

const (
	TypeStatus = "status"
	TypeOutput = "output"
)
