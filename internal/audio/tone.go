package audio

import (
	"context"
	"fmt"
	"math"
	"time"
)

// ToneSource is a synthetic input that alternates a sine burst with silence.
type ToneSource struct {
	freq      float64
	amplitude float32
	burst     time.Duration
	gap       time.Duration
	player
}

func NewToneSource(freqHz int, burst, gap time.Duration) *ToneSource {
	return &ToneSource{
		freq:      float64(freqHz),
		amplitude: 0.3,
		burst:     burst,
		gap:       gap,
		player:    player{device: fmt.Sprintf("tone:%dHz", freqHz)},
	}
}

func (s *ToneSource) Start(ctx context.Context, format Format, handler Handler) error {
	if err := format.validate(); err != nil {
		return err
	}
	return s.start(ctx, format, handler, s.pattern(format.SampleRate), true)
}

func (s *ToneSource) Stop() error { return s.halt() }

func (s *ToneSource) pattern(sampleRate int) []float32 {
	burst := int(s.burst.Seconds() * float64(sampleRate))
	gap := int(s.gap.Seconds() * float64(sampleRate))
	out := make([]float32, burst+gap)
	for i := 0; i < burst; i++ {
		phase := 2 * math.Pi * s.freq * float64(i) / float64(sampleRate)
		out[i] = s.amplitude * float32(math.Sin(phase))
	}
	return out
}
