package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/frames"
)

// mockRecognizer reports the length of every window that carries signal.
type mockRecognizer struct {
	delay time.Duration
	floor float64
}

func NewMockRecognizer(cfg config.ModelConfig) Recognizer {
	return &mockRecognizer{
		delay: time.Duration(cfg.MockLoadDelayMS) * time.Millisecond,
		floor: cfg.SilenceRMS,
	}
}

func (m *mockRecognizer) Load(ctx context.Context) error {
	if m.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *mockRecognizer) Infer(_ context.Context, w frames.Window) (Hypothesis, bool, error) {
	if audio.RMS(w.Samples) <= m.floor {
		return Hypothesis{}, false, nil
	}
	return Hypothesis{
		Text: fmt.Sprintf("[speech %dms]", w.Length().Milliseconds()),
	}, true, nil
}

func (m *mockRecognizer) Close() error { return nil }
