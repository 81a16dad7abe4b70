// Package stt runs speech recognition over queued audio windows.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/frames"
	"github.com/loqalabs/loqa-caption/internal/protocol"
)

var (
	// ErrModelLoad is fatal to the session that started the worker.
	ErrModelLoad = errors.New("stt: model load failed")
	// ErrInference marks a single window the recognizer could not transcribe.
	ErrInference = errors.New("stt: inference failed")
)

// Hypothesis is a recognizer result. Start and End are relative to the window;
// a zero End means the end of the window. A zero Duration defers to the
// session's display setting.
type Hypothesis struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Duration   protocol.Duration
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Load(ctx context.Context) error
	// Infer reports ok=false when the window holds nothing to transcribe.
	Infer(ctx context.Context, w frames.Window) (Hypothesis, bool, error)
	Close() error
}

// NewRecognizer builds the backend selected by model.mode.
func NewRecognizer(cfg config.ModelConfig, logger *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(cfg), nil
	case "exec":
		return NewExecRecognizer(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown model mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
