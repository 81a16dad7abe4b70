package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/frames"
)

// execRecognizer shells out to an external transcriber once per window.
type execRecognizer struct {
	cmd  []string
	cfg  config.ModelConfig
	log  *slog.Logger
	mu   sync.Mutex
	path string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
}

func NewExecRecognizer(cfg config.ModelConfig, logger *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	return &execRecognizer{
		cmd: args,
		cfg: cfg,
		log: logger.With(slog.String("component", "stt.exec")),
	}, nil
}

// Load resolves the binary and checks that the model file exists.
func (r *execRecognizer) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := exec.LookPath(r.cmd[0])
	if err != nil {
		return fmt.Errorf("resolve model command: %w", err)
	}
	if r.cfg.ModelPath != "" {
		if _, err := os.Stat(r.cfg.ModelPath); err != nil {
			return fmt.Errorf("stat model: %w", err)
		}
	}
	r.mu.Lock()
	r.path = path
	r.mu.Unlock()
	r.log.Info("model command resolved", slog.String("path", path), slog.String("model", r.cfg.ModelPath))
	return nil
}

func (r *execRecognizer) Infer(ctx context.Context, w frames.Window) (Hypothesis, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path == "" {
		return Hypothesis{}, false, fmt.Errorf("model not loaded")
	}

	file, err := os.CreateTemp("", "loqa_caption_*.wav")
	if err != nil {
		return Hypothesis{}, false, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWindowToWav(file, w); err != nil {
		return Hypothesis{}, false, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.path, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Hypothesis{}, false, fmt.Errorf("model command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Hypothesis{}, false, fmt.Errorf("decode model response: %w", err)
	}
	if resp.Text == "" {
		return Hypothesis{}, false, nil
	}
	return Hypothesis{
		Text:       resp.Text,
		Start:      time.Duration(resp.StartMS) * time.Millisecond,
		End:        time.Duration(resp.EndMS) * time.Millisecond,
		Confidence: resp.Confidence,
	}, true, nil
}

func (r *execRecognizer) Close() error { return nil }

func writeWindowToWav(file *os.File, w frames.Window) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: w.SampleRate},
		Data:           make([]int, len(w.Samples)),
		SourceBitDepth: 16,
	}
	for i, s := range w.Samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		buffer.Data[i] = int(s * 32767)
	}

	enc := wav.NewEncoder(file, w.SampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
