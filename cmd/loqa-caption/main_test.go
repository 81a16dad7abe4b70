package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/frames"
	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/loqalabs/loqa-caption/internal/stt"
)

func TestRendererFollowsDisplayNotifications(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{out: &buf}
	one := protocol.Output{Text: "one", End: time.Second}
	two := protocol.Output{Text: "two", Start: time.Second, End: 2 * time.Second}

	r.event(protocol.Status{Kind: protocol.StatusReady, Message: "Ready"})
	r.event(one)
	r.display(one, true)
	r.display(two, true)
	r.display(one, false)
	r.display(two, false)
	r.finish()

	got := buf.String()
	want := "[ready] Ready\n\r\033[K[00:00.0-00:01.0] one\r\033[K[00:01.0-00:02.0] two\r\033[K"
	if got != want {
		t.Fatalf("unexpected render:\n%q\nwant\n%q", got, want)
	}
}

func TestRendererTranscriptMode(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{out: &buf, transcript: true}
	one := protocol.Output{Text: "one", End: time.Second}
	r.event(one)
	r.display(one, true)
	r.event(protocol.Output{Text: "two", Start: 61500 * time.Millisecond, End: 62 * time.Second})
	r.display(one, false)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || lines[1] != "[01:01.5-01:02.0] two" {
		t.Fatalf("unexpected transcript %q", lines)
	}
}

func TestStatusBreaksLiveLine(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{out: &buf}
	r.display(protocol.Output{Text: "partial", End: time.Second}, true)
	r.event(protocol.Status{Kind: protocol.StatusDegraded, Message: "falling behind"})
	if !strings.HasSuffix(buf.String(), "partial\n[degraded] falling behind\n") {
		t.Fatalf("status did not start a new line: %q", buf.String())
	}
}

// slowRecognizer labels each window with its sequence after a fixed delay.
type slowRecognizer struct {
	delay time.Duration
}

func (s slowRecognizer) Load(context.Context) error { return nil }

func (s slowRecognizer) Infer(_ context.Context, w frames.Window) (stt.Hypothesis, bool, error) {
	time.Sleep(s.delay)
	return stt.Hypothesis{Text: fmt.Sprintf("w%d", w.Sequence)}, true, nil
}

func (s slowRecognizer) Close() error { return nil }

func writeClip(t *testing.T, sampleRate, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	data := make([]int, n)
	for i := range data {
		data[i] = 12000
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}, Data: data, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestCaptionFileRendersEveryWindowBeforeStopping(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.Mode = "wav"
	cfg.Audio.SampleRate = 1000
	cfg.Audio.BlockSize = 50
	cfg.Frames.WindowMS = 100
	cfg.Frames.QueueSize = 4
	cfg.Model.SilenceRMS = 0
	cfg.Audio.WAVPath = writeClip(t, 1000, 250)

	var buf bytes.Buffer
	screen := &renderer{out: &buf, transcript: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := captionFile(ctx, cfg, audio.NewWAVSource(cfg.Audio.WAVPath, false), slowRecognizer{delay: 150 * time.Millisecond}, screen, logger)
	if err != nil {
		t.Fatalf("caption file: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("captioning did not finish before the deadline")
	}

	var texts []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.HasPrefix(line, "[0") {
			texts = append(texts, line[strings.LastIndex(line, " ")+1:])
		}
	}
	if strings.Join(texts, ",") != "w0,w1,w2" {
		t.Fatalf("expected every window captioned, got %q in\n%s", texts, buf.String())
	}
}
