package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type capture struct {
	mu     sync.Mutex
	blocks []Block
	errs   chan error
}

func newCapture() *capture {
	return &capture{errs: make(chan error, 1)}
}

func (c *capture) handler() Handler {
	return Handler{
		OnBlock: func(b Block) {
			c.mu.Lock()
			c.blocks = append(c.blocks, b)
			c.mu.Unlock()
		},
		OnError: func(err error) { c.errs <- err },
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestToneSourceDeliversFixedBlocks(t *testing.T) {
	src := NewToneSource(440, 20*time.Millisecond, 20*time.Millisecond)
	c := newCapture()
	format := Format{SampleRate: 16000, BlockSize: 64}
	if err := src.Start(context.Background(), format, c.handler()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })

	waitFor(t, func() bool { return c.count() >= 5 })

	if err := src.Start(context.Background(), format, c.handler()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range c.blocks {
		if len(b.Samples) != format.BlockSize {
			t.Fatalf("block %d has %d samples", i, len(b.Samples))
		}
		if b.Sequence != uint64(i) {
			t.Fatalf("block %d has sequence %d", i, b.Sequence)
		}
	}
}

func TestStopHaltsDelivery(t *testing.T) {
	src := NewToneSource(220, 10*time.Millisecond, 0)
	c := newCapture()
	if err := src.Start(context.Background(), Format{SampleRate: 8000, BlockSize: 32}, c.handler()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return c.count() > 0 })
	_ = src.Stop()
	n := c.count()
	time.Sleep(30 * time.Millisecond)
	if c.count() != n {
		t.Fatalf("blocks delivered after stop")
	}
	select {
	case err := <-c.errs:
		t.Fatalf("unexpected error after stop: %v", err)
	default:
	}
}

func TestSourceRejectsBadFormat(t *testing.T) {
	src := NewToneSource(440, time.Millisecond, 0)
	if err := src.Start(context.Background(), Format{SampleRate: 0, BlockSize: 128}, newCapture().handler()); err == nil {
		t.Fatalf("expected format error")
	}
	if err := src.Start(context.Background(), Format{SampleRate: 16000, BlockSize: 128}, Handler{}); err == nil {
		t.Fatalf("expected nil handler error")
	}
}

func writeTestWAV(t *testing.T, sampleRate, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	data := make([]int, frames)
	for i := range data {
		data[i] = 8000
	}
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}, Data: data, SourceBitDepth: 16}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestReadWAVResamples(t *testing.T) {
	path := writeTestWAV(t, 8000, 800)
	samples, err := ReadWAV(path, 16000)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if len(samples) != 1600 {
		t.Fatalf("expected 1600 samples, got %d", len(samples))
	}
	if samples[10] < 0.24 || samples[10] > 0.25 {
		t.Fatalf("unexpected amplitude %v", samples[10])
	}
}

func TestWAVSourceReportsEndOfStream(t *testing.T) {
	path := writeTestWAV(t, 16000, 640)
	src := NewWAVSource(path, false)
	c := newCapture()
	if err := src.Start(context.Background(), Format{SampleRate: 16000, BlockSize: 160}, c.handler()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-c.errs:
		var devErr *DeviceError
		if !errors.As(err, &devErr) || !errors.Is(err, ErrStreamEnded) {
			t.Fatalf("expected stream ended device error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for end of stream")
	}
	if got := c.count(); got != 4 {
		t.Fatalf("expected 4 blocks, got %d", got)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("stop after end: %v", err)
	}
}

func TestWAVSourceMissingFile(t *testing.T) {
	src := NewWAVSource(filepath.Join(t.TempDir(), "missing.wav"), false)
	err := src.Start(context.Background(), Format{SampleRate: 16000, BlockSize: 128}, newCapture().handler())
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected device error, got %v", err)
	}
}
