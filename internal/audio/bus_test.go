package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/natsserver"
	"github.com/loqalabs/loqa-caption/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connectBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Port = -1
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func pcmFrame(samples int, value int16, final bool) protocol.AudioFrame {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(value))
	}
	return protocol.AudioFrame{DeviceID: "kitchen", SampleRate: 16000, Channels: 1, PCM: pcm, Final: final}
}

func TestBusSourceReblocksFrames(t *testing.T) {
	client := connectBus(t)
	src := NewBusSource(client, "kitchen", newLogger())
	c := newCapture()
	format := Format{SampleRate: 16000, BlockSize: 128}
	if err := src.Start(context.Background(), format, c.handler()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })
	if err := client.Flush(t.Context()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	subject := protocol.SubjectAudioFramePrefix + ".kitchen"
	for i := 0; i < 3; i++ {
		if err := client.PublishJSON(subject, pcmFrame(100, 8192, false)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, func() bool { return c.count() == 2 })

	if err := client.PublishJSON(subject, pcmFrame(84, 8192, true)); err != nil {
		t.Fatalf("publish final: %v", err)
	}
	select {
	case err := <-c.errs:
		if !errors.Is(err, ErrStreamEnded) {
			t.Fatalf("expected stream ended, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for end of stream")
	}
	if got := c.count(); got != 3 {
		t.Fatalf("expected 3 blocks, got %d", got)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocks {
		if len(b.Samples) != 128 {
			t.Fatalf("block of %d samples", len(b.Samples))
		}
	}
}

func TestBusSourceRejectsMalformedFrames(t *testing.T) {
	client := connectBus(t)
	src := NewBusSource(client, "hall", newLogger())
	c := newCapture()
	if err := src.Start(context.Background(), Format{SampleRate: 16000, BlockSize: 64}, c.handler()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := src.Start(context.Background(), Format{SampleRate: 16000, BlockSize: 64}, c.handler()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	_ = client.Flush(t.Context())

	frame := pcmFrame(10, 1, false)
	frame.PCM = frame.PCM[:3]
	if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".hall", frame); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-c.errs:
		var devErr *DeviceError
		if !errors.As(err, &devErr) || devErr.Device != "bus:hall" {
			t.Fatalf("expected device error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for framing error")
	}
	waitFor(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.sub == nil
	})
}
