package frames

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/loqalabs/loqa-caption/internal/audio"
)

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i)
	}
	return out
}

func drain(b *Buffer) []Window {
	var out []Window
	for {
		w, ok := b.Pop()
		if !ok {
			return out
		}
		out = append(out, w)
	}
}

func TestNewValidates(t *testing.T) {
	cases := []Config{
		{WindowSamples: 0, QueueSize: 1},
		{WindowSamples: 10, OverlapSamples: 10, QueueSize: 1},
		{WindowSamples: 10, OverlapSamples: -1, QueueSize: 1},
		{WindowSamples: 10, QueueSize: 0},
		{WindowSamples: 10, QueueSize: 1, Policy: "block"},
	}
	for i, cfg := range cases {
		if _, err := New(cfg, 16000); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, cfg)
		}
	}
	if _, err := New(Config{WindowSamples: 10, QueueSize: 1}, 0); err == nil {
		t.Fatalf("expected sample rate error")
	}
}

func TestWindowsReconstructStream(t *testing.T) {
	const window = 160
	b, err := New(Config{WindowSamples: window, QueueSize: 1000}, 16000)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	pushed := 0
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(400)
		b.Push(audio.Block{Samples: ramp(pushed, n), SampleRate: 16000})
		pushed += n
	}

	windows := drain(b)
	var stream []float32
	for i, w := range windows {
		if len(w.Samples) != window {
			t.Fatalf("window %d has %d samples", i, len(w.Samples))
		}
		if w.Sequence != uint64(i) {
			t.Fatalf("window %d has sequence %d", i, w.Sequence)
		}
		if w.Offset != int64(i*window) {
			t.Fatalf("window %d offset %d", i, w.Offset)
		}
		stream = append(stream, w.Samples...)
	}
	rem := b.Remainder()
	if len(rem) >= window {
		t.Fatalf("remainder %d not shorter than window", len(rem))
	}
	stream = append(stream, rem...)
	if len(stream) != pushed {
		t.Fatalf("expected %d samples, reconstructed %d", pushed, len(stream))
	}
	for i, s := range stream {
		if s != float32(i) {
			t.Fatalf("sample %d = %v", i, s)
		}
	}
}

func TestLargeBlockEmitsSeveralWindows(t *testing.T) {
	b, _ := New(Config{WindowSamples: 100, QueueSize: 8}, 1000)
	b.Push(audio.Block{Samples: ramp(0, 350)})
	if b.Len() != 3 {
		t.Fatalf("expected 3 windows, got %d", b.Len())
	}
	if got := len(b.Remainder()); got != 50 {
		t.Fatalf("expected remainder 50, got %d", got)
	}
}

func TestDropOldestKeepsFIFO(t *testing.T) {
	var dropped []Window
	b, _ := New(Config{WindowSamples: 10, QueueSize: 2}, 1000, WithOnDrop(func(w Window) { dropped = append(dropped, w) }))
	for i := 0; i < 3; i++ {
		b.Push(audio.Block{Samples: ramp(i*10, 10)})
	}
	if b.Dropped() != 1 || len(dropped) != 1 || dropped[0].Sequence != 0 {
		t.Fatalf("expected window 0 dropped, got %d drops %+v", b.Dropped(), dropped)
	}
	windows := drain(b)
	if len(windows) != 2 || windows[0].Sequence != 1 || windows[1].Sequence != 2 {
		t.Fatalf("unexpected queue order: %+v", windows)
	}
}

func TestDropNewestKeepsQueued(t *testing.T) {
	b, _ := New(Config{WindowSamples: 10, QueueSize: 2, Policy: DropNewest}, 1000)
	for i := 0; i < 3; i++ {
		b.Push(audio.Block{Samples: ramp(i*10, 10)})
	}
	windows := drain(b)
	if len(windows) != 2 || windows[0].Sequence != 0 || windows[1].Sequence != 1 {
		t.Fatalf("unexpected queue after drop_newest: %+v", windows)
	}
	if b.Dropped() != 1 {
		t.Fatalf("expected one drop, got %d", b.Dropped())
	}
}

func TestOverlapRepeatsTail(t *testing.T) {
	b, _ := New(Config{WindowSamples: 10, OverlapSamples: 4, QueueSize: 8}, 1000)
	b.Push(audio.Block{Samples: ramp(0, 22)})
	windows := drain(b)
	if len(windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(windows))
	}
	for i, w := range windows {
		if w.Offset != int64(i*6) {
			t.Fatalf("window %d offset %d", i, w.Offset)
		}
		if w.Samples[0] != float32(i*6) {
			t.Fatalf("window %d starts at %v", i, w.Samples[0])
		}
	}
	if rem := b.Remainder(); len(rem) != 4 || rem[0] != 18 {
		t.Fatalf("unexpected remainder %v", rem)
	}
}

func TestPushNeverBlocks(t *testing.T) {
	b, _ := New(Config{WindowSamples: 16, QueueSize: 2}, 16000)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Push(audio.Block{Samples: make([]float32, 16)})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("push blocked without a consumer")
	}
	if b.Len() != 2 {
		t.Fatalf("queue exceeded bound: %d", b.Len())
	}
	if b.Dropped() != 998 {
		t.Fatalf("expected 998 drops, got %d", b.Dropped())
	}
}

func TestReadySignalsConsumer(t *testing.T) {
	b, _ := New(Config{WindowSamples: 4, QueueSize: 4}, 1000)
	b.Push(audio.Block{Samples: ramp(0, 4)})
	select {
	case <-b.Ready():
	default:
		t.Fatalf("expected ready signal")
	}
	b.Enqueue(Window{Samples: ramp(0, 4), SampleRate: 1000, Sequence: 99})
	windows := drain(b)
	if len(windows) != 2 || windows[1].Sequence != 99 {
		t.Fatalf("unexpected windows %+v", windows)
	}
}

func TestWindowTiming(t *testing.T) {
	start := time.Unix(1700000000, 0)
	b, _ := New(Config{WindowSamples: 8000, QueueSize: 4}, 16000)
	b.Push(audio.Block{Samples: make([]float32, 4000), Captured: start})
	b.Push(audio.Block{Samples: make([]float32, 8000), Captured: start.Add(250 * time.Millisecond)})
	windows := drain(b)
	if len(windows) != 1 {
		t.Fatalf("expected one window, got %d", len(windows))
	}
	if !windows[0].Captured.Equal(start) {
		t.Fatalf("unexpected capture time %v", windows[0].Captured)
	}
	b.Push(audio.Block{Samples: make([]float32, 4000), Captured: start.Add(750 * time.Millisecond)})
	w, ok := b.Pop()
	if !ok {
		t.Fatalf("expected second window")
	}
	if w.StartOffset() != 500*time.Millisecond || w.Length() != 500*time.Millisecond {
		t.Fatalf("unexpected timing start=%v len=%v", w.StartOffset(), w.Length())
	}
	if !w.Captured.Equal(start.Add(500 * time.Millisecond)) {
		t.Fatalf("unexpected capture time %v", w.Captured)
	}
}

func TestFlushQueuesTrailingSamples(t *testing.T) {
	b, _ := New(Config{WindowSamples: 4, QueueSize: 4}, 1000)
	b.Push(audio.Block{Samples: ramp(0, 10)})
	if !b.Flush() {
		t.Fatalf("expected the carryover to be flushed")
	}
	windows := drain(b)
	if len(windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(windows))
	}
	last := windows[2]
	if last.Offset != 8 || last.Sequence != 2 || len(last.Samples) != 2 || last.Samples[1] != 9 {
		t.Fatalf("unexpected flushed window %+v", last)
	}
	if last.Length() != 2*time.Millisecond {
		t.Fatalf("flushed window length %v", last.Length())
	}
	if b.Flush() {
		t.Fatalf("second flush should have nothing to queue")
	}
	if len(b.Remainder()) != 0 {
		t.Fatalf("flush left a carryover")
	}
}

func TestFlushSkipsOverlapTail(t *testing.T) {
	b, _ := New(Config{WindowSamples: 4, OverlapSamples: 2, QueueSize: 4}, 1000)
	b.Push(audio.Block{Samples: ramp(0, 4)})
	if b.Flush() {
		t.Fatalf("overlap tail was already transcribed and must not be flushed")
	}
	b.Push(audio.Block{Samples: ramp(4, 1)})
	if !b.Flush() {
		t.Fatalf("expected a flushed window")
	}
	windows := drain(b)
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if got := windows[1]; got.Offset != 2 || len(got.Samples) != 3 || got.Samples[2] != 4 {
		t.Fatalf("unexpected flushed window %+v", got)
	}
}

func TestMetricsCarryAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	b, err := New(Config{WindowSamples: 2, QueueSize: 1}, 1000,
		WithMeter(provider.Meter("test")),
		WithAttributes(attribute.String("audio.mode", "wav")))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b.Push(audio.Block{Samples: ramp(0, 6)})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var dropped, queued int64 = -1, -1
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if m.Name == "loqa.caption.windows.dropped" && len(data.DataPoints) == 1 {
					dp := data.DataPoints[0]
					if v, ok := dp.Attributes.Value("audio.mode"); !ok || v.AsString() != "wav" {
						t.Fatalf("drop counter missing attributes: %v", dp.Attributes)
					}
					dropped = dp.Value
				}
			case metricdata.Gauge[int64]:
				if m.Name == "loqa.caption.windows.queued" && len(data.DataPoints) == 1 {
					queued = data.DataPoints[0].Value
				}
			}
		}
	}
	if dropped != 2 || queued != 1 {
		t.Fatalf("expected dropped=2 queued=1, got dropped=%d queued=%d", dropped, queued)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
