// Package frames slices the capture stream into fixed-length analysis windows
// and holds them in a bounded queue for the inference worker.
package frames

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-caption/internal/audio"
)

// OverflowPolicy picks the casualty when a window arrives at a full queue.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	DropNewest OverflowPolicy = "drop_newest"
)

type Config struct {
	WindowSamples  int
	OverlapSamples int
	QueueSize      int
	Policy         OverflowPolicy
}

// Window is one unit of inference input. Offset counts samples from the start
// of the session stream.
type Window struct {
	Samples    []float32
	SampleRate int
	Offset     int64
	Captured   time.Time
	Sequence   uint64
}

func (w Window) StartOffset() time.Duration {
	return samplesToDuration(w.Offset, w.SampleRate)
}

func (w Window) Length() time.Duration {
	return samplesToDuration(int64(len(w.Samples)), w.SampleRate)
}

func samplesToDuration(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

type Option func(*Buffer)

// WithOnDrop registers a hook invoked, outside the buffer lock, for every
// window discarded on overflow.
func WithOnDrop(fn func(Window)) Option {
	return func(b *Buffer) { b.onDrop = fn }
}

// WithMeter overrides the meter used for queue instruments.
func WithMeter(m metric.Meter) Option {
	return func(b *Buffer) { b.meter = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Buffer) { b.log = logger }
}

// WithAttributes tags the buffer's measurements.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(b *Buffer) { b.attrs = append(b.attrs, attrs...) }
}

// Buffer accumulates blocks into windows. Push is safe to call from the
// capture callback: it never blocks on the consumer.
type Buffer struct {
	cfg  Config
	rate int

	mu           sync.Mutex
	carry        []float32
	carryOffset  int64
	carryCapture time.Time
	fresh        int
	total        int64
	seq          uint64
	ring         []Window
	head         int
	count        int
	dropped      uint64

	ready  chan struct{}
	onDrop func(Window)
	log    *slog.Logger

	meter       metric.Meter
	attrs       []attribute.KeyValue
	dropCounter metric.Int64Counter
	reg         metric.Registration
}

func New(cfg Config, sampleRate int, opts ...Option) (*Buffer, error) {
	if cfg.Policy == "" {
		cfg.Policy = DropOldest
	}
	switch {
	case sampleRate <= 0:
		return nil, errors.New("frames: sample rate must be positive")
	case cfg.WindowSamples <= 0:
		return nil, errors.New("frames: window must hold at least one sample")
	case cfg.OverlapSamples < 0 || cfg.OverlapSamples >= cfg.WindowSamples:
		return nil, fmt.Errorf("frames: overlap %d must be in [0, %d)", cfg.OverlapSamples, cfg.WindowSamples)
	case cfg.QueueSize <= 0:
		return nil, errors.New("frames: queue size must be positive")
	case cfg.Policy != DropOldest && cfg.Policy != DropNewest:
		return nil, fmt.Errorf("frames: unknown overflow policy %q", cfg.Policy)
	}

	b := &Buffer{
		cfg:   cfg,
		rate:  sampleRate,
		carry: make([]float32, 0, cfg.WindowSamples),
		ring:  make([]Window, cfg.QueueSize),
		ready: make(chan struct{}, 1),
		meter: otel.Meter("github.com/loqalabs/loqa-caption/frames"),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(slog.String("component", "frames"))
	if err := b.initMetrics(); err != nil {
		b.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return b, nil
}

func (b *Buffer) initMetrics() error {
	if b.meter == nil {
		return nil
	}
	dropped, err := b.meter.Int64Counter("loqa.caption.windows.dropped", metric.WithDescription("Windows discarded on queue overflow"))
	if err != nil {
		return err
	}
	b.dropCounter = dropped
	queued, err := b.meter.Int64ObservableGauge("loqa.caption.windows.queued", metric.WithDescription("Windows waiting for inference"))
	if err != nil {
		return err
	}
	reg, err := b.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(queued, int64(b.Len()), metric.WithAttributes(b.attrs...))
		return nil
	}, queued)
	if err != nil {
		return err
	}
	b.reg = reg
	return nil
}

// Push appends a block to the carryover and queues every window it completes.
func (b *Buffer) Push(block audio.Block) {
	var drops []Window

	b.mu.Lock()
	samples := block.Samples
	consumed := 0
	for len(samples) > 0 {
		if len(b.carry) == 0 {
			b.carryOffset = b.total
			b.carryCapture = block.Captured.Add(samplesToDuration(int64(consumed), b.rate))
		}
		n := min(b.cfg.WindowSamples-len(b.carry), len(samples))
		b.carry = append(b.carry, samples[:n]...)
		samples = samples[n:]
		consumed += n
		b.fresh += n
		b.total += int64(n)

		if len(b.carry) < b.cfg.WindowSamples {
			break
		}
		win := Window{
			Samples:    append([]float32(nil), b.carry...),
			SampleRate: b.rate,
			Offset:     b.carryOffset,
			Captured:   b.carryCapture,
			Sequence:   b.seq,
		}
		b.seq++
		b.fresh = 0
		b.rollCarry()
		if dropped, ok := b.enqueueLocked(win); ok {
			drops = append(drops, dropped)
		}
	}
	b.mu.Unlock()

	b.afterEnqueue(drops...)
}

// Flush queues the carryover as a final, shorter window when it holds samples
// no window has carried yet. It reports whether a window was queued. Call it
// only after the last Push.
func (b *Buffer) Flush() bool {
	b.mu.Lock()
	if b.fresh == 0 {
		b.mu.Unlock()
		return false
	}
	win := Window{
		Samples:    append([]float32(nil), b.carry...),
		SampleRate: b.rate,
		Offset:     b.carryOffset,
		Captured:   b.carryCapture,
		Sequence:   b.seq,
	}
	b.seq++
	b.fresh = 0
	b.carry = b.carry[:0]
	dropped, ok := b.enqueueLocked(win)
	b.mu.Unlock()

	if ok {
		b.afterEnqueue(dropped)
	} else {
		b.afterEnqueue()
	}
	return true
}

// rollCarry keeps the overlap tail as the head of the next window.
func (b *Buffer) rollCarry() {
	ov := b.cfg.OverlapSamples
	if ov == 0 {
		b.carry = b.carry[:0]
		return
	}
	hop := b.cfg.WindowSamples - ov
	copy(b.carry, b.carry[hop:])
	b.carry = b.carry[:ov]
	b.carryOffset += int64(hop)
	b.carryCapture = b.carryCapture.Add(samplesToDuration(int64(hop), b.rate))
}

// Enqueue queues a prepared window under the same overflow policy as Push.
func (b *Buffer) Enqueue(w Window) {
	b.mu.Lock()
	dropped, ok := b.enqueueLocked(w)
	b.mu.Unlock()

	if ok {
		b.afterEnqueue(dropped)
		return
	}
	b.afterEnqueue()
}

func (b *Buffer) enqueueLocked(w Window) (Window, bool) {
	size := len(b.ring)
	if b.count == size {
		b.dropped++
		if b.cfg.Policy == DropNewest {
			return w, true
		}
		oldest := b.ring[b.head]
		b.ring[b.head] = Window{}
		b.head = (b.head + 1) % size
		b.count--
		b.ring[(b.head+b.count)%size] = w
		b.count++
		return oldest, true
	}
	b.ring[(b.head+b.count)%size] = w
	b.count++
	return Window{}, false
}

func (b *Buffer) afterEnqueue(drops ...Window) {
	for _, w := range drops {
		if b.dropCounter != nil {
			b.dropCounter.Add(context.Background(), 1, metric.WithAttributes(b.attrs...))
		}
		if b.onDrop != nil {
			b.onDrop(w)
		}
	}
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest queued window.
func (b *Buffer) Pop() (Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return Window{}, false
	}
	w := b.ring[b.head]
	b.ring[b.head] = Window{}
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	return w, true
}

// Ready is signalled after windows are queued. Consumers drain with Pop until
// it reports false before waiting again.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Remainder returns a copy of the samples not yet part of an emitted window.
func (b *Buffer) Remainder() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float32(nil), b.carry...)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close releases the buffer's metric callback.
func (b *Buffer) Close() error {
	if b.reg == nil {
		return nil
	}
	return b.reg.Unregister()
}
