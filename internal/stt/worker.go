package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/frames"
	"github.com/loqalabs/loqa-caption/internal/protocol"
)

type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerLoading WorkerState = "loading"
	WorkerReady   WorkerState = "ready"
	WorkerFailed  WorkerState = "failed"
	WorkerStopped WorkerState = "stopped"
)

const (
	MessageLoading = "Loading model..."
	MessageReady   = "Ready"
)

type WorkerOption func(*Worker)

// WithDisplayDuration sets the duration given to outputs whose hypothesis
// carries none.
func WithDisplayDuration(d protocol.Duration) WorkerOption {
	return func(w *Worker) { w.display = d }
}

// Worker loads a recognizer and transcribes windows one at a time in queue order.
type Worker struct {
	cfg     config.ModelConfig
	rec     Recognizer
	queue   *frames.Buffer
	publish func(protocol.Event)
	log     *slog.Logger
	display protocol.Duration

	tracer    trace.Tracer
	inferTime metric.Float64Histogram
	failures  metric.Int64Counter
	outputs   metric.Int64Counter

	accepting atomic.Bool
	busy      atomic.Bool

	mu        sync.Mutex
	state     WorkerState
	cancel    context.CancelFunc
	done      chan struct{}
	lastStart time.Duration
	emitted   bool
}

func NewWorker(cfg config.ModelConfig, rec Recognizer, queue *frames.Buffer, publish func(protocol.Event), logger *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:     cfg,
		rec:     rec,
		queue:   queue,
		publish: publish,
		log:     logger.With(slog.String("component", "stt")),
		display: protocol.UntilNext,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-caption/stt"),
		state:   WorkerIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.accepting.Store(true)
	if err := w.initMetrics(); err != nil {
		w.log.Warn("failed to initialize metrics", slogError(err))
	}
	return w
}

func (w *Worker) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-caption/stt")
	hist, err := meter.Float64Histogram("loqa.caption.inference.duration",
		metric.WithDescription("Recognizer time per window"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	failures, err := meter.Int64Counter("loqa.caption.inference.failures", metric.WithDescription("Windows the recognizer failed on"))
	if err != nil {
		return err
	}
	outputs, err := meter.Int64Counter("loqa.caption.outputs", metric.WithDescription("Transcript segments published"))
	if err != nil {
		return err
	}
	w.inferTime, w.failures, w.outputs = hist, failures, outputs
	return nil
}

// Start loads the model in the background and then serves the queue. It
// returns immediately; progress is reported through published statuses.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.done != nil || w.state == WorkerStopped {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.state = WorkerLoading
	w.mu.Unlock()

	w.publish(protocol.Status{Kind: protocol.StatusLoading, Message: MessageLoading, Origin: protocol.OriginModel})
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	if err := w.load(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		err = fmt.Errorf("%w: %v", ErrModelLoad, err)
		w.log.Error("model load failed", slogError(err))
		w.setState(WorkerFailed)
		w.publish(protocol.Status{Kind: protocol.StatusError, Message: err.Error(), Origin: protocol.OriginModel})
		return
	}
	if ctx.Err() != nil {
		return
	}
	w.setState(WorkerReady)
	w.log.Info("model ready")
	w.publish(protocol.Status{Kind: protocol.StatusReady, Message: MessageReady, Origin: protocol.OriginModel})

	for {
		for ctx.Err() == nil {
			w.busy.Store(true)
			win, ok := w.queue.Pop()
			if !ok {
				w.busy.Store(false)
				break
			}
			w.process(ctx, win)
			w.busy.Store(false)
		}
		select {
		case <-ctx.Done():
			return
		case <-w.queue.Ready():
		}
	}
}

func (w *Worker) load(ctx context.Context) error {
	loadCtx := ctx
	if timeout := w.cfg.LoadTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	loadCtx, span := w.tracer.Start(loadCtx, "stt.load", trace.WithAttributes(attribute.String("model.mode", w.cfg.Mode)))
	defer span.End()

	if err := w.rec.Load(loadCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// process runs one window. The inference context outlives Stop so an
// in-flight window always completes.
func (w *Worker) process(ctx context.Context, win frames.Window) {
	if w.cfg.SilenceRMS > 0 && audio.RMS(win.Samples) < w.cfg.SilenceRMS {
		return
	}

	inferCtx := context.WithoutCancel(ctx)
	if timeout := w.cfg.InferTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		inferCtx, cancel = context.WithTimeout(inferCtx, timeout)
		defer cancel()
	}
	inferCtx, span := w.tracer.Start(inferCtx, "stt.infer", trace.WithAttributes(
		attribute.Int64("window.sequence", int64(win.Sequence)),
		attribute.Int64("window.offset_ms", win.StartOffset().Milliseconds()),
	))
	defer span.End()

	began := time.Now()
	hyp, ok, err := w.rec.Infer(inferCtx, win)
	if w.inferTime != nil {
		w.inferTime.Record(inferCtx, float64(time.Since(began).Microseconds())/1000)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInference, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if w.failures != nil {
			w.failures.Add(inferCtx, 1)
		}
		w.log.Warn("inference failed", slogError(err), slog.Uint64("window", win.Sequence))
		return
	}
	text := strings.TrimSpace(hyp.Text)
	if !ok || text == "" {
		return
	}

	out := w.toOutput(win, hyp)
	out.Text = text
	if w.outputs != nil {
		w.outputs.Add(inferCtx, 1)
	}
	w.publish(out)
}

// toOutput places the hypothesis on the stream timeline. Start never moves
// backwards across outputs and End never precedes Start.
func (w *Worker) toOutput(win frames.Window, hyp Hypothesis) protocol.Output {
	base := win.StartOffset()
	start := base + hyp.Start
	end := base + hyp.End
	if hyp.End == 0 {
		end = base + win.Length()
	}

	w.mu.Lock()
	if w.emitted && start < w.lastStart {
		start = w.lastStart
	}
	w.lastStart, w.emitted = start, true
	w.mu.Unlock()

	if end < start {
		end = start
	}
	dur := hyp.Duration
	if dur.IsZero() {
		dur = w.display
	}
	return protocol.Output{Start: start, End: end, Duration: dur}
}

// Submit queues a window for inference. Windows submitted after Stop are ignored.
func (w *Worker) Submit(win frames.Window) {
	if !w.accepting.Load() {
		return
	}
	w.queue.Enqueue(win)
}

// Stop refuses new windows, lets the in-flight window finish and returns once
// the worker goroutine has exited. Queued windows are discarded.
func (w *Worker) Stop() {
	w.accepting.Store(false)

	w.mu.Lock()
	cancel, done := w.cancel, w.done
	if w.state != WorkerFailed {
		w.state = WorkerStopped
	}
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	w.mu.Lock()
	if w.state != WorkerFailed {
		w.state = WorkerStopped
	}
	w.mu.Unlock()
}

// Busy reports whether a window has been taken off the queue and its result
// not yet published. Together with an empty queue, false means every submitted
// window has been handled.
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WorkerStopped && s != WorkerFailed {
		return
	}
	w.state = s
}

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
