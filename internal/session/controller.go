// Package session owns the lifecycle of a captioning session: it starts the
// audio source and inference worker together, gates readiness, routes events
// to the host listener and tracks the segment currently on screen.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/eventbus"
	"github.com/loqalabs/loqa-caption/internal/frames"
	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/loqalabs/loqa-caption/internal/stt"
)

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

var allStates = []State{StateIdle, StateStarting, StateRunning, StateStopping, StateFailed}

// ErrSessionActive is returned by Start while a session is starting, running
// or stopping.
var ErrSessionActive = errors.New("session: already active")

// ErrNotActive is returned by Drain when no session is starting or running.
var ErrNotActive = errors.New("session: not active")

const drainPoll = 10 * time.Millisecond

type Option func(*Controller)

func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithObserver adds a sink that receives every delivered event.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// WithDisplayListener is told whenever the displayed segment changes. visible
// is false when the segment expired, the session stopped or failed. Calls are
// serialized and a notification superseded before it could be sent is skipped,
// so the last call always matches Displayed.
func WithDisplayListener(fn func(out protocol.Output, visible bool)) Option {
	return func(c *Controller) { c.onDisplay = fn }
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	SessionID string     `json:"session_id,omitempty"`
	State     State      `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Displayed *Segment   `json:"displayed,omitempty"`
	Outputs   uint64     `json:"outputs"`
	Dropped   uint64     `json:"dropped_windows"`
	Queued    int        `json:"queued_windows"`
	InFlight  bool       `json:"inference_in_flight"`
	LastError string     `json:"last_error,omitempty"`
}

// Segment is the JSON form of the displayed output.
type Segment struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

type Controller struct {
	cfg       config.Config
	source    audio.Source
	rec       stt.Recognizer
	log       *slog.Logger
	clock     Clock
	observers []Observer
	onDisplay func(protocol.Output, bool)

	// displayMu orders onDisplay calls. Lock order: displayMu, then mu.
	displayMu sync.Mutex

	mu        sync.Mutex
	state     State
	cur       *run
	gen       uint64
	listener  func(protocol.Event)
	displayed *protocol.Output
	timer     Timer
	timerGen  uint64
}

// run is one session's pipeline. It is never reused.
type run struct {
	id      string
	gen     uint64
	started time.Time
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	buffer *frames.Buffer
	bus    *eventbus.Bus
	worker *stt.Worker

	audioStarted chan struct{}
	torn         chan struct{}
	drops        chan struct{}
	tearOnce     sync.Once

	// guarded by Controller.mu
	audioReady bool
	modelReady bool
	seq        uint64
	outputs    uint64
	lastError  string
	failed     bool
}

func New(cfg config.Config, source audio.Source, rec stt.Recognizer, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		source: source,
		rec:    rec,
		log:    logger.With(slog.String("component", "session")),
		clock:  SystemClock(),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

func (c *Controller) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-caption/session")
	gauge, err := meter.Int64ObservableGauge("loqa.caption.session.state", metric.WithDescription("1 for the current session state"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		current := c.State()
		for _, s := range allStates {
			var v int64
			if s == current {
				v = 1
			}
			obs.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("state", string(s))))
		}
		return nil
	}, gauge)
	return err
}

// OnEvent sets the host listener. It is invoked on the delivery goroutine and
// must not call Stop or Start. A nil fn detaches.
func (c *Controller) OnEvent(fn func(protocol.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Displayed returns the segment currently on screen.
func (c *Controller) Displayed() (protocol.Output, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.displayed == nil {
		return protocol.Output{}, false
	}
	return *c.displayed, true
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{State: c.state}
	if r := c.cur; r != nil {
		started := r.started
		snap.SessionID = r.id
		snap.StartedAt = &started
		snap.Outputs = r.outputs
		snap.LastError = r.lastError
		snap.Dropped = r.buffer.Dropped()
		snap.Queued = r.buffer.Len()
		snap.InFlight = r.worker.Busy()
	}
	if d := c.displayed; d != nil {
		snap.Displayed = &Segment{Text: d.Text, StartMS: d.Start.Milliseconds(), EndMS: d.End.Milliseconds()}
	}
	return snap
}

// Start begins a new session. It returns once the source and worker have been
// launched; readiness and failures arrive as events. Starting after a failure
// first waits for the failed session to finish tearing down.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	for {
		switch c.state {
		case StateStarting, StateRunning, StateStopping:
			c.mu.Unlock()
			return ErrSessionActive
		}
		if c.state == StateIdle || c.cur == nil {
			break
		}
		prev := c.cur
		select {
		case <-prev.torn:
			c.cur = nil
			continue
		default:
		}
		c.mu.Unlock()
		select {
		case <-prev.torn:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}

	r, err := c.newRun(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.cur = r
	c.state = StateStarting
	c.clearDisplayLocked()
	c.mu.Unlock()

	r.log.Info("session starting")
	for _, o := range c.observers {
		if so, ok := o.(SessionObserver); ok {
			so.SessionStarted(r.id, r.started)
		}
	}

	r.worker.Start(r.ctx)
	go c.reportDrops(r)
	go c.startAudio(r)
	return nil
}

// newRun builds the per-session pipeline. Caller holds c.mu.
func (c *Controller) newRun(ctx context.Context) (*run, error) {
	rate := c.cfg.Audio.SampleRate
	c.gen++
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:           id,
		gen:          c.gen,
		started:      c.clock.Now(),
		log:          c.log.With(slog.String("session_id", id)),
		ctx:          runCtx,
		cancel:       cancel,
		audioStarted: make(chan struct{}),
		torn:         make(chan struct{}),
		drops:        make(chan struct{}, 1),
	}
	r.bus = eventbus.New(r.log)

	buffer, err := frames.New(frames.Config{
		WindowSamples:  c.cfg.Frames.WindowSamples(rate),
		OverlapSamples: c.cfg.Frames.OverlapSamples(rate),
		QueueSize:      c.cfg.Frames.QueueSize,
		Policy:         frames.OverflowPolicy(c.cfg.Frames.OverflowPolicy),
	}, rate,
		frames.WithOnDrop(func(frames.Window) {
			select {
			case r.drops <- struct{}{}:
			default:
			}
		}),
		frames.WithLogger(r.log),
		frames.WithAttributes(attribute.String("audio.mode", c.cfg.Audio.Mode)),
	)
	if err != nil {
		cancel()
		r.bus.Close()
		return nil, fmt.Errorf("create frame buffer: %w", err)
	}
	r.buffer = buffer
	r.worker = stt.NewWorker(c.cfg.Model, c.rec, buffer, r.bus.Publish, r.log,
		stt.WithDisplayDuration(c.cfg.Session.Duration()))
	r.bus.Subscribe(func(evt protocol.Event) { c.handle(r, evt) })
	return r, nil
}

func (c *Controller) startAudio(r *run) {
	defer close(r.audioStarted)
	format := audio.Format{SampleRate: c.cfg.Audio.SampleRate, BlockSize: c.cfg.Audio.BlockSize}
	err := c.source.Start(r.ctx, format, audio.Handler{
		OnBlock: r.buffer.Push,
		OnError: func(err error) {
			r.bus.Publish(protocol.Status{Kind: protocol.StatusError, Message: err.Error(), Origin: protocol.OriginAudio})
		},
	})
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.log.Error("audio source failed to start", slogError(err))
		r.bus.Publish(protocol.Status{Kind: protocol.StatusError, Message: err.Error(), Origin: protocol.OriginAudio})
		return
	}
	r.bus.Publish(protocol.Status{Kind: protocol.StatusReady, Message: stt.MessageReady, Origin: protocol.OriginAudio})
}

// reportDrops publishes overflow as degraded statuses off the capture path.
// Drops between two wakeups are reported together.
func (c *Controller) reportDrops(r *run) {
	var reported uint64
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.drops:
		}
		total := r.buffer.Dropped()
		if total == reported {
			continue
		}
		r.bus.Publish(protocol.Status{
			Kind:    protocol.StatusDegraded,
			Message: fmt.Sprintf("inference is falling behind; %d windows dropped", total-reported),
			Origin:  protocol.OriginSession,
		})
		reported = total
	}
}

// displayNote is a pending onDisplay call. gen is the display generation it
// belongs to.
type displayNote struct {
	out     protocol.Output
	visible bool
	gen     uint64
}

// hideLocked clears the display and returns the notification for it, or nil
// when nothing was shown.
func (c *Controller) hideLocked() *displayNote {
	prev := c.displayed
	c.clearDisplayLocked()
	if prev == nil {
		return nil
	}
	return &displayNote{out: *prev, gen: c.timerGen}
}

func (c *Controller) notifyDisplay(n *displayNote) {
	if n == nil || c.onDisplay == nil {
		return
	}
	c.displayMu.Lock()
	defer c.displayMu.Unlock()
	c.mu.Lock()
	current := c.timerGen == n.gen && (c.displayed != nil) == n.visible
	c.mu.Unlock()
	if current {
		c.onDisplay(n.out, n.visible)
	}
}

// handle runs on the session's delivery goroutine.
func (c *Controller) handle(r *run, evt protocol.Event) {
	c.mu.Lock()
	if c.cur != r || r.gen != c.gen {
		c.mu.Unlock()
		return
	}
	deliver, display := c.routeLocked(r, evt)
	if deliver == nil {
		c.mu.Unlock()
		return
	}
	rec := Record{SessionID: r.id, Sequence: r.seq, At: c.clock.Now(), Event: deliver}
	r.seq++
	listener := c.listener
	c.mu.Unlock()

	for _, o := range c.observers {
		o.Observe(rec)
	}
	c.notifyDisplay(display)
	if listener != nil {
		listener(deliver)
	}
}

// routeLocked applies evt to the state machine and returns what the listener
// should see, or nil to absorb it.
func (c *Controller) routeLocked(r *run, evt protocol.Event) (protocol.Event, *displayNote) {
	active := c.state == StateStarting || c.state == StateRunning

	switch e := evt.(type) {
	case protocol.Status:
		if !active {
			return nil, nil
		}
		switch e.Kind {
		case protocol.StatusReady:
			switch e.Origin {
			case protocol.OriginAudio:
				r.audioReady = true
				r.log.Info("audio ready")
			case protocol.OriginModel:
				r.modelReady = true
			}
			if c.state != StateStarting || !r.audioReady || !r.modelReady {
				return nil, nil
			}
			c.state = StateRunning
			r.log.Info("session running")
			return protocol.Status{Kind: protocol.StatusReady, Message: stt.MessageReady, Origin: protocol.OriginSession}, nil
		case protocol.StatusError:
			c.state = StateFailed
			r.failed = true
			r.lastError = e.Message
			hidden := c.hideLocked()
			r.log.Error("session failed", slog.String("origin", string(e.Origin)), slog.String("error", e.Message))
			go c.teardown(r)
			return e, hidden
		default:
			return e, nil
		}
	case protocol.Output:
		if c.state != StateRunning {
			return nil, nil
		}
		r.outputs++
		c.showLocked(r, e)
		return e, &displayNote{out: e, visible: true, gen: c.timerGen}
	default:
		return nil, nil
	}
}

// showLocked replaces the displayed segment and re-arms its expiry.
func (c *Controller) showLocked(r *run, out protocol.Output) {
	c.stopTimerLocked()
	c.displayed = &out
	d, ok := out.Duration.Value()
	if !ok {
		return
	}
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(d, func() { c.expire(r, gen) })
}

func (c *Controller) expire(r *run, gen uint64) {
	c.mu.Lock()
	if c.cur != r || c.timerGen != gen || c.displayed == nil {
		c.mu.Unlock()
		return
	}
	note := &displayNote{out: *c.displayed, gen: gen}
	c.displayed = nil
	c.timer = nil
	c.mu.Unlock()

	c.notifyDisplay(note)
}

func (c *Controller) stopTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) clearDisplayLocked() {
	c.stopTimerLocked()
	c.displayed = nil
}

// Drain queues the trailing partial window and waits until every queued window
// has been transcribed and its output delivered. Call it after the source has
// produced its last block. It returns early, with nil, if the session stops or
// fails meanwhile. It must not be called from the listener.
func (c *Controller) Drain(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	active := c.state == StateStarting || c.state == StateRunning
	c.mu.Unlock()
	if r == nil || !active {
		return ErrNotActive
	}
	r.buffer.Flush()

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		state, current := c.state, c.cur == r
		c.mu.Unlock()
		if !current || (state != StateStarting && state != StateRunning) {
			return nil
		}
		// Len before Busy: the worker marks itself busy before it pops.
		if state == StateRunning && r.buffer.Len() == 0 && !r.worker.Busy() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if err := r.bus.Sync(ctx); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		return err
	}
	return nil
}

// Stop ends the current session and returns once the source is released and
// any in-flight inference has finished. It is a no-op when idle or failed.
func (c *Controller) Stop() {
	c.mu.Lock()
	r := c.cur
	switch c.state {
	case StateIdle, StateFailed:
		c.mu.Unlock()
		return
	case StateStopping:
		c.mu.Unlock()
		<-r.torn
		return
	}
	c.state = StateStopping
	hidden := c.hideLocked()
	c.mu.Unlock()

	r.log.Info("session stopping")
	c.notifyDisplay(hidden)
	c.teardown(r)

	c.mu.Lock()
	if c.cur == r && c.state == StateStopping {
		c.state = StateIdle
	}
	c.mu.Unlock()
	c.notifyEnded(r, StateIdle)
	r.log.Info("session stopped")
}

// teardown releases a run's resources once. Concurrent callers wait for the
// first to finish. It must not run on the run's delivery goroutine.
func (c *Controller) teardown(r *run) {
	first := false
	r.tearOnce.Do(func() {
		first = true
		r.cancel()
		<-r.audioStarted
		if err := c.source.Stop(); err != nil {
			r.log.Warn("failed to stop audio source", slogError(err))
		}
		r.worker.Stop()
		r.bus.Close()
		if err := r.buffer.Close(); err != nil {
			r.log.Warn("failed to release frame buffer", slogError(err))
		}
		close(r.torn)
	})
	if !first {
		<-r.torn
		return
	}
	c.mu.Lock()
	failed := r.failed
	c.mu.Unlock()
	if failed {
		c.notifyEnded(r, StateFailed)
	}
}

func (c *Controller) notifyEnded(r *run, state State) {
	at := c.clock.Now()
	for _, o := range c.observers {
		if so, ok := o.(SessionObserver); ok {
			so.SessionEnded(r.id, state, at)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
