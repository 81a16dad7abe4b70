package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/protocol"
)

var errBusDisconnected = errors.New("audio: bus connection lost")

// BusSource captures PCM frames published by an edge device on
// audio.frame.<device_id> and re-blocks them into fixed-size blocks.
type BusSource struct {
	client   *bus.Client
	deviceID string
	log      *slog.Logger
	watch    time.Duration

	mu      sync.Mutex
	sub     *nats.Subscription
	stop    chan struct{}
	done    chan struct{}
	scratch []float32
	fill    int
	seq     uint64
}

func NewBusSource(client *bus.Client, deviceID string, logger *slog.Logger) *BusSource {
	return &BusSource{
		client:   client,
		deviceID: deviceID,
		log:      logger.With(slog.String("component", "audio.bus"), slog.String("device_id", deviceID)),
		watch:    time.Second,
	}
}

func (s *BusSource) device() string { return "bus:" + s.deviceID }

func (s *BusSource) Start(ctx context.Context, format Format, handler Handler) error {
	if handler.OnBlock == nil {
		return errors.New("audio: nil block handler")
	}
	if err := format.validate(); err != nil {
		return err
	}
	if !s.client.Healthy() {
		return &DeviceError{Device: s.device(), Err: errBusDisconnected}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return ErrAlreadyRunning
	}

	s.scratch = make([]float32, format.BlockSize)
	s.fill = 0
	s.seq = 0
	var once sync.Once
	stop := make(chan struct{})
	done := make(chan struct{})

	fail := func(err error) {
		once.Do(func() {
			go func() {
				_ = s.Stop()
				if handler.OnError != nil {
					handler.OnError(&DeviceError{Device: s.device(), Err: err})
				}
			}()
		})
	}

	subject := protocol.SubjectAudioFramePrefix + "." + s.deviceID
	sub, err := s.client.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case <-stop:
			return
		default:
		}
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			fail(fmt.Errorf("decode audio frame: %w", err))
			return
		}
		samples, err := PCM16ToFloat32(frame.PCM, frame.Channels)
		if err != nil {
			fail(err)
			return
		}
		s.reblock(Resample(samples, frame.SampleRate, format.SampleRate), format.SampleRate, handler)
		if frame.Final {
			fail(ErrStreamEnded)
		}
	})
	if err != nil {
		return &DeviceError{Device: s.device(), Err: err}
	}

	s.sub, s.stop, s.done = sub, stop, done
	go s.watchdog(ctx, stop, done, fail)
	s.log.Info("bus audio source started", slog.String("subject", subject))
	return nil
}

// reblock runs on the subscription goroutine. Frames arrive serially, so the
// scratch buffer needs no lock.
func (s *BusSource) reblock(samples []float32, sampleRate int, handler Handler) {
	for len(samples) > 0 {
		n := copy(s.scratch[s.fill:], samples)
		s.fill += n
		samples = samples[n:]
		if s.fill < len(s.scratch) {
			return
		}
		handler.OnBlock(Block{
			Samples:    s.scratch,
			SampleRate: sampleRate,
			Captured:   time.Now(),
			Sequence:   s.seq,
		})
		s.seq++
		s.fill = 0
	}
}

func (s *BusSource) watchdog(ctx context.Context, stop <-chan struct{}, done chan<- struct{}, fail func(error)) {
	defer close(done)
	ticker := time.NewTicker(s.watch)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.client.Healthy() {
				fail(errBusDisconnected)
				return
			}
		}
	}
}

func (s *BusSource) Stop() error {
	s.mu.Lock()
	sub, stop, done := s.sub, s.stop, s.done
	s.sub, s.stop, s.done = nil, nil, nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	close(stop)
	err := sub.Unsubscribe()
	<-done
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe audio frames: %w", err)
	}
	return nil
}
