package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// player feeds a prepared sample buffer to a handler at real-time pace. Blocks
// are sub-slices of the buffer, so the callback path never allocates.
type player struct {
	device string

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (p *player) start(ctx context.Context, format Format, handler Handler, samples []float32, loop bool) error {
	if handler.OnBlock == nil {
		return errors.New("audio: nil block handler")
	}
	if err := format.validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return ErrAlreadyRunning
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	p.stop, p.done = stop, done
	samples = padToBlocks(samples, format.BlockSize)

	go func() {
		err := p.run(ctx, stop, format, handler, samples, loop)

		p.mu.Lock()
		if p.done == done {
			p.stop, p.done = nil, nil
		}
		p.mu.Unlock()
		close(done)

		if err != nil && handler.OnError != nil {
			handler.OnError(err)
		}
	}()
	return nil
}

func (p *player) run(ctx context.Context, stop <-chan struct{}, format Format, handler Handler, samples []float32, loop bool) error {
	ticker := time.NewTicker(format.Period())
	defer ticker.Stop()

	bs := format.BlockSize
	pos := 0
	var seq uint64
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if pos >= len(samples) {
				if !loop || len(samples) == 0 {
					return &DeviceError{Device: p.device, Err: ErrStreamEnded}
				}
				pos = 0
			}
			handler.OnBlock(Block{
				Samples:    samples[pos : pos+bs : pos+bs],
				SampleRate: format.SampleRate,
				Captured:   now,
				Sequence:   seq,
			})
			pos += bs
			seq++
		}
	}
}

func (p *player) halt() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
