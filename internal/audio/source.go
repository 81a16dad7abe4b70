// Package audio provides capture sources that deliver fixed-size mono blocks
// on a time-sensitive callback.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyRunning is returned when starting a source that is already capturing.
var ErrAlreadyRunning = errors.New("audio: source already running")

// ErrStreamEnded reports that the underlying stream produced its last sample.
var ErrStreamEnded = errors.New("audio: stream ended")

// DeviceError is fatal to a session: the input is unavailable or went away.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Block is one callback's worth of samples. Samples is only valid until OnBlock
// returns; receivers copy what they keep.
type Block struct {
	Samples    []float32
	SampleRate int
	Captured   time.Time
	Sequence   uint64
}

// Format fixes the rate and block length for a capture run.
type Format struct {
	SampleRate int
	BlockSize  int
}

// Period is the wall time covered by one block.
func (f Format) Period() time.Duration {
	return time.Duration(f.BlockSize) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return errors.New("audio: sample rate must be positive")
	}
	if f.BlockSize <= 0 {
		return errors.New("audio: block size must be positive")
	}
	return nil
}

// Handler receives source callbacks. OnBlock runs on the capture goroutine and
// must return quickly without blocking. OnError is called at most once per run,
// after which the source has halted.
type Handler struct {
	OnBlock func(Block)
	OnError func(error)
}

// Source is a capture device.
type Source interface {
	// Start opens the device and returns once blocks will flow.
	Start(ctx context.Context, format Format, handler Handler) error
	// Stop releases the device. It is safe to call repeatedly.
	Stop() error
}
