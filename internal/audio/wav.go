package audio

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// WAVSource plays a WAV file as if it were a live microphone.
type WAVSource struct {
	path string
	loop bool
	player
}

func NewWAVSource(path string, loop bool) *WAVSource {
	return &WAVSource{path: path, loop: loop, player: player{device: "wav:" + path}}
}

func (s *WAVSource) Start(ctx context.Context, format Format, handler Handler) error {
	if err := format.validate(); err != nil {
		return err
	}
	samples, err := ReadWAV(s.path, format.SampleRate)
	if err != nil {
		return &DeviceError{Device: s.device, Err: err}
	}
	return s.start(ctx, format, handler, samples, s.loop)
}

func (s *WAVSource) Stop() error { return s.halt() }

// ReadWAV decodes a WAV file into mono float samples at the requested rate.
func ReadWAV(path string, sampleRate int) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, errors.New("open wav: not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = 16
	}
	mono := Downmix(buf.Data, int(dec.NumChans), depth)
	return Resample(mono, int(dec.SampleRate), sampleRate), nil
}
