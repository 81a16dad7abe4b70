package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PCM16ToFloat32 decodes interleaved little-endian 16-bit PCM and averages the
// channels into one mono stream in [-1, 1].
func PCM16ToFloat32(pcm []byte, channels int) ([]float32, error) {
	if channels <= 0 {
		channels = 1
	}
	frameBytes := 2 * channels
	if len(pcm)%frameBytes != 0 {
		return nil, fmt.Errorf("pcm payload not aligned: %d bytes for %d channels", len(pcm), channels)
	}
	out := make([]float32, len(pcm)/frameBytes)
	for i := range out {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			off := i*frameBytes + ch*2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out, nil
}

// Downmix averages interleaved integer samples of the given bit depth into mono floats.
func Downmix(data []int, channels, bitDepth int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	scale := float32(int64(1) << (bitDepth - 1))
	out := make([]float32, len(data)/channels)
	for i := range out {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(data[i*channels+ch]) / scale
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts between rates with linear interpolation. It returns the
// input unchanged when the rates match.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// RMS is the root mean square of the samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// padToBlocks extends samples with silence up to a multiple of blockSize.
func padToBlocks(samples []float32, blockSize int) []float32 {
	rem := len(samples) % blockSize
	if rem == 0 {
		return samples
	}
	return append(samples, make([]float32, blockSize-rem)...)
}
