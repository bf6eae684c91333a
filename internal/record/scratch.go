package record

import (
	"fmt"
	"math"
)

const (
	// DefaultBufferCapacity is the largest block accepted by one write call.
	DefaultBufferCapacity = 10000

	fullScale = float64(0x7fff)
)

// scratch holds the fixed-capacity buffers one continuous block is staged
// through. Both buffers are overwritten by every call.
type scratch struct {
	scaled []float32
	ints   []int16
}

func newScratch(capacity int) *scratch {
	return &scratch{
		scaled: make([]float32, capacity),
		ints:   make([]int16, capacity),
	}
}

func (s *scratch) capacity() int { return len(s.ints) }

// stage rescales samples (volts) by 1/(32767*bitVolts) and quantizes them to
// 16-bit integers. The returned slice aliases the scratch buffer and is only
// valid until the next call.
func (s *scratch) stage(bitVolts float32, samples []float32) ([]int16, error) {
	n := len(samples)
	if n > len(s.ints) {
		return nil, fmt.Errorf("%d samples, capacity %d: %w", n, len(s.ints), ErrBufferCapacity)
	}
	if bitVolts <= 0 {
		return nil, fmt.Errorf("bit volts must be > 0, got %g", bitVolts)
	}

	mult := 1 / (fullScale * float64(bitVolts))
	scaled := s.scaled[:n]
	for i, v := range samples {
		scaled[i] = float32(float64(v) * mult)
	}

	ints := s.ints[:n]
	for i, v := range scaled {
		ints[i] = quantize(v)
	}
	return ints, nil
}

func quantize(v float32) int16 {
	f := math.Max(-1, math.Min(1, float64(v)))
	return int16(math.Round(f * fullScale))
}

// Dequantize converts a stored 16-bit value back to volts.
func Dequantize(v int16, bitVolts float32) float32 {
	return float32(v) * bitVolts
}
