package record

import (
	"github.com/audiolibrelab/kwikrec/internal/container"
)

// sourceBitDepth is the only sample depth the engine writes.
const sourceBitDepth = 16

// Source is one upstream producer of continuous channels. Everything but
// NodeID and SampleRate is derived once per recording start.
type Source struct {
	NodeID      int
	SampleRate  float32
	BitDepth    int
	MultiSample bool

	Name        string
	StartTime   int64
	StartSample int64

	ChannelCount       int
	BitVolts           []float32
	ChannelSampleRates []float32
}

func newSource(nodeID int, rate float32) *Source {
	return &Source{
		NodeID:     nodeID,
		SampleRate: rate,
		BitDepth:   sourceBitDepth,
	}
}

// clearChannels drops the per-session accumulators.
func (s *Source) clearChannels() {
	s.ChannelCount = 0
	s.MultiSample = false
	s.BitVolts = s.BitVolts[:0]
	s.ChannelSampleRates = s.ChannelSampleRates[:0]
}

func (s *Source) info() container.RecordingInfo {
	return container.RecordingInfo{
		Name:               s.Name,
		StartTime:          s.StartTime,
		StartSample:        s.StartSample,
		SampleRate:         s.SampleRate,
		BitDepth:           s.BitDepth,
		MultiSample:        s.MultiSample,
		BitVolts:           append([]float32(nil), s.BitVolts...),
		ChannelSampleRates: append([]float32(nil), s.ChannelSampleRates...),
	}
}

func (s *Source) clone() Source {
	c := *s
	c.BitVolts = append([]float32(nil), s.BitVolts...)
	c.ChannelSampleRates = append([]float32(nil), s.ChannelSampleRates...)
	return c
}
