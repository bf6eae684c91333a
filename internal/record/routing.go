package record

import (
	"fmt"
	"sort"

	"github.com/audiolibrelab/kwikrec/internal/container"
)

// timestampPrealloc is the initial per-channel marker capacity.
const timestampPrealloc = 16

// ChannelInfo is the host's metadata for one continuous channel.
type ChannelInfo struct {
	Name       string
	BitVolts   float32
	SampleRate float32
}

// ChannelHost is what the engine needs from the processing graph.
type ChannelHost interface {
	// Channel returns the metadata of a global channel.
	Channel(global int) (ChannelInfo, bool)
	// Timestamp returns the absolute sample index of the first sample of
	// the block currently delivered for a global channel.
	Timestamp(global int) int64
}

// channelState is the per-recording record of one routed channel.
type channelState struct {
	global     int
	source     int
	local      int
	bitVolts   float32
	sampleRate float32

	leftover int64
	stamps   []int64
}

// routing maps recorded channel positions to their state. It is built
// wholesale at every recording start and dropped at stop.
type routing struct {
	channels []channelState
	byGlobal map[int]int
	// first recorded position of every source, -1 when it has none
	firstOf []int
}

func (r *routing) lookup(position, global int) (*channelState, error) {
	if position < 0 || position >= len(r.channels) {
		return nil, fmt.Errorf("recorded channel %d of %d: %w", position, len(r.channels), ErrUnknownChannel)
	}
	ch := &r.channels[position]
	if ch.global != global {
		return nil, fmt.Errorf("recorded channel %d is global channel %d, not %d: %w", position, ch.global, global, ErrUnknownChannel)
	}
	return ch, nil
}

// position returns the recorded position of a global channel.
func (r *routing) position(global int) (int, bool) {
	p, ok := r.byGlobal[global]
	return p, ok
}

// buildRouting assigns every bound channel, in increasing global order, a
// dense position inside its source and refills the sources' per-channel
// lists. Sources are reset first so a rebuild never accumulates.
func buildRouting(sources []*Source, bindings map[int]int, host ChannelHost) (*routing, error) {
	for _, s := range sources {
		s.clearChannels()
	}

	globals := make([]int, 0, len(bindings))
	for g := range bindings {
		globals = append(globals, g)
	}
	sort.Ints(globals)

	r := &routing{
		channels: make([]channelState, 0, len(globals)),
		byGlobal: make(map[int]int, len(globals)),
		firstOf:  make([]int, len(sources)),
	}
	for i := range r.firstOf {
		r.firstOf[i] = -1
	}

	for _, g := range globals {
		idx := bindings[g]
		if idx < 0 || idx >= len(sources) {
			return nil, fmt.Errorf("channel %d bound to source %d: %w", g, idx, ErrUnknownSource)
		}
		info, ok := host.Channel(g)
		if !ok {
			return nil, fmt.Errorf("channel %d: no host metadata: %w", g, ErrUnknownChannel)
		}
		if err := container.CheckSampleRate(info.SampleRate); err != nil {
			return nil, fmt.Errorf("channel %d: %w", g, err)
		}

		src := sources[idx]
		local := src.ChannelCount
		src.ChannelCount++
		src.BitVolts = append(src.BitVolts, info.BitVolts)
		src.ChannelSampleRates = append(src.ChannelSampleRates, info.SampleRate)
		if info.SampleRate != src.SampleRate {
			src.MultiSample = true
		}

		if r.firstOf[idx] < 0 {
			r.firstOf[idx] = len(r.channels)
		}
		r.byGlobal[g] = len(r.channels)
		r.channels = append(r.channels, channelState{
			global:     g,
			source:     idx,
			local:      local,
			bitVolts:   info.BitVolts,
			sampleRate: info.SampleRate,
			stamps:     make([]int64, 0, timestampPrealloc),
		})
	}
	return r, nil
}
