// Package host simulates the processing graph the recording engine is
// embedded in. A Graph owns the channel metadata and per-channel sample
// clocks, and drives a Recorder through the same callback sequence a live
// acquisition would: one BeginBlock/WriteContinuous.../EndBlock cycle per
// callback, with events and spikes interleaved.
package host

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/multierr"

	"github.com/audiolibrelab/kwikrec/internal/config"
	"github.com/audiolibrelab/kwikrec/internal/record"
)

const (
	ttlEvery     = 25 // callbacks between TTL transitions
	messageEvery = 100
	spikeSamples = 40
	spikeChance  = 0.2
	signalHz     = 8.0
)

// Recorder is the engine surface the graph drives.
type Recorder interface {
	RegisterSource(nodeID int, rate float32) (int, error)
	BindChannel(global, source int) error
	AddSpikeElectrode(name string, channels int) (int, error)

	BeginBlock() error
	WriteContinuous(position, global int, samples []float32) error
	EndBlock() error
	WriteEvent(kind record.EventKind, raw []byte, timestamp int64) error
	WriteSpike(electrode int, spike record.Spike) error
}

// Channel is one continuous channel of the graph.
type Channel struct {
	Global     int
	Source     int
	NodeID     int
	Name       string
	BitVolts   float32
	SampleRate float32
}

// Graph is a deterministic stand-in for the acquisition graph.
type Graph struct {
	sources    []config.Source
	electrodes []config.Electrode
	channels   []Channel
	interval   time.Duration

	stamps []int64   // first sample of the block being delivered
	carry  []float64 // fractional samples owed to the next callback
	bufs   [][]float32

	rng   *rand.Rand
	ticks int64
	ttl   bool
}

// NewGraph lays out the channels of cfg's sources with sequential global
// indices, in source order.
func NewGraph(cfg *config.Config) *Graph {
	g := &Graph{
		sources:    cfg.Sources,
		electrodes: cfg.Electrodes,
		interval:   cfg.Acquisition.CallbackInterval,
		rng:        rand.New(rand.NewPCG(uint64(cfg.Acquisition.Seed), uint64(cfg.Acquisition.Seed)^0x9e3779b97f4a7c15)),
	}
	for s, src := range cfg.Sources {
		for _, def := range src.Channels {
			rate := def.SampleRate
			if rate == 0 {
				rate = src.SampleRate
			}
			prefix := def.Name
			if prefix == "" {
				prefix = "CH"
			}
			for i := 0; i < def.Count; i++ {
				g.channels = append(g.channels, Channel{
					Global:     len(g.channels),
					Source:     s,
					NodeID:     src.NodeID,
					Name:       fmt.Sprintf("%s%d", prefix, i+1),
					BitVolts:   float32(def.BitVolts),
					SampleRate: float32(rate),
				})
			}
		}
	}
	g.stamps = make([]int64, len(g.channels))
	g.carry = make([]float64, len(g.channels))
	g.bufs = make([][]float32, len(g.channels))
	return g
}

func (g *Graph) Channels() []Channel {
	return append([]Channel(nil), g.channels...)
}

// Channel implements record.ChannelHost.
func (g *Graph) Channel(global int) (record.ChannelInfo, bool) {
	if global < 0 || global >= len(g.channels) {
		return record.ChannelInfo{}, false
	}
	ch := g.channels[global]
	return record.ChannelInfo{Name: ch.Name, BitVolts: ch.BitVolts, SampleRate: ch.SampleRate}, true
}

// Timestamp implements record.ChannelHost.
func (g *Graph) Timestamp(global int) int64 {
	if global < 0 || global >= len(g.stamps) {
		return 0
	}
	return g.stamps[global]
}

// Configure registers every source, channel and electrode with r.
func (g *Graph) Configure(r Recorder) error {
	index := make([]int, len(g.sources))
	for i, src := range g.sources {
		idx, err := r.RegisterSource(src.NodeID, float32(src.SampleRate))
		if err != nil {
			return fmt.Errorf("register source '%s': %w", src.ID, err)
		}
		index[i] = idx
	}
	for _, ch := range g.channels {
		if err := r.BindChannel(ch.Global, index[ch.Source]); err != nil {
			return fmt.Errorf("bind channel %s: %w", ch.Name, err)
		}
	}
	for _, el := range g.electrodes {
		if _, err := r.AddSpikeElectrode(el.Name, el.Channels); err != nil {
			return fmt.Errorf("add electrode '%s': %w", el.Name, err)
		}
	}
	return nil
}

// Process runs one callback. When recording is false the clocks advance
// without delivering anything to r.
func (g *Graph) Process(r Recorder, recording bool) error {
	g.ticks++
	g.fill()
	defer g.advance()

	if !recording {
		return nil
	}

	if err := r.BeginBlock(); err != nil {
		return err
	}

	var errs error
	for pos, ch := range g.channels {
		errs = multierr.Append(errs, r.WriteContinuous(pos, ch.Global, g.bufs[pos]))
	}
	errs = multierr.Append(errs, g.emitEvents(r))
	errs = multierr.Append(errs, g.emitSpikes(r))
	errs = multierr.Append(errs, r.EndBlock())
	return errs
}

// fill synthesizes the next block of every channel: a slow sine a few
// hundred bit-volts high plus gaussian noise.
func (g *Graph) fill() {
	for i, ch := range g.channels {
		want := float64(ch.SampleRate)*g.interval.Seconds() + g.carry[i]
		n := int(want)
		g.carry[i] = want - float64(n)

		buf := g.bufs[i][:0]
		amp := 200 * float64(ch.BitVolts)
		for k := 0; k < n; k++ {
			t := float64(g.stamps[i]+int64(k)) / float64(ch.SampleRate)
			v := amp*math.Sin(2*math.Pi*signalHz*t) + 10*float64(ch.BitVolts)*g.rng.NormFloat64()
			buf = append(buf, float32(v))
		}
		g.bufs[i] = buf
	}
}

func (g *Graph) advance() {
	for i := range g.stamps {
		g.stamps[i] += int64(len(g.bufs[i]))
	}
}

func (g *Graph) emitEvents(r Recorder) error {
	if len(g.channels) == 0 {
		return nil
	}
	first := g.channels[0]
	ts := g.stamps[0]
	node := uint8(first.NodeID)

	var errs error
	if g.ticks%ttlEvery == 0 {
		g.ttl = !g.ttl
		state := uint8(0)
		if g.ttl {
			state = 1
		}
		line := uint8((g.ticks / ttlEvery) % 8)
		errs = multierr.Append(errs, r.WriteEvent(record.EventTTL, record.EncodeTTL(node, line, state), ts))
	}
	if g.ticks%messageEvery == 0 {
		text := fmt.Sprintf("callback %d", g.ticks)
		errs = multierr.Append(errs, r.WriteEvent(record.EventMessage, record.EncodeMessage(node, 0, text), ts))
	}
	return errs
}

func (g *Graph) emitSpikes(r Recorder) error {
	if len(g.channels) == 0 {
		return nil
	}
	var errs error
	for e, el := range g.electrodes {
		if g.rng.Float64() >= spikeChance {
			continue
		}
		offset := int64(0)
		if n := len(g.bufs[0]); n > 0 {
			offset = int64(g.rng.IntN(n))
		}
		data := make([]uint16, el.Channels*spikeSamples)
		for c := 0; c < el.Channels; c++ {
			for s := 0; s < spikeSamples; s++ {
				// biphasic waveform around mid-scale
				x := float64(s) / spikeSamples
				v := 32768 - 6000*math.Exp(-math.Pow((x-0.3)*12, 2)) + 2500*math.Exp(-math.Pow((x-0.55)*8, 2))
				data[c*spikeSamples+s] = uint16(v + 200*g.rng.NormFloat64())
			}
		}
		errs = multierr.Append(errs, r.WriteSpike(e, record.Spike{
			Timestamp: g.stamps[0] + offset,
			Samples:   spikeSamples,
			Data:      data,
		}))
	}
	return errs
}
