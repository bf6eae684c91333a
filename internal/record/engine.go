// Package record is the online recording engine. It routes continuous
// blocks, events and spikes delivered by the host's acquisition callbacks
// into per-source continuous containers and the shared events and spikes
// containers, and keeps the timestamp bookkeeping of every channel.
//
// An Engine is driven by a single writer. Callers that deliver callbacks
// from several goroutines must serialize every call themselves.
package record

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/kwikrec/internal/container"
)

const (
	// EngineID is the short identifier the host looks the engine up by.
	EngineID = "KWIK"
	// EngineName is the engine's display name.
	EngineName = "Kwik"
)

// State is the engine lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConfigured:
		return "CONFIGURED"
	case StateRecording:
		return "RECORDING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats counts what the engine has written during the current or last
// recording. OpenFiles resets it.
type Stats struct {
	Samples        int64 `json:"samples"`
	SkippedSamples int64 `json:"skipped_samples"`
	Timestamps     int64 `json:"timestamps"`
	Events         int64 `json:"events"`
	Spikes         int64 `json:"spikes"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithFilesystem sets the filesystem containers are written to.
func WithFilesystem(fs afero.Fs) Option {
	return func(e *Engine) { e.fs = fs }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithTimestampBlock sets the number of samples between timestamp markers.
func WithTimestampBlock(samples int) Option {
	return func(e *Engine) {
		if samples > 0 {
			e.block = samples
		}
	}
}

// WithBufferCapacity sets the largest block a single write may carry.
func WithBufferCapacity(samples int) Option {
	return func(e *Engine) {
		if samples > 0 {
			e.capacity = samples
		}
	}
}

// Engine is the recording engine facade.
type Engine struct {
	host     ChannelHost
	fs       afero.Fs
	log      *slog.Logger
	block    int
	capacity int

	state    State
	sources  []*Source
	units    []*container.Continuous
	bindings map[int]int

	electrodes []Electrode
	events     *container.Events
	spikes     *container.Spikes
	eventTypes map[EventKind]int

	routes    *routing
	base      string
	recording int
	paths     []string

	scratch *scratch
	emit    emitter
	stats   Stats
}

// New creates an idle engine reading channel metadata and timestamps from host.
func New(host ChannelHost, opts ...Option) *Engine {
	e := &Engine{
		host:     host,
		fs:       afero.NewOsFs(),
		log:      slog.Default(),
		block:    DefaultTimestampBlock,
		capacity: DefaultBufferCapacity,
		bindings: make(map[int]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.scratch = newScratch(e.capacity)
	e.emit = newEmitter(e.block)
	return e
}

func (e *Engine) State() State { return e.state }

func (e *Engine) Stats() Stats { return e.stats }

// TimestampBlock returns the marker spacing in samples.
func (e *Engine) TimestampBlock() int { return e.block }

// BufferCapacity returns the largest accepted block.
func (e *Engine) BufferCapacity() int { return e.capacity }

// Sources returns a snapshot of every registered source.
func (e *Engine) Sources() []Source {
	out := make([]Source, len(e.sources))
	for i, s := range e.sources {
		out[i] = s.clone()
	}
	return out
}

// Electrodes returns the registered spike electrodes.
func (e *Engine) Electrodes() []Electrode {
	return append([]Electrode(nil), e.electrodes...)
}

// RegisterSource appends a source producing channels at rate and returns
// its index.
func (e *Engine) RegisterSource(nodeID int, rate float32) (int, error) {
	if e.state == StateRecording {
		return -1, stateError("register source", e.state, StateIdle, StateConfigured)
	}
	if err := container.CheckSampleRate(rate); err != nil {
		return -1, fmt.Errorf("source %d: %w", nodeID, err)
	}
	for i, s := range e.sources {
		if s.NodeID == nodeID {
			return -1, fmt.Errorf("node %d already registered as source %d: %w", nodeID, i, ErrDuplicateSource)
		}
	}
	e.sources = append(e.sources, newSource(nodeID, rate))
	e.units = append(e.units, nil)
	e.state = StateConfigured
	return len(e.sources) - 1, nil
}

// BindChannel records that global channel belongs to source.
func (e *Engine) BindChannel(global, source int) error {
	if e.state != StateConfigured {
		return stateError("bind channel", e.state, StateConfigured)
	}
	if source < 0 || source >= len(e.sources) {
		return fmt.Errorf("bind channel %d to source %d: %w", global, source, ErrUnknownSource)
	}
	if prev, ok := e.bindings[global]; ok {
		return fmt.Errorf("bind channel %d to source %d: bound to source %d: %w", global, source, prev, ErrDuplicateChannel)
	}
	e.bindings[global] = source
	return nil
}

// AddSpikeElectrode registers a spike electrode and returns its index.
func (e *Engine) AddSpikeElectrode(name string, channels int) (int, error) {
	if e.state == StateRecording {
		return -1, stateError("add spike electrode", e.state, StateIdle, StateConfigured)
	}
	if channels < 1 {
		return -1, fmt.Errorf("electrode %q: channel count must be > 0, got %d", name, channels)
	}
	e.electrodes = append(e.electrodes, Electrode{Name: name, Channels: channels})
	return len(e.electrodes) - 1, nil
}

// StartAcquisition prepares the shared events and spikes units. It is
// called once per acquisition, which may span many recordings.
func (e *Engine) StartAcquisition() error {
	if e.state == StateRecording {
		return stateError("start acquisition", e.state, StateIdle, StateConfigured)
	}
	e.events = container.NewEvents(e.fs)
	e.eventTypes = map[EventKind]int{
		EventTTL:     e.events.AddEventType("TTL", container.U8, "event_channels"),
		EventMessage: e.events.AddEventType("Messages", container.STR, "Text"),
	}
	e.spikes = container.NewSpikes(e.fs)
	return nil
}

// OpenFiles starts recording number recording of experiment under root.
//
// Every unit is attempted; the ones that fail stay closed, their channels
// are skipped by later writes, and the returned error lists each of them
// as a *UnitError. The engine is Recording afterwards even on failure so
// that CloseFiles releases whatever did open.
func (e *Engine) OpenFiles(root string, experiment, recording int) error {
	if e.state != StateConfigured {
		return stateError("open files", e.state, StateConfigured)
	}
	if e.events == nil || e.spikes == nil {
		return fmt.Errorf("open files before start acquisition: %w", ErrInvalidState)
	}

	routes, err := buildRouting(e.sources, e.bindings, e.host)
	if err != nil {
		return fmt.Errorf("build routing: %w", err)
	}

	e.routes = routes
	e.base = filepath.Join(root, fmt.Sprintf("experiment%d", experiment))
	e.recording = recording
	e.paths = e.paths[:0]
	e.stats = Stats{}
	e.state = StateRecording

	name := fmt.Sprintf("Recording #%d", recording)
	var errs error
	errs = multierr.Append(errs, e.openEvents(name))
	errs = multierr.Append(errs, e.openSpikes())
	for i := range e.sources {
		errs = multierr.Append(errs, e.openSourceUnit(i, name))
	}

	if errs != nil {
		e.log.Error("recording started with failed units",
			"base", e.base, "recording", recording, "failed", len(multierr.Errors(errs)), "error", errs)
	} else {
		e.log.Info("recording started",
			"base", e.base, "recording", recording, "sources", len(e.sources), "channels", len(routes.channels))
	}
	return errs
}

func (e *Engine) openEvents(name string) error {
	src := e.sources[0]
	info := container.RecordingInfo{
		Name:       name,
		SampleRate: src.SampleRate,
		BitDepth:   src.BitDepth,
	}
	if len(e.routes.channels) > 0 {
		info.StartTime = e.host.Timestamp(e.routes.channels[0].global)
	}

	e.events.Init(e.base)
	if err := e.events.Open(); err != nil {
		return &UnitError{Unit: "events", Source: -1, Path: e.events.Path(), Err: err}
	}
	if err := e.events.StartRecording(e.recording, info); err != nil {
		return &UnitError{Unit: "events", Source: -1, Path: e.events.Path(), Err: multierr.Append(err, e.events.Close())}
	}
	e.paths = append(e.paths, e.events.Path())
	return nil
}

func (e *Engine) openSpikes() error {
	e.spikes.ResetChannels()
	for _, el := range e.electrodes {
		e.spikes.AddChannelGroup(el.Channels)
	}

	e.spikes.Init(e.base)
	if err := e.spikes.Open(); err != nil {
		return &UnitError{Unit: "spikes", Source: -1, Path: e.spikes.Path(), Err: err}
	}
	if err := e.spikes.StartRecording(e.recording); err != nil {
		return &UnitError{Unit: "spikes", Source: -1, Path: e.spikes.Path(), Err: multierr.Append(err, e.spikes.Close())}
	}
	e.paths = append(e.paths, e.spikes.Path())
	return nil
}

// openSourceUnit creates, opens and starts the continuous unit of source i.
// A source without channels never gets a unit.
func (e *Engine) openSourceUnit(i int, name string) error {
	src := e.sources[i]
	if src.ChannelCount == 0 {
		return nil
	}

	unit := container.NewContinuous(e.fs, e.base, src.NodeID)
	e.units[i] = unit
	src.StartTime = e.host.Timestamp(e.routes.channels[e.routes.firstOf[i]].global)
	if err := unit.Open(src.ChannelCount); err != nil {
		return e.unitError(i, err)
	}

	src.Name = name
	src.StartSample = 0
	if err := unit.StartRecording(e.recording, src.info()); err != nil {
		return e.unitError(i, multierr.Append(err, unit.Close()))
	}
	e.paths = append(e.paths, unit.Path())
	return nil
}

func (e *Engine) unitError(source int, err error) error {
	ue := &UnitError{Unit: "continuous", Source: source, Err: err}
	if u := e.units[source]; u != nil {
		ue.Path = u.Path()
	}
	return ue
}

// BeginBlock starts a write cycle and clears every channel's pending markers.
func (e *Engine) BeginBlock() error {
	if e.state != StateRecording {
		return stateError("begin block", e.state, StateRecording)
	}
	for i := range e.routes.channels {
		e.routes.channels[i].stamps = e.routes.channels[i].stamps[:0]
	}
	return nil
}

// WriteContinuous stages one block of channel samples (volts), appends it
// to the owning source's unit at the channel's source-local position and
// advances the channel's timestamp bookkeeping. position is the channel's
// recorded position and global its host index; they must agree.
func (e *Engine) WriteContinuous(position, global int, samples []float32) error {
	if e.state != StateRecording {
		return stateError("write continuous", e.state, StateRecording)
	}
	ch, err := e.routes.lookup(position, global)
	if err != nil {
		return err
	}
	if len(samples) > e.scratch.capacity() {
		return fmt.Errorf("channel %d: %d samples, capacity %d: %w", global, len(samples), e.scratch.capacity(), ErrBufferCapacity)
	}

	unit := e.units[ch.source]
	if unit == nil || !unit.IsOpen() {
		e.stats.SkippedSamples += int64(len(samples))
		return nil
	}

	staged, err := e.scratch.stage(ch.bitVolts, samples)
	if err != nil {
		return fmt.Errorf("channel %d: %w", global, err)
	}
	if err := unit.WriteSamples(ch.local, staged); err != nil {
		return e.unitError(ch.source, multierr.Append(err, unit.Close()))
	}

	ch.leftover, ch.stamps = e.emit.advance(ch.leftover, e.host.Timestamp(global), len(samples), ch.stamps)
	e.stats.Samples += int64(len(samples))
	return nil
}

// EndBlock flushes the markers gathered during the cycle to their units.
func (e *Engine) EndBlock() error {
	if e.state != StateRecording {
		return stateError("end block", e.state, StateRecording)
	}
	var errs error
	for i := range e.routes.channels {
		ch := &e.routes.channels[i]
		if len(ch.stamps) == 0 {
			continue
		}
		if unit := e.units[ch.source]; unit != nil && unit.IsOpen() {
			if err := unit.WriteTimestamps(ch.local, ch.stamps); err != nil {
				errs = multierr.Append(errs, e.unitError(ch.source, multierr.Append(err, unit.Close())))
			} else {
				e.stats.Timestamps += int64(len(ch.stamps))
			}
		}
		ch.stamps = ch.stamps[:0]
	}
	return errs
}

// WriteEvent stores a raw event record of the given kind.
func (e *Engine) WriteEvent(kind EventKind, raw []byte, timestamp int64) error {
	if e.state != StateRecording {
		return stateError("write event", e.state, StateRecording)
	}
	ev, err := DecodeEvent(kind, raw)
	if err != nil {
		return err
	}
	if !e.events.IsOpen() {
		return nil
	}
	if err := e.events.WriteEvent(e.eventTypes[kind], ev.Channel, ev.NodeID, ev.Payload, timestamp); err != nil {
		return &UnitError{Unit: "events", Source: -1, Path: e.events.Path(), Err: multierr.Append(err, e.events.Close())}
	}
	e.stats.Events++
	return nil
}

// WriteSpike stores one waveform of electrode.
func (e *Engine) WriteSpike(electrode int, spike Spike) error {
	if e.state != StateRecording {
		return stateError("write spike", e.state, StateRecording)
	}
	if electrode < 0 || electrode >= len(e.electrodes) {
		return fmt.Errorf("electrode %d of %d: %w", electrode, len(e.electrodes), ErrUnknownChannel)
	}
	el := e.electrodes[electrode]
	if want := el.Channels * spike.Samples; len(spike.Data) != want {
		return fmt.Errorf("electrode %q: waveform has %d values, want %d", el.Name, len(spike.Data), want)
	}
	if !e.spikes.IsOpen() {
		return nil
	}
	if err := e.spikes.WriteSpike(electrode, spike.Samples, spike.Data, spike.Timestamp); err != nil {
		return &UnitError{Unit: "spikes", Source: -1, Path: e.spikes.Path(), Err: multierr.Append(err, e.spikes.Close())}
	}
	e.stats.Spikes++
	return nil
}

type closer interface {
	IsOpen() bool
	Path() string
	StopRecording() error
	Close() error
}

// CloseFiles stops and closes every open unit and drops the routing.
func (e *Engine) CloseFiles() error {
	if e.state != StateRecording {
		return stateError("close files", e.state, StateRecording)
	}

	var errs error
	errs = multierr.Append(errs, closeUnit("events", -1, e.events))
	errs = multierr.Append(errs, closeUnit("spikes", -1, e.spikes))
	for i, unit := range e.units {
		if unit != nil && unit.IsOpen() {
			errs = multierr.Append(errs, closeUnit("continuous", i, unit))
		}
		e.sources[i].clearChannels()
	}

	e.routes = nil
	e.state = StateConfigured
	e.log.Info("recording stopped", "base", e.base, "recording", e.recording,
		"samples", e.stats.Samples, "timestamps", e.stats.Timestamps)
	return errs
}

func closeUnit(kind string, source int, u closer) error {
	if !u.IsOpen() {
		return nil
	}
	err := multierr.Append(u.StopRecording(), u.Close())
	if err != nil {
		return &UnitError{Unit: kind, Source: source, Path: u.Path(), Err: err}
	}
	return nil
}

// ResetChannels forgets every source, binding, unit and electrode.
func (e *Engine) ResetChannels() error {
	if e.state == StateRecording {
		return stateError("reset channels", e.state, StateIdle, StateConfigured)
	}
	e.sources = nil
	e.units = nil
	e.bindings = make(map[int]int)
	e.electrodes = nil
	e.routes = nil
	if e.spikes != nil {
		e.spikes.ResetChannels()
	}
	e.state = StateIdle
	e.log.Debug("engine channels reset")
	return nil
}

// RecordedChannels returns the global channel of every recorded position.
// It is only meaningful while recording.
func (e *Engine) RecordedChannels() []int {
	if e.routes == nil {
		return nil
	}
	out := make([]int, len(e.routes.channels))
	for i, ch := range e.routes.channels {
		out[i] = ch.global
	}
	return out
}

// ChannelRoute reports the source and source-local position of a global
// channel in the current recording.
func (e *Engine) ChannelRoute(global int) (source, local int, ok bool) {
	if e.routes == nil {
		return 0, 0, false
	}
	p, ok := e.routes.position(global)
	if !ok {
		return 0, 0, false
	}
	ch := e.routes.channels[p]
	return ch.source, ch.local, true
}

// Leftover returns the samples a global channel has pending since its last
// timestamp marker.
func (e *Engine) Leftover(global int) (int64, bool) {
	if e.routes == nil {
		return 0, false
	}
	p, ok := e.routes.position(global)
	if !ok {
		return 0, false
	}
	return e.routes.channels[p].leftover, true
}

// BasePath returns the experiment base path of the current or last recording.
func (e *Engine) BasePath() string { return e.base }

// Paths returns the containers opened for the current or last recording.
func (e *Engine) Paths() []string {
	return append([]string(nil), e.paths...)
}
