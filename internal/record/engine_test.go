package record

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/kwikrec/internal/container"
)

type fakeHost struct {
	channels   map[int]ChannelInfo
	timestamps map[int]int64
}

func newFakeHost() *fakeHost {
	return &fakeHost{channels: map[int]ChannelInfo{}, timestamps: map[int]int64{}}
}

func (h *fakeHost) add(global int, rate, bitVolts float32) {
	h.channels[global] = ChannelInfo{Name: "CH", BitVolts: bitVolts, SampleRate: rate}
}

func (h *fakeHost) Channel(global int) (ChannelInfo, bool) {
	info, ok := h.channels[global]
	return info, ok
}

func (h *fakeHost) Timestamp(global int) int64 { return h.timestamps[global] }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// twoSourceEngine registers source A (node 100, 30 kHz, channels 0,1,2) and
// source B (node 101, 1 kHz, channel 3).
func twoSourceEngine(t *testing.T, fs afero.Fs) (*Engine, *fakeHost) {
	t.Helper()
	host := newFakeHost()
	for g := 0; g < 3; g++ {
		host.add(g, 30000, 0.195)
	}
	host.add(3, 1000, 0.5)

	e := New(host, WithFilesystem(fs), WithLogger(quietLogger()))
	a, err := e.RegisterSource(100, 30000)
	if err != nil {
		t.Fatalf("RegisterSource A failed: %v", err)
	}
	b, err := e.RegisterSource(101, 1000)
	if err != nil {
		t.Fatalf("RegisterSource B failed: %v", err)
	}
	for g := 2; g >= 0; g-- {
		if err := e.BindChannel(g, a); err != nil {
			t.Fatalf("BindChannel %d failed: %v", g, err)
		}
	}
	if err := e.BindChannel(3, b); err != nil {
		t.Fatalf("BindChannel 3 failed: %v", err)
	}
	if err := e.StartAcquisition(); err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	return e, host
}

func TestEngineRoutingTwoSources(t *testing.T) {
	fs := afero.NewMemMapFs()
	e, _ := twoSourceEngine(t, fs)

	if err := e.OpenFiles("/rec", 1, 1); err != nil {
		t.Fatalf("OpenFiles failed: %v", err)
	}
	if e.State() != StateRecording {
		t.Fatalf("Expected RECORDING, got %s", e.State())
	}

	for g, want := range []struct{ source, local int }{{0, 0}, {0, 1}, {0, 2}, {1, 0}} {
		src, local, ok := e.ChannelRoute(g)
		if !ok || src != want.source || local != want.local {
			t.Errorf("Channel %d: expected source %d local %d, got %d %d (ok=%v)", g, want.source, want.local, src, local, ok)
		}
	}

	sources := e.Sources()
	if sources[0].ChannelCount != 3 || sources[0].MultiSample {
		t.Errorf("Source A: expected 3 channels single rate, got %+v", sources[0])
	}
	if sources[1].ChannelCount != 1 || sources[1].BitVolts[0] != 0.5 {
		t.Errorf("Source B: expected 1 channel at 0.5 bit volts, got %+v", sources[1])
	}

	wantPaths := map[string]bool{
		"/rec/experiment1.kwe":          true,
		"/rec/experiment1.kwx":          true,
		"/rec/experiment1_100.raw.kwd": true,
		"/rec/experiment1_101.raw.kwd": true,
	}
	for _, p := range e.Paths() {
		if !wantPaths[filepath.ToSlash(p)] {
			t.Errorf("Unexpected container %s", p)
		}
		delete(wantPaths, filepath.ToSlash(p))
	}
	if len(wantPaths) != 0 {
		t.Errorf("Missing containers %v", wantPaths)
	}

	info, err := container.ReadRecordingInfo(fs, "/rec/experiment1_100.raw.kwd", 1)
	if err != nil {
		t.Fatalf("ReadRecordingInfo failed: %v", err)
	}
	if info.Name != "Recording #1" || info.BitDepth != 16 || info.SampleRate != 30000 || len(info.BitVolts) != 3 {
		t.Errorf("Unexpected recording info %+v", info)
	}

	if err := e.CloseFiles(); err != nil {
		t.Fatalf("CloseFiles failed: %v", err)
	}
	if e.State() != StateConfigured {
		t.Errorf("Expected CONFIGURED after close, got %s", e.State())
	}
}

func TestEngineMultiRateSource(t *testing.T) {
	host := newFakeHost()
	host.add(0, 30000, 0.195)
	host.add(1, 2000, 0.195)

	e := New(host, WithFilesystem(afero.NewMemMapFs()), WithLogger(quietLogger()))
	src, _ := e.RegisterSource(5, 30000)
	_ = e.BindChannel(0, src)
	_ = e.BindChannel(1, src)
	_ = e.StartAcquisition()
	if err := e.OpenFiles("/rec", 1, 1); err != nil {
		t.Fatalf("OpenFiles failed: %v", err)
	}
	s := e.Sources()[0]
	if !s.MultiSample {
		t.Error("Expected multi sample rate source")
	}
	if len(s.ChannelSampleRates) != 2 || s.ChannelSampleRates[1] != 2000 {
		t.Errorf("Unexpected channel rates %v", s.ChannelSampleRates)
	}
}

func TestEngineStateMachine(t *testing.T) {
	e := New(newFakeHost(), WithFilesystem(afero.NewMemMapFs()), WithLogger(quietLogger()))

	if e.State() != StateIdle {
		t.Fatalf("Expected IDLE, got %s", e.State())
	}
	if err := e.BindChannel(0, 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState binding while idle, got %v", err)
	}
	if err := e.OpenFiles("/rec", 1, 1); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState opening while idle, got %v", err)
	}
	if err := e.BeginBlock(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for BeginBlock, got %v", err)
	}
	if err := e.WriteContinuous(0, 0, []float32{0}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for WriteContinuous, got %v", err)
	}
	if err := e.CloseFiles(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for CloseFiles, got %v", err)
	}

	if _, err := e.RegisterSource(1, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if _, err := e.RegisterSource(1, 1000); err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}
	if _, err := e.RegisterSource(1, 1000); !errors.Is(err, ErrDuplicateSource) {
		t.Errorf("Expected ErrDuplicateSource, got %v", err)
	}
	if err := e.BindChannel(0, 3); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("Expected ErrUnknownSource, got %v", err)
	}
	if err := e.OpenFiles("/rec", 1, 1); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState before StartAcquisition, got %v", err)
	}

	_ = e.StartAcquisition()
	if err := e.OpenFiles("/rec", 1, 1); err != nil {
		t.Fatalf("OpenFiles failed: %v", err)
	}
	if err := e.OpenFiles("/rec", 1, 2); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState opening twice, got %v", err)
	}
	if _, err := e.RegisterSource(2, 1000); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState registering while recording, got %v", err)
	}
	if err := e.ResetChannels(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState resetting while recording, got %v", err)
	}
	if err := e.CloseFiles(); err != nil {
		t.Fatalf("CloseFiles failed: %v", err)
	}
	if err := e.ResetChannels(); err != nil {
		t.Fatalf("ResetChannels failed: %v", err)
	}
	if e.State() != StateIdle || len(e.Sources()) != 0 {
		t.Errorf("Expected empty IDLE engine after reset, got %s with %d sources", e.State(), len(e.Sources()))
	}
}

func TestEngineSourceWithoutChannelsGetsNoUnit(t *testing.T) {
	fs := afero.NewMemMapFs()
	host := newFakeHost()
	host.add(0, 1000, 1)

	e := New(host, WithFilesystem(fs), WithLogger(quietLogger()))
	a, _ := e.RegisterSource(1, 1000)
	_, _ = e.RegisterSource(2, 1000)
	_ = e.BindChannel(0, a)
	_ = e.StartAcquisition()
	if err := e.OpenFiles("/rec", 1, 1); err != nil {
		t.Fatalf("OpenFiles failed: %v", err)
	}

	if ok, _ := afero.Exists(fs, "/rec/experiment1_2.raw.kwd"); ok {
		t.Error("Expected no container for a source without channels")
	}
	if ok, _ := afero.Exists(fs, "/rec/experiment1_1.raw.kwd"); !ok {
		t.Error("Expected container for source 1")
	}
}

func TestEngineWritesContinuousAndTimestamps(t *testing.T) {
	fs := afero.NewMemMapFs()
	e, host := twoSourceEngine(t, fs)
	host.timestamps[0] = 1000
	host.timestamps[3] = 50

	if err := e.OpenFiles("/rec", 1, 1); err != nil {
		t.Fatalf("OpenFiles failed: %v", err)
	}

	block := make([]float32, 600)
	for i := range block {
		block[i] = float32(i%10) * 0.195
	}

	for cycle := 0; cycle < 2; cycle++ {
		if err := e.BeginBlock(); err != nil {
			t.Fatalf("BeginBlock failed: %v", err)
		}
		if err := e.WriteContinuous(0, 0, block); err != nil {
			t.Fatalf("WriteContinuous failed: %v", err)
		}
		if err := e.WriteContinuous(3, 3, block[:20]); err != nil {
			t.Fatalf("WriteContinuous failed: %v", err)
		}
		if err := e.EndBlock(); err != nil {
			t.Fatalf("EndBlock failed: %v", err)
		}
		host.timestamps[0] += int64(len(block))
		host.timestamps[3] += 20
	}

	if err := e.WriteContinuous(1, 0, block); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Expected ErrUnknownChannel for mismatched position, got %v", err)
	}
	if err := e.WriteContinuous(0, 0, make([]float32, DefaultBufferCapacity+1)); !errors.Is(err, ErrBufferCapacity) {
		t.Errorf("Expected ErrBufferCapacity, got %v", err)
	}
	if left, _ := e.Leftover(0); left != 1200%1024 {
		t.Errorf("Expected leftover %d, got %d", 1200%1024, left)
	}

	if err := e.CloseFiles(); err != nil {
		t.Fatalf("CloseFiles failed: %v", err)
	}

	samples, rate, err := container.ReadChannel(fs, "/rec/experiment1_100.raw.kwd", 1, 0)
	if err != nil {
		t.Fatalf("ReadChannel failed: %v", err)
	}
	if len(samples) != 1200 || rate != 30000 {
		t.Fatalf("Expected 1200 samples at 30000 Hz, got %d at %d", len(samples), rate)
	}
	for i := 0; i < 10; i++ {
		if samples[i] != int16(i) {
			t.Errorf("Sample %d: expected %d, got %d", i, i, samples[i])
		}
	}

	stamps, err := container.ReadTimestamps(fs, "/rec/experiment1_100.raw.kwd", 1, 0)
	if err != nil {
		t.Fatalf("ReadTimestamps failed: %v", err)
	}
	if len(stamps) != 2 || stamps[0] != 1000 || stamps[1] != 2024 {
		t.Errorf("Expected markers [1000 2024], got %v", stamps)
	}

	stamps, err = container.ReadTimestamps(fs, "/rec/experiment1_101.raw.kwd", 1, 0)
	if err != nil {
		t.Fatalf("ReadTimestamps failed: %v", err)
	}
	if len(stamps) != 1 || stamps[0] != 50 {
		t.Errorf("Expected a single marker at 50, got %v", stamps)
	}

	st := e.Stats()
	if st.Samples != 1240 || st.Timestamps != 3 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestEngineEventsAndSpikes(t *testing.T) {
	fs := afero.NewMemMapFs()
	host := newFakeHost()
	host.add(0, 30000, 0.195)
	host.timestamps[0] = 777

	e := New(host, WithFilesystem(fs), WithLogger(quietLogger()))
	src, _ := e.RegisterSource(100, 30000)
	_ = e.BindChannel(0, src)
	el, err := e.AddSpikeElectrode("tetrode 1", 4)
	if err != nil {
		t.Fatalf("AddSpikeElectrode failed: %v", err)
	}
	_ = e.StartAcquisition()
	if err := e.OpenFiles("/rec", 2, 5); err != nil {
		t.Fatalf("OpenFiles failed: %v", err)
	}

	if err := e.WriteEvent(EventTTL, EncodeTTL(100, 3, 1), 1234); err != nil {
		t.Fatalf("WriteEvent TTL failed: %v", err)
	}
	if err := e.WriteEvent(EventMessage, EncodeMessage(100, 0, "stim on\x00junk"), 1300); err != nil {
		t.Fatalf("WriteEvent message failed: %v", err)
	}
	if err := e.WriteEvent(EventTTL, []byte{0, 1}, 1); err == nil {
		t.Error("Expected error for short TTL record")
	}

	wave := make([]uint16, 4*40)
	if err := e.WriteSpike(el, Spike{Timestamp: 900, Samples: 40, Data: wave}); err != nil {
		t.Fatalf("WriteSpike failed: %v", err)
	}
	if err := e.WriteSpike(el, Spike{Timestamp: 901, Samples: 40, Data: wave[:8]}); err == nil {
		t.Error("Expected error for short waveform")
	}
	if err := e.WriteSpike(4, Spike{Samples: 1, Data: wave[:4]}); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Expected ErrUnknownChannel for unknown electrode, got %v", err)
	}
	if err := e.CloseFiles(); err != nil {
		t.Fatalf("CloseFiles failed: %v", err)
	}

	rows, err := container.ReadEvents(fs, "/rec/experiment2.kwe", "TTL")
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != 3 || rows[0].NodeID != 100 || *rows[0].Value != 1 || rows[0].Recording != 5 || rows[0].TimeSamples != 1234 {
		t.Errorf("Unexpected TTL rows %+v", rows)
	}
	rows, err = container.ReadEvents(fs, "/rec/experiment2.kwe", "Messages")
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(rows) != 1 || *rows[0].Text != "stim on" {
		t.Errorf("Unexpected message rows %+v", rows)
	}

	info, err := container.ReadRecordingInfo(fs, "/rec/experiment2.kwe", 5)
	if err != nil {
		t.Fatalf("ReadRecordingInfo failed: %v", err)
	}
	if info.StartTime != 777 || info.Name != "Recording #5" {
		t.Errorf("Unexpected events recording info %+v", info)
	}

	spikes, err := container.ReadSpikes(fs, "/rec/experiment2.kwx", el)
	if err != nil {
		t.Fatalf("ReadSpikes failed: %v", err)
	}
	if len(spikes) != 1 || spikes[0].TimeSamples != 900 || spikes[0].Samples != 40 {
		t.Errorf("Unexpected spikes %+v", spikes)
	}
}

func TestEngineSecondRecordingRebuildsRouting(t *testing.T) {
	fs := afero.NewMemMapFs()
	e, _ := twoSourceEngine(t, fs)

	for rec := 1; rec <= 2; rec++ {
		if err := e.OpenFiles("/rec", 1, rec); err != nil {
			t.Fatalf("OpenFiles %d failed: %v", rec, err)
		}
		if n := e.Sources()[0].ChannelCount; n != 3 {
			t.Errorf("Recording %d: expected 3 channels on source A, got %d", rec, n)
		}
		if err := e.CloseFiles(); err != nil {
			t.Fatalf("CloseFiles %d failed: %v", rec, err)
		}
	}

	if _, err := container.ReadRecordingInfo(fs, "/rec/experiment1_100.raw.kwd", 2); err != nil {
		t.Errorf("Expected second recording group: %v", err)
	}
	if err := e.OpenFiles("/rec", 1, 2); err == nil {
		t.Error("Expected error reusing an existing recording number")
	}
}

func TestEnginePartialOpenFailure(t *testing.T) {
	root := t.TempDir()
	// a regular file where source 101's container directory belongs
	if err := os.WriteFile(filepath.Join(root, "experiment1_101.raw.kwd"), []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to create blocking file: %v", err)
	}

	e, _ := twoSourceEngine(t, afero.NewOsFs())
	err := e.OpenFiles(root, 1, 1)
	if err == nil {
		t.Fatal("Expected OpenFiles to report the failed unit")
	}
	if e.State() != StateRecording {
		t.Fatalf("Expected RECORDING after partial failure, got %s", e.State())
	}

	errs := multierr.Errors(err)
	if len(errs) != 1 {
		t.Fatalf("Expected one unit error, got %d: %v", len(errs), err)
	}
	var ue *UnitError
	if !errors.As(errs[0], &ue) || ue.Source != 1 || ue.Unit != "continuous" {
		t.Fatalf("Expected UnitError for source 1, got %v", errs[0])
	}

	_ = e.BeginBlock()
	if err := e.WriteContinuous(3, 3, make([]float32, 10)); err != nil {
		t.Errorf("Expected write to failed unit to be skipped, got %v", err)
	}
	if err := e.WriteContinuous(0, 0, make([]float32, 10)); err != nil {
		t.Errorf("Expected write to healthy unit to succeed, got %v", err)
	}
	_ = e.EndBlock()

	st := e.Stats()
	if st.SkippedSamples != 10 || st.Samples != 10 {
		t.Errorf("Unexpected stats %+v", st)
	}
	if err := e.CloseFiles(); err != nil {
		t.Errorf("CloseFiles failed: %v", err)
	}
}

func TestEngineRejectsUnusableSampleRates(t *testing.T) {
	e := New(newFakeHost(), WithFilesystem(afero.NewMemMapFs()), WithLogger(quietLogger()))
	for _, rate := range []float32{0.5, 29999.5} {
		if _, err := e.RegisterSource(1, rate); !errors.Is(err, container.ErrSampleRate) {
			t.Errorf("rate %g: expected ErrSampleRate, got %v", rate, err)
		}
	}

	host := newFakeHost()
	host.add(0, 1000, 0.195)
	host.add(1, 0.5, 0.195)
	fs := afero.NewMemMapFs()
	e = New(host, WithFilesystem(fs), WithLogger(quietLogger()))
	src, err := e.RegisterSource(1, 1000)
	if err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}
	_ = e.BindChannel(0, src)
	_ = e.BindChannel(1, src)
	_ = e.StartAcquisition()

	if err := e.OpenFiles("/rec", 1, 1); !errors.Is(err, container.ErrSampleRate) {
		t.Fatalf("Expected ErrSampleRate for a 0.5 Hz channel, got %v", err)
	}
	if e.State() != StateConfigured {
		t.Errorf("Expected CONFIGURED after rejected routing, got %s", e.State())
	}
	if exists, _ := afero.DirExists(fs, "/rec/experiment1_1.raw.kwd"); exists {
		t.Error("Expected no container for rejected routing")
	}
}

func TestEngineStatsArePerRecording(t *testing.T) {
	e, _ := twoSourceEngine(t, afero.NewMemMapFs())

	for rec, blocks := range []int{5, 2} {
		if err := e.OpenFiles("/rec", 1, rec+1); err != nil {
			t.Fatalf("OpenFiles %d failed: %v", rec+1, err)
		}
		for b := 0; b < blocks; b++ {
			_ = e.BeginBlock()
			for g := 0; g < 2; g++ {
				if err := e.WriteContinuous(g, g, make([]float32, 300)); err != nil {
					t.Fatalf("WriteContinuous failed: %v", err)
				}
			}
			_ = e.EndBlock()
		}
		if err := e.CloseFiles(); err != nil {
			t.Fatalf("CloseFiles %d failed: %v", rec+1, err)
		}
		if got, want := e.Stats().Samples, int64(blocks*2*300); got != want {
			t.Errorf("Recording %d: expected %d samples, got %d", rec+1, want, got)
		}
	}
}

var (
	errWavWrite = errors.New("disk full")
	errWavClose = errors.New("close failed")
)

// brokenWavFs fails every write and close on channel data streams.
type brokenWavFs struct{ afero.Fs }

func (fs brokenWavFs) Create(name string) (afero.File, error) {
	f, err := fs.Fs.Create(name)
	if err != nil || !strings.HasSuffix(name, ".wav") {
		return f, err
	}
	return brokenFile{f}, nil
}

type brokenFile struct{ afero.File }

func (f brokenFile) Write([]byte) (int, error) { return 0, errWavWrite }

func (f brokenFile) Close() error {
	_ = f.File.Close()
	return errWavClose
}

func TestEngineWriteFailureKeepsCloseError(t *testing.T) {
	e, _ := twoSourceEngine(t, brokenWavFs{afero.NewMemMapFs()})
	if err := e.OpenFiles("/rec", 1, 1); err != nil {
		t.Fatalf("OpenFiles failed: %v", err)
	}

	_ = e.BeginBlock()
	err := e.WriteContinuous(0, 0, make([]float32, 10))
	var ue *UnitError
	if !errors.As(err, &ue) || ue.Source != 0 {
		t.Fatalf("Expected UnitError for source 0, got %v", err)
	}
	if !errors.Is(err, errWavClose) {
		t.Errorf("Expected the close error to be reported, got %v", err)
	}

	if err := e.WriteContinuous(1, 1, make([]float32, 10)); err != nil {
		t.Errorf("Expected write to the closed unit to be skipped, got %v", err)
	}
	if st := e.Stats(); st.SkippedSamples != 10 {
		t.Errorf("Expected 10 skipped samples, got %+v", st)
	}
}

func TestEngineOptions(t *testing.T) {
	e := New(newFakeHost(), WithTimestampBlock(512), WithBufferCapacity(-1))
	if e.TimestampBlock() != 512 {
		t.Errorf("Expected block 512, got %d", e.TimestampBlock())
	}
	if e.BufferCapacity() != DefaultBufferCapacity {
		t.Errorf("Expected default capacity, got %d", e.BufferCapacity())
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent(EventTTL, EncodeTTL(7, 2, 1))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.NodeID != 7 || ev.Channel != 2 || len(ev.Payload) != 1 || ev.Payload[0] != 1 {
		t.Errorf("Unexpected TTL event %+v", ev)
	}

	ev, err = DecodeEvent(EventMessage, EncodeMessage(9, 0, "hello"))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if string(ev.Payload) != "hello" || ev.NodeID != 9 {
		t.Errorf("Unexpected message event %+v", ev)
	}
	if _, err := DecodeEvent(EventKind(9), []byte{0, 0, 0, 0}); err == nil {
		t.Error("Expected error for unknown event kind")
	}
	if EventMessage.String() != "Messages" || EventTTL.String() != "TTL" {
		t.Error("Unexpected event kind names")
	}
}
