package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/kwikrec/internal/config"
	"github.com/audiolibrelab/kwikrec/internal/container"
)

type fakeHook struct {
	mu      sync.Mutex
	started []RecordingSession
	stopped []RecordingSession
	fail    error
}

func (h *fakeHook) Name() string { return "fake" }

func (h *fakeHook) RecordingStarted(_ context.Context, s RecordingSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, s)
	return nil
}

func (h *fakeHook) RecordingStopped(_ context.Context, s RecordingSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, s)
	return h.fail
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Acquisition.CallbackInterval = 10 * time.Millisecond
	cfg.Output.Directory = "/data"
	cfg.Sources = []config.Source{
		{ID: "rhythm", Name: "Rhythm", NodeID: 100, SampleRate: 30000, Channels: []config.ChannelDefinition{{Count: 2, BitVolts: 0.195}}},
	}
	return &cfg
}

func newTestService(t *testing.T, hooks ...Hook) (*KwikService, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s := New(testConfig(), "", WithFilesystem(fs), WithHooks(hooks...))
	// callbacks are delivered by hand with process()
	s.newTicker = func(time.Duration) (<-chan time.Time, func()) { return nil, func() {} }
	t.Cleanup(func() { _ = s.StopAcquisition(context.Background()) })
	return s, fs
}

func TestServiceRecordingLifecycle(t *testing.T) {
	hook := &fakeHook{}
	s, fs := newTestService(t, hook)
	ctx := context.Background()

	if st := s.GetRecordingStatus(); st.Status != StatusStandby {
		t.Fatalf("Expected STANDBY, got %s", st.Status)
	}
	if _, err := s.StartRecording(ctx); !errors.Is(err, ErrNotAcquiring) {
		t.Errorf("Expected ErrNotAcquiring, got %v", err)
	}

	if err := s.StartAcquisition(ctx); err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	if err := s.StartAcquisition(ctx); !errors.Is(err, ErrAlreadyAcquiring) {
		t.Errorf("Expected ErrAlreadyAcquiring, got %v", err)
	}
	if st := s.GetRecordingStatus(); st.Status != StatusAcquiring || st.EngineState != "CONFIGURED" {
		t.Errorf("Expected ACQUIRING/CONFIGURED, got %s/%s", st.Status, st.EngineState)
	}

	// callbacks outside a recording only advance the clocks
	for i := 0; i < 3; i++ {
		if err := s.process(); err != nil {
			t.Fatalf("process failed: %v", err)
		}
	}

	session, err := s.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if session.Recording != 1 || session.Experiment != 1 || session.ChannelCount != 2 || session.ID == "" {
		t.Errorf("Unexpected session %+v", session)
	}
	if _, err := s.StartRecording(ctx); !errors.Is(err, ErrRecording) {
		t.Errorf("Expected ErrRecording, got %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := s.process(); err != nil {
			t.Fatalf("process failed: %v", err)
		}
	}

	st := s.GetRecordingStatus()
	if st.Status != StatusRecording || st.Session == nil || st.Stats.Samples != 2*10*300 {
		t.Errorf("Unexpected recording status %+v", st)
	}

	if err := s.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	if err := s.StopRecording(ctx); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Expected ErrNotRecording, got %v", err)
	}

	if len(hook.started) != 1 || len(hook.stopped) != 1 {
		t.Fatalf("Expected one start and one stop hook call, got %d and %d", len(hook.started), len(hook.stopped))
	}
	if hook.stopped[0].Stats.Samples == 0 || hook.stopped[0].StopTime.IsZero() {
		t.Errorf("Stop hook got incomplete session %+v", hook.stopped[0])
	}

	info, err := container.ReadRecordingInfo(fs, "/data/experiment1_100.raw.kwd", 1)
	if err != nil {
		t.Fatalf("ReadRecordingInfo failed: %v", err)
	}
	if info.StartTime != 3*300 {
		t.Errorf("Expected start time after three callbacks, got %d", info.StartTime)
	}

	// the next recording takes the next free number
	session, err = s.StartRecording(ctx)
	if err != nil {
		t.Fatalf("Second StartRecording failed: %v", err)
	}
	if session.Recording != 2 {
		t.Errorf("Expected recording 2, got %d", session.Recording)
	}

	// stopping acquisition closes the open recording
	if err := s.StopAcquisition(ctx); err != nil {
		t.Fatalf("StopAcquisition failed: %v", err)
	}
	if len(hook.stopped) != 2 {
		t.Errorf("Expected the open recording to be stopped, got %d stop calls", len(hook.stopped))
	}
	if st := s.GetRecordingStatus(); st.Status != StatusStandby {
		t.Errorf("Expected STANDBY after stop, got %s", st.Status)
	}
}

func TestServiceStatsArePerRecording(t *testing.T) {
	hook := &fakeHook{}
	s, _ := newTestService(t, hook)
	ctx := context.Background()
	if err := s.StartAcquisition(ctx); err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}

	for rec := 0; rec < 2; rec++ {
		if _, err := s.StartRecording(ctx); err != nil {
			t.Fatalf("StartRecording %d failed: %v", rec+1, err)
		}
		if st := s.GetRecordingStatus(); st.Stats.Samples != 0 {
			t.Errorf("Recording %d: expected fresh stats, got %+v", rec+1, st.Stats)
		}
		for i := 0; i < 5; i++ {
			if err := s.process(); err != nil {
				t.Fatalf("process failed: %v", err)
			}
		}
		if err := s.StopRecording(ctx); err != nil {
			t.Fatalf("StopRecording %d failed: %v", rec+1, err)
		}
	}

	if len(hook.stopped) != 2 {
		t.Fatalf("Expected two stop hook calls, got %d", len(hook.stopped))
	}
	for i, session := range hook.stopped {
		if session.Stats.Samples != 2*5*300 {
			t.Errorf("Recording %d: expected %d samples, got %d", session.Recording, 2*5*300, session.Stats.Samples)
		}
		if session.Recording != i+1 {
			t.Errorf("Expected recording %d, got %d", i+1, session.Recording)
		}
	}
}

func TestServiceSkipsExistingRecordings(t *testing.T) {
	s, fs := newTestService(t)
	ctx := context.Background()

	// recording 1 left over from an earlier run
	if err := fs.MkdirAll("/data/experiment1.kwe/recordings/1", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	if err := s.StartAcquisition(ctx); err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	session, err := s.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if session.Recording != 2 {
		t.Errorf("Expected recording 2, got %d", session.Recording)
	}
}

func TestServiceHookFailureIsReported(t *testing.T) {
	hook := &fakeHook{fail: errors.New("broker down")}
	s, _ := newTestService(t, hook)
	ctx := context.Background()

	if err := s.StartAcquisition(ctx); err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	if _, err := s.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	err := s.StopRecording(ctx)
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Errorf("Expected hook error, got %v", err)
	}
	if !strings.Contains(s.GetLastError(), "broker down") {
		t.Errorf("Expected last error to mention the hook, got %q", s.GetLastError())
	}
}

func TestServiceReset(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if err := s.StartAcquisition(ctx); err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	if _, err := s.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrRecording) {
		t.Errorf("Expected ErrRecording while recording, got %v", err)
	}
	if err := s.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	st := s.GetRecordingStatus()
	if st.Status != StatusStandby || st.EngineState != "IDLE" {
		t.Errorf("Expected STANDBY/IDLE after reset, got %s/%s", st.Status, st.EngineState)
	}
	if err := s.StopAcquisition(ctx); !errors.Is(err, ErrNotAcquiring) {
		t.Errorf("Expected ErrNotAcquiring, got %v", err)
	}
}

func TestServiceLoopDeliversCallbacks(t *testing.T) {
	cfg := testConfig()
	cfg.Acquisition.CallbackInterval = time.Millisecond
	s := New(cfg, "", WithFilesystem(afero.NewMemMapFs()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.StartAcquisition(ctx); err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	if _, err := s.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.GetRecordingStatus().Stats.Samples == 0 {
		if time.Now().After(deadline) {
			t.Fatal("No samples written by the acquisition loop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.StopAcquisition(ctx); err != nil {
		t.Fatalf("StopAcquisition failed: %v", err)
	}
}

func TestListContainers(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/data/experiment1_100.raw.kwd/recordings/1/data/ch000.wav", make([]byte, 2048), 0o644)
	_ = afero.WriteFile(fs, "/data/experiment1_100.raw.kwd/recordings/2/data/ch000.wav", make([]byte, 1000), 0o644)
	_ = afero.WriteFile(fs, "/data/experiment1.kwe/recordings/1/info.yaml", []byte("name: x\n"), 0o644)
	_ = afero.WriteFile(fs, "/data/notes.txt", []byte("hello"), 0o644)

	containers, err := ListContainers(fs, "/data")
	if err != nil {
		t.Fatalf("ListContainers failed: %v", err)
	}
	if len(containers) != 2 {
		t.Fatalf("Expected 2 containers, got %d: %+v", len(containers), containers)
	}

	byKind := map[string]ContainerInfo{}
	for _, c := range containers {
		byKind[c.Kind] = c
	}
	kwd := byKind["continuous"]
	if kwd.Size != 3048 || kwd.Recordings != 2 || kwd.SizeHuman != "3.0 kB" {
		t.Errorf("Unexpected continuous container %+v", kwd)
	}
	if byKind["events"].Recordings != 1 {
		t.Errorf("Unexpected events container %+v", byKind["events"])
	}

	if containers, err := ListContainers(fs, "/missing"); err != nil || len(containers) != 0 {
		t.Errorf("Expected empty listing for a missing directory, got %v, %v", containers, err)
	}
}
