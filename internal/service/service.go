package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/kwikrec/internal/config"
	"github.com/audiolibrelab/kwikrec/internal/container"
	"github.com/audiolibrelab/kwikrec/internal/host"
	"github.com/audiolibrelab/kwikrec/internal/record"
)

// Service represents the core kwikrec service interface
type Service interface {
	// Acquisition operations
	StartAcquisition(ctx context.Context) error
	StopAcquisition(ctx context.Context) error

	// Recording operations
	StartRecording(ctx context.Context) (*RecordingSession, error)
	StopRecording(ctx context.Context) error
	Reset() error
	GetRecordingStatus() Status

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Information operations
	ListContainers() ([]ContainerInfo, error)
	GetLastError() string
}

// RecordingStatus represents the current service state
type RecordingStatus string

const (
	StatusStandby   RecordingStatus = "STANDBY"
	StatusAcquiring RecordingStatus = "ACQUIRING"
	StatusRecording RecordingStatus = "RECORDING"
	StatusError     RecordingStatus = "ERROR"
)

// RecordingSession contains information about one recording
type RecordingSession struct {
	ID           string       `json:"id"`
	Engine       string       `json:"engine"`
	Experiment   int          `json:"experiment"`
	Recording    int          `json:"recording"`
	BasePath     string       `json:"base_path"`
	StartTime    time.Time    `json:"start_time"`
	StopTime     time.Time    `json:"stop_time,omitempty"`
	Containers   []string     `json:"containers"`
	SourceCount  int          `json:"source_count"`
	ChannelCount int          `json:"channel_count"`
	Stats        record.Stats `json:"stats"`
}

// Status is a snapshot of the service for the status endpoint and CLI
type Status struct {
	Status      RecordingStatus   `json:"status"`
	EngineState string            `json:"engine_state"`
	Session     *RecordingSession `json:"session,omitempty"`
	Stats       record.Stats      `json:"stats"`
	LastError   string            `json:"last_error,omitempty"`
}

// Hook is notified of recording boundaries. Hooks run outside the engine
// lock, in registration order; a failing hook does not stop the others.
type Hook interface {
	Name() string
	RecordingStarted(ctx context.Context, session RecordingSession) error
	RecordingStopped(ctx context.Context, session RecordingSession) error
}

var (
	ErrNotAcquiring     = errors.New("acquisition is not running")
	ErrAlreadyAcquiring = errors.New("acquisition already running")
	ErrRecording        = errors.New("a recording is in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

var _ Service = (*KwikService)(nil)

// Option configures the service
type Option func(*KwikService)

func WithFilesystem(fs afero.Fs) Option {
	return func(s *KwikService) { s.fs = fs }
}

func WithHooks(hooks ...Hook) Option {
	return func(s *KwikService) { s.hooks = append(s.hooks, hooks...) }
}

func WithRegistry(r *host.Registry) Option {
	return func(s *KwikService) { s.registry = r }
}

// WithEngine selects the engine by registry id.
func WithEngine(id string) Option {
	return func(s *KwikService) { s.engineID = id }
}

// KwikService is the main service implementation
type KwikService struct {
	cfg        *config.Config
	configFile string
	fs         afero.Fs
	registry   *host.Registry
	engineID   string
	hooks      []Hook
	newTicker  func(time.Duration) (<-chan time.Time, func())

	// mu serializes every engine and graph call
	mu            sync.Mutex
	engine        *record.Engine
	graph         *host.Graph
	acquiring     bool
	cancel        context.CancelFunc
	done          chan struct{}
	session       *RecordingSession
	nextRecording int

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service instance
func New(cfg *config.Config, configFile string, opts ...Option) *KwikService {
	s := &KwikService{
		cfg:           cfg,
		configFile:    configFile,
		fs:            afero.NewOsFs(),
		registry:      host.DefaultRegistry(),
		engineID:      record.EngineID,
		newTicker:     newTicker,
		nextRecording: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartAcquisition builds the engine and the graph and starts delivering
// callbacks every acquisition interval until ctx is done or
// StopAcquisition is called.
func (s *KwikService) StartAcquisition(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acquiring {
		return ErrAlreadyAcquiring
	}
	s.clearLastError()

	manager, ok := s.registry.Lookup(s.engineID)
	if !ok {
		return fmt.Errorf("unknown recording engine '%s'", s.engineID)
	}

	graph := host.NewGraph(s.cfg)
	engine := manager.New(graph,
		record.WithFilesystem(s.fs),
		record.WithLogger(slog.Default().With("engine", manager.ID)),
		record.WithTimestampBlock(s.cfg.Engine.TimestampBlock),
		record.WithBufferCapacity(s.cfg.Engine.BufferCapacity),
	)
	if err := graph.Configure(engine); err != nil {
		s.setLastError(fmt.Sprintf("Failed to configure engine: %v", err))
		return fmt.Errorf("configure engine: %w", err)
	}
	if err := engine.StartAcquisition(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start acquisition: %v", err))
		return fmt.Errorf("start acquisition: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.engine = engine
	s.graph = graph
	s.acquiring = true
	s.cancel = cancel
	s.done = make(chan struct{})

	slog.Info("Acquisition started",
		"engine", manager.Name,
		"sources", len(s.cfg.Sources),
		"channels", len(graph.Channels()),
		"interval", s.cfg.Acquisition.CallbackInterval)

	go s.loop(loopCtx, s.cfg.Acquisition.CallbackInterval, s.done)
	return nil
}

func (s *KwikService) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	tick, stop := s.newTicker(interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if err := s.process(); err != nil {
				slog.Error("Acquisition callback failed", "error", err)
				s.setLastError(fmt.Sprintf("Acquisition callback failed: %v", err))
			}
		}
	}
}

func newTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// process delivers one callback to the engine.
func (s *KwikService) process() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acquiring {
		return nil
	}
	return s.graph.Process(s.engine, s.engine.State() == record.StateRecording)
}

// StopAcquisition stops the callback loop, closing any recording first.
func (s *KwikService) StopAcquisition(ctx context.Context) error {
	var errs error
	if s.GetRecordingStatus().Status == StatusRecording {
		errs = multierr.Append(errs, s.StopRecording(ctx))
	}

	s.mu.Lock()
	if !s.acquiring {
		s.mu.Unlock()
		return multierr.Append(errs, ErrNotAcquiring)
	}
	s.acquiring = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("Acquisition stopped")
	return errs
}

// StartRecording opens the containers of the next recording.
func (s *KwikService) StartRecording(ctx context.Context) (*RecordingSession, error) {
	s.mu.Lock()
	if !s.acquiring {
		s.mu.Unlock()
		return nil, ErrNotAcquiring
	}
	if s.session != nil {
		s.mu.Unlock()
		return nil, ErrRecording
	}
	s.clearLastError()

	root := s.cfg.Output.Directory
	experiment := s.cfg.Output.Experiment
	rec := s.findNextRecording(root, experiment)

	openErr := s.engine.OpenFiles(root, experiment, rec)
	if s.engine.State() != record.StateRecording {
		// nothing was opened
		s.mu.Unlock()
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", openErr))
		return nil, fmt.Errorf("start recording %d: %w", rec, openErr)
	}

	channels := 0
	for _, src := range s.engine.Sources() {
		channels += src.ChannelCount
	}
	session := &RecordingSession{
		ID:           uuid.NewString(),
		Engine:       s.engineID,
		Experiment:   experiment,
		Recording:    rec,
		BasePath:     s.engine.BasePath(),
		StartTime:    time.Now(),
		Containers:   s.engine.Paths(),
		SourceCount:  len(s.engine.Sources()),
		ChannelCount: channels,
	}
	s.session = session
	s.nextRecording = rec + 1
	snapshot := *session
	s.mu.Unlock()

	if openErr != nil {
		slog.Error("Recording started with failed units", "recording", rec, "error", openErr)
		s.setLastError(fmt.Sprintf("Recording %d started with failed units: %v", rec, openErr))
	}
	slog.Info("Recording started", "id", session.ID, "recording", rec, "base_path", session.BasePath)

	hookErr := s.runHooks(ctx, snapshot, true)
	return &snapshot, multierr.Append(openErr, hookErr)
}

// findNextRecording returns the first recording number at or after the
// service counter that no container of the experiment holds yet.
func (s *KwikService) findNextRecording(root string, experiment int) int {
	base := filepath.Join(root, fmt.Sprintf("experiment%d", experiment))
	roots := []string{container.EventsPath(base)}
	for _, src := range s.cfg.Sources {
		roots = append(roots, container.ContinuousPath(base, src.NodeID))
	}

	rec := s.nextRecording
	for {
		taken := false
		for _, r := range roots {
			if container.RecordingExists(s.fs, r, rec) {
				taken = true
				break
			}
		}
		if !taken {
			return rec
		}
		rec++
	}
}

// StopRecording closes the current recording and runs the stop hooks.
func (s *KwikService) StopRecording(ctx context.Context) error {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return ErrNotRecording
	}
	closeErr := s.engine.CloseFiles()
	session := *s.session
	session.StopTime = time.Now()
	session.Stats = s.engine.Stats()
	s.session = nil
	s.mu.Unlock()

	if closeErr != nil {
		slog.Error("Failed to close recording", "recording", session.Recording, "error", closeErr)
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", closeErr))
	} else {
		s.clearLastError()
	}
	slog.Info("Recording stopped",
		"id", session.ID,
		"recording", session.Recording,
		"duration", session.StopTime.Sub(session.StartTime).Round(time.Millisecond),
		"samples", session.Stats.Samples)

	return multierr.Append(closeErr, s.runHooks(ctx, session, false))
}

func (s *KwikService) runHooks(ctx context.Context, session RecordingSession, started bool) error {
	var errs error
	for _, h := range s.hooks {
		var err error
		if started {
			err = h.RecordingStarted(ctx, session)
		} else {
			err = h.RecordingStopped(ctx, session)
		}
		if err != nil {
			slog.Warn("Recording hook failed", "hook", h.Name(), "recording", session.Recording, "error", err)
			s.setLastError(fmt.Sprintf("%s: %v", h.Name(), err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", h.Name(), err))
		}
	}
	return errs
}

// Reset drops the engine's sources and channels. It stops the acquisition
// and is refused while recording.
func (s *KwikService) Reset() error {
	if s.GetRecordingStatus().Status == StatusRecording {
		return ErrRecording
	}
	if err := s.StopAcquisition(context.Background()); err != nil && !errors.Is(err, ErrNotAcquiring) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		if err := s.engine.ResetChannels(); err != nil {
			return err
		}
	}
	s.engine = nil
	s.graph = nil
	s.clearLastError()
	return nil
}

// GetRecordingStatus returns the current status and session info
func (s *KwikService) GetRecordingStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Status: StatusStandby, EngineState: record.StateIdle.String()}
	if s.engine != nil {
		st.EngineState = s.engine.State().String()
		st.Stats = s.engine.Stats()
	}
	switch {
	case s.session != nil:
		st.Status = StatusRecording
		session := *s.session
		session.Stats = st.Stats
		st.Session = &session
	case s.acquiring:
		st.Status = StatusAcquiring
	}

	st.LastError = s.GetLastError()
	if st.LastError != "" && st.Status == StatusStandby {
		st.Status = StatusError
	}
	return st
}

// LoadProfile loads a new configuration profile
func (s *KwikService) LoadProfile(profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acquiring {
		return fmt.Errorf("cannot change profile while acquiring: %w", ErrAlreadyAcquiring)
	}
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	s.cfg = newCfg
	return nil
}

// GetConfig returns the current configuration
func (s *KwikService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// GetLastError returns the last error message
func (s *KwikService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *KwikService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
}

func (s *KwikService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
