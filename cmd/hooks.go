package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/kwikrec/internal/archive"
	"github.com/audiolibrelab/kwikrec/internal/catalog"
	"github.com/audiolibrelab/kwikrec/internal/config"
	"github.com/audiolibrelab/kwikrec/internal/notify"
	"github.com/audiolibrelab/kwikrec/internal/service"
)

// catalogHook keeps the recordings table in step with the service
type catalogHook struct {
	store *catalog.Store
}

func (h *catalogHook) Name() string { return "catalog" }

func (h *catalogHook) RecordingStarted(ctx context.Context, s service.RecordingSession) error {
	return h.store.RecordStarted(ctx, catalogRow(s))
}

func (h *catalogHook) RecordingStopped(ctx context.Context, s service.RecordingSession) error {
	row := catalogRow(s)
	row.Status = catalog.StatusComplete
	if s.Stats.SkippedSamples > 0 {
		row.Status = catalog.StatusFailed
	}
	return h.store.RecordStopped(ctx, row)
}

func catalogRow(s service.RecordingSession) catalog.Recording {
	r := catalog.Recording{
		SessionID:      s.ID,
		Engine:         s.Engine,
		Experiment:     s.Experiment,
		Recording:      s.Recording,
		BasePath:       s.BasePath,
		Containers:     s.Containers,
		ChannelCount:   s.ChannelCount,
		Samples:        s.Stats.Samples,
		SkippedSamples: s.Stats.SkippedSamples,
		Events:         s.Stats.Events,
		Spikes:         s.Stats.Spikes,
		StartedAt:      s.StartTime,
	}
	if !s.StopTime.IsZero() {
		stop := s.StopTime
		r.StoppedAt = &stop
	}
	return r
}

// notifyHook publishes both recording boundaries
type notifyHook struct {
	producer *notify.Producer
}

func (h *notifyHook) Name() string { return "notify" }

func (h *notifyHook) RecordingStarted(ctx context.Context, s service.RecordingSession) error {
	return h.producer.Publish(ctx, notifyEvent(s, notify.ActionStarted))
}

func (h *notifyHook) RecordingStopped(ctx context.Context, s service.RecordingSession) error {
	return h.producer.Publish(ctx, notifyEvent(s, notify.ActionStopped))
}

func notifyEvent(s service.RecordingSession, action string) notify.Event {
	ev := notify.Event{
		SessionID:      s.ID,
		Action:         action,
		Engine:         s.Engine,
		Experiment:     s.Experiment,
		Recording:      s.Recording,
		BasePath:       s.BasePath,
		Containers:     s.Containers,
		ChannelCount:   s.ChannelCount,
		Samples:        s.Stats.Samples,
		SkippedSamples: s.Stats.SkippedSamples,
		Events:         s.Stats.Events,
		Spikes:         s.Stats.Spikes,
		StartTime:      s.StartTime,
	}
	if !s.StopTime.IsZero() {
		stop := s.StopTime
		ev.StopTime = &stop
	}
	return ev
}

// archiveHook uploads the containers once a recording is closed
type archiveHook struct {
	uploader *archive.Uploader
}

func (h *archiveHook) Name() string { return "archive" }

func (h *archiveHook) RecordingStarted(context.Context, service.RecordingSession) error { return nil }

func (h *archiveHook) RecordingStopped(ctx context.Context, s service.RecordingSession) error {
	_, err := h.uploader.Upload(ctx, s.Experiment, s.Recording, s.Containers)
	return err
}

// buildHooks connects every integration enabled in c. The returned cleanup
// releases them.
func buildHooks(ctx context.Context, c *config.Config, fsys afero.Fs) ([]service.Hook, func() error, error) {
	var hooks []service.Hook
	var closers []func() error
	cleanup := func() error {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, closers[i]())
		}
		return errs
	}

	if c.Catalog.Enabled {
		store, err := catalog.Open(ctx, c.Catalog.DSN)
		if err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("catalog: %w", err), cleanup())
		}
		closers = append(closers, func() error { store.Close(); return nil })
		hooks = append(hooks, &catalogHook{store: store})
	}

	if c.Notify.Enabled {
		producer, err := notify.NewProducer(c.Notify.Brokers, c.Notify.Topic)
		if err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("notify: %w", err), cleanup())
		}
		closers = append(closers, producer.Close)
		hooks = append(hooks, &notifyHook{producer: producer})
	}

	if c.Archive.Enabled {
		uploader, err := archive.NewUploader(c.Archive, fsys)
		if err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("archive: %w", err), cleanup())
		}
		if err := uploader.EnsureBucket(ctx); err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("archive: %w", err), cleanup())
		}
		hooks = append(hooks, &archiveHook{uploader: uploader})
	}

	for _, h := range hooks {
		slog.Debug("Recording hook enabled", "hook", h.Name())
	}
	return hooks, cleanup, nil
}

// newService builds the service for the resolved configuration with its
// hooks.
func newService(ctx context.Context) (*service.KwikService, func() error, error) {
	fsys := afero.NewOsFs()
	hooks, cleanup, err := buildHooks(ctx, cfg, fsys)
	if err != nil {
		return nil, nil, err
	}
	svc := service.New(cfg, cfgFile, service.WithFilesystem(fsys), service.WithHooks(hooks...))
	return svc, cleanup, nil
}
