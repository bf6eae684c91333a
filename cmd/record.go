package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/kwikrec/internal/service"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Acquire from the configured sources and record",
	Long: `Start an acquisition on the configured sources and record one or more
consecutive recordings into the current experiment.

Each recording lasts --duration (or until Ctrl+C when the duration is 0).
Recording numbers continue after the last recording already stored in the
experiment's containers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")
		count, _ := cmd.Flags().GetInt("recordings")
		gap, _ := cmd.Flags().GetDuration("gap")
		if count < 1 {
			return fmt.Errorf("--recordings must be at least 1")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, cleanup, err := newService(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := cleanup(); err != nil {
				slog.Warn("Failed to release integrations", "error", err)
			}
		}()

		if err := svc.StartAcquisition(ctx); err != nil {
			return fmt.Errorf("failed to start acquisition: %w", err)
		}

		var errs error
		for i := 0; i < count && ctx.Err() == nil; i++ {
			if i > 0 && gap > 0 && !wait(ctx, gap) {
				break
			}
			errs = multierr.Append(errs, recordOnce(ctx, svc, duration))
		}

		if err := svc.StopAcquisition(context.Background()); err != nil && !errors.Is(err, service.ErrNotAcquiring) {
			errs = multierr.Append(errs, err)
		}
		return errs
	},
}

func recordOnce(ctx context.Context, svc *service.KwikService, duration time.Duration) error {
	session, err := svc.StartRecording(ctx)
	if session == nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	if err != nil {
		slog.Warn("Recording started with errors", "recording", session.Recording, "error", err)
	}

	if duration > 0 {
		slog.Info("Recording", "recording", session.Recording, "duration", duration)
	} else {
		slog.Info("Recording - Press Ctrl+C to stop", "recording", session.Recording)
	}
	wait(ctx, duration)

	st := svc.GetRecordingStatus()
	stopErr := svc.StopRecording(context.Background())

	fmt.Printf("Recording #%d of experiment %d: %s samples, %d events, %d spikes\n",
		session.Recording, session.Experiment,
		humanize.Comma(st.Stats.Samples), st.Stats.Events, st.Stats.Spikes)
	for _, p := range session.Containers {
		fmt.Printf("  %s\n", p)
	}
	if st.Stats.SkippedSamples > 0 {
		fmt.Printf("  %s samples skipped on failed units\n", humanize.Comma(st.Stats.SkippedSamples))
	}
	return stopErr
}

// wait blocks for d, or until ctx is done when d is 0. It reports whether
// ctx is still alive.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		<-ctx.Done()
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func init() {
	recordCmd.Flags().Duration("duration", 10*time.Second, "length of each recording (0 records until interrupted)")
	recordCmd.Flags().Int("recordings", 1, "number of consecutive recordings")
	recordCmd.Flags().Duration("gap", time.Second, "acquisition time between two recordings")
}
