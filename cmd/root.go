package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/audiolibrelab/kwikrec/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	logLevel     string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "kwikrec",
	Short: "Online multi-channel neural recorder",
	Long: `kwikrec records continuous multi-channel data, TTL and message events
and spike waveforms into KWIK style containers while an acquisition runs.

Each source gets one continuous container per experiment, all events go to
one events container and spikes to one spikes container. Recordings are
numbered groups inside every container.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(verboseLevel, logLevel); err != nil {
			return err
		}

		// config use/validate work on the file itself
		if cmd.Parent() == configCmd && cmd != configShowCmd {
			return nil
		}

		if cfgFile == "" {
			cfgFile = defaultConfigPath()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := config.ApplyFlags(cfg, cmd.Flags()); err != nil {
			return fmt.Errorf("invalid flags: %w", err)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/kwikrec.yaml")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/kwikrec.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error (overrides --verbose)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)
}

// setupLogging configures slog from the verbose level, or from an explicit
// level name when one is given.
func setupLogging(verbose int, name string) error {
	slogLevel := slog.LevelInfo
	if verbose >= 1 {
		slogLevel = slog.LevelDebug
	}
	if name != "" {
		var err error
		if slogLevel, err = parseLogLevel(name); err != nil {
			return err
		}
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}
