package cmd

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/kwikrec/internal/config"
	"github.com/audiolibrelab/kwikrec/internal/service"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the resolved configuration and the stored containers",
	Long: `Display the resolved configuration with inheritance indicators and list
the containers already present in the output directory with their size and
number of recordings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inh := cfg.Inheritance
		if inh == nil {
			inh = &config.InheritanceInfo{}
		}

		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Engine]\n")
		fmt.Printf("timestamp_block: %d %s\n", cfg.Engine.TimestampBlock, getInheritanceIndicator(inh.Engine))
		fmt.Printf("buffer_capacity: %d %s\n", cfg.Engine.BufferCapacity, getInheritanceIndicator(inh.Engine))

		fmt.Printf("\n[Acquisition]\n")
		fmt.Printf("callback_interval: %s %s\n", cfg.Acquisition.CallbackInterval, getInheritanceIndicator(inh.Acquisition))

		fmt.Printf("\n[Sources]\n")
		for i, src := range cfg.Sources {
			fmt.Printf("%d. %s (%s) node=%d rate=%g channels=%d %s\n",
				i, src.Name, src.ID, src.NodeID, src.SampleRate, src.ChannelCount(),
				getInheritanceIndicator(inh.Sources[src.ID]))
		}

		if len(cfg.Electrodes) > 0 {
			fmt.Printf("\n[Electrodes] %s\n", getInheritanceIndicator(inh.Electrodes))
			for i, el := range cfg.Electrodes {
				fmt.Printf("%d. %s channels=%d\n", i, el.Name, el.Channels)
			}
		}

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
		fmt.Printf("experiment: %d %s\n", cfg.Output.Experiment, getInheritanceIndicator(inh.Output.Experiment))

		containers, err := service.ListContainers(afero.NewOsFs(), cfg.Output.Directory)
		if err != nil {
			return err
		}

		fmt.Printf("\n=== CONTAINERS (%d) ===\n", len(containers))
		for _, c := range containers {
			fmt.Printf("%-32s %-10s %3d recordings %10s  %s\n",
				c.Name, c.Kind, c.Recordings, c.SizeHuman, c.ModTimeHuman)
		}
		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[default]"
	}
}
