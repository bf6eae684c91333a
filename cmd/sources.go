package cmd

import (
	"fmt"

	"github.com/audiolibrelab/kwikrec/internal/host"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the configured sources and their channels",
	Long: `List every channel the acquisition will deliver, in global index order,
with the source it belongs to, its sample rate and bit volts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		graph := host.NewGraph(cfg)

		fmt.Printf("Sources (%d)\n", len(cfg.Sources))
		fmt.Printf("═══════════════════════════════════════\n\n")
		for i, src := range cfg.Sources {
			fmt.Printf("  %d. %s [%s] node %d at %g Hz, %d channels\n",
				i+1, src.Name, src.ID, src.NodeID, src.SampleRate, src.ChannelCount())
		}

		fmt.Printf("\nChannels (%d)\n", len(graph.Channels()))
		for _, ch := range graph.Channels() {
			fmt.Printf("  %3d  %-8s source %d  %8g Hz  %g µV/bit\n",
				ch.Global, ch.Name, ch.Source, ch.SampleRate, ch.BitVolts)
		}

		registry := host.DefaultRegistry()
		fmt.Printf("\nEngines:")
		for _, m := range registry.Engines() {
			fmt.Printf(" %s (%s)", m.Name, m.ID)
		}
		fmt.Println()
		return nil
	},
}
