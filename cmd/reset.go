package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chavi-india/draw-agent/internal/conf"
)

// resetCommand returns a series to the unprocessed state, discarding its
// archives and any incomplete exports.
func resetCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [series-uid]",
		Short: "Discard a series' archives and return it to the unprocessed state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.ResetSeries(args[0]); err != nil {
				return err
			}
			fmt.Printf("series %s reset to unprocessed\n", args[0])
			return nil
		},
	}
}
