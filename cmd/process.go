package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chavi-india/draw-agent/internal/conf"
)

// processCommand matches and deidentifies pending series.
func processCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Match pending series against the rule catalog and deidentify them",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings)
			if err != nil {
				return err
			}
			defer rt.Close()

			summary, err := rt.driver.RunBatch(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("processed %d series: %d deidentified, %d failed\n",
				summary.SeriesEvaluated, summary.Deidentified, summary.Failed)
			return nil
		},
	}
}
