package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chavi-india/draw-agent/internal/conf"
)

// runCommand performs one full agent cycle: scan, process, export.
func runCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one full cycle: scan, process and export",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings)
			if err != nil {
				return err
			}
			defer rt.Close()

			stopMetrics := rt.startMetricsServer()
			defer stopMetrics()

			scan, err := rt.scanner.Scan(cmd.Context())
			if err != nil {
				return err
			}
			batch, err := rt.driver.RunBatch(cmd.Context())
			if err != nil {
				return err
			}
			if err := rt.driver.ExportPending(cmd.Context()); err != nil {
				return err
			}

			fmt.Printf("cycle complete: %d files ingested, %d series deidentified, %d failed\n",
				scan.FilesIngested, batch.Deidentified, batch.Failed)
			return nil
		},
	}
}
