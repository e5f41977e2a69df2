package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chavi-india/draw-agent/internal/conf"
)

// scanCommand registers new DICOM files from the storage tree.
func scanCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan the storage tree and register new DICOM series",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings)
			if err != nil {
				return err
			}
			defer rt.Close()

			summary, err := rt.scanner.Scan(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("scanned %d files: %d ingested, %d skipped, %d new series\n",
				summary.FilesSeen, summary.FilesIngested, summary.FilesSkipped, summary.NewSeries)
			return nil
		},
	}
}
