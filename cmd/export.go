package cmd

import (
	"github.com/spf13/cobra"

	"github.com/chavi-india/draw-agent/internal/conf"
)

// exportCommand uploads pending archives to the DRAW server.
func exportCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Upload deidentified archives to the DRAW server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings)
			if err != nil {
				return err
			}
			defer rt.Close()

			return rt.driver.ExportPending(cmd.Context())
		},
	}
}
