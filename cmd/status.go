package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chavi-india/draw-agent/internal/conf"
	"github.com/chavi-india/draw-agent/internal/errors"
)

// statusCommand queries the remote processing state of an uploaded archive.
func statusCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Query the DRAW server for the state of an uploaded archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(settings)
			if err != nil {
				return err
			}
			defer rt.Close()

			creds, err := rt.store.GetCredentials()
			if err != nil {
				return err
			}
			if creds == nil || creds.AccessToken == "" {
				return errors.NewStd("no access token configured")
			}

			status, err := rt.client.TaskStatus(cmd.Context(), args[0], creds.AccessToken)
			if err != nil {
				return err
			}

			// remember the remote state on the export record, if we own one
			if item, err := rt.store.GetExportByTaskID(args[0]); err == nil && item != nil {
				item.ServerStatus = status.Status
				if err := rt.store.SaveExport(item); err != nil {
					return err
				}
			}

			fmt.Printf("task %s: %s", status.TaskID, status.Status)
			if status.Detail != "" {
				fmt.Printf(" (%s)", status.Detail)
			}
			fmt.Println()
			return nil
		},
	}
}
