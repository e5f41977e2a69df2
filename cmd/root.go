// Package cmd implements the agent command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chavi-india/draw-agent/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "draw-agent",
		Short: "DRAW deidentification and export agent",
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		cobra.CheckErr(err)
	}

	rootCmd.AddCommand(
		scanCommand(settings),
		processCommand(settings),
		exportCommand(settings),
		runCommand(settings),
		resetCommand(settings),
		statusCommand(settings),
	)

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Storage.Root, "storage", viper.GetString("storage.root"), "Root directory of the local DICOM storage tree")
	rootCmd.PersistentFlags().StringVar(&settings.Draw.BaseURL, "server", viper.GetString("draw.baseurl"), "Base URL of the DRAW API server")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
