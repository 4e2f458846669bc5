package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	app := newAppContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "aria2-fleet",
		Short:         "Manage a fleet of aria2c daemons",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s\n", version))
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newBinariesCommand(app))
	rootCmd.AddCommand(newArgumentsCommand(app))
	rootCmd.AddCommand(newProfilesCommand(app))
	rootCmd.AddCommand(newInstancesCommand(app))
	rootCmd.AddCommand(newTasksCommand(app))
	rootCmd.AddCommand(newWebhooksCommand(app))
	rootCmd.AddCommand(newServeCommand(app))

	return rootCmd
}
