package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/patent-dev/aria2-fleet/internal/database"
)

func newBinariesCommand(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "binaries",
		Short: "Discover and list daemon binaries",
	}
	cmd.AddCommand(newBinariesDiscoverCommand(app))
	cmd.AddCommand(newBinariesListCommand(app))
	cmd.AddCommand(newBinariesVersionCommand(app))
	return cmd
}

func newBinariesDiscoverCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Reconcile stored binaries with the copies found on PATH",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				binaries, err := f.registry.Discover(cmd.Context())
				if err != nil {
					return err
				}
				printBinaries(cmd, binaries)
				return nil
			})
		},
	}
}

func newBinariesListCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored binaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				binaries, err := f.registry.List(cmd.Context())
				if err != nil {
					return err
				}
				printBinaries(cmd, binaries)
				return nil
			})
		},
	}
}

func newBinariesVersionCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "version <binary-id>",
		Short: "Show the version a binary reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint(args[0], "binary id")
			if err != nil {
				return err
			}
			return app.withFleet(func(f *fleet) error {
				binary, err := f.registry.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				v, err := f.registry.Version(cmd.Context(), binary)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}
}

func printBinaries(cmd *cobra.Command, binaries []database.Binary) {
	out := cmd.OutOrStdout()
	if len(binaries) == 0 {
		fmt.Fprintln(out, "No binaries found")
		return
	}
	rows := make([][]string, 0, len(binaries))
	for _, b := range binaries {
		rows = append(rows, []string{strconv.FormatUint(uint64(b.ID), 10), b.Path})
	}
	fmt.Fprint(out, renderTable(out, []string{"ID", "Path"}, rows, []columnAlignment{alignRight, alignLeft}))
}
