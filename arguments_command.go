package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/patent-dev/aria2-fleet/internal/database"
)

func newArgumentsCommand(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "arguments",
		Aliases: []string{"args"},
		Short:   "Extract and browse the option catalog of a binary",
	}
	cmd.AddCommand(newArgumentsExtractCommand(app))
	cmd.AddCommand(newArgumentsListCommand(app))
	cmd.AddCommand(newArgumentsShowCommand(app))
	return cmd
}

func newArgumentsExtractCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "extract <binary-id>",
		Short: "Parse the binary's help output into the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint(args[0], "binary id")
			if err != nil {
				return err
			}
			return app.withFleet(func(f *fleet) error {
				arguments, err := f.catalog.Extract(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d arguments\n", len(arguments))
				return nil
			})
		},
	}
}

func newArgumentsListCommand(app *appContext) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "list <binary-id>",
		Short: "List catalogued arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint(args[0], "binary id")
			if err != nil {
				return err
			}
			return app.withFleet(func(f *fleet) error {
				arguments, err := f.catalog.List(cmd.Context(), id, tag)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(arguments) == 0 {
					fmt.Fprintln(out, "No arguments catalogued")
					return nil
				}
				rows := make([][]string, 0, len(arguments))
				for _, a := range arguments {
					rows = append(rows, []string{
						strconv.Itoa(a.Position),
						a.LongFlag,
						valueOr(a.ShortFlag, ""),
						valueOr(a.DefaultValue, ""),
						strings.Join(a.TagValues(), " "),
					})
				}
				fmt.Fprint(out, renderTable(out, []string{"#", "Flag", "Short", "Default", "Tags"}, rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft}))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Only arguments carrying this tag, e.g. #rpc")
	return cmd
}

func newArgumentsShowCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <binary-id> <flag>",
		Short: "Show one argument",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint(args[0], "binary id")
			if err != nil {
				return err
			}
			return app.withFleet(func(f *fleet) error {
				arg, err := f.catalog.Lookup(cmd.Context(), id, args[1])
				if err != nil {
					return err
				}
				printArgument(cmd, arg)
				return nil
			})
		},
	}
}

func printArgument(cmd *cobra.Command, a *database.Argument) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Flag:            %s\n", a.LongFlag)
	if a.ShortFlag != nil {
		fmt.Fprintf(out, "Short:           %s\n", *a.ShortFlag)
	}
	fmt.Fprintf(out, "Possible values: %s\n", valueOr(a.PossibleValues, "-"))
	fmt.Fprintf(out, "Default:         %s\n", valueOr(a.DefaultValue, "-"))
	fmt.Fprintf(out, "Tags:            %s\n", strings.Join(a.TagValues(), " "))
	fmt.Fprintf(out, "\n%s\n", a.Description)
}
