package main

import (
	"fmt"
	"strconv"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/profiles"
)

func newProfilesCommand(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Compose launch profiles from catalogued arguments",
	}
	cmd.AddCommand(newProfilesCreateCommand(app))
	cmd.AddCommand(newProfilesListCommand(app))
	cmd.AddCommand(newProfilesShowCommand(app))
	cmd.AddCommand(newProfilesBindCommand(app))
	cmd.AddCommand(newProfilesUnbindCommand(app))
	cmd.AddCommand(newProfilesDeleteCommand(app))
	return cmd
}

func newProfilesCreateCommand(app *appContext) *cobra.Command {
	var binaryFlag uint
	var argsFlag string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty profile for a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pairs [][2]string
			if argsFlag != "" {
				var err error
				if pairs, err = splitFlagArgs(argsFlag); err != nil {
					return err
				}
			}
			return app.withFleet(func(f *fleet) error {
				ctx := cmd.Context()
				profile, err := f.profiles.Create(ctx, args[0], binaryFlag)
				if err != nil {
					return err
				}
				for _, pair := range pairs {
					if profile, err = f.profiles.Bind(ctx, args[0], pair[0], pair[1]); err != nil {
						return err
					}
				}
				printProfile(cmd, profile)
				return nil
			})
		},
	}
	cmd.Flags().UintVar(&binaryFlag, "binary", 0, "Binary id the profile launches")
	cmd.Flags().StringVar(&argsFlag, "args", "", "Initial bindings as a shell-quoted string, e.g. '--enable-rpc=true --rpc-listen-port=6800'")
	_ = cmd.MarkFlagRequired("binary")
	return cmd
}

func newProfilesListCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				list, err := f.profiles.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No profiles")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, p := range list {
					rows = append(rows, []string{p.Name, p.Binary.Path, p.Args})
				}
				fmt.Fprint(out, renderTable(out, []string{"Name", "Binary", "Arguments"}, rows, nil))
				return nil
			})
		},
	}
}

func newProfilesShowCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a profile's bindings and launch command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				profile, err := f.profiles.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printProfile(cmd, profile)
				return nil
			})
		},
	}
}

func newProfilesBindCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "bind <name> <flag> <value>",
		Short: "Set an argument value in a profile",
		Long:  "Set an argument value in a profile. The flag may be the long or the short form. A new binding is appended to the launch order; rebinding keeps its place.",
		Example: "  aria2-fleet profiles bind main -- --rpc-listen-port 6800",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				profile, err := f.profiles.Bind(cmd.Context(), args[0], args[1], args[2])
				if err != nil {
					return err
				}
				printProfile(cmd, profile)
				return nil
			})
		},
	}
}

func newProfilesUnbindCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unbind <name> <flag>",
		Short:   "Remove an argument from a profile",
		Example: "  aria2-fleet profiles unbind main -- --rpc-listen-port",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				profile, err := f.profiles.Unbind(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				printProfile(cmd, profile)
				return nil
			})
		},
	}
}

func newProfilesDeleteCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				if err := f.profiles.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %s\n", args[0])
				return nil
			})
		},
	}
}

func printProfile(cmd *cobra.Command, p *database.Profile) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Profile: %s\n", p.Name)
	fmt.Fprintf(out, "Command: %s\n", shellquote.Join(profiles.Command(p)...))
	if len(p.Pairs) == 0 {
		return
	}
	rows := make([][]string, 0, len(p.Pairs))
	for i, pair := range p.Pairs {
		rows = append(rows, []string{strconv.Itoa(i + 1), pair.Argument.LongFlag, pair.Value})
	}
	fmt.Fprint(out, renderTable(out, []string{"#", "Flag", "Value"}, rows, []columnAlignment{alignRight}))
}
