package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/supervisor"
)

func newInstancesCommand(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"instance"},
		Short:   "Launch, adopt, inspect and stop daemon instances",
	}
	cmd.AddCommand(newInstancesLaunchCommand(app))
	cmd.AddCommand(newInstancesAdoptCommand(app))
	cmd.AddCommand(newInstancesListCommand(app))
	cmd.AddCommand(newInstancesShowCommand(app))
	cmd.AddCommand(newInstancesDeleteCommand(app))
	cmd.AddCommand(newInstancesForgetCommand(app))
	cmd.AddCommand(newInstancesSweepCommand(app))
	return cmd
}

func newInstancesLaunchCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "launch <profile>",
		Short: "Start the profile's command, or return the instance already running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				inst, err := f.supervisor.CreateFromProfile(cmd.Context(), args[0])
				if err != nil {
					var lerr *supervisor.LaunchError
					if errors.As(err, &lerr) && lerr.PID != 0 && !lerr.Terminated {
						return fmt.Errorf("%w; pid %d may still be running", err, lerr.PID)
					}
					return err
				}
				printInstances(cmd, []database.Instance{*inst})
				return nil
			})
		},
	}
}

func newInstancesAdoptCommand(app *appContext) *cobra.Command {
	var binaryFlag uint
	cmd := &cobra.Command{
		Use:   "adopt [pid]",
		Short: "Track a running daemon by pid, or every running copy of a binary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && binaryFlag == 0 {
				return errors.New("pass a pid or --binary")
			}
			return app.withFleet(func(f *fleet) error {
				if len(args) == 1 {
					pid, err := parsePID(args[0])
					if err != nil {
						return err
					}
					inst, err := f.supervisor.AdoptPID(cmd.Context(), pid)
					if err != nil {
						return err
					}
					printInstances(cmd, []database.Instance{*inst})
					return nil
				}
				adopted, err := f.supervisor.AdoptAll(cmd.Context(), binaryFlag)
				printInstances(cmd, adopted)
				return err
			})
		},
	}
	cmd.Flags().UintVar(&binaryFlag, "binary", 0, "Adopt every running process of this binary id")
	return cmd
}

func newInstancesListCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				instances, err := f.supervisor.List(cmd.Context())
				if err != nil {
					return err
				}
				printInstances(cmd, instances)
				return nil
			})
		},
	}
}

func newInstancesShowCommand(app *appContext) *cobra.Command {
	var inspect bool
	cmd := &cobra.Command{
		Use:   "show <pid>",
		Short: "Show an instance with live process metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return app.withFleet(func(f *fleet) error {
				ctx := cmd.Context()
				inst, err := f.supervisor.Get(ctx, pid)
				if err != nil {
					return err
				}
				metrics, err := f.supervisor.Metrics(ctx, pid)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "PID:        %d\n", inst.PID)
				fmt.Fprintf(out, "Command:    %s\n", inst.Command)
				fmt.Fprintf(out, "Profile:    %s\n", instanceProfile(inst))
				fmt.Fprintf(out, "User:       %s\n", inst.EffectiveUser)
				fmt.Fprintf(out, "Version:    %s\n", inst.Version)
				fmt.Fprintf(out, "Session:    %s\n", inst.SessionID)
				fmt.Fprintf(out, "CPU:        %s\n", formatPercent(metrics.CPUPercent))
				fmt.Fprintf(out, "Memory:     %s\n", formatPercent(metrics.MemPercent))
				fmt.Fprintf(out, "Elapsed:    %s\n", formatDuration(metrics.Elapsed))
				fmt.Fprintf(out, "CPU time:   %s\n", formatDuration(metrics.CPUTime))
				if endpoint, err := f.endpoints.Endpoint(ctx, inst); err == nil {
					fmt.Fprintf(out, "Endpoint:   %s\n", endpoint)
				} else {
					fmt.Fprintf(out, "Endpoint:   - (%v)\n", err)
				}
				if !inspect {
					return nil
				}
				info, err := f.supervisor.Inspect(ctx, pid)
				if err != nil {
					return err
				}
				printInspection(cmd, info)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&inspect, "inspect", false, "Also query the daemon over RPC")
	return cmd
}

func newInstancesDeleteCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pid>",
		Short: "Shut the daemon down over RPC and drop its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return app.withFleet(func(f *fleet) error {
				if err := f.supervisor.Delete(cmd.Context(), pid); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted instance %d\n", pid)
				return nil
			})
		},
	}
}

func newInstancesForgetCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <pid>",
		Short: "Drop an instance record without contacting the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return app.withFleet(func(f *fleet) error {
				if err := f.supervisor.Forget(cmd.Context(), pid); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Forgot instance %d\n", pid)
				return nil
			})
		},
	}
}

func newInstancesSweepCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Forget instances whose process has exited",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				removed, err := f.supervisor.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d instance records\n", removed)
				return nil
			})
		},
	}
}

func instanceProfile(inst *database.Instance) string {
	if inst.Profile == nil {
		return "-"
	}
	return inst.Profile.Name
}

func printInstances(cmd *cobra.Command, instances []database.Instance) {
	out := cmd.OutOrStdout()
	if len(instances) == 0 {
		fmt.Fprintln(out, "No instances")
		return
	}
	rows := make([][]string, 0, len(instances))
	for i := range instances {
		inst := &instances[i]
		rows = append(rows, []string{
			strconv.Itoa(inst.PID),
			instanceProfile(inst),
			inst.Version,
			inst.EffectiveUser,
			inst.Command,
		})
	}
	fmt.Fprint(out, renderTable(out, []string{"PID", "Profile", "Version", "User", "Command"}, rows,
		[]columnAlignment{alignRight}))
}

func printInspection(cmd *cobra.Command, info *supervisor.Inspection) {
	out := cmd.OutOrStdout()
	if info.Version != nil {
		fmt.Fprintf(out, "\nDaemon version: %s\n", info.Version.Version)
		fmt.Fprintf(out, "Features:       %s\n", strings.Join(info.Version.EnabledFeatures, ", "))
	}
	if info.GlobalStat != nil {
		fmt.Fprintln(out, "\nGlobal stat:")
		fmt.Fprint(out, renderTable(out, []string{"Key", "Value"}, sortedRows(info.GlobalStat), nil))
	}
	if info.GlobalOption != nil {
		fmt.Fprintln(out, "\nGlobal options:")
		fmt.Fprint(out, renderTable(out, []string{"Option", "Value"}, sortedRows(info.GlobalOption), nil))
	}
	if info.Methods != nil {
		fmt.Fprintf(out, "\nMethods: %s\n", strings.Join(info.Methods, " "))
	}
	if info.Notifications != nil {
		fmt.Fprintf(out, "Notifications: %s\n", strings.Join(info.Notifications, " "))
	}
}

func sortedRows(m map[string]string) [][]string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, m[k]})
	}
	return rows
}
