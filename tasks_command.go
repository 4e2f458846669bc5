package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/patent-dev/aria2-fleet/internal/aria2"
	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/tasks"
)

// taskFlags are shared by the add-* commands.
type taskFlags struct {
	instance int
	secret   string
	options  []string
	position int
	submit   bool
}

func (t *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&t.instance, "instance", 0, "Instance pid (default: the instance of the default profile)")
	cmd.Flags().StringVar(&t.secret, "secret", "", "RPC secret for this task, overriding the profile's --rpc-secret")
	cmd.Flags().StringArrayVarP(&t.options, "option", "o", nil, "Download option as key=value, repeatable")
	cmd.Flags().IntVar(&t.position, "position", -1, "Queue position (default: append)")
	cmd.Flags().BoolVar(&t.submit, "submit", false, "Submit the task right after creating it")
}

func (t *taskFlags) build(cmd *cobra.Command) (tasks.Options, error) {
	options, err := parseOptions(t.options)
	if err != nil {
		return tasks.Options{}, err
	}
	opts := tasks.Options{Secret: t.secret, Options: options}
	if cmd.Flags().Changed("position") {
		position := t.position
		opts.Position = &position
	}
	return opts, nil
}

// resolveInstance picks the pid from --instance, else from the instance of
// the configured default profile.
func (t *taskFlags) resolveInstance(ctx context.Context, f *fleet) (int, error) {
	if t.instance != 0 {
		return t.instance, nil
	}
	if f.cfg.DefaultProfile == "" {
		return 0, errors.New("no --instance given and no default profile configured")
	}
	inst, err := f.supervisor.InstanceForProfile(ctx, f.cfg.DefaultProfile)
	if err != nil {
		return 0, fmt.Errorf("default profile %s: %w", f.cfg.DefaultProfile, err)
	}
	return inst.PID, nil
}

func newTasksCommand(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "Create, submit and follow downloads",
	}
	cmd.AddCommand(newTasksAddURICommand(app))
	cmd.AddCommand(newTasksAddTorrentCommand(app))
	cmd.AddCommand(newTasksAddMetalinkCommand(app))
	cmd.AddCommand(newTasksSubmitCommand(app))
	cmd.AddCommand(newTasksStatusCommand(app))
	cmd.AddCommand(newTasksListCommand(app))
	return cmd
}

type createFunc func(ctx context.Context, f *fleet, pid int, opts tasks.Options) (*database.Task, error)

func runCreateTask(app *appContext, cmd *cobra.Command, flags *taskFlags, create createFunc) error {
	opts, err := flags.build(cmd)
	if err != nil {
		return err
	}
	return app.withFleet(func(f *fleet) error {
		ctx := cmd.Context()
		pid, err := flags.resolveInstance(ctx, f)
		if err != nil {
			return err
		}
		task, err := create(ctx, f, pid, opts)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created task %d on instance %d\n", task.ID, pid)
		if !flags.submit {
			return nil
		}
		gid, err := f.tasks.Submit(ctx, task.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Submitted as %s\n", gid)
		return nil
	})
}

func newTasksAddURICommand(app *appContext) *cobra.Command {
	flags := &taskFlags{}
	cmd := &cobra.Command{
		Use:   "add-uri <uri>...",
		Short: "Create a task downloading one file from one or more mirrors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreateTask(app, cmd, flags, func(ctx context.Context, f *fleet, pid int, opts tasks.Options) (*database.Task, error) {
				return f.tasks.CreateURI(ctx, pid, args, opts)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newTasksAddTorrentCommand(app *appContext) *cobra.Command {
	flags := &taskFlags{}
	cmd := &cobra.Command{
		Use:   "add-torrent <file> [web-seed-uri]...",
		Short: "Create a task from a .torrent file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			torrent, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read torrent: %w", err)
			}
			return runCreateTask(app, cmd, flags, func(ctx context.Context, f *fleet, pid int, opts tasks.Options) (*database.Task, error) {
				return f.tasks.CreateTorrent(ctx, pid, torrent, args[1:], opts)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newTasksAddMetalinkCommand(app *appContext) *cobra.Command {
	flags := &taskFlags{}
	cmd := &cobra.Command{
		Use:   "add-metalink <file>",
		Short: "Create a task from a metalink file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metalink, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read metalink: %w", err)
			}
			return runCreateTask(app, cmd, flags, func(ctx context.Context, f *fleet, pid int, opts tasks.Options) (*database.Task, error) {
				return f.tasks.CreateMetalink(ctx, pid, metalink, opts)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newTasksSubmitCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Send a task to its instance; a submitted task is left as is",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint(args[0], "task id")
			if err != nil {
				return err
			}
			return app.withFleet(func(f *fleet) error {
				gid, err := f.tasks.Submit(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), gid)
				return nil
			})
		},
	}
}

func newTasksStatusCommand(app *appContext) *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "status <gid>",
		Short: "Query the daemon for a download's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				ctx := cmd.Context()
				for {
					status, err := f.tasks.Status(ctx, args[0])
					if err != nil {
						return err
					}
					printStatus(cmd, status)
					if watch <= 0 || status.Finished() {
						return nil
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(watch):
					}
					fmt.Fprintln(cmd.OutOrStdout())
				}
			})
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "Repeat the query at this interval until the download finishes")
	return cmd
}

func printStatus(cmd *cobra.Command, status *aria2.Status) {
	percent := "unknown"
	if p, ok := status.Percent(); ok {
		percent = strconv.FormatFloat(p*100, 'f', 1, 64) + "%"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "GID:       %s\n", status.GID)
	fmt.Fprintf(out, "Status:    %s\n", status.State)
	fmt.Fprintf(out, "Progress:  %s (%d / %d bytes)\n", percent, status.CompletedLength, status.TotalLength)
	fmt.Fprintf(out, "Speed:     %d B/s down, %d B/s up\n", status.DownloadSpeed, status.UploadSpeed)
	if eta, ok := status.ETA(); ok && !status.Finished() {
		fmt.Fprintf(out, "ETA:       %s\n", eta)
	}
	fmt.Fprintf(out, "Directory: %s\n", status.Dir)
	if status.ErrorCode != "" && status.ErrorCode != "0" {
		fmt.Fprintf(out, "Error:     %s %s\n", status.ErrorCode, status.ErrorMessage)
	}
}

func newTasksListCommand(app *appContext) *cobra.Command {
	var instance int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				list, err := f.tasks.List(cmd.Context(), instance)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No tasks")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, t := range list {
					rows = append(rows, []string{
						strconv.FormatUint(uint64(t.ID), 10),
						t.Kind,
						strconv.Itoa(t.InstancePID),
						valueOr(t.GIDID, "-"),
						yesNo(len(t.SecretEnc) > 0),
					})
				}
				fmt.Fprint(out, renderTable(out, []string{"ID", "Kind", "Instance", "GID", "Secret"}, rows,
					[]columnAlignment{alignRight, alignLeft, alignRight}))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&instance, "instance", 0, "Only tasks of this instance pid")
	return cmd
}
