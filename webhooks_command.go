package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/patent-dev/aria2-fleet/internal/hooks"
)

func newWebhooksCommand(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage lifecycle webhooks",
	}
	cmd.AddCommand(newWebhooksAddCommand(app))
	cmd.AddCommand(newWebhooksListCommand(app))
	cmd.AddCommand(newWebhooksEnableCommand(app, true))
	cmd.AddCommand(newWebhooksEnableCommand(app, false))
	cmd.AddCommand(newWebhooksDeleteCommand(app))
	cmd.AddCommand(&cobra.Command{
		Use:   "events",
		Short: "List the events a webhook can subscribe to",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, e := range hooks.AllEvents() {
				fmt.Fprintln(cmd.OutOrStdout(), e)
			}
			return nil
		},
	})
	return cmd
}

func newWebhooksAddCommand(app *appContext) *cobra.Command {
	var events []string
	cmd := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Register a webhook",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				wh, err := f.hooks.CreateWebhook(cmd.Context(), args[0], args[1], events)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created webhook %d\n", wh.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&events, "event", nil, "Event to deliver, repeatable (default: all)")
	return cmd
}

func newWebhooksListCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withFleet(func(f *fleet) error {
				list, err := f.hooks.ListWebhooks(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No webhooks")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, wh := range list {
					rows = append(rows, []string{
						strconv.FormatUint(uint64(wh.ID), 10),
						wh.Name,
						wh.URL,
						strings.Join(hooks.ParseEvents(wh.Events), ","),
						yesNo(wh.Enabled),
					})
				}
				fmt.Fprint(out, renderTable(out, []string{"ID", "Name", "URL", "Events", "Enabled"}, rows,
					[]columnAlignment{alignRight}))
				return nil
			})
		},
	}
}

func newWebhooksEnableCommand(app *appContext, enabled bool) *cobra.Command {
	use, short := "enable <id>", "Resume deliveries to a webhook"
	if !enabled {
		use, short = "disable <id>", "Pause deliveries to a webhook"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint(args[0], "webhook id")
			if err != nil {
				return err
			}
			return app.withFleet(func(f *fleet) error {
				return f.hooks.SetEnabled(cmd.Context(), id, enabled)
			})
		},
	}
}

func newWebhooksDeleteCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint(args[0], "webhook id")
			if err != nil {
				return err
			}
			return app.withFleet(func(f *fleet) error {
				return f.hooks.DeleteWebhook(cmd.Context(), id)
			})
		},
	}
}
