package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/postdeck/internal/agentstatus"
	"github.com/mtzanidakis/postdeck/internal/config"
	"github.com/mtzanidakis/postdeck/internal/natsbus"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show or report agent status",
	}
	cmd.AddCommand(statusShowCmd())
	cmd.AddCommand(statusReportCmd())
	return cmd
}

func statusShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current swarm state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				st, err := a.status.GetState(ctx)
				if err != nil {
					return err
				}
				printSwarm(st)
				return nil
			})
		},
	}
}

func printSwarm(st agentstatus.SwarmState) {
	fmt.Printf("version %d, updated %s\n\n", st.Version, st.LastUpdated.Local().Format(time.DateTime))

	ids := make([]string, 0, len(st.Agents))
	for id := range st.Agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tPROGRESS\tTASK")
	for _, id := range ids {
		a := st.Agents[id]
		progress, task := "-", "-"
		if a.Progress != nil {
			progress = fmt.Sprintf("%d%%", *a.Progress)
		}
		if a.Task != nil {
			task = *a.Task
		}
		if a.Error != "" {
			task += " (" + a.Error + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, statusColor(string(a.Status)), progress, task)
	}
	w.Flush()
}

func statusReportCmd() *cobra.Command {
	var (
		agent    string
		status   string
		task     string
		progress int
		errMsg   string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report an agent's status to the running gateway",
		Long: `Send a status update for one agent over the gateway's NATS bus.
Worker processes use this to show progress next to the publisher.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			client, err := natsbus.NewClientFromURL(cfg.NATS.ClientURL())
			if err != nil {
				return err
			}
			defer client.Close()

			var p agentstatus.Patch
			if status != "" {
				st := agentstatus.Status(status)
				p.Status = &st
			}
			if cmd.Flags().Changed("task") {
				p.Task = &task
			}
			if cmd.Flags().Changed("progress") {
				p.Progress = &progress
			}
			if errMsg != "" {
				p.Error = &errMsg
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			st, err := natsbus.NewRemoteStatus(client, timeout).Update(ctx, agent, p)
			if err != nil {
				return err
			}
			printSwarm(st)
			return nil
		},
	}

	cmd.Flags().StringVarP(&agent, "agent", "a", "", "Agent id (required)")
	cmd.Flags().StringVarP(&status, "status", "s", "", "idle, working, complete or error")
	cmd.Flags().StringVarP(&task, "task", "t", "", "Current task; empty clears it")
	cmd.Flags().IntVarP(&progress, "progress", "p", 0, "Progress percent 0-100")
	cmd.Flags().StringVar(&errMsg, "error", "", "Error message")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	cmd.MarkFlagRequired("agent")

	return cmd
}
