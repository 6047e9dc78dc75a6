package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/postdeck/internal/jobs"
	"github.com/mtzanidakis/postdeck/internal/natsbus"
	"github.com/mtzanidakis/postdeck/internal/schedule"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled posts",
	}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsAddCmd())
	cmd.AddCommand(jobsDeleteCmd())
	return cmd
}

func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func jobsListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in insertion order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				var (
					list []jobs.Job
					err  error
				)
				if status != "" {
					st := jobs.Status(status)
					if !st.Valid() {
						return fmt.Errorf("unknown status %q", status)
					}
					list, err = a.jobs.ByStatus(ctx, st)
				} else {
					list, err = a.jobs.All(ctx)
				}
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Println("No jobs.")
					return nil
				}

				now := time.Now()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tWHEN\tPLATFORMS\tCONTENT")
				for _, j := range list {
					plats := make([]string, len(j.Platforms))
					for i, p := range j.Platforms {
						plats[i] = string(p)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						j.ID[:8], statusColor(string(j.Status)), schedule.Describe(j.ScheduledFor, now),
						strings.Join(plats, ","), preview(j.Content, 40))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status")
	return cmd
}

func jobsAddCmd() *cobra.Command {
	var (
		platforms []string
		media     []string
		at        string
	)

	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Schedule a post",
		Long: `Schedule a post. --at accepts an RFC 3339 timestamp, "now", a
relative offset such as +15m, or a cron expression (next tick).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 1 {
				text = args[0]
			}
			return withApp(func(ctx context.Context, a *app) error {
				when, err := schedule.Parse(at, time.Now())
				if err != nil {
					return err
				}
				job, err := a.jobs.Add(ctx, jobs.NewJob{
					Content:      text,
					Platforms:    toPlatforms(platforms),
					MediaRefs:    media,
					ScheduledFor: when.At,
				})
				if err != nil {
					return err
				}
				if a.nats != nil {
					a.nats.PublishEvent(natsbus.TopicEventsJob(job.ID), natsbus.EventJobCreated, job)
					a.nats.Flush()
				}
				fmt.Printf("Scheduled %s %s\n", job.ID, schedule.Describe(job.ScheduledFor, time.Now()))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&platforms, "platform", "p", nil, "Target platform (repeatable)")
	cmd.Flags().StringSliceVarP(&media, "media", "m", nil, "Media URL or path (repeatable)")
	cmd.Flags().StringVar(&at, "at", "now", "When to publish")
	cmd.MarkFlagRequired("platform")

	return cmd
}

func jobsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				id, err := resolveJobID(ctx, a.jobs, args[0])
				if err != nil {
					return err
				}
				if err := a.jobs.Delete(ctx, id); err != nil {
					return err
				}
				if a.nats != nil {
					a.nats.PublishEvent(natsbus.TopicEventsJob(id), natsbus.EventJobDeleted, map[string]string{"id": id})
					a.nats.Flush()
				}
				fmt.Printf("Deleted %s\n", id)
				return nil
			})
		},
	}
}

// resolveJobID expands the short id printed by jobs list.
func resolveJobID(ctx context.Context, js *jobs.Store, prefix string) (string, error) {
	all, err := js.All(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, j := range all {
		if j.ID == prefix {
			return j.ID, nil
		}
		if strings.HasPrefix(j.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("ambiguous job id %q", prefix)
			}
			match = j.ID
		}
	}
	if match == "" {
		return "", jobs.ErrNotFound
	}
	return match, nil
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
