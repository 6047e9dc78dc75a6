package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/postdeck/internal/platform"
)

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Publish every due job once",
		Long: `Run a single publish scan against the configured store, the same
pass the cron endpoint triggers. Jobs claimed by a concurrent scan are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			sum, err := a.scanner.Scan(ctx, "cli")
			if err != nil {
				return err
			}
			fmt.Println(sum.Message())
			for _, jr := range sum.Results {
				fmt.Printf("job %s [%s]\n", jr.JobID, statusColor(string(jr.Status)))
				if jr.Error != "" {
					fmt.Printf("  %s\n", color.New(color.FgRed).Sprint(jr.Error))
				}
				printResults(jr.Results)
			}
			if sum.Skipped > 0 {
				fmt.Printf("%d skipped (claimed elsewhere)\n", sum.Skipped)
			}
			return nil
		},
	}
}

func postCmd() *cobra.Command {
	var (
		platforms []string
		media     []string
	)

	cmd := &cobra.Command{
		Use:   "post <text>",
		Short: "Publish immediately without scheduling",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 1 {
				text = args[0]
			}
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

			results, err := a.scanner.PublishNow(ctx, text, toPlatforms(platforms), media)
			if err != nil {
				return err
			}
			printResults(results)
			for _, r := range results {
				if !r.Success {
					return fmt.Errorf("publishing failed on at least one platform")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&platforms, "platform", "p", nil, "Target platform (repeatable)")
	cmd.Flags().StringSliceVarP(&media, "media", "m", nil, "Media URL or path (repeatable)")
	cmd.MarkFlagRequired("platform")

	return cmd
}

func toPlatforms(names []string) []platform.Platform {
	out := make([]platform.Platform, 0, len(names))
	for _, n := range names {
		out = append(out, platform.Platform(n))
	}
	return out
}

func printResults(results []platform.PostResult) {
	for _, r := range results {
		if r.Success {
			fmt.Printf("  %s %-9s %s\n", color.New(color.FgGreen).Sprint("✓"), r.Platform, r.PostURL)
			continue
		}
		fmt.Printf("  %s %-9s %s (%s)\n", color.New(color.FgRed).Sprint("✗"), r.Platform, r.Error, r.ErrorKind)
	}
}

func statusColor(s string) string {
	switch s {
	case "published", "complete":
		return color.New(color.FgGreen).Sprint(s)
	case "failed", "error":
		return color.New(color.FgRed).Sprint(s)
	case "publishing", "working":
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgCyan).Sprint(s)
	}
}
