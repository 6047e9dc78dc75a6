package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/postdeck/internal/config"
)

var version = "dev"

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:     "postdeck",
		Short:   "Schedule and publish posts to social platforms",
		Version: version,
		Long: `postdeck keeps a queue of scheduled posts and publishes them to
Twitter/X, LinkedIn, Instagram and Facebook when they fall due.
Scans are triggered by the gateway's cron endpoint or its built-in scheduler.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(credsCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("postdeck %s\n", version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
