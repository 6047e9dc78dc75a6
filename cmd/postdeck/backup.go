package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/postdeck/internal/backup"
	"github.com/mtzanidakis/postdeck/internal/config"
	"github.com/mtzanidakis/postdeck/internal/store"
)

func layoutOf(cfg *config.Config) backup.Layout {
	l := backup.Layout{
		DBPath:   cfg.Store.Path,
		MediaDir: cfg.Media.Dir,
	}
	if cfg.Store.Backend == "file" {
		l.DocsDir = cfg.Store.Dir
	}
	return l
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a zstd-compressed archive of the database, documents and media",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Backend == "nats" || cfg.Store.Backend == "memory" {
				slog.Warn("jobs and agent status are not in the archive for this backend", "backend", cfg.Store.Backend)
			}

			db, err := store.New(cfg.Store)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			f, err := os.Create(outputPath)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()

			n, err := backup.Create(context.Background(), db, layoutOf(cfg), f)
			if err != nil {
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close file: %w", err)
			}

			size := int64(0)
			if info, _ := os.Stat(outputPath); info != nil {
				size = info.Size()
			}
			fmt.Printf("Backup complete: %d sections, %s\n", n, backup.FormatSize(size))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "file", "f", "", "Output archive (.tar.zst)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func restoreCmd() *cobra.Command {
	var (
		inputPath string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore an archive written by backup",
		Long:  "Restore an archive written by backup. Stop the gateway first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			f, err := os.Open(inputPath)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer f.Close()

			sections, err := backup.Sections(f)
			if err != nil {
				return fmt.Errorf("scan archive: %w", err)
			}
			if len(sections) == 0 {
				fmt.Println("Archive is empty.")
				return nil
			}
			if _, err := f.Seek(0, 0); err != nil {
				return err
			}

			l := layoutOf(cfg)
			// Restore documents wherever the archive has them.
			if l.DocsDir == "" {
				l.DocsDir = cfg.Store.Dir
			}
			n, err := backup.Restore(context.Background(), f, l, overwrite)
			if err != nil {
				return err
			}
			fmt.Printf("Restore complete: %d sections\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "file", "f", "", "Archive to restore (.tar.zst)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing files")
	cmd.MarkFlagRequired("file")
	return cmd
}
