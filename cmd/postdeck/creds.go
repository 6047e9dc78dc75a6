package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/postdeck/internal/credentials"
	"github.com/mtzanidakis/postdeck/internal/store"
	"github.com/mtzanidakis/postdeck/internal/vault"
)

func credsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage platform credentials sealed in the vault",
		Long: `Platform credentials set in the config file or environment take
precedence. Anything else is stored sealed with POSTDECK_VAULT_PASSPHRASE.`,
	}
	cmd.AddCommand(credsListCmd())
	cmd.AddCommand(credsSetCmd())
	cmd.AddCommand(credsDeleteCmd())
	return cmd
}

// withResolver opens the database and vault without the rest of the stack.
func withResolver(fn func(ctx context.Context, r *credentials.Resolver) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v, err = vault.New(cfg.Vault.Passphrase)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	return fn(context.Background(), credentials.NewResolver(credentials.FromConfig(cfg.Platforms), db, v))
}

func credsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credential names and where they resolve from",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withResolver(func(ctx context.Context, r *credentials.Resolver) error {
				list, err := r.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSOURCE")
				for _, c := range list {
					src := color.New(color.FgRed).Sprint("missing")
					if c.Source != "" {
						src = color.New(color.FgGreen).Sprint(c.Source)
					}
					fmt.Fprintf(w, "%s\t%s\n", c.Name, src)
				}
				return w.Flush()
			})
		},
	}
}

func credsSetCmd() *cobra.Command {
	var (
		value string
		file  string
	)

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Seal and store a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case value != "" && file != "":
				return fmt.Errorf("use either --value or --file")
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read file: %w", err)
				}
				value = strings.TrimSpace(string(data))
			case value == "":
				return fmt.Errorf("--value or --file is required")
			}

			return withResolver(func(ctx context.Context, r *credentials.Resolver) error {
				if err := r.Set(ctx, args[0], value); err != nil {
					return err
				}
				fmt.Printf("Credential %q saved\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&value, "value", "", "Credential value")
	cmd.Flags().StringVar(&file, "file", "", "Read the value from a file")
	return cmd
}

func credsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withResolver(func(ctx context.Context, r *credentials.Resolver) error {
				ok, err := r.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("credential %q not found", args[0])
				}
				fmt.Printf("Credential %q deleted\n", args[0])
				return nil
			})
		},
	}
}
