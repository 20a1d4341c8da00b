package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/usher/internal/auth"
	"github.com/oriys/usher/internal/store"
)

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage operator API keys",
	}
	cmd.AddCommand(apiKeyCreateCmd(), apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var (
		tenantID string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key (the plaintext is printed once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			var expiresAt *time.Time
			if ttl > 0 {
				t := time.Now().Add(ttl)
				expiresAt = &t
			}

			// A scoped key references the tenant row.
			if err := ensureTenant(context.Background(), s, tenantID); err != nil {
				return err
			}
			key, err := auth.CreateAPIKey(context.Background(), s, args[0], tenantID, expiresAt)
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant the key is scoped to (empty = unscoped)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Key lifetime (0 = no expiry)")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			return s.DeleteAPIKey(context.Background(), args[0])
		},
	}
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	pg, err := store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	return store.NewStore(pg), nil
}
