package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/store"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(tenantCreateCmd(), tenantShowCmd())
	return cmd
}

func tenantCreateCmd() *cobra.Command {
	var (
		name       string
		plan       string
		timezone   string
		dailyLimit int
	)

	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create or update a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := domain.SubscriptionPlan(plan)
			if !domain.IsValidPlan(p) {
				return fmt.Errorf("unknown plan %q", plan)
			}
			t := &domain.Tenant{
				ID:       args[0],
				Name:     name,
				Plan:     p,
				Timezone: timezone,
			}
			if dailyLimit > 0 {
				t.DailyLimit = &dailyLimit
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.SaveTenant(context.Background(), t); err != nil {
				return err
			}
			fmt.Printf("tenant %s saved (plan %s)\n", t.ID, t.Plan)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&plan, "plan", string(domain.PlanFree), "Subscription plan (FREE, PRO, PAY_AS_YOU_GO, CUSTOM)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for quota day rollover (empty = UTC)")
	cmd.Flags().IntVar(&dailyLimit, "daily-limit", 0, "Daily bot limit for the CUSTOM plan")
	return cmd
}

func tenantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a tenant as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			t, err := s.GetTenant(context.Background(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		},
	}
}

// ensureTenant creates the tenant on the FREE plan when it does not exist
// yet, so rows that reference it can be inserted.
func ensureTenant(ctx context.Context, s *store.Store, id string) error {
	if id == "" {
		return nil
	}
	_, err := s.GetTenant(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrTenantNotFound) {
		return err
	}
	return s.SaveTenant(ctx, &domain.Tenant{ID: id, Plan: domain.PlanFree})
}
