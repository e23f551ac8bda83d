package main

import (
	"context"
	"fmt"
	"time"

	"EPaymentGateway/internal/app"
	"EPaymentGateway/internal/auth"
	"EPaymentGateway/internal/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func merchantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merchant",
		Short: "Manage merchants",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Register a merchant",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			webhook, _ := cmd.Flags().GetString("webhook-url")
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				m := &models.Merchant{
					MerchantID: uuid.NewString(),
					Name:       name,
					Email:      email,
					IsActive:   true,
					CreatedAt:  time.Now().UTC(),
				}
				if webhook != "" {
					m.WebhookURL = &webhook
				}
				if err := rt.Store.InsertMerchant(ctx, m); err != nil {
					return err
				}
				fmt.Printf("merchant %s created\n", m.MerchantID)
				return nil
			})
		},
	}
	create.Flags().String("name", "", "merchant display name")
	create.Flags().String("email", "", "contact email")
	create.Flags().String("webhook-url", "", "status webhook endpoint")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(create)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Issue and revoke merchant API keys",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			merchantID, _ := cmd.Flags().GetString("merchant")
			name, _ := cmd.Flags().GetString("name")
			expiresIn, _ := cmd.Flags().GetDuration("expires-in")
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				svc, err := auth.NewService(rt.Store, rt.Logger)
				if err != nil {
					return err
				}
				var namePtr *string
				if name != "" {
					namePtr = &name
				}
				key, secret, err := svc.GenerateKey(ctx, merchantID, namePtr, expiresIn)
				if err != nil {
					return err
				}
				fmt.Printf("key id:  %s\n", key.KeyID)
				fmt.Printf("secret:  %s\n", secret)
				if key.ExpiresAt != nil {
					fmt.Printf("expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	create.Flags().String("merchant", "", "merchant id")
	create.Flags().String("name", "", "key label")
	create.Flags().Duration("expires-in", 0, "lifetime, e.g. 720h (0 never expires)")
	_ = create.MarkFlagRequired("merchant")

	revoke := &cobra.Command{
		Use:   "revoke [key-id]",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Store.RevokeAPIKey(ctx, args[0], time.Now().UTC()); err != nil {
					return err
				}
				fmt.Printf("key %s revoked\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, revoke)
	return cmd
}
