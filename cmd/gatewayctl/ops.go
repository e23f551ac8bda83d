package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"EPaymentGateway/internal/app"
	"EPaymentGateway/internal/apperr"
	"EPaymentGateway/internal/vault"
	"EPaymentGateway/internal/worker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep and print the number of orders transitioned",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Reconciler().SweepExpiredOrders(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d order(s) transitioned\n", n)
				return nil
			})
		},
	}
}

func payoutKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payout-key",
		Short: "Decrypt an order's deposit key for payout (audited)",
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, _ := cmd.Flags().GetString("order")
			actor, _ := cmd.Flags().GetString("actor")
			purpose, _ := cmd.Flags().GetString("purpose")
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				order, err := rt.Ledger.Get(ctx, orderID)
				if err != nil {
					return err
				}
				v, err := rt.Vault()
				if err != nil {
					return err
				}
				key, err := v.DecryptForPayout(ctx, vault.PayoutRequest{
					Actor:   actor,
					Purpose: purpose,
					OrderID: order.OrderID,
					Address: order.DepositAddress,
					Handle:  order.EncryptedPrivateKey,
				})
				if apperr.IsKind(err, apperr.KindIntegrity) {
					if ferr := rt.Reconciler().FailOrder(ctx, order.OrderID, "deposit key decryption failed"); ferr != nil {
						rt.Logger.Error("fail order after decrypt failure", zap.String("order_id", order.OrderID), zap.Error(ferr))
					}
					return err
				}
				if err != nil {
					return err
				}
				defer clear(key)
				fmt.Printf("address: %s\n", order.DepositAddress)
				fmt.Printf("key:     %s\n", hex.EncodeToString(key))
				return nil
			})
		},
	}
	cmd.Flags().String("order", "", "order id")
	cmd.Flags().String("actor", "", "operator name recorded in the audit log")
	cmd.Flags().String("purpose", "payout", "reason recorded in the audit log")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func failOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail-order",
		Short: "Mark a pending order failed after an irrecoverable error",
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, _ := cmd.Flags().GetString("order")
			reason, _ := cmd.Flags().GetString("reason")
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Reconciler().FailOrder(ctx, orderID, reason); err != nil {
					return err
				}
				order, err := rt.Ledger.Get(ctx, orderID)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", order.OrderID, order.Status)
				return nil
			})
		},
	}
	cmd.Flags().String("order", "", "order id")
	cmd.Flags().String("reason", "", "reason recorded on the transition")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Query an address balance from the chain RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol, _ := cmd.Flags().GetString("currency")
			address, _ := cmd.Flags().GetString("address")
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
				cur, err := rt.Registry.Lookup(symbol)
				if err != nil {
					return err
				}
				if !vault.IsValidAddress(address, cur) {
					return fmt.Errorf("%s is not a valid %s address", address, cur.Symbol)
				}
				cc, _ := rt.Config.Chain(cur.Chain)
				client, err := worker.NewClient(cc, rt.Registry.ForChain(cur.Chain))
				if err != nil {
					return err
				}
				bal, err := client.Balance(ctx, address, 0)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", cur.FromBase(bal), cur.Symbol)
				return nil
			})
		},
	}
	cmd.Flags().String("currency", "", "currency symbol, e.g. ETH")
	cmd.Flags().String("address", "", "address to query")
	_ = cmd.MarkFlagRequired("currency")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}
