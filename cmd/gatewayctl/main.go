package main

import (
	"context"
	"fmt"
	"os"

	"EPaymentGateway/internal/app"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operator tooling for the payment gateway",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configPath != "" {
				_ = os.Setenv("CONFIG_PATH", configPath)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CONFIG_PATH or configs/config.yaml)")

	rootCmd.AddCommand(merchantCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(payoutKeyCmd())
	rootCmd.AddCommand(failOrderCmd())
	rootCmd.AddCommand(balanceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withRuntime runs fn against a freshly loaded runtime.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *app.Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := app.Load(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}
