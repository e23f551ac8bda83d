package worker

import (
	"context"

	"EPaymentGateway/internal/chain"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/observer"

	"go.uber.org/zap"
)

// runHeads nudges obs on each new block head until ctx is done.
func runHeads(ctx context.Context, heads *chain.HeadSubscriber, obs *observer.Observer) {
	heads.Run(ctx, obs.Nudge)
}

// newHeadSubscriber picks the first configured ws endpoint. CometBFT nodes
// serve one next to RPC, so cosmos chains fall back to it; EVM nodes do
// not, and stay poll-only without one.
func newHeadSubscriber(family currency.Family, wsEndpoints, rpcEndpoints []string, logger *zap.Logger) *chain.HeadSubscriber {
	endpoint := ""
	if len(wsEndpoints) > 0 {
		endpoint = wsEndpoints[0]
	} else if family == currency.FamilyCosmos && len(rpcEndpoints) > 0 {
		endpoint = chain.CometWSEndpoint(rpcEndpoints[0])
	}
	if endpoint == "" {
		return nil
	}
	return &chain.HeadSubscriber{
		Endpoint: endpoint,
		EVM:      family == currency.FamilyEVM,
		Logger:   logger,
	}
}
