package worker

import (
	"fmt"
	"time"

	"EPaymentGateway/internal/chain"
	"EPaymentGateway/internal/config"
	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/observer"

	"go.uber.org/zap"
)

// NewClient builds the RPC client for cc. Cosmos chains scan a single
// denom, taken from the first currency settled on the chain.
func NewClient(cc config.ChainConfig, currencies []currency.Currency) (chain.Client, error) {
	endpoints, err := chain.NewEndpoints(cc.RPCEndpoints, cc.RPCFailoverThreshold)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", cc.Name, err)
	}
	timeout := time.Duration(cc.RPCTimeoutSeconds) * time.Second
	switch currency.Family(cc.Family) {
	case currency.FamilyEVM:
		return chain.NewEVMClient(endpoints, timeout), nil
	case currency.FamilyCosmos:
		if len(currencies) == 0 {
			return nil, fmt.Errorf("chain %s: no currency configured", cc.Name)
		}
		client := chain.NewCosmosClient(endpoints, currencies[0].Denom, timeout)
		client.PerPage = cc.PerPage
		return client, nil
	default:
		return nil, fmt.Errorf("chain %s: unsupported family %q", cc.Name, cc.Family)
	}
}

// Runtimes turns the chain section of cfg into observer runtimes.
func Runtimes(cfg *config.Config, registry *currency.Registry, logger *zap.Logger) ([]ChainRuntime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]ChainRuntime, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		currencies := registry.ForChain(cc.Name)
		if len(currencies) == 0 {
			logger.Warn("chain has no currencies, not observing", zap.String("chain", cc.Name))
			continue
		}
		client, err := NewClient(cc, currencies)
		if err != nil {
			return nil, err
		}
		out = append(out, ChainRuntime{
			Observer: observer.Config{
				Chain:            cc.Name,
				Interval:         time.Duration(cfg.Observer.IntervalSeconds) * time.Second,
				StartHeight:      cc.StartHeight,
				RewindBlocks:     cc.RewindBlocks,
				MaxBlocksPerTick: cfg.Observer.MaxBlocksPerTick,
				BackoffMin:       time.Duration(cfg.Observer.BackoffMinSeconds) * time.Second,
				BackoffMax:       time.Duration(cfg.Observer.BackoffMaxSeconds) * time.Second,
				AlertAfter:       cfg.Observer.AlertAfter,
			},
			Client: client,
			Heads:  newHeadSubscriber(currency.Family(cc.Family), cc.WSEndpoints, cc.RPCEndpoints, logger.With(zap.String("chain", cc.Name))),
		})
	}
	return out, nil
}
