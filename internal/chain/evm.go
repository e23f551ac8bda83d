package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// EVMClient reads an Ethereum-compatible JSON-RPC node. Transfers are found
// by scanning full blocks once for the whole watched set.
type EVMClient struct {
	endpoints *Endpoints
	http      *transport
}

func NewEVMClient(endpoints *Endpoints, timeout time.Duration) *EVMClient {
	return &EVMClient{endpoints: endpoints, http: newTransport(timeout)}
}

type evmBlock struct {
	Number       string  `json:"number"`
	Timestamp    string  `json:"timestamp"`
	Transactions []evmTx `json:"transactions"`
}

type evmTx struct {
	Hash  string  `json:"hash"`
	From  string  `json:"from"`
	To    *string `json:"to"`
	Value string  `json:"value"`
}

type evmReceipt struct {
	Status string `json:"status"`
}

var errBlockUnavailable = errors.New("block not yet available")

func (c *EVMClient) LatestHeight(ctx context.Context) (int64, error) {
	var height int64
	err := c.endpoints.Do(ctx, func(base string) error {
		var hex string
		if err := c.http.call(ctx, base, "eth_blockNumber", &hex); err != nil {
			return err
		}
		h, err := parseHexInt64(hex)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

func (c *EVMClient) Balance(ctx context.Context, address string, height int64) (*big.Int, error) {
	block := "latest"
	if height > 0 {
		block = fmt.Sprintf("0x%x", height)
	}
	var balance *big.Int
	err := c.endpoints.Do(ctx, func(base string) error {
		var hex string
		if err := c.http.call(ctx, base, "eth_getBalance", &hex, address, block); err != nil {
			return err
		}
		b, err := parseHexBig(hex)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	return balance, err
}

func (c *EVMClient) TransfersTo(ctx context.Context, addresses []string, from, to int64) ([]Transfer, error) {
	if len(addresses) == 0 || from > to {
		return nil, nil
	}
	watched := make(map[string]string, len(addresses))
	for _, a := range addresses {
		watched[strings.ToLower(a)] = a
	}

	var out []Transfer
	for h := from; h <= to; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		block, err := c.block(ctx, h)
		if err != nil {
			return nil, err
		}
		var blockTime time.Time
		if ts, err := parseHexInt64(block.Timestamp); err == nil {
			blockTime = time.Unix(ts, 0).UTC()
		}
		for _, tx := range block.Transactions {
			if tx.To == nil {
				continue
			}
			addr, ok := watched[strings.ToLower(*tx.To)]
			if !ok {
				continue
			}
			value, err := parseHexBig(tx.Value)
			if err != nil {
				return nil, fmt.Errorf("tx %s: %w", tx.Hash, err)
			}
			if value.Sign() <= 0 {
				continue
			}
			okStatus, err := c.succeeded(ctx, tx.Hash)
			if err != nil {
				return nil, err
			}
			if !okStatus {
				continue
			}
			out = append(out, Transfer{
				TxHash:    strings.ToLower(tx.Hash),
				From:      tx.From,
				To:        addr,
				Amount:    value,
				Height:    h,
				BlockTime: blockTime,
			})
		}
	}
	return out, nil
}

func (c *EVMClient) block(ctx context.Context, height int64) (*evmBlock, error) {
	var block *evmBlock
	err := c.endpoints.Do(ctx, func(base string) error {
		var b *evmBlock
		if err := c.http.call(ctx, base, "eth_getBlockByNumber", &b, fmt.Sprintf("0x%x", height), true); err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("height %d: %w", height, errBlockUnavailable)
		}
		block = b
		return nil
	})
	return block, err
}

func (c *EVMClient) succeeded(ctx context.Context, hash string) (bool, error) {
	var ok bool
	err := c.endpoints.Do(ctx, func(base string) error {
		var r *evmReceipt
		if err := c.http.call(ctx, base, "eth_getTransactionReceipt", &r, hash); err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("receipt %s not yet available", hash)
		}
		// pre-Byzantium receipts carry no status field
		ok = r.Status == "" || r.Status == "0x1"
		return nil
	})
	return ok, err
}
