package chain

import (
	"context"
	"encoding/base64"
	"math/big"
	"net/url"
	"strconv"
	"time"
)

// CosmosClient reads a CometBFT RPC node. Transfers are found with tx_search
// per recipient address.
type CosmosClient struct {
	endpoints *Endpoints
	http      *transport
	Denom     string
	PerPage   int
}

func NewCosmosClient(endpoints *Endpoints, denom string, timeout time.Duration) *CosmosClient {
	return &CosmosClient{endpoints: endpoints, http: newTransport(timeout), Denom: denom, PerPage: 30}
}

func (c *CosmosClient) LatestHeight(ctx context.Context) (int64, error) {
	var height int64
	err := c.endpoints.Do(ctx, func(base string) error {
		var resp statusResponse
		if err := c.http.getJSON(ctx, base+"/status", &resp); err != nil {
			return err
		}
		h, err := parseInt64(resp.Result.SyncInfo.LatestBlockHeight)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

// Balance needs the bank module's gRPC/LCD surface, which CometBFT RPC does
// not expose.
func (c *CosmosClient) Balance(ctx context.Context, address string, height int64) (*big.Int, error) {
	return nil, ErrUnsupported
}

func (c *CosmosClient) TransfersTo(ctx context.Context, addresses []string, from, to int64) ([]Transfer, error) {
	var out []Transfer
	for _, addr := range addresses {
		query := "transfer.recipient='" + addr + "' AND tx.height>=" + strconv.FormatInt(from, 10) +
			" AND tx.height<=" + strconv.FormatInt(to, 10)
		page := 1
		perPage := c.PerPage
		if perPage <= 0 {
			perPage = 30
		}
		for {
			res, err := c.TxSearch(ctx, query, page, perPage)
			if err != nil {
				return nil, err
			}
			for _, tx := range res.Txs {
				if tx.Code != 0 || tx.Height < from || tx.Height > to {
					continue
				}
				if t, ok := transferInto(tx, addr, c.Denom); ok {
					out = append(out, t)
				}
			}
			if res.TotalCount == 0 || int64(page*perPage) >= res.TotalCount {
				break
			}
			page++
		}
	}
	return out, nil
}

func (c *CosmosClient) TxSearch(ctx context.Context, query string, page, perPage int) (*TxSearchResult, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 30
	}
	var result *TxSearchResult
	err := c.endpoints.Do(ctx, func(base string) error {
		u, err := url.Parse(base + "/tx_search")
		if err != nil {
			return err
		}
		values := url.Values{}
		// Tendermint/CometBFT docs use query="...".
		values.Set("query", "\""+query+"\"")
		values.Set("prove", "false")
		values.Set("page", strconv.Itoa(page))
		values.Set("per_page", strconv.Itoa(perPage))
		values.Set("order_by", "\"asc\"")
		u.RawQuery = values.Encode()

		var resp txSearchResponse
		if err := c.http.getJSON(ctx, u.String(), &resp); err != nil {
			return err
		}
		parsed, err := parseTxSearch(resp)
		if err != nil {
			return err
		}
		result = parsed
		return nil
	})
	return result, err
}

func parseTxSearch(resp txSearchResponse) (*TxSearchResult, error) {
	result := &TxSearchResult{}
	total, err := parseInt64(resp.Result.TotalCount)
	if err != nil {
		return nil, err
	}
	result.TotalCount = total

	for _, tx := range resp.Result.Txs {
		height, err := parseInt64(tx.Height)
		if err != nil {
			return nil, err
		}
		timestamp, _ := time.Parse(time.RFC3339, tx.Timestamp)
		result.Txs = append(result.Txs, Tx{
			Hash:      tx.Hash,
			Height:    height,
			Code:      tx.TxResult.Code,
			Events:    decodeEvents(tx.TxResult.Events),
			Timestamp: timestamp,
		})
	}
	return result, nil
}

func decodeEvents(events []rpcEvent) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		e := Event{Type: ev.Type}
		for _, attr := range ev.Attributes {
			e.Attributes = append(e.Attributes, Attribute{
				Key:   decodeMaybeBase64(attr.Key),
				Value: decodeMaybeBase64(attr.Value),
			})
		}
		out = append(out, e)
	}
	return out
}

func decodeMaybeBase64(v string) string {
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return v
	}
	if isMostlyPrintable(b) {
		return string(b)
	}
	return v
}

func isMostlyPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printable := 0
	for _, c := range b {
		if c >= 32 && c <= 126 {
			printable++
		}
	}
	return printable*100/len(b) >= 80
}

// RPC response types

type statusResponse struct {
	Result struct {
		SyncInfo struct {
			LatestBlockHeight string `json:"latest_block_height"`
		} `json:"sync_info"`
	} `json:"result"`
}

type txSearchResponse struct {
	Result struct {
		TotalCount string  `json:"total_count"`
		Txs        []rpcTx `json:"txs"`
	} `json:"result"`
}

type rpcTx struct {
	Hash      string      `json:"hash"`
	Height    string      `json:"height"`
	Timestamp string      `json:"timestamp"`
	TxResult  rpcTxResult `json:"tx_result"`
}

type rpcTxResult struct {
	Code   int        `json:"code"`
	Events []rpcEvent `json:"events"`
}

type rpcEvent struct {
	Type       string         `json:"type"`
	Attributes []rpcAttribute `json:"attributes"`
}

type rpcAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Parsed types

type TxSearchResult struct {
	TotalCount int64
	Txs        []Tx
}

type Tx struct {
	Hash      string
	Height    int64
	Code      int
	Events    []Event
	Timestamp time.Time
}

type Event struct {
	Type       string
	Attributes []Attribute
}

type Attribute struct {
	Key   string
	Value string
}
