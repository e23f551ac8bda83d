package chain

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeEVM serves a two-block chain: block 1 pays the watched address, block 2
// carries a reverted payment and an unrelated transfer.
func fakeEVM(t *testing.T) *httptest.Server {
	t.Helper()
	watched := "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	other := "0x0000000000000000000000000000000000000001"
	blocks := map[string]any{
		"0x1": map[string]any{
			"number":    "0x1",
			"timestamp": "0x64",
			"transactions": []map[string]any{
				{"hash": "0xAAA", "from": other, "to": watched, "value": "0x14d1120d7b160000"},
				{"hash": "0xCCC", "from": other, "to": nil, "value": "0x1"},
			},
		},
		"0x2": map[string]any{
			"number":    "0x2",
			"timestamp": "0xc8",
			"transactions": []map[string]any{
				{"hash": "0xBBB", "from": other, "to": watched, "value": "0x1"},
				{"hash": "0xDDD", "from": watched, "to": other, "value": "0x5"},
			},
		},
	}
	receipts := map[string]any{
		"0xAAA": map[string]any{"status": "0x1"},
		"0xBBB": map[string]any{"status": "0x0"},
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		var result any
		switch req.Method {
		case "eth_blockNumber":
			result = "0x2"
		case "eth_getBalance":
			var block string
			_ = json.Unmarshal(req.Params[1], &block)
			if block != "latest" && block != "0x1" && block != "0x2" {
				_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32000, "message": "header not found"}})
				return
			}
			result = "0xde0b6b3a7640000"
		case "eth_getBlockByNumber":
			var h string
			_ = json.Unmarshal(req.Params[0], &h)
			result = blocks[h]
		case "eth_getTransactionReceipt":
			var h string
			_ = json.Unmarshal(req.Params[0], &h)
			result = receipts[h]
		default:
			t.Errorf("unexpected method %s", req.Method)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func TestEVMClient(t *testing.T) {
	srv := fakeEVM(t)
	defer srv.Close()

	eps, _ := NewEndpoints([]string{srv.URL}, 1)
	c := NewEVMClient(eps, time.Second)
	ctx := context.Background()

	h, err := c.LatestHeight(ctx)
	if err != nil || h != 2 {
		t.Fatalf("LatestHeight = %d, %v", h, err)
	}

	for _, height := range []int64{0, 2} {
		bal, err := c.Balance(ctx, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", height)
		if err != nil || bal.String() != "1000000000000000000" {
			t.Fatalf("Balance at %d = %v, %v", height, bal, err)
		}
	}
	if _, err := c.Balance(ctx, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", 9); err == nil {
		t.Fatalf("expected error for a height the node has not reached")
	}

	addr := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	transfers, err := c.TransfersTo(ctx, []string{addr}, 1, 2)
	if err != nil {
		t.Fatalf("TransfersTo failed: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("expected 1 successful transfer, got %+v", transfers)
	}
	tr := transfers[0]
	if tr.TxHash != "0xaaa" || tr.To != addr || tr.Height != 1 {
		t.Fatalf("unexpected transfer %+v", tr)
	}
	if tr.Amount.String() != "1500000000000000000" {
		t.Fatalf("amount = %s", tr.Amount)
	}
	if !tr.BlockTime.Equal(time.Unix(100, 0)) {
		t.Fatalf("block time = %v", tr.BlockTime)
	}
}

func TestEVMClientMissingBlock(t *testing.T) {
	srv := fakeEVM(t)
	defer srv.Close()

	eps, _ := NewEndpoints([]string{srv.URL}, 1)
	c := NewEVMClient(eps, time.Second)
	if _, err := c.TransfersTo(context.Background(), []string{"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"}, 3, 3); err == nil {
		t.Fatalf("expected error for unavailable block")
	}
}

func TestEVMClientRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32005,"message":"rate limited"}}`)
	}))
	defer srv.Close()

	eps, _ := NewEndpoints([]string{srv.URL}, 1)
	if _, err := NewEVMClient(eps, time.Second).LatestHeight(context.Background()); err == nil {
		t.Fatalf("expected rpc error")
	}
}
