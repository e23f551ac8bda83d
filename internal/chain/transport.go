package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type transport struct {
	client *http.Client
	nextID atomic.Int64
}

func newTransport(timeout time.Duration) *transport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &transport{client: &http.Client{Timeout: timeout}}
}

func (t *transport) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return t.do(req, out)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC 2.0 request and decodes result into out.
func (t *transport) call(ctx context.Context, endpoint, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: t.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp rpcResponse
	if err := t.do(req, &resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func (t *transport) do(req *http.Request, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("rpc http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("rpc http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseInt64(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("empty int string")
	}
	return strconv.ParseInt(v, 10, 64)
}

func parseHexInt64(v string) (int64, error) {
	if !strings.HasPrefix(v, "0x") || len(v) < 3 {
		return 0, fmt.Errorf("invalid hex quantity %q", v)
	}
	return strconv.ParseInt(v[2:], 16, 64)
}

func parseHexBig(v string) (*big.Int, error) {
	if !strings.HasPrefix(v, "0x") || len(v) < 3 {
		return nil, fmt.Errorf("invalid hex quantity %q", v)
	}
	n, ok := new(big.Int).SetString(v[2:], 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", v)
	}
	return n, nil
}
