package chain

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) Send(payload any) error {
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read() ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// HeadSubscriber listens for new blocks over a websocket feed and calls
// onHead for each. It only shortens detection latency; the poller stays the
// source of truth.
type HeadSubscriber struct {
	Endpoint string
	// EVM selects eth_subscribe("newHeads"); otherwise the CometBFT
	// NewBlock subscription is used.
	EVM            bool
	Logger         *zap.Logger
	ReconnectDelay time.Duration
}

func (s *HeadSubscriber) Run(ctx context.Context, onHead func()) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.Endpoint == "" {
		logger.Info("head subscription disabled: ws endpoint is empty")
		return
	}
	delay := s.ReconnectDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		client := NewWSClient(s.Endpoint)
		if err := client.Connect(ctx); err != nil {
			logger.Warn("ws connect failed", zap.String("endpoint", s.Endpoint), zap.Error(err))
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		logger.Info("ws connected", zap.String("endpoint", s.Endpoint))

		if err := client.Send(s.subscribePayload()); err != nil {
			logger.Warn("ws subscribe failed", zap.Error(err))
			client.Close()
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		// unblock ReadMessage on shutdown
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				client.Close()
			case <-done:
			}
		}()

		for {
			msg, err := client.Read()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("ws read failed", zap.Error(err))
				}
				break
			}
			if IsHeadNotification(msg, s.EVM) {
				onHead()
			}
		}
		close(done)
		client.Close()

		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (s *HeadSubscriber) subscribePayload() map[string]any {
	if s.EVM {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"method":  "eth_subscribe",
			"params":  []any{"newHeads"},
		}
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "subscribe",
		"params": map[string]any{
			"query": "tm.event='NewBlock'",
		},
	}
}

// IsHeadNotification distinguishes pushed block notifications from
// subscription acknowledgements and errors.
func IsHeadNotification(msg []byte, evm bool) bool {
	var env struct {
		Method string `json:"method"`
		Params *struct {
			Result json.RawMessage `json:"result"`
		} `json:"params"`
		Result *struct {
			Data json.RawMessage `json:"data"`
		} `json:"result"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return false
	}
	if len(env.Error) > 0 && string(env.Error) != "null" {
		return false
	}
	if evm {
		return env.Method == "eth_subscription" && env.Params != nil && len(env.Params.Result) > 0
	}
	return env.Result != nil && len(env.Result.Data) > 0
}

// CometWSEndpoint maps a CometBFT RPC base URL onto its /websocket endpoint.
// Unknown schemes yield "".
func CometWSEndpoint(rpc string) string {
	u, err := url.Parse(rpc)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return ""
	}
	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(path, "/websocket") {
		path += "/websocket"
	}
	u.Path = path
	return u.String()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
