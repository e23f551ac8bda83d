package chain

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ErrUnsupported is returned by clients for queries their chain RPC cannot
// answer.
var ErrUnsupported = errors.New("chain: operation not supported by this client")

// Transfer is a successful native-asset transfer into a watched address.
type Transfer struct {
	TxHash string
	From   string
	To     string
	Amount *big.Int
	Height int64
	// BlockTime is zero when the RPC does not report it.
	BlockTime time.Time
}

// Client is the blockchain RPC surface the observer depends on. A single
// Client is shared by every watch target on its chain.
type Client interface {
	LatestHeight(ctx context.Context) (int64, error)
	// TransfersTo returns transfers into any of addresses included in blocks
	// [from, to].
	TransfersTo(ctx context.Context, addresses []string, from, to int64) ([]Transfer, error)
	// Balance returns the balance of address as of block height, or at the
	// node's head when height <= 0. A node that has not reached height
	// returns an error rather than an older balance.
	Balance(ctx context.Context, address string, height int64) (*big.Int, error)
}
