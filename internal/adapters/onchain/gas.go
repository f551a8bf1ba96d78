package onchain

// gas.go — Polygon gas price oracle for the live risk gate.
//
// Copy orders go through the CLOB's gasless relayer, so the bot never
// pays gas directly, but settlement still lands on Polygon: congested
// blocks mean slow fills and books that move before we land. The risk
// manager reads this oracle and holds new live entries while the chain
// is expensive.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const (
	defaultRPCURL = "https://polygon-rpc.com"

	// One RPC call every few minutes is plenty for a gate that only
	// moves on sustained congestion.
	gasCacheTTL = 5 * time.Minute
)

// GasClient implements ports.GasOracle against a Polygon JSON-RPC node.
type GasClient struct {
	client *ethclient.Client

	mu         sync.RWMutex
	cachedGwei decimal.Decimal
	updatedAt  time.Time
}

// NewGasClient dials the given Polygon RPC endpoint. An empty rpcURL
// uses the public one.
func NewGasClient(rpcURL string) (*GasClient, error) {
	if rpcURL == "" {
		rpcURL = defaultRPCURL
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewGasClient: dial %s: %w", rpcURL, err)
	}
	return &GasClient{client: client}, nil
}

// GasPriceGwei returns the suggested gas price in gwei, cached for a
// few minutes. A failed refresh serves the last known price; only a
// cold cache surfaces the error.
func (gc *GasClient) GasPriceGwei(ctx context.Context) (decimal.Decimal, error) {
	gc.mu.RLock()
	cached := gc.cachedGwei
	updatedAt := gc.updatedAt
	gc.mu.RUnlock()

	if !cached.IsZero() && time.Since(updatedAt) < gasCacheTTL {
		return cached, nil
	}

	wei, err := gc.client.SuggestGasPrice(ctx)
	if err != nil {
		if !cached.IsZero() {
			slog.Warn("onchain: gas price refresh failed, serving cached", "err", err)
			return cached, nil
		}
		return decimal.Zero, fmt.Errorf("onchain.GasPriceGwei: suggest gas price: %w", err)
	}

	gwei := decimal.NewFromBigInt(wei, -9)

	gc.mu.Lock()
	gc.cachedGwei = gwei
	gc.updatedAt = time.Now()
	gc.mu.Unlock()

	return gwei, nil
}
