package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
)

// Executor opens and closes copy positions. The paper implementation
// settles against the virtual bankroll; the live one places real CLOB
// orders. The engine never knows which one it is talking to.
type Executor interface {
	// Open executes an entry. The returned Fill is authoritative for
	// price and fees; the engine must not assume the request values.
	Open(ctx context.Context, req domain.OrderRequest) (domain.Fill, error)

	// Close unwinds a position previously opened through this executor.
	// The Fill carries the summed fees of both legs.
	Close(ctx context.Context, req domain.CloseRequest) (domain.Fill, error)
}

// GasOracle reports the current gas price so the risk manager can gate
// live trades when the chain is expensive. Paper mode has no oracle.
type GasOracle interface {
	// GasPriceGwei returns the suggested gas price in gwei.
	GasPriceGwei(ctx context.Context) (decimal.Decimal, error)
}
