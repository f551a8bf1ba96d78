package ports

import (
	"context"

	"github.com/adrianvm/whalebot/internal/domain"
)

// MarketProvider obtiene mercados activos desde Gamma.
type MarketProvider interface {
	// ActiveMarkets devuelve los mercados abiertos ordenados por
	// actividad descendente, hasta limit. Sus token ids alimentan la
	// suscripción del stream.
	ActiveMarkets(ctx context.Context, limit int) ([]domain.Market, error)
}
