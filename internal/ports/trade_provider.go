package ports

import (
	"context"

	"github.com/adrianvm/whalebot/internal/domain"
)

// TradeProvider obtiene trades y posiciones desde la Data API pública.
type TradeProvider interface {
	// RecentTrades devuelve el feed global de trades recientes, el más
	// nuevo primero. Es la fuente del descubrimiento de whales.
	RecentTrades(ctx context.Context, limit int) ([]domain.WhaleTrade, error)

	// TradesByUser devuelve los trades de una wallet concreta, paginando
	// hasta limit. Alimenta las métricas del tracker.
	TradesByUser(ctx context.Context, address string, limit int) ([]domain.WhaleTrade, error)

	// Positions devuelve las posiciones abiertas de una wallet.
	Positions(ctx context.Context, address string) ([]domain.WhalePosition, error)
}
