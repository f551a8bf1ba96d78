package polymarket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adrianvm/whalebot/internal/domain"
)

const gammaPageSize = 100

// ActiveMarkets devuelve los mercados abiertos ordenados por volumen
// 24h descendente, hasta limit. Sus token ids alimentan la suscripción
// del stream.
func (c *Client) ActiveMarkets(ctx context.Context, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = gammaPageSize
	}

	var markets []domain.Market
	for offset := 0; len(markets) < limit; offset += gammaPageSize {
		pageSize := gammaPageSize
		if remaining := limit - len(markets); remaining < pageSize {
			pageSize = remaining
		}

		url := fmt.Sprintf(
			"%s/markets?closed=false&active=true&order=volume24hr&ascending=false&limit=%d&offset=%d",
			c.gammaBase, pageSize, offset)

		var resp []gammaMarket
		if err := c.get(ctx, url, &resp); err != nil {
			return nil, fmt.Errorf("polymarket.ActiveMarkets: %w", err)
		}
		if len(resp) == 0 {
			break
		}

		for _, gm := range resp {
			m := mapGammaMarket(gm)
			// Sin token ids no hay nada que suscribir ni copiar.
			if m.Tokens[0].TokenID == "" {
				continue
			}
			markets = append(markets, m)
		}

		if len(resp) < pageSize {
			break
		}
	}

	if len(markets) > limit {
		markets = markets[:limit]
	}
	slog.Debug("fetched active markets", "count", len(markets))
	return markets, nil
}
