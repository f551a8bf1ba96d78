package polymarket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adrianvm/whalebot/internal/domain"
)

const (
	tradesPerPage  = 1000
	tradesMaxPages = 3
)

// RecentTrades devuelve el feed global de fills recientes, el más nuevo
// primero. Solo fills taker: son los que revelan la intención de la
// whale.
func (c *Client) RecentTrades(ctx context.Context, limit int) ([]domain.WhaleTrade, error) {
	if limit <= 0 {
		limit = tradesPerPage
	}
	return c.fetchTrades(ctx, "", limit)
}

// TradesByUser devuelve los fills de una wallet concreta paginando
// hasta limit.
func (c *Client) TradesByUser(ctx context.Context, address string, limit int) ([]domain.WhaleTrade, error) {
	if address == "" {
		return nil, &domain.ProtocolError{Op: "polymarket.TradesByUser", Detail: "empty address"}
	}
	if limit <= 0 {
		limit = tradesPerPage * tradesMaxPages
	}
	return c.fetchTrades(ctx, address, limit)
}

// fetchTrades pagina GET /trades. Con user vacío devuelve el feed
// global.
func (c *Client) fetchTrades(ctx context.Context, user string, limit int) ([]domain.WhaleTrade, error) {
	var all []domain.WhaleTrade

	for page := 0; page < tradesMaxPages && len(all) < limit; page++ {
		pageSize := tradesPerPage
		if remaining := limit - len(all); remaining < pageSize {
			pageSize = remaining
		}

		url := fmt.Sprintf("%s/trades?takerOnly=true&limit=%d&offset=%d",
			c.dataBase, pageSize, page*tradesPerPage)
		if user != "" {
			url += "&user=" + user
		}

		var resp []dataTrade
		if err := c.get(ctx, url, &resp); err != nil {
			return nil, fmt.Errorf("polymarket.fetchTrades: %w", err)
		}
		if len(resp) == 0 {
			break
		}

		for _, rt := range resp {
			all = append(all, mapDataTrade(rt))
		}

		slog.Debug("fetched trades page",
			"user", user,
			"page", page,
			"count", len(resp),
			"total", len(all),
		)

		if len(resp) < pageSize {
			break
		}
	}

	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Positions devuelve las posiciones abiertas de una wallet según la
// Data API.
func (c *Client) Positions(ctx context.Context, address string) ([]domain.WhalePosition, error) {
	if address == "" {
		return nil, &domain.ProtocolError{Op: "polymarket.Positions", Detail: "empty address"}
	}

	url := fmt.Sprintf("%s/positions?user=%s&limit=%d", c.dataBase, address, 500)

	var resp []dataPosition
	if err := c.get(ctx, url, &resp); err != nil {
		return nil, fmt.Errorf("polymarket.Positions: %w", err)
	}

	positions := make([]domain.WhalePosition, 0, len(resp))
	for _, rp := range resp {
		positions = append(positions, mapDataPosition(rp))
	}
	return positions, nil
}
