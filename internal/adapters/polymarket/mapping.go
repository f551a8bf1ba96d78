package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
)

// mapDataTrade convierte un fill de la Data API a domain.WhaleTrade.
// size_usd se deriva de size*price porque la API no lo expone.
func mapDataTrade(r dataTrade) domain.WhaleTrade {
	price := parseNumber(r.Price)
	size := parseNumber(r.Size)

	side := domain.Side(strings.ToUpper(r.Side))

	return domain.WhaleTrade{
		ExternalID: domain.TradeExternalID(r.TransactionHash, r.Asset, r.ProxyWallet, side, size),
		Address:    strings.ToLower(r.ProxyWallet),
		Market:     r.ConditionID,
		AssetID:    r.Asset,
		Side:       side,
		Price:      price,
		Size:       size,
		SizeUSD:    size.Mul(price),
		Title:      r.Title,
		Outcome:    r.Outcome,
		TxHash:     r.TransactionHash,
		TradedAt:   parseTradeTimestamp(r.Timestamp),
	}
}

// mapDataPosition convierte una posición de /positions a domain.
func mapDataPosition(r dataPosition) domain.WhalePosition {
	return domain.WhalePosition{
		Market:   r.ConditionID,
		AssetID:  r.Asset,
		Outcome:  r.Outcome,
		Size:     parseNumber(r.Size),
		AvgPrice: parseNumber(r.AvgPrice),
	}
}

// mapGammaMarket convierte un mercado de Gamma a domain.Market.
func mapGammaMarket(gm gammaMarket) domain.Market {
	m := domain.Market{
		ConditionID: gm.ConditionID,
		Question:    gm.Question,
		Slug:        gm.Slug,
		Volume24h:   parseNumber(gm.Volume24h),
		Liquidity:   parseNumber(gm.Liquidity),
		Active:      gm.Active,
		Closed:      gm.Closed,
	}

	tokenIDs := parseStringArray(gm.CLOBTokenIDs)
	outcomes := parseStringArray(gm.Outcomes)
	prices := parseStringArray(gm.OutcomePrices)

	for i := 0; i < 2 && i < len(tokenIDs); i++ {
		m.Tokens[i].TokenID = tokenIDs[i]
		if i < len(outcomes) {
			m.Tokens[i].Outcome = outcomes[i]
		}
		if i < len(prices) {
			m.Tokens[i].Price = parseDecString(prices[i])
		}
	}

	if gm.EndDateISO != "" {
		// Gamma usa varios formatos de fecha; probamos los más comunes.
		for _, layout := range []string{
			time.RFC3339,
			"2006-01-02T15:04:05.000Z",
			"2006-01-02T15:04:05Z",
			"2006-01-02",
		} {
			if t, err := time.Parse(layout, gm.EndDateISO); err == nil {
				m.EndDate = t.UTC()
				break
			}
		}
	}

	return m
}

// parseStringArray decodifica los arrays doblemente codificados de
// Gamma (`"[\"a\",\"b\"]"`). Devuelve nil si el campo no parsea.
func parseStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// parseNumber convierte un json.Number a decimal sin pasar por float.
func parseNumber(n json.Number) decimal.Decimal {
	return parseDecString(n.String())
}

func parseDecString(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseTradeTimestamp interpreta el timestamp de la Data API, que llega
// como unix seconds, unix millis o ISO según el endpoint.
func parseTradeTimestamp(n json.Number) time.Time {
	s := n.String()
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > 1e12 {
			return time.Unix(sec/1000, (sec%1000)*int64(time.Millisecond)).UTC()
		}
		return time.Unix(sec, 0).UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	for _, layout := range []string{
		time.RFC3339Nano, time.RFC3339,
		"2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05Z",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
