package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
)

// Raw frame shapes del canal market. Polymarket manda todo como
// strings; decimal.NewFromString mantiene la precisión.

type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsBookEvent struct {
	EventType string    `json:"event_type"`
	AssetID   string    `json:"asset_id"`
	Market    string    `json:"market"`
	Bids      []wsLevel `json:"bids"`
	Asks      []wsLevel `json:"asks"`
	Timestamp string    `json:"timestamp"`
}

type wsPriceChangeItem struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
}

type wsPriceChangeEvent struct {
	EventType string              `json:"event_type"`
	AssetID   string              `json:"asset_id"`
	Market    string              `json:"market"`
	Changes   []wsPriceChangeItem `json:"changes"`
	// Variante plana: price/size/side al nivel superior.
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

type wsTradeEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Taker     string `json:"taker_address"`
	TxHash    string `json:"transaction_hash"`
	Timestamp string `json:"timestamp"`
}

type wsEnvelope struct {
	EventType string `json:"event_type"`
}

// decodeFrame devuelve el JSON plano del frame. Polymarket comprime
// algunos frames con brotli; se detecta porque el payload no empieza
// por '{' ni '['.
func decodeFrame(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return trimmed, nil
	}
	if isControlFrame(trimmed) {
		return trimmed, nil
	}

	decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("stream.decodeFrame: brotli: %w", err)
	}
	return bytes.TrimSpace(decoded), nil
}

// isControlFrame reconoce los keepalives en texto plano del server.
func isControlFrame(b []byte) bool {
	s := strings.ToUpper(string(b))
	return s == "PING" || s == "PONG"
}

// parseEvents convierte un frame decodificado en eventos de dominio.
// Un frame puede ser un objeto o un array de objetos.
func parseEvents(raw []byte, now time.Time) ([]domain.StreamEvent, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if isControlFrame(raw) {
		return []domain.StreamEvent{domain.Heartbeat{At: now}}, nil
	}

	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("stream.parseEvents: array: %w", err)
		}
		var events []domain.StreamEvent
		for _, item := range items {
			evs, err := parseObject(item, now)
			if err != nil {
				return nil, err
			}
			events = append(events, evs...)
		}
		return events, nil
	}

	return parseObject(raw, now)
}

func parseObject(raw []byte, now time.Time) ([]domain.StreamEvent, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("stream.parseObject: envelope: %w", err)
	}

	switch env.EventType {
	case "book":
		var ev wsBookEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("stream.parseObject: book: %w", err)
		}
		return []domain.StreamEvent{domain.OrderbookDelta{
			AssetID:    ev.AssetID,
			Market:     ev.Market,
			Bids:       mapLevels(ev.Bids),
			Asks:       mapLevels(ev.Asks),
			Timestamp:  parseWSTimestamp(ev.Timestamp, now),
			ReceivedAt: now,
		}}, nil

	case "price_change":
		var ev wsPriceChangeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("stream.parseObject: price_change: %w", err)
		}
		ts := parseWSTimestamp(ev.Timestamp, now)
		if len(ev.Changes) == 0 {
			return []domain.StreamEvent{domain.PriceChange{
				AssetID:    ev.AssetID,
				Market:     ev.Market,
				Side:       domain.Side(strings.ToUpper(ev.Side)),
				Price:      parseWSDecimal(ev.Price),
				Size:       parseWSDecimal(ev.Size),
				Timestamp:  ts,
				ReceivedAt: now,
			}}, nil
		}
		events := make([]domain.StreamEvent, 0, len(ev.Changes))
		for _, ch := range ev.Changes {
			assetID := ch.AssetID
			if assetID == "" {
				assetID = ev.AssetID
			}
			events = append(events, domain.PriceChange{
				AssetID:    assetID,
				Market:     ev.Market,
				Side:       domain.Side(strings.ToUpper(ch.Side)),
				Price:      parseWSDecimal(ch.Price),
				Size:       parseWSDecimal(ch.Size),
				Timestamp:  ts,
				ReceivedAt: now,
			})
		}
		return events, nil

	case "last_trade_price", "trade":
		var ev wsTradeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("stream.parseObject: trade: %w", err)
		}
		if ev.AssetID == "" {
			return nil, nil
		}
		return []domain.StreamEvent{domain.MarketTrade{
			AssetID:    ev.AssetID,
			Market:     ev.Market,
			Side:       domain.Side(strings.ToUpper(ev.Side)),
			Price:      parseWSDecimal(ev.Price),
			Size:       parseWSDecimal(ev.Size),
			Trader:     strings.ToLower(ev.Taker),
			TxHash:     ev.TxHash,
			Timestamp:  parseWSTimestamp(ev.Timestamp, now),
			ReceivedAt: now,
		}}, nil

	default:
		// tick_size_change y demás tipos no nos interesan.
		return nil, nil
	}
}

func mapLevels(raw []wsLevel) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price := parseWSDecimal(l.Price)
		size := parseWSDecimal(l.Size)
		if price.IsZero() && size.IsZero() {
			continue
		}
		levels = append(levels, domain.PriceLevel{Price: price, Size: size})
	}
	return levels
}

func parseWSDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseWSTimestamp interpreta el timestamp del frame (unix millis en
// string). Si no parsea, usa la hora de recepción.
func parseWSTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		if ms > 1e12 {
			return time.UnixMilli(ms).UTC()
		}
		return time.Unix(ms, 0).UTC()
	}
	return fallback
}
