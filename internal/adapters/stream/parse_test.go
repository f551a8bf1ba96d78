package stream

import (
	"bytes"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianvm/whalebot/internal/domain"
)

var parseNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestParseEvents_BookEvent(t *testing.T) {
	raw := []byte(`{
		"event_type": "book",
		"asset_id": "token-1",
		"market": "0xcond",
		"bids": [{"price": "0.48", "size": "100"}, {"price": "0.45", "size": "200"}],
		"asks": [{"price": "0.52", "size": "150"}],
		"timestamp": "1748779200000"
	}`)

	events, err := parseEvents(raw, parseNow)
	require.NoError(t, err)
	require.Len(t, events, 1)

	book, ok := events[0].(domain.OrderbookDelta)
	require.True(t, ok)
	assert.Equal(t, "token-1", book.AssetID)
	require.Len(t, book.Bids, 2)
	assert.Equal(t, "0.48", book.Bids[0].Price.StringFixed(2))
	require.Len(t, book.Asks, 1)
	assert.Equal(t, parseNow, book.ReceivedAt)
	// El timestamp del frame viene en unix millis.
	assert.Equal(t, 2025, book.Timestamp.Year())
}

func TestParseEvents_PriceChangeFanOut(t *testing.T) {
	raw := []byte(`{
		"event_type": "price_change",
		"asset_id": "token-1",
		"market": "0xcond",
		"changes": [
			{"price": "0.50", "size": "30", "side": "BUY"},
			{"price": "0.51", "size": "12", "side": "SELL"}
		],
		"timestamp": "1748779200000"
	}`)

	events, err := parseEvents(raw, parseNow)
	require.NoError(t, err)
	require.Len(t, events, 2)

	pc, ok := events[0].(domain.PriceChange)
	require.True(t, ok)
	assert.Equal(t, "token-1", pc.AssetID)
	assert.Equal(t, domain.SideBuy, pc.Side)
	assert.Equal(t, "0.50", pc.Price.StringFixed(2))
}

func TestParseEvents_LastTradePrice(t *testing.T) {
	raw := []byte(`{
		"event_type": "last_trade_price",
		"asset_id": "token-1",
		"market": "0xcond",
		"price": "0.42",
		"size": "250",
		"side": "buy",
		"timestamp": "1748779200"
	}`)

	events, err := parseEvents(raw, parseNow)
	require.NoError(t, err)
	require.Len(t, events, 1)

	trade, ok := events[0].(domain.MarketTrade)
	require.True(t, ok)
	assert.Equal(t, domain.SideBuy, trade.Side)
	assert.Equal(t, "0.42", trade.Price.StringFixed(2))
	assert.Equal(t, "250", trade.Size.String())
}

func TestParseEvents_ArrayFanOut(t *testing.T) {
	raw := []byte(`[
		{"event_type": "last_trade_price", "asset_id": "token-1", "price": "0.42", "size": "10", "side": "BUY"},
		{"event_type": "book", "asset_id": "token-2", "bids": [{"price": "0.3", "size": "5"}], "asks": []}
	]`)

	events, err := parseEvents(raw, parseNow)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.IsType(t, domain.MarketTrade{}, events[0])
	assert.IsType(t, domain.OrderbookDelta{}, events[1])
}

func TestParseEvents_UnknownTypeIgnored(t *testing.T) {
	events, err := parseEvents([]byte(`{"event_type": "tick_size_change", "asset_id": "x"}`), parseNow)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseEvents_Pong(t *testing.T) {
	events, err := parseEvents([]byte("PONG"), parseNow)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.IsType(t, domain.Heartbeat{}, events[0])
}

func TestParseEvents_Malformed(t *testing.T) {
	_, err := parseEvents([]byte(`{"event_type": "book", "bids": "broken"}`), parseNow)
	assert.Error(t, err)
}

func TestDecodeFrame_Brotli(t *testing.T) {
	payload := []byte(`{"event_type":"last_trade_price","asset_id":"token-1","price":"0.40","size":"5","side":"BUY"}`)

	var compressed bytes.Buffer
	w := brotli.NewWriter(&compressed)
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// El frame comprimido no empieza por '{' ni '[' → se decodifica.
	decoded, err := decodeFrame(compressed.Bytes())
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	events, err := parseEvents(decoded, parseNow)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestDecodeFrame_PlainJSONPassthrough(t *testing.T) {
	raw := []byte(`  {"event_type":"book"}`)
	decoded, err := decodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"event_type":"book"}`), decoded)
}

func TestDecodeFrame_ControlFrameNotDecompressed(t *testing.T) {
	// "PING"/"PONG" en texto plano no pasan por brotli.
	decoded, err := decodeFrame([]byte("PONG"))
	require.NoError(t, err)
	assert.Equal(t, []byte("PONG"), decoded)
}
