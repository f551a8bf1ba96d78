package onchain_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianvm/whalebot/internal/adapters/onchain"
)

const testAddress = "0x1111111111111111111111111111111111111111"

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// newRPCServer fakes a JSON-RPC node with a fixed result per method.
func newRPCServer(t *testing.T, handler func(t *testing.T, req rpcRequest) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"%s"}`, req.ID, handler(t, req))
	}))
}

func TestGasPriceGwei_ConvertsAndCaches(t *testing.T) {
	var calls int32
	srv := newRPCServer(t, func(t *testing.T, req rpcRequest) string {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "eth_gasPrice", req.Method)
		return fmt.Sprintf("0x%x", big.NewInt(42_500_000_000)) // 42.5 gwei
	})
	defer srv.Close()

	gc, err := onchain.NewGasClient(srv.URL)
	require.NoError(t, err)

	gwei, err := gc.GasPriceGwei(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42.5", gwei.String())

	// Second read comes from the cache.
	again, err := gc.GasPriceGwei(context.Background())
	require.NoError(t, err)
	assert.True(t, gwei.Equal(again))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGasPriceGwei_ColdCacheError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"no peers"}}`, req.ID)
	}))
	defer srv.Close()

	gc, err := onchain.NewGasClient(srv.URL)
	require.NoError(t, err)

	_, err = gc.GasPriceGwei(context.Background())
	require.Error(t, err)
}

func TestUSDCBalance(t *testing.T) {
	srv := newRPCServer(t, func(t *testing.T, req rpcRequest) string {
		require.Equal(t, "eth_call", req.Method)

		var msg struct {
			To string `json:"to"`
		}
		require.NoError(t, json.Unmarshal(req.Params[0], &msg))
		assert.True(t, strings.EqualFold(msg.To, "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"))

		// 250.75 USDC in micro units.
		return fmt.Sprintf("0x%064x", big.NewInt(250_750_000))
	})
	defer srv.Close()

	w, err := onchain.NewWallet(srv.URL, testAddress)
	require.NoError(t, err)

	bal, err := w.USDCBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "250.75", bal.String())
}

func TestSharesBalance(t *testing.T) {
	srv := newRPCServer(t, func(t *testing.T, req rpcRequest) string {
		require.Equal(t, "eth_call", req.Method)

		// The ERC-1155 read goes against the CTF contract, not the token.
		var msg struct {
			To string `json:"to"`
		}
		require.NoError(t, json.Unmarshal(req.Params[0], &msg))
		assert.True(t, strings.EqualFold(msg.To, "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"))

		return fmt.Sprintf("0x%064x", big.NewInt(13_510_000)) // 13.51 shares
	})
	defer srv.Close()

	w, err := onchain.NewWallet(srv.URL, testAddress)
	require.NoError(t, err)

	shares, err := w.SharesBalance(context.Background(), "71321045679252212594626385532706912750332728571942532289631379312455583992563")
	require.NoError(t, err)
	assert.Equal(t, "13.51", shares.String())
}

func TestSharesBalance_InvalidTokenID(t *testing.T) {
	srv := newRPCServer(t, func(t *testing.T, req rpcRequest) string {
		t.Fatal("no RPC call expected")
		return ""
	})
	defer srv.Close()

	w, err := onchain.NewWallet(srv.URL, testAddress)
	require.NoError(t, err)

	_, err = w.SharesBalance(context.Background(), "not-a-token")
	require.Error(t, err)
}

func TestNewWallet_InvalidAddress(t *testing.T) {
	_, err := onchain.NewWallet("http://127.0.0.1:1", "zzz")
	require.Error(t, err)
}
