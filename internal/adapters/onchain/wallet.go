package onchain

// wallet.go — On-chain balance reads for live-mode preflight.
//
// Before the bot touches real money it verifies the funder wallet
// actually holds the capital the paper gate promoted. Balances come
// straight from Polygon: USDC.e for collateral, the CTF ERC-1155 for
// conditional shares held.

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const (
	// USDC.e collateral on Polygon.
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	// CTF contract — holds conditional tokens (ERC1155).
	ctfAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
)

var (
	erc20BalanceABI   abi.ABI
	erc1155BalanceABI abi.ABI
)

func init() {
	var err error
	erc20BalanceABI, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("erc20 balanceOf abi: " + err.Error())
	}
	erc1155BalanceABI, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("erc1155 balanceOf abi: " + err.Error())
	}
}

// Wallet reads on-chain balances for a single address.
type Wallet struct {
	client  *ethclient.Client
	address common.Address
}

// NewWallet dials the RPC and binds the reader to the given wallet
// address (0x-prefixed hex). An empty rpcURL uses the public endpoint.
func NewWallet(rpcURL, address string) (*Wallet, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("onchain.NewWallet: invalid address %q", address)
	}
	if rpcURL == "" {
		rpcURL = defaultRPCURL
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewWallet: dial %s: %w", rpcURL, err)
	}
	return &Wallet{client: client, address: common.HexToAddress(address)}, nil
}

// USDCBalance returns the wallet's USDC.e balance in dollars.
func (w *Wallet) USDCBalance(ctx context.Context) (decimal.Decimal, error) {
	callData, err := erc20BalanceABI.Pack("balanceOf", w.address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("onchain.USDCBalance: pack: %w", err)
	}

	raw, err := w.call(ctx, common.HexToAddress(usdcEAddress), callData)
	if err != nil {
		return decimal.Zero, fmt.Errorf("onchain.USDCBalance: rpc call: %w", err)
	}

	vals, err := erc20BalanceABI.Unpack("balanceOf", raw)
	if err != nil || len(vals) == 0 {
		return decimal.Zero, fmt.Errorf("onchain.USDCBalance: unpack: %w", err)
	}
	return decimal.NewFromBigInt(vals[0].(*big.Int), -6), nil
}

// SharesBalance returns the ERC-1155 balance for a conditional token,
// in shares. Token IDs are the decimal strings the CLOB uses.
func (w *Wallet) SharesBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	tid := new(big.Int)
	if _, ok := tid.SetString(tokenID, 10); !ok {
		return decimal.Zero, fmt.Errorf("onchain.SharesBalance: invalid token id %q", tokenID)
	}

	callData, err := erc1155BalanceABI.Pack("balanceOf", w.address, tid)
	if err != nil {
		return decimal.Zero, fmt.Errorf("onchain.SharesBalance: pack: %w", err)
	}

	raw, err := w.call(ctx, common.HexToAddress(ctfAddress), callData)
	if err != nil {
		return decimal.Zero, fmt.Errorf("onchain.SharesBalance: rpc call: %w", err)
	}

	vals, err := erc1155BalanceABI.Unpack("balanceOf", raw)
	if err != nil || len(vals) == 0 {
		return decimal.Zero, fmt.Errorf("onchain.SharesBalance: unpack: %w", err)
	}
	return decimal.NewFromBigInt(vals[0].(*big.Int), -6), nil
}

func (w *Wallet) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return w.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}
