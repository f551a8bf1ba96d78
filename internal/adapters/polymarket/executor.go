package polymarket

// executor.go — Real order execution via Polymarket CLOB API.
//
// Implements ports.Executor using AuthClient for L1/L2 auth. Copy
// orders go out as FOK marketable limits at the whale's price: either
// the book still has that liquidity or the copy is not worth making.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
)

// clobOrderRequest is the JSON body sent to POST /order.
type clobOrderRequest struct {
	Order     clobOrderBody `json:"order"`
	Owner     string        `json:"owner"`
	OrderType string        `json:"orderType"`
}

type clobOrderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

type clobOrderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
}

type clobNegRiskResponse struct {
	NegRisk bool `json:"neg_risk"`
}

// LiveExecutor submits signed orders to the CLOB. One instance per
// wallet.
type LiveExecutor struct {
	auth *AuthClient

	mu      sync.Mutex
	negRisk map[string]bool // token id → neg-risk adapter, cached
}

// NewLiveExecutor creates the CLOB executor.
func NewLiveExecutor(auth *AuthClient) *LiveExecutor {
	return &LiveExecutor{
		auth:    auth,
		negRisk: make(map[string]bool),
	}
}

// Open places a copy order. The fill is authoritative: price and size
// come from what the CLOB actually matched, not from the request.
func (e *LiveExecutor) Open(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	return e.submit(ctx, req.AssetID, req.Side, req.LimitPrice, req.SizeUSD, "")
}

// Close unwinds an open position with an order on the opposite side.
func (e *LiveExecutor) Close(ctx context.Context, req domain.CloseRequest) (domain.Fill, error) {
	return e.submit(ctx, req.AssetID, req.Side, req.ExitPrice, req.SizeUSD, req.TradeID)
}

func (e *LiveExecutor) submit(ctx context.Context, tokenID string, side domain.Side, price, sizeUSD decimal.Decimal, tradeID string) (domain.Fill, error) {
	if err := e.auth.EnsureCreds(ctx); err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket.submit: creds: %w", err)
	}

	negRisk, err := e.isNegRisk(ctx, tokenID)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket.submit: %w", err)
	}

	signed, err := e.auth.buildSignedOrder(tokenID, price.InexactFloat64(), sizeUSD.InexactFloat64(), side, negRisk)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket.submit: sign: %w", err)
	}

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       tokenID,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          string(side),
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     e.auth.creds.APIKey,
		OrderType: "FOK",
	}

	var resp clobOrderResponse
	if err := e.auth.doL2(ctx, http.MethodPost, "/order", body, &resp); err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket.submit: post: %w", err)
	}
	if !resp.Success || resp.ErrorMsg != "" {
		return domain.Fill{}, fmt.Errorf("polymarket.submit: clob rejected: %s", resp.ErrorMsg)
	}

	// Para BUY el maker entrega USDC (making) y recibe shares (taking);
	// para SELL es al revés.
	usdc := parseMicroUSDC(resp.MakingAmount)
	shares := parseMicroUSDC(resp.TakingAmount)
	if side == domain.SideSell {
		usdc, shares = shares, usdc
	}

	fillPrice := price
	if !shares.IsZero() {
		fillPrice = usdc.DivRound(shares, 6)
	}

	return domain.Fill{
		TradeID: tradeID,
		Price:   fillPrice,
		SizeUSD: usdc,
		// FeeRateBps 0 y relayer gasless: el CLOB no cobra al taker.
		Commission: decimal.Zero,
		GasCostUSD: decimal.Zero,
		ExternalID: resp.OrderID,
		FilledAt:   time.Now().UTC(),
	}, nil
}

// isNegRisk queries (and caches) whether a token settles through the
// NegRisk adapter; the answer decides the verifying contract.
func (e *LiveExecutor) isNegRisk(ctx context.Context, tokenID string) (bool, error) {
	e.mu.Lock()
	if v, ok := e.negRisk[tokenID]; ok {
		e.mu.Unlock()
		return v, nil
	}
	e.mu.Unlock()

	url := fmt.Sprintf("%s/neg-risk?token_id=%s", e.auth.clobBase, tokenID)
	var resp clobNegRiskResponse
	if err := e.auth.get(ctx, url, &resp); err != nil {
		return false, fmt.Errorf("neg-risk check: %w", err)
	}

	e.mu.Lock()
	e.negRisk[tokenID] = resp.NegRisk
	e.mu.Unlock()
	return resp.NegRisk, nil
}

// CancelAll cancels every open order for this wallet. Used during
// emergency unwind before selling positions.
func (e *LiveExecutor) CancelAll(ctx context.Context) error {
	if err := e.auth.EnsureCreds(ctx); err != nil {
		return fmt.Errorf("polymarket.CancelAll: creds: %w", err)
	}
	if err := e.auth.doL2(ctx, http.MethodDelete, "/orders", nil, nil); err != nil {
		return fmt.Errorf("polymarket.CancelAll: %w", err)
	}
	return nil
}

// parseMicroUSDC converts a micro-unit amount string (e.g. "5000000")
// to a decimal in whole units.
func parseMicroUSDC(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d.Shift(-6)
}
