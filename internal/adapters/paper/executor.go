// Package paper implementa el venue simulado del modo paper: cada
// orden se llena al instante, al precio pedido, sin slippage. El coste
// de fricción no se omite: comisión proporcional en cada pata y un gas
// fijo en la apertura, para que el P&L en papel no sea más optimista
// que el real.
package paper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

// Executor simula fills contra un libro infinito. Una instancia por
// sesión; no guarda estado entre órdenes.
type Executor struct {
	commission decimal.Decimal // tasa por pata, p.ej. 0.002
	gasFixed   decimal.Decimal // USD cargados una vez, en la apertura

	now func() time.Time
}

var _ ports.Executor = (*Executor)(nil)

// NewExecutor crea el venue simulado con la tasa de comisión por pata
// y el gas fijo de apertura.
func NewExecutor(commission, gasFixed decimal.Decimal) *Executor {
	return &Executor{
		commission: commission,
		gasFixed:   gasFixed,
		now:        time.Now,
	}
}

// Open llena la orden al precio límite pedido. El TradeID queda vacío:
// lo asigna el bankroll al registrar la posición.
func (e *Executor) Open(_ context.Context, req domain.OrderRequest) (domain.Fill, error) {
	if !req.SizeUSD.IsPositive() {
		return domain.Fill{}, fmt.Errorf("paper.Open: size %s: %w", req.SizeUSD, domain.ErrInvalidOrder)
	}
	if !domain.TradeablePrice(req.LimitPrice) {
		return domain.Fill{}, fmt.Errorf("paper.Open: price %s: %w", req.LimitPrice, domain.ErrInvalidOrder)
	}

	return domain.Fill{
		Price:      req.LimitPrice,
		SizeUSD:    req.SizeUSD,
		Commission: req.SizeUSD.Mul(e.commission),
		GasCostUSD: e.gasFixed,
		ExternalID: "paper:" + uuid.NewString(),
		FilledAt:   e.now().UTC(),
	}, nil
}

// Close llena la salida al precio de salida pedido. A diferencia de la
// entrada, el precio puede ser 0.00 o 1.00: un mercado resuelto se
// liquida en los extremos. El gas no se repite, ya se cargó al abrir.
func (e *Executor) Close(_ context.Context, req domain.CloseRequest) (domain.Fill, error) {
	if req.TradeID == "" {
		return domain.Fill{}, fmt.Errorf("paper.Close: empty trade id: %w", domain.ErrInvalidOrder)
	}
	if !req.SizeUSD.IsPositive() {
		return domain.Fill{}, fmt.Errorf("paper.Close: size %s: %w", req.SizeUSD, domain.ErrInvalidOrder)
	}
	if req.ExitPrice.IsNegative() || req.ExitPrice.GreaterThan(decimal.NewFromInt(1)) {
		return domain.Fill{}, fmt.Errorf("paper.Close: price %s: %w", req.ExitPrice, domain.ErrInvalidOrder)
	}

	return domain.Fill{
		TradeID:    req.TradeID,
		Price:      req.ExitPrice,
		SizeUSD:    req.SizeUSD,
		Commission: req.SizeUSD.Mul(e.commission),
		GasCostUSD: decimal.Zero,
		ExternalID: "paper:" + uuid.NewString(),
		FilledAt:   e.now().UTC(),
	}, nil
}
