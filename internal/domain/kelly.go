package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// Parámetros por defecto del sizing Kelly fraccional.
// p = prior + alpha × rank_norm, recortado a [pMin, pMax].
const (
	DefaultKellyPrior   = 0.52
	DefaultRankAlpha    = 0.08
	DefaultQuarterKelly = 0.25 // fracción de Kelly aplicada
	DefaultFractionCap  = 0.05 // tope duro sobre f_used
	DefaultMinPosPct    = 0.01 // posición mínima: 1% del bankroll
	DefaultMaxPosPct    = 0.05 // posición máxima: 5% del bankroll

	kellyProbMin = 0.50
	kellyProbMax = 0.70
)

// Precios fuera de este rango no se copian: en los extremos no hay edge
// y el denominador de Kelly degenera.
var (
	minCopyPrice = decimal.NewFromFloat(0.01)
	maxCopyPrice = decimal.NewFromFloat(0.99)
)

// SizingParams agrupa los parámetros del sizing, todos configurables.
type SizingParams struct {
	KellyPrior   float64
	RankAlpha    float64
	QuarterKelly float64
	FractionCap  float64
	MinPosPct    float64
	MaxPosPct    float64
}

// DefaultSizingParams devuelve los parámetros por defecto.
func DefaultSizingParams() SizingParams {
	return SizingParams{
		KellyPrior:   DefaultKellyPrior,
		RankAlpha:    DefaultRankAlpha,
		QuarterKelly: DefaultQuarterKelly,
		FractionCap:  DefaultFractionCap,
		MinPosPct:    DefaultMinPosPct,
		MaxPosPct:    DefaultMaxPosPct,
	}
}

// TradeablePrice devuelve true si el precio está dentro del rango
// copiable (0.01, 0.99) exclusivo.
func TradeablePrice(price decimal.Decimal) bool {
	return price.GreaterThan(minCopyPrice) && price.LessThan(maxCopyPrice)
}

// WinProbability estima p a partir del rank normalizado de la ballena.
// No es una probabilidad calibrada: es un prior conservador que premia
// el rango dentro del top-N.
func WinProbability(prior, alpha, rankNorm float64) float64 {
	p := prior + alpha*rankNorm
	if p < kellyProbMin {
		return kellyProbMin
	}
	if p > kellyProbMax {
		return kellyProbMax
	}
	return p
}

// KellyFraction devuelve f* = (b·p − (1−p)) / b con b = 1/price − 1
// (odds implícitas de un mercado binario). Sin edge devuelve 0.
func KellyFraction(p float64, price decimal.Decimal) float64 {
	px := price.InexactFloat64()
	if px <= 0 || px >= 1 {
		return 0
	}
	b := 1/px - 1
	if b <= 0 {
		return 0
	}
	f := (b*p - (1 - p)) / b
	if f < 0 {
		return 0
	}
	return f
}

// CopySize calcula el tamaño en USD de una copia: quarter-Kelly con
// tope FractionCap, y el resultado recortado a [MinPosPct, MaxPosPct]
// del bankroll. Devuelve cero si no hay edge (el caller no opera).
func CopySize(params SizingParams, total, price decimal.Decimal, rankNorm float64) decimal.Decimal {
	if !total.IsPositive() {
		return decimal.Zero
	}
	p := WinProbability(params.KellyPrior, params.RankAlpha, rankNorm)
	fUsed := math.Min(params.FractionCap, params.QuarterKelly*KellyFraction(p, price))
	if fUsed <= 0 {
		return decimal.Zero
	}
	size := total.Mul(decimal.NewFromFloat(fUsed))
	minSize := total.Mul(decimal.NewFromFloat(params.MinPosPct))
	maxSize := total.Mul(decimal.NewFromFloat(params.MaxPosPct))
	if size.LessThan(minSize) {
		size = minSize
	}
	if size.GreaterThan(maxSize) {
		size = maxSize
	}
	return size.Round(2)
}
