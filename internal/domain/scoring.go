package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Pesos del rank score. La suma de los positivos es 0.9; el riesgo
// resta hasta 0.1.
const (
	rankWeightVolume    = 0.5
	rankWeightRecency   = 0.2
	rankWeightFrequency = 0.2
	rankWeightRisk      = 0.1
)

// Umbrales de la tabla de risk score, en USDC.
var (
	riskVol100k = decimal.NewFromInt(100_000)
	riskVol50k  = decimal.NewFromInt(50_000)
	riskVol10k  = decimal.NewFromInt(10_000)
	riskVol5k   = decimal.NewFromInt(5_000)
	riskVol1k   = decimal.NewFromInt(1_000)
)

// ComputeWhaleMetrics calcula las métricas de actividad de una whale a
// partir de sus trades recientes. Función pura: el reloj entra como
// parámetro y no hay I/O.
//
// realized es el P&L neto acumulado de nuestros trades copiados de esta
// whale; se pasa desde el store y se copia tal cual.
func ComputeWhaleMetrics(trades []WhaleTrade, realized decimal.Decimal, now time.Time) WhaleMetrics {
	m := WhaleMetrics{
		TradeCount:     len(trades),
		RealizedPnLUSD: realized,
		TotalVolumeUSD: decimal.Zero,
		AvgTradeUSD:    decimal.Zero,
	}

	if len(trades) == 0 {
		m.RiskScore = 10
		return m
	}

	window3d := now.Add(-72 * time.Hour)
	activeDays := make(map[string]struct{})

	for _, t := range trades {
		m.TotalVolumeUSD = m.TotalVolumeUSD.Add(t.SizeUSD)
		if t.TradedAt.After(window3d) {
			m.TradesLast3Days++
		}
		activeDays[t.TradedAt.UTC().Format("2006-01-02")] = struct{}{}
		if t.TradedAt.After(m.LastTradeAt) {
			m.LastTradeAt = t.TradedAt
		}
	}

	m.DaysActive = len(activeDays)
	m.AvgTradeUSD = m.TotalVolumeUSD.Div(decimal.NewFromInt(int64(len(trades))))
	m.DaysInactive = int(now.Sub(m.LastTradeAt).Hours() / 24)
	if m.DaysInactive < 0 {
		m.DaysInactive = 0
	}
	m.RiskScore = RiskScore(m.TotalVolumeUSD, m.TradeCount, m.DaysInactive)
	return m
}

// RiskScore mapea volumen y recuento de trades a un score 1-10.
// Gana la primera regla que aplica; sin volumen relevante el score base
// es 8 y empeora con la inactividad.
func RiskScore(volumeUSD decimal.Decimal, trades, daysInactive int) int {
	switch {
	case volumeUSD.GreaterThanOrEqual(riskVol100k) && trades >= 500:
		return 1
	case volumeUSD.GreaterThanOrEqual(riskVol50k) && trades >= 200:
		return 2
	case volumeUSD.GreaterThanOrEqual(riskVol10k) && trades >= 100:
		return 3
	case volumeUSD.GreaterThanOrEqual(riskVol5k) && trades >= 50:
		return 4
	case volumeUSD.GreaterThanOrEqual(riskVol1k) && trades >= 20:
		return 6
	}

	switch {
	case daysInactive > 30:
		return 10
	case daysInactive > 7:
		return 9
	default:
		return 8
	}
}

// RankBounds son los extremos min-max del cohort calificado, usados
// para normalizar cada componente del rank score.
type RankBounds struct {
	MinVolume, MaxVolume       float64
	MinRecency, MaxRecency     float64
	MinFrequency, MaxFrequency float64
}

// ComputeRankBounds recorre el cohort y devuelve los extremos de cada
// componente. Con cohort vacío devuelve el zero value.
func ComputeRankBounds(cohort []Whale) RankBounds {
	var b RankBounds
	for i, w := range cohort {
		vol := w.Metrics.TotalVolumeUSD.InexactFloat64()
		rec := recencyComponent(w.Metrics.DaysInactive)
		freq := float64(w.Metrics.TradesLast3Days)
		if i == 0 {
			b.MinVolume, b.MaxVolume = vol, vol
			b.MinRecency, b.MaxRecency = rec, rec
			b.MinFrequency, b.MaxFrequency = freq, freq
			continue
		}
		b.MinVolume = min(b.MinVolume, vol)
		b.MaxVolume = max(b.MaxVolume, vol)
		b.MinRecency = min(b.MinRecency, rec)
		b.MaxRecency = max(b.MaxRecency, rec)
		b.MinFrequency = min(b.MinFrequency, freq)
		b.MaxFrequency = max(b.MaxFrequency, freq)
	}
	return b
}

// RankScore combina volumen, recencia, frecuencia y riesgo en un score
// comparable dentro del cohort. Los componentes se normalizan min-max
// sobre los bounds del cohort; un cohort degenerado (un solo miembro o
// todos iguales) normaliza a 1.0.
func RankScore(w Whale, b RankBounds) float64 {
	vol := minMaxNorm(w.Metrics.TotalVolumeUSD.InexactFloat64(), b.MinVolume, b.MaxVolume)
	rec := minMaxNorm(recencyComponent(w.Metrics.DaysInactive), b.MinRecency, b.MaxRecency)
	freq := minMaxNorm(float64(w.Metrics.TradesLast3Days), b.MinFrequency, b.MaxFrequency)
	risk := float64(w.Metrics.RiskScore) / 10.0

	return rankWeightVolume*vol +
		rankWeightRecency*rec +
		rankWeightFrequency*freq -
		rankWeightRisk*risk
}

// RankCohort ordena el cohort por rank score descendente y asigna
// Rank 1..N. Orden estable; los empates se resuelven por menor risk
// score y después por first_seen_at más antiguo.
func RankCohort(cohort []Whale) []Whale {
	ranked := make([]Whale, len(cohort))
	copy(ranked, cohort)

	bounds := ComputeRankBounds(ranked)
	for i := range ranked {
		ranked[i].RankScore = RankScore(ranked[i], bounds)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RankScore != ranked[j].RankScore {
			return ranked[i].RankScore > ranked[j].RankScore
		}
		if ranked[i].Metrics.RiskScore != ranked[j].Metrics.RiskScore {
			return ranked[i].Metrics.RiskScore < ranked[j].Metrics.RiskScore
		}
		return ranked[i].FirstSeenAt.Before(ranked[j].FirstSeenAt)
	})

	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// RankNorm devuelve la posición normalizada de un rank dentro del top:
// 1.0 para el rank 1, 0.0 para el último. Con un solo miembro es 1.0.
func RankNorm(rank, topSize int) float64 {
	if rank <= 0 || topSize <= 0 {
		return 0
	}
	if topSize == 1 {
		return 1.0
	}
	return float64(topSize-rank) / float64(topSize-1)
}

// recencyComponent transforma días de inactividad en un valor que crece
// con la recencia: 1/(1+días).
func recencyComponent(daysInactive int) float64 {
	if daysInactive < 0 {
		daysInactive = 0
	}
	return 1.0 / (1.0 + float64(daysInactive))
}

// minMaxNorm normaliza v al rango [0,1] sobre [lo,hi]. Si el rango es
// degenerado devuelve 1.0 para que un cohort constante no anule el
// componente.
func minMaxNorm(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1.0
	}
	n := (v - lo) / (hi - lo)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}
