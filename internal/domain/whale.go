package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side es el lado de un trade tal como lo reporta la Data API.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite devuelve el lado contrario. Un lado desconocido se devuelve
// tal cual.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return s
}

// WhaleStatus es el estado del ciclo de vida de una whale.
// El orden es forward-only: DISCOVERED < QUALIFIED < RANKED.
// REJECTED es terminal y alcanzable desde cualquier estado.
type WhaleStatus string

const (
	WhaleDiscovered WhaleStatus = "DISCOVERED"
	WhaleQualified  WhaleStatus = "QUALIFIED"
	WhaleRanked     WhaleStatus = "RANKED"
	WhaleRejected   WhaleStatus = "REJECTED"
)

// statusOrder asigna el rango numérico de cada estado no terminal.
var statusOrder = map[WhaleStatus]int{
	WhaleDiscovered: 1,
	WhaleQualified:  2,
	WhaleRanked:     3,
}

// Before devuelve true si s es estrictamente anterior a other en el
// ciclo de vida. REJECTED no es comparable: nunca va "antes" de nada.
func (s WhaleStatus) Before(other WhaleStatus) bool {
	a, okA := statusOrder[s]
	b, okB := statusOrder[other]
	return okA && okB && a < b
}

// Tradeable devuelve true si las señales de esta whale se pueden copiar.
func (s WhaleStatus) Tradeable() bool {
	return s == WhaleQualified || s == WhaleRanked
}

// WhaleTrade es un trade ejecutado por una whale, visto por la Data API
// o por el stream de mercado.
type WhaleTrade struct {
	ExternalID string // id del trade en la Data API, o tx hash como fallback
	Address    string // proxy wallet
	Market     string // condition_id
	AssetID    string // token id
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal // shares
	SizeUSD    decimal.Decimal // Size × Price
	Title      string
	Outcome    string
	TxHash     string
	TradedAt   time.Time
}

// TradeExternalID construye un id estable para dedup de trades. La Data
// API no expone un id de fill, pero (tx, token, wallet, side, size)
// identifica uno dentro de una transacción. El stream y el poll deben
// producir el mismo id para el mismo fill.
func TradeExternalID(txHash, assetID, wallet string, side Side, size decimal.Decimal) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		txHash, assetID, strings.ToLower(wallet), side, size.String())
}

// WhalePosition es una posición abierta de la whale según /positions.
type WhalePosition struct {
	Market   string
	AssetID  string
	Outcome  string
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
}

// WhaleMetrics son las métricas de actividad calculadas por el tracker.
//
// RealizedPnLUSD es el P&L neto de NUESTROS trades copiados de esta
// whale, no el P&L de la whale. El win rate de la whale no existe en
// ninguna parte del sistema: los datos de resultado del lado de la
// whale no son confiables.
type WhaleMetrics struct {
	TradeCount      int
	TotalVolumeUSD  decimal.Decimal
	AvgTradeUSD     decimal.Decimal
	TradesLast3Days int // ventana móvil de 72h, no días calendario
	DaysActive      int // días UTC distintos con al menos un trade
	LastTradeAt     time.Time
	DaysInactive    int
	RealizedPnLUSD  decimal.Decimal
	RiskScore       int // 1 (mejor) a 10 (peor)
}

// Whale es una cuenta de alto volumen rastreada por el detector.
type Whale struct {
	Address      string
	Status       WhaleStatus
	StatusReason string // motivo de la última democión o rechazo
	Metrics      WhaleMetrics
	RankScore    float64
	Rank         int // 1..N dentro del top; 0 = sin rank
	FirstSeenAt  time.Time
	UpdatedAt    time.Time
}

// WhaleEventType clasifica las transiciones emitidas por el detector.
type WhaleEventType string

const (
	WhaleEventDiscovered WhaleEventType = "discovered"
	WhaleEventQualified  WhaleEventType = "qualified"
	WhaleEventRanked     WhaleEventType = "ranked"
	WhaleEventDemoted    WhaleEventType = "demoted"
	WhaleEventInactive   WhaleEventType = "inactive"
)

// WhaleEvent notifica un cambio de estado de una whale.
type WhaleEvent struct {
	Type    WhaleEventType
	Address string
	Rank    int
	Reason  string
	At      time.Time
}

// DetectorReport resume un ciclo de detección: cuántos candidatos hubo
// y qué regla de calificación bloqueó a cada uno. Es el KPI que permite
// ajustar los umbrales sin adivinar.
type DetectorReport struct {
	CycleAt          time.Time
	Candidates       int
	Discovered       int
	Qualified        int
	Ranked           int
	Demoted          int
	BlockedMinTrades int
	BlockedVolume    int
	BlockedRecency   int
	BlockedInactive  int
}
