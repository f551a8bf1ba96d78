package polymarket

import "encoding/json"

// DTOs raw de las APIs de Polymarket. Solo se usan dentro de este
// paquete. La conversión a domain entities se hace en mapping.go.

// --- Data API ---

// dataTrade es un fill del feed GET /trades de la Data API. Los campos
// numéricos llegan como números JSON; usamos json.Number para no perder
// precisión antes de convertir a decimal.
type dataTrade struct {
	ProxyWallet     string      `json:"proxyWallet"`
	Side            string      `json:"side"`
	Asset           string      `json:"asset"`
	ConditionID     string      `json:"conditionId"`
	Size            json.Number `json:"size"`
	Price           json.Number `json:"price"`
	Timestamp       json.Number `json:"timestamp"`
	Title           string      `json:"title"`
	Slug            string      `json:"slug"`
	Outcome         string      `json:"outcome"`
	OutcomeIndex    json.Number `json:"outcomeIndex"`
	TransactionHash string      `json:"transactionHash"`
}

// dataPosition es una posición abierta según GET /positions.
type dataPosition struct {
	ProxyWallet string      `json:"proxyWallet"`
	Asset       string      `json:"asset"`
	ConditionID string      `json:"conditionId"`
	Size        json.Number `json:"size"`
	AvgPrice    json.Number `json:"avgPrice"`
	Outcome     string      `json:"outcome"`
	Title       string      `json:"title"`
}

// --- Gamma API ---

// gammaMarket contiene la metadata de un mercado en GET /markets.
// Gamma devuelve varios campos numéricos como strings JSON y los
// arrays de tokens/outcomes como JSON doblemente codificado
// (`"[\"123\",\"456\"]"`).
type gammaMarket struct {
	ConditionID   string      `json:"conditionId"`
	Question      string      `json:"question"`
	Slug          string      `json:"slug"`
	EndDateISO    string      `json:"endDateIso"`
	Volume24h     json.Number `json:"volume24hr"`
	Liquidity     json.Number `json:"liquidity"`
	CLOBTokenIDs  string      `json:"clobTokenIds"`
	Outcomes      string      `json:"outcomes"`
	OutcomePrices string      `json:"outcomePrices"`
	Active        bool        `json:"active"`
	Closed        bool        `json:"closed"`
}
