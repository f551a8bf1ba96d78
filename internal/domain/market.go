package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market representa un mercado de predicción binario en Polymarket.
// Se usa para elegir qué mercados suscribir al stream (top-K por
// actividad) y para enriquecer logs y reportes con la pregunta.
type Market struct {
	ConditionID string
	Question    string
	Slug        string
	EndDate     time.Time // fecha de resolución
	Volume24h   decimal.Decimal
	Liquidity   decimal.Decimal
	Tokens      [2]Token
	Active      bool
	Closed      bool
}

// Token es uno de los dos lados del mercado (YES/NO).
type Token struct {
	TokenID string
	Outcome string // "Yes" | "No"
	Price   decimal.Decimal
}

// TokenIDs devuelve los dos asset ids del mercado, en orden YES, NO.
// Sirve para armar la suscripción del websocket.
func (m Market) TokenIDs() []string {
	ids := make([]string, 0, 2)
	for _, t := range m.Tokens {
		if t.TokenID != "" {
			ids = append(ids, t.TokenID)
		}
	}
	return ids
}

// HoursToResolution devuelve las horas hasta que el mercado se resuelve.
// Devuelve 0 si EndDate no está definido o ya pasó.
func (m Market) HoursToResolution() float64 {
	if m.EndDate.IsZero() {
		return 0
	}
	h := time.Until(m.EndDate).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// YesToken devuelve el token YES del mercado.
func (m Market) YesToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "Yes" {
			return t
		}
	}
	return m.Tokens[0]
}

// NoToken devuelve el token NO del mercado.
func (m Market) NoToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "No" {
			return t
		}
	}
	return m.Tokens[1]
}

// TruncateQuestion devuelve la pregunta truncada a maxLen caracteres.
// Si la pregunta está vacía usa el conditionID como fallback.
func TruncateQuestion(question, conditionID string, maxLen int) string {
	q := question
	if q == "" {
		if len(conditionID) > 20 {
			q = conditionID[:20] + "..."
		} else {
			q = conditionID
		}
	}
	if len(q) > maxLen {
		q = q[:maxLen-3] + "..."
	}
	return q
}
