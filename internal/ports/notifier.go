package ports

import (
	"context"

	"github.com/adrianvm/whalebot/internal/domain"
)

// Notifier presenta la actividad del bot al usuario. Ninguna de sus
// llamadas puede bloquear ni fallar el camino del trade: los errores se
// loguean dentro de la implementación y no se propagan.
type Notifier interface {
	// WhaleEvent anuncia una transición de estado de una whale.
	WhaleEvent(ctx context.Context, ev domain.WhaleEvent)

	// TradeOpened anuncia una copia recién abierta.
	TradeOpened(ctx context.Context, t domain.CopyTrade)

	// TradeClosed anuncia una copia liquidada, con su P&L neto.
	TradeClosed(ctx context.Context, t domain.CopyTrade)

	// RiskAlert anuncia denegaciones, degradación y kill switch.
	RiskAlert(ctx context.Context, ev domain.RiskEvent)

	// Status imprime la línea de estado periódica.
	Status(ctx context.Context, r domain.MetricsReport)

	// Final imprime el reporte de cierre con el veredicto de promoción.
	Final(ctx context.Context, r domain.FinalReport)
}
