package notify

import (
	"context"

	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

// Asserts de interfaz de todo el paquete.
var (
	_ ports.Notifier = (*Console)(nil)
	_ ports.Notifier = (*Telegram)(nil)
	_ ports.Notifier = (*Multi)(nil)
)

// Multi reparte cada aviso entre varios notificadores. Los nil de la
// lista se descartan al construir; ojo con los nil tipados — el caller
// comprueba el puntero concreto antes de pasarlo.
type Multi struct {
	targets []ports.Notifier
}

// NewMulti agrupa los notificadores no nulos.
func NewMulti(targets ...ports.Notifier) *Multi {
	out := make([]ports.Notifier, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	return &Multi{targets: out}
}

func (m *Multi) WhaleEvent(ctx context.Context, ev domain.WhaleEvent) {
	for _, t := range m.targets {
		t.WhaleEvent(ctx, ev)
	}
}

func (m *Multi) TradeOpened(ctx context.Context, tr domain.CopyTrade) {
	for _, t := range m.targets {
		t.TradeOpened(ctx, tr)
	}
}

func (m *Multi) TradeClosed(ctx context.Context, tr domain.CopyTrade) {
	for _, t := range m.targets {
		t.TradeClosed(ctx, tr)
	}
}

func (m *Multi) RiskAlert(ctx context.Context, ev domain.RiskEvent) {
	for _, t := range m.targets {
		t.RiskAlert(ctx, ev)
	}
}

func (m *Multi) Status(ctx context.Context, r domain.MetricsReport) {
	for _, t := range m.targets {
		t.Status(ctx, r)
	}
}

func (m *Multi) Final(ctx context.Context, r domain.FinalReport) {
	for _, t := range m.targets {
		t.Final(ctx, r)
	}
}
