// Package risk implementa la gestión de riesgo pre-trade y el kill
// switch. Toda denegación y todo engagement queda persistido como
// RiskEvent: el gate de promoción a live cuenta los críticos.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

const strategyName = "copy_whale"

// Limits son los umbrales configurados. Valores cero deshabilitan el
// check correspondiente solo donde se indica; los caps de exposición
// con bankroll cero deniegan siempre.
type Limits struct {
	DailyLossLimitUSD      decimal.Decimal // pérdida diaria que engancha el kill switch
	MaxExposurePct         decimal.Decimal // exposición total máxima como fracción del bankroll
	MaxMarketExposurePct   decimal.Decimal // exposición máxima por mercado
	SingleTradeDrawdownPct decimal.Decimal // pérdida de un solo trade que dispara el kill switch
	MaxConsecutiveLosses   int
	MaxExecFailures        int
	ExecFailureWindow      time.Duration
	MaxGasGwei             decimal.Decimal // solo live; cero deshabilita el check
}

// Manager evalúa cada trade contra los límites y mantiene el kill
// switch. Los contadores diarios se resetean perezosamente al cruzar la
// medianoche UTC; un kill switch no manual se suelta con el día nuevo,
// el manual solo lo suelta el operador.
type Manager struct {
	store    ports.TradeStore
	notifier ports.Notifier
	mode     domain.Mode
	limits   Limits

	mu            sync.Mutex
	engaged       bool
	engagedReason string
	manual        bool
	dailyPnL      decimal.Decimal
	dailyKey      string
	consecLosses  int
	execFailures  []time.Time

	now func() time.Time
}

// New crea el manager. El notifier puede ser nil (tests); el store no.
func New(store ports.TradeStore, notifier ports.Notifier, mode domain.Mode, limits Limits) *Manager {
	return &Manager{
		store:    store,
		notifier: notifier,
		mode:     mode,
		limits:   limits,
		dailyKey: time.Now().UTC().Format(time.DateOnly),
		now:      time.Now,
	}
}

// CanTrade decide si el trade propuesto puede salir. En caso de
// denegación devuelve la razón, persiste un RiskEvent y avisa; el
// engine solo tiene que saltarse el trade.
//
// El orden de evaluación es fijo: kill switch, pérdida diaria,
// exposición total, exposición por mercado y, solo en live, gas.
func (m *Manager) CanTrade(ctx context.Context, check domain.TradeCheck) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()

	if reason := m.evaluateLocked(check); reason != "" {
		m.auditLocked(ctx, domain.RiskEvent{
			At:       m.now().UTC(),
			Severity: domain.RiskWarning,
			Kind:     domain.RiskKindDenied,
			Reason:   reason,
			Strategy: strategyName,
			Details:  fmt.Sprintf("market=%s size=%s bankroll=%s", check.Market, check.SizeUSD, check.BankrollTotal.StringFixed(2)),
		})
		return false, reason
	}
	return true, ""
}

func (m *Manager) evaluateLocked(check domain.TradeCheck) string {
	if m.engaged {
		return "kill switch engaged: " + m.engagedReason
	}
	if m.limits.DailyLossLimitUSD.IsPositive() &&
		m.dailyPnL.LessThanOrEqual(m.limits.DailyLossLimitUSD.Neg()) {
		return "daily loss limit reached"
	}
	if check.TotalExposure.Add(check.SizeUSD).GreaterThan(m.limits.MaxExposurePct.Mul(check.BankrollTotal)) {
		return "total exposure cap"
	}
	if check.MarketExposure.Add(check.SizeUSD).GreaterThan(m.limits.MaxMarketExposurePct.Mul(check.BankrollTotal)) {
		return "market exposure cap"
	}
	if check.Mode == domain.ModeLive && m.limits.MaxGasGwei.IsPositive() &&
		check.GasGwei.GreaterThan(m.limits.MaxGasGwei) {
		return "gas above limit"
	}
	return ""
}

// RecordOutcome registra el resultado de un cierre y evalúa los
// disparadores del kill switch. total es el capital del bankroll tras
// el cierre, denominador del check de drawdown por trade.
func (m *Manager) RecordOutcome(ctx context.Context, netPnL, total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()

	m.dailyPnL = m.dailyPnL.Add(netPnL)
	if netPnL.IsPositive() {
		m.consecLosses = 0
	} else {
		m.consecLosses++
	}

	loss := netPnL.Neg()
	if m.limits.SingleTradeDrawdownPct.IsPositive() && total.IsPositive() &&
		loss.GreaterThan(m.limits.SingleTradeDrawdownPct.Mul(total)) {
		m.engageLocked(ctx, domain.KillReasonDrawdown,
			fmt.Sprintf("net=%s total=%s", netPnL.StringFixed(2), total.StringFixed(2)))
		return
	}
	if m.limits.DailyLossLimitUSD.IsPositive() &&
		m.dailyPnL.LessThanOrEqual(m.limits.DailyLossLimitUSD.Neg()) {
		m.engageLocked(ctx, domain.KillReasonDailyLoss,
			fmt.Sprintf("daily=%s limit=%s", m.dailyPnL.StringFixed(2), m.limits.DailyLossLimitUSD.StringFixed(2)))
		return
	}
	if m.limits.MaxConsecutiveLosses > 0 && m.consecLosses >= m.limits.MaxConsecutiveLosses {
		m.engageLocked(ctx, domain.KillReasonLossStreak,
			fmt.Sprintf("streak=%d", m.consecLosses))
	}
}

// RecordExecFailure registra un fallo de ejecución. Una ráfaga dentro
// de la ventana configurada engancha el kill switch: si el venue está
// rechazando órdenes algo anda mal, mejor parar que insistir.
func (m *Manager) RecordExecFailure(ctx context.Context, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()

	now := m.now().UTC()
	cutoff := now.Add(-m.limits.ExecFailureWindow)
	kept := m.execFailures[:0]
	for _, at := range m.execFailures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.execFailures = append(kept, now)

	m.auditLocked(ctx, domain.RiskEvent{
		At:       now,
		Severity: domain.RiskWarning,
		Kind:     domain.RiskKindExecFailure,
		Reason:   "order execution failed",
		Strategy: strategyName,
		Details:  detail,
	})

	if m.limits.MaxExecFailures > 0 && len(m.execFailures) >= m.limits.MaxExecFailures {
		m.engageLocked(ctx, domain.KillReasonExecFailure,
			fmt.Sprintf("failures=%d window=%s", len(m.execFailures), m.limits.ExecFailureWindow))
	}
}

// RecordSkipped audita un trade descartado después de pasar el gate:
// el bankroll lo rechazó al ejecutar (fondos insuficientes). No toca
// contadores; el dinero que no salió no es una pérdida.
func (m *Manager) RecordSkipped(ctx context.Context, reason, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLocked(ctx, domain.RiskEvent{
		At:       m.now().UTC(),
		Severity: domain.RiskWarning,
		Kind:     domain.RiskKindDenied,
		Reason:   reason,
		Strategy: strategyName,
		Details:  detail,
	})
}

// RecordDegraded audita una degradación del pipeline: stream caído,
// backpressure, señales perdidas. No toca el kill switch, pero queda en
// el registro que el gate de promoción revisa.
func (m *Manager) RecordDegraded(ctx context.Context, reason, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLocked(ctx, domain.RiskEvent{
		At:       m.now().UTC(),
		Severity: domain.RiskWarning,
		Kind:     domain.RiskKindDegraded,
		Reason:   reason,
		Strategy: strategyName,
		Details:  detail,
	})
}

// RecordUnwind audita un cierre forzoso de todas las posiciones tras
// engancharse el kill switch con emergency_unwind activo.
func (m *Manager) RecordUnwind(ctx context.Context, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLocked(ctx, domain.RiskEvent{
		At:       m.now().UTC(),
		Severity: domain.RiskWarning,
		Kind:     domain.RiskKindUnwind,
		Reason:   "kill switch with emergency unwind enabled",
		Strategy: strategyName,
		Details:  fmt.Sprintf("closed=%d reason=%s", closed, m.engagedReason),
	})
}

// EngageManual engancha el kill switch a mano (archivo STOP, operador).
// No se suelta con el cambio de día.
func (m *Manager) EngageManual(ctx context.Context, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = true
	m.engageLocked(ctx, domain.KillReasonManual, detail)
}

// Engaged devuelve el estado del kill switch y su razón.
func (m *Manager) Engaged() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	return m.engaged, m.engagedReason
}

// DailyPnL expone el acumulado del día UTC en curso.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	return m.dailyPnL
}

// engageLocked activa el kill switch una sola vez por razón activa:
// re-engancharse ya enganchado no duplica eventos.
func (m *Manager) engageLocked(ctx context.Context, reason, detail string) {
	if m.engaged {
		return
	}
	m.engaged = true
	m.engagedReason = reason

	slog.Error("risk: kill switch engaged", "reason", reason, "detail", detail)
	m.auditLocked(ctx, domain.RiskEvent{
		At:       m.now().UTC(),
		Severity: domain.RiskCritical,
		Kind:     domain.RiskKindKillSwitch,
		Reason:   reason,
		Strategy: strategyName,
		Details:  detail,
	})
}

// auditLocked persiste y notifica un evento. Un fallo del store no
// bloquea la decisión ya tomada, solo queda en el log.
func (m *Manager) auditLocked(ctx context.Context, e domain.RiskEvent) {
	if err := m.store.InsertRiskEvent(ctx, e); err != nil {
		slog.Warn("risk: audit insert failed", "kind", e.Kind, "error", err)
	}
	if m.notifier != nil {
		m.notifier.RiskAlert(ctx, e)
	}
}

// rollDayLocked resetea los contadores diarios al cruzar la medianoche
// UTC y suelta el kill switch no manual: el límite diario protege el
// día, no condena la sesión entera. La racha de pérdidas también
// arranca de cero; si no, la primera pérdida del día nuevo volvería a
// enganchar el switch recién soltado.
func (m *Manager) rollDayLocked() {
	today := m.now().UTC().Format(time.DateOnly)
	if today == m.dailyKey {
		return
	}
	m.dailyKey = today
	m.dailyPnL = decimal.Zero
	m.consecLosses = 0
	if m.engaged && !m.manual {
		slog.Info("risk: kill switch released on new UTC day", "reason", m.engagedReason)
		m.engaged = false
		m.engagedReason = ""
	}
}
