package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
)

// Console implementa ports.Notifier escribiendo a stdout. Es el
// notificador primario: cada evento sale como una línea compacta con
// prefijo [HH:MM:SS][MODE], y el reporte final en tablas.
type Console struct {
	out  io.Writer
	mode domain.Mode
	now  func() time.Time
}

// NewConsole crea el notificador de consola para el modo dado.
func NewConsole(mode domain.Mode) *Console {
	return &Console{out: os.Stdout, mode: mode, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests, con reloj inyectable.
func NewConsoleWriter(w io.Writer, mode domain.Mode, now func() time.Time) *Console {
	if now == nil {
		now = time.Now
	}
	return &Console{out: w, mode: mode, now: now}
}

// stamp es el prefijo de cada línea.
func (c *Console) stamp() string {
	return fmt.Sprintf("[%s][%s]", c.now().Format("15:04:05"), strings.ToUpper(string(c.mode)))
}

// WhaleEvent imprime una transición de estado de una whale.
// discovered no se imprime: son decenas por ciclo y ninguna acción.
func (c *Console) WhaleEvent(_ context.Context, ev domain.WhaleEvent) {
	switch ev.Type {
	case domain.WhaleEventQualified:
		fmt.Fprintf(c.out, "%s whale %s calificada\n", c.stamp(), shortAddr(ev.Address))
	case domain.WhaleEventRanked:
		fmt.Fprintf(c.out, "%s whale #%d %s — copiando sus trades\n", c.stamp(), ev.Rank, shortAddr(ev.Address))
	case domain.WhaleEventDemoted:
		fmt.Fprintf(c.out, "%s whale %s degradada (%s)\n", c.stamp(), shortAddr(ev.Address), ev.Reason)
	case domain.WhaleEventInactive:
		fmt.Fprintf(c.out, "%s whale %s inactiva (%s)\n", c.stamp(), shortAddr(ev.Address), ev.Reason)
	}
}

// TradeOpened anuncia una copia recién abierta.
func (c *Console) TradeOpened(_ context.Context, t domain.CopyTrade) {
	fmt.Fprintf(c.out, "%s OPEN  %s $%s @ %s %s copiando %s\n",
		c.stamp(), t.Side, t.SizeUSD.StringFixed(2), t.EntryPrice.String(),
		shortMarket(t.Market), shortAddr(t.Whale))
}

// TradeClosed anuncia una copia liquidada con su resultado neto.
func (c *Console) TradeClosed(_ context.Context, t domain.CopyTrade) {
	verdict := "LOSS"
	if t.IsWin() {
		verdict = "WIN"
	}
	fmt.Fprintf(c.out, "%s CLOSE %s $%s @ %s→%s net %s [%s] %s\n",
		c.stamp(), t.Side, t.SizeUSD.StringFixed(2),
		t.EntryPrice.String(), t.ExitPrice.String(),
		signedUSD(t.NetPnL), verdict, shortMarket(t.Market))
}

// RiskAlert imprime denegaciones y kill switch. El marcador distingue
// severidades igual que en la línea de estado: !! crítico, >> resto.
func (c *Console) RiskAlert(_ context.Context, ev domain.RiskEvent) {
	mark := ">>"
	if ev.Severity == domain.RiskCritical {
		mark = "!!"
	}
	fmt.Fprintf(c.out, "%s %s RISK [%s] %s: %s\n", c.stamp(), mark, ev.Severity, ev.Kind, ev.Reason)
	if ev.Details != "" {
		fmt.Fprintf(c.out, "%s    %s\n", c.stamp(), ev.Details)
	}
}

// Status imprime la línea de estado periódica en una sola línea.
func (c *Console) Status(_ context.Context, r domain.MetricsReport) {
	b := r.Bankroll

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s cap $%s (avail $%s + alloc $%s)",
		c.stamp(), b.TotalCapital.StringFixed(2), b.Available.StringFixed(2), b.Allocated.StringFixed(2))
	fmt.Fprintf(&sb, " | open %d | closed %d W/L %d/%d", r.OpenTrades, r.ClosedTrades, r.WinCount, r.LossCount)
	if r.ClosedTrades > 0 {
		fmt.Fprintf(&sb, " (%.1f%%)", r.WinRate*100)
	}
	fmt.Fprintf(&sb, " | net %s | dd %.1f%% | whales %d/%d",
		signedUSD(r.RealizedPnL.Add(r.UnrealizedPnL)), r.MaxDrawdown*100, r.RankedWhales, r.TrackedWhales)
	if r.Unpriced > 0 {
		fmt.Fprintf(&sb, " | %d sin precio", r.Unpriced)
	}

	fmt.Fprintln(c.out, sb.String())
}

// Final imprime el reporte de cierre: desglose diario, agregados y el
// veredicto de la promotion gate.
func (c *Console) Final(_ context.Context, r domain.FinalReport) {
	m := r.Metrics

	fmt.Fprintf(c.out, "\n========================================================\n")
	fmt.Fprintf(c.out, "  %s TRADING REPORT\n", strings.ToUpper(string(r.Mode)))
	fmt.Fprintf(c.out, "  %s → %s (%.1fh)\n",
		r.StartedAt.Format("2006-01-02 15:04"),
		r.EndedAt.Format("2006-01-02 15:04"),
		r.Runtime().Hours())
	fmt.Fprintf(c.out, "========================================================\n\n")

	if len(r.Daily) > 0 {
		tbl := tablewriter.NewWriter(c.out)
		tbl.Header("Date", "Trades", "W", "L", "Win%", "Net")
		for _, d := range r.Daily {
			tbl.Append(
				d.Date.Format("01-02"),
				fmt.Sprintf("%d", d.Trades),
				fmt.Sprintf("%d", d.Wins),
				fmt.Sprintf("%d", d.Losses),
				fmt.Sprintf("%.0f%%", d.WinRate*100),
				signedUSD(d.NetPnL),
			)
		}
		tbl.Render()
	}

	fmt.Fprintf(c.out, "\n  --- AGGREGATE ---\n")
	fmt.Fprintf(c.out, "  Seed capital:      $%s\n", r.Seed.StringFixed(2))
	fmt.Fprintf(c.out, "  Final capital:     $%s\n", m.Bankroll.TotalCapital.StringFixed(2))
	fmt.Fprintf(c.out, "  Trades closed:     %d (%d W / %d L)\n", m.ClosedTrades, m.WinCount, m.LossCount)
	fmt.Fprintf(c.out, "  Still open:        %d\n", m.OpenTrades)
	if m.ClosedTrades > 0 {
		fmt.Fprintf(c.out, "  Win rate:          %.1f%%\n", m.WinRate*100)
		fmt.Fprintf(c.out, "  Expectancy:        %s/trade\n", signedUSD(m.Expectancy))
	}
	fmt.Fprintf(c.out, "  Realized PnL:      %s\n", signedUSD(m.RealizedPnL))
	fmt.Fprintf(c.out, "  Unrealized PnL:    %s\n", signedUSD(m.UnrealizedPnL))
	fmt.Fprintf(c.out, "  ROI:               %.2f%%\n", m.ROI*100)
	fmt.Fprintf(c.out, "  Max drawdown:      %.1f%%\n", m.MaxDrawdown*100)

	c.printGate(r.Gate)
}

// printGate imprime los números que mira la gate y la recomendación.
func (c *Console) printGate(g domain.GateResult) {
	fmt.Fprintf(c.out, "\n  --- PROMOTION GATE ---\n")
	fmt.Fprintf(c.out, "  Runtime:           %.1fh\n", g.RuntimeHours)
	fmt.Fprintf(c.out, "  Capital factor:    %.3fx\n", g.CapitalFactor)
	fmt.Fprintf(c.out, "  Max drawdown:      %.1f%%\n", g.MaxDrawdown*100)
	fmt.Fprintf(c.out, "  Critical events:   %d\n", g.CriticalEvents)

	if !g.Passed {
		fmt.Fprintf(c.out, "\n  Bloqueos:\n")
		for _, b := range g.Blockers {
			fmt.Fprintf(c.out, "    - %s\n", b)
		}
	}
	fmt.Fprintf(c.out, "\n  VEREDICTO: %s\n\n", g.Recommendation)
}

// --- helpers ---

// shortAddr compacta una dirección 0x… para que quepa en una línea.
func shortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

// shortMarket compacta un condition id.
func shortMarket(id string) string {
	if len(id) <= 14 {
		return id
	}
	return id[:12] + "..."
}

// signedUSD formatea un importe con signo explícito: +$1.20 / -$0.35.
func signedUSD(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Abs().StringFixed(2)
	}
	return "+$" + d.StringFixed(2)
}
