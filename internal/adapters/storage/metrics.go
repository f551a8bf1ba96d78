package storage

import (
	"context"
	"sort"
	"time"

	"github.com/adrianvm/whalebot/internal/domain"
)

// EquityHistory returns the total-capital series since from, oldest
// first. Feeds the max-drawdown calculation and the report command.
func (s *SQLiteStorage) EquityHistory(ctx context.Context, from time.Time) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recorded_at, total_capital FROM bankroll_snapshots
		WHERE recorded_at >= ?
		ORDER BY id ASC`, fmtTime(from))
	if err != nil {
		return nil, &domain.PersistenceError{Op: "storage.EquityHistory", Err: err}
	}
	defer rows.Close()

	var points []domain.EquityPoint
	for rows.Next() {
		var at, total string
		if err := rows.Scan(&at, &total); err != nil {
			return nil, &domain.PersistenceError{Op: "storage.EquityHistory", Err: err}
		}
		points = append(points, domain.EquityPoint{At: parseTime(at), TotalCapital: parseDec(total)})
	}
	return points, rows.Err()
}

// DailyStats aggregates closed trades per UTC day, oldest day first.
// The bucketing happens in Go so PnL sums stay decimal-exact.
func (s *SQLiteStorage) DailyStats(ctx context.Context) ([]domain.DailyStat, error) {
	trades, err := s.ClosedCopyTrades(ctx)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]*domain.DailyStat)
	for _, t := range trades {
		if t.SettledAt == nil {
			continue
		}
		day := t.SettledAt.UTC().Truncate(24 * time.Hour)
		key := day.Format("2006-01-02")

		stat, ok := byDay[key]
		if !ok {
			stat = &domain.DailyStat{Date: day}
			byDay[key] = stat
		}
		stat.Trades++
		if t.IsWin() {
			stat.Wins++
		} else {
			stat.Losses++
		}
		stat.NetPnL = stat.NetPnL.Add(t.NetPnL)
	}

	stats := make([]domain.DailyStat, 0, len(byDay))
	for _, stat := range byDay {
		if stat.Trades > 0 {
			stat.WinRate = float64(stat.Wins) / float64(stat.Trades)
		}
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Date.Before(stats[j].Date) })
	return stats, nil
}
