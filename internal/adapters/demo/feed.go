// Package demo genera un mercado sintético determinista para correr el
// pipeline completo sin red: mismas interfaces que los adapters reales,
// datos inventados con una semilla fija. Sirve para demos y para
// probar el cableado de punta a punta.
package demo

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

const (
	eventBuffer = 256

	// Historial sembrado por whale: bastante para calificar con los
	// umbrales por defecto y quedar con risk score bajo.
	seedTradesPerWhale = 60
	seedSpan           = 72 * time.Hour
)

// Feed implementa ports.TradeProvider, ports.MarketProvider y
// ports.Stream sobre un generador seedeado. Una sola instancia cubre
// los tres puertos del supervisor.
type Feed struct {
	interval time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	markets []domain.Market
	whales  []string
	prices  map[string]decimal.Decimal // assetID -> random walk
	open    map[string]domain.Side     // whale|market -> lado abierto
	log     []domain.WhaleTrade        // historial completo, el más nuevo al final
	seq     int

	events   chan domain.StreamEvent
	subs     map[string]struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

var (
	_ ports.TradeProvider  = (*Feed)(nil)
	_ ports.MarketProvider = (*Feed)(nil)
	_ ports.Stream         = (*Feed)(nil)
)

// NewFeed crea el generador con whales y mercados sintéticos. La misma
// semilla produce la misma sesión, fill por fill.
func NewFeed(seed int64, whaleCount, marketCount int, interval time.Duration) *Feed {
	if whaleCount <= 0 {
		whaleCount = 4
	}
	if marketCount <= 0 {
		marketCount = 6
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	f := &Feed{
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		prices:   make(map[string]decimal.Decimal),
		open:     make(map[string]domain.Side),
		events:   make(chan domain.StreamEvent, eventBuffer),
		subs:     make(map[string]struct{}),
		stop:     make(chan struct{}),
		now:      time.Now,
	}

	for i := 0; i < marketCount; i++ {
		yes := fmt.Sprintf("demo-yes-%02d", i)
		no := fmt.Sprintf("demo-no-%02d", i)
		f.markets = append(f.markets, domain.Market{
			ConditionID: fmt.Sprintf("0xdemo%02d", i),
			Question:    fmt.Sprintf("Demo market #%d resolves YES?", i),
			Slug:        fmt.Sprintf("demo-market-%d", i),
			EndDate:     f.now().Add(30 * 24 * time.Hour),
			Volume24h:   decimal.NewFromInt(int64(50_000 - i*1000)),
			Liquidity:   decimal.NewFromInt(25_000),
			Tokens: [2]domain.Token{
				{TokenID: yes, Outcome: "Yes", Price: decimal.NewFromFloat(0.5)},
				{TokenID: no, Outcome: "No", Price: decimal.NewFromFloat(0.5)},
			},
			Active: true,
		})
		f.prices[yes] = decimal.NewFromFloat(0.5)
		f.prices[no] = decimal.NewFromFloat(0.5)
	}

	for i := 0; i < whaleCount; i++ {
		f.whales = append(f.whales, fmt.Sprintf("0xdemo_whale_%02d", i))
	}

	f.seedHistory()
	return f
}

// seedHistory siembra trades pasados para que el primer ciclo del
// detector descubra, califique y rankee a las whales de una vez.
func (f *Feed) seedHistory() {
	now := f.now().UTC()
	step := seedSpan / time.Duration(seedTradesPerWhale)
	for _, w := range f.whales {
		for i := seedTradesPerWhale; i > 0; i-- {
			at := now.Add(-time.Duration(i) * step)
			f.appendTrade(w, f.markets[f.rng.Intn(len(f.markets))], domain.SideBuy, at)
		}
	}
}

// appendTrade fabrica un fill de la whale y lo mete al log. Caller
// sostiene el lock (o está en el constructor).
func (f *Feed) appendTrade(whale string, m domain.Market, side domain.Side, at time.Time) domain.WhaleTrade {
	asset := m.Tokens[0].TokenID
	price := f.walkPrice(asset)
	usd := decimal.NewFromInt(int64(300 + f.rng.Intn(1200)))
	size := usd.Div(price).Round(2)
	f.seq++

	t := domain.WhaleTrade{
		ExternalID: fmt.Sprintf("demo-%06d", f.seq),
		Address:    whale,
		Market:     m.ConditionID,
		AssetID:    asset,
		Side:       side,
		Price:      price,
		Size:       size,
		SizeUSD:    size.Mul(price).Round(4),
		TxHash:     fmt.Sprintf("0xdemotx%06d", f.seq),
		TradedAt:   at,
	}
	f.log = append(f.log, t)
	return t
}

// walkPrice avanza el random walk del asset un paso, acotado lejos de
// los extremos para que las copias no se filtren por precio.
func (f *Feed) walkPrice(asset string) decimal.Decimal {
	p, ok := f.prices[asset]
	if !ok {
		p = decimal.NewFromFloat(0.5)
	}
	delta := decimal.NewFromFloat((f.rng.Float64() - 0.5) * 0.04)
	p = p.Add(delta)
	if p.LessThan(decimal.NewFromFloat(0.10)) {
		p = decimal.NewFromFloat(0.10)
	}
	if p.GreaterThan(decimal.NewFromFloat(0.90)) {
		p = decimal.NewFromFloat(0.90)
	}
	p = p.Round(3)
	f.prices[asset] = p
	return p
}

// --- ports.MarketProvider ---

func (f *Feed) ActiveMarkets(_ context.Context, limit int) ([]domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.markets)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Market, n)
	copy(out, f.markets[:n])
	return out, nil
}

// --- ports.TradeProvider ---

func (f *Feed) RecentTrades(_ context.Context, limit int) ([]domain.WhaleTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.log)
	if limit > 0 && limit < n {
		n = limit
	}
	// El feed real viene el más nuevo primero.
	out := make([]domain.WhaleTrade, 0, n)
	for i := len(f.log) - 1; i >= len(f.log)-n; i-- {
		out = append(out, f.log[i])
	}
	return out, nil
}

func (f *Feed) TradesByUser(_ context.Context, address string, limit int) ([]domain.WhaleTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.WhaleTrade, 0, 64)
	for i := len(f.log) - 1; i >= 0; i-- {
		if f.log[i].Address == address {
			out = append(out, f.log[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *Feed) Positions(context.Context, string) ([]domain.WhalePosition, error) {
	return nil, nil
}

// --- ports.Stream ---

func (f *Feed) Start(ctx context.Context) error {
	f.wg.Add(1)
	go f.loop(ctx)
	f.emit(domain.ConnectionStateChange{State: domain.ConnConnected, At: f.now().UTC()})
	return nil
}

func (f *Feed) Events() <-chan domain.StreamEvent { return f.events }

func (f *Feed) Subscribe(_ context.Context, assetIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range assetIDs {
		f.subs[id] = struct{}{}
	}
	return nil
}

func (f *Feed) Unsubscribe(_ context.Context, assetIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range assetIDs {
		delete(f.subs, id)
	}
	return nil
}

func (f *Feed) Close() error {
	f.stopOnce.Do(func() {
		close(f.stop)
		f.wg.Wait()
		close(f.events)
	})
	return nil
}

// loop genera un fill sintético por tick. Las whales abren con sesgo a
// comprar y cierran el lado abierto de vez en cuando, así el engine
// ejercita apertura y cierre.
func (f *Feed) loop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-ticker.C:
			if ev, ok := f.nextFill(); ok {
				f.emit(ev)
			}
		}
	}
}

func (f *Feed) nextFill() (domain.MarketTrade, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	whale := f.whales[f.rng.Intn(len(f.whales))]
	m := f.markets[f.rng.Intn(len(f.markets))]
	key := whale + "|" + m.ConditionID

	side := domain.SideBuy
	if prev, ok := f.open[key]; ok && prev == domain.SideBuy && f.rng.Float64() < 0.35 {
		side = domain.SideSell
		delete(f.open, key)
	} else {
		f.open[key] = domain.SideBuy
	}

	now := f.now().UTC()
	t := f.appendTrade(whale, m, side, now)

	if _, subscribed := f.subs[t.AssetID]; !subscribed {
		return domain.MarketTrade{}, false
	}
	return domain.MarketTrade{
		AssetID:    t.AssetID,
		Market:     t.Market,
		Side:       t.Side,
		Price:      t.Price,
		Size:       t.Size,
		Trader:     whale,
		TxHash:     t.TxHash,
		Timestamp:  now,
		ReceivedAt: now,
	}, true
}

// emit nunca bloquea: la demo prefiere perder un evento a colgarse.
func (f *Feed) emit(ev domain.StreamEvent) {
	select {
	case f.events <- ev:
	default:
	}
}
