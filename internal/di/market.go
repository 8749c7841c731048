package di

import (
	"context"
	"sync"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/admin"
	"github.com/otcplatform/sentinel-otc/internal/bus"
	"github.com/otcplatform/sentinel-otc/internal/clock"
	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/otcplatform/sentinel-otc/internal/events"
	"github.com/otcplatform/sentinel-otc/internal/feed"
	"github.com/otcplatform/sentinel-otc/internal/generator"
	"github.com/otcplatform/sentinel-otc/internal/persistence"
	"github.com/rs/zerolog"
)

const (
	tickCadence       = 100 * time.Millisecond // ~10 Hz, spec §4.B
	historyMinPeriod  = time.Second            // spec §4.B: >= one row/sec/active symbol
	slotDeadline      = 250 * time.Millisecond // spec §5: a slot that misses this is skipped
	feedOutageTimeout = 60 * time.Second        // spec §7: force SYNTHETIC past this
)

// tickSlot holds the most recent tick for one symbol and lets blocked
// readers wake as soon as a fresher one is published.
type tickSlot struct {
	mu   sync.Mutex
	last domain.Tick
	has  bool
	wake chan struct{}
}

func newTickSlot() *tickSlot {
	return &tickSlot{wake: make(chan struct{})}
}

func (s *tickSlot) publish(t domain.Tick) {
	s.mu.Lock()
	s.last = t
	s.has = true
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

func (s *tickSlot) read() (domain.Tick, chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.wake, s.has
}

// tickStore is the settlement.TickSource implementation: one tickSlot per
// symbol, written exclusively by that symbol's market-loop worker.
type tickStore struct {
	mu    sync.RWMutex
	slots map[string]*tickSlot
}

func newTickStore() *tickStore {
	return &tickStore{slots: make(map[string]*tickSlot)}
}

func (t *tickStore) slotFor(symbol string) *tickSlot {
	t.mu.RLock()
	s, ok := t.slots[symbol]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[symbol]; ok {
		return s
	}
	s = newTickSlot()
	t.slots[symbol] = s
	return s
}

// BlockingTick implements settlement.TickSource: it waits up to ctx's
// deadline for a tick published after this call started, falling back to
// whatever is already stored.
func (t *tickStore) BlockingTick(ctx context.Context, symbol string) (domain.Tick, bool, bool) {
	slot := t.slotFor(symbol)
	last, wake, ok := slot.read()
	if ok {
		startedAfter := last
		select {
		case <-wake:
			fresh, _, stillOk := slot.read()
			return fresh, true, stillOk
		case <-ctx.Done():
			return startedAfter, false, true
		}
	}

	select {
	case <-wake:
		fresh, _, stillOk := slot.read()
		return fresh, true, stillOk
	case <-ctx.Done():
		return domain.Tick{}, false, false
	}
}

// marketLoop runs one goroutine per enabled synthetic symbol (spec §5 role
// "per-symbol tick workers"), advancing the generator at tickCadence,
// consulting the scheduler at most once per cycle, publishing to the bus,
// persisting a history sample at most once per second, and tracking
// last_real via the feed adapter.
type marketLoop struct {
	gateway *persistence.Gateway
	clock   *clock.Scheduler
	gen     *generator.Engine
	feed    *feed.Adapter
	admin   *admin.Panel
	bus     *bus.Hub
	events  *events.Manager
	ticks   *tickStore
	log     zerolog.Logger
}

// run loads every enabled SymbolConfig and spawns its tick worker, blocking
// until ctx is cancelled.
func (m *marketLoop) run(ctx context.Context) {
	configs, err := m.gateway.ListSymbolConfigs(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to load symbol configs at startup")
		return
	}

	var wg sync.WaitGroup
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		cfg := cfg
		m.feed.Track(ctx, cfg.Base)
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runSymbol(ctx, cfg.Symbol)
		}()
	}
	wg.Wait()
}

func (m *marketLoop) runSymbol(ctx context.Context, symbol string) {
	ticker := time.NewTicker(tickCadence)
	defer ticker.Stop()

	var lastHistoryWrite time.Time
	var lastMode domain.Mode

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			slotCtx, cancel := context.WithTimeout(ctx, slotDeadline)
			m.processSlot(slotCtx, symbol, now, &lastHistoryWrite, &lastMode)
			cancel()
		}
	}
}

func (m *marketLoop) processSlot(ctx context.Context, symbol string, now time.Time, lastHistoryWrite *time.Time, lastMode *domain.Mode) {
	cfg, ok, err := m.gateway.GetSymbolConfig(ctx, symbol)
	if err != nil || !ok {
		return
	}

	lastReal, age, realOK := m.feed.LastReal(cfg.Base)
	var mode domain.Mode
	if !realOK || age > feedOutageTimeout {
		m.clock.ForceSynthetic(symbol)
		mode = domain.ModeSynthetic
	} else {
		mode = m.clock.ModeFor(cfg, now)
	}
	if *lastMode != "" && mode != *lastMode {
		m.events.Emit("clock", &events.MarketModeChangedData{Symbol: symbol, OldMode: string(*lastMode), NewMode: string(mode)})
	}
	*lastMode = mode

	anchoringStart, _ := m.clock.AnchoringStartedAt(symbol)
	overlay := m.admin.OverlayFor(symbol)

	var realPrice float64
	if realOK {
		realPrice = lastReal
	}

	tick := m.gen.Step(cfg, mode, overlay, realPrice, anchoringStart, now)

	m.ticks.slotFor(symbol).publish(tick)
	m.bus.PublishTick(symbol, tick)
	m.events.Emit("generator", &events.TickPublishedData{Symbol: symbol, Price: tick.Price, Bid: tick.Bid, Ask: tick.Ask, Mode: string(tick.Mode)})

	if now.Sub(*lastHistoryWrite) >= historyMinPeriod {
		row := domain.PriceHistory{Symbol: symbol, Price: tick.Price, Bid: tick.Bid, Ask: tick.Ask, Timestamp: tick.Timestamp, Mode: tick.Mode}
		if err := m.gateway.AppendPriceHistory(ctx, row); err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to persist price history sample")
		} else {
			*lastHistoryWrite = now
		}
	}
}
