// Package generator implements the per-symbol synthetic price engine
// (spec §4.B): a GARCH(1,1)-flavoured stochastic process with mean
// reversion toward the real price, admin-overridable bias/volatility/price,
// and a quadratic anchoring blend back to the real feed.
//
// The per-tick shock/mean-reversion shape is grounded on the offline
// day-generator in the example pack's historical-synthetic candle
// generator, adapted from "one path per trading day" to "one step per
// live tick".
package generator

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
)

const (
	garchOmegaFactor = 0.05
	garchAlpha       = 0.1
	garchBeta        = 0.85

	momentumDecay    = 0.95
	momentumGain     = 0.3
	momentumWeight   = 0.1

	minDt = 0.01
	maxDt = 1.0

	anchoringCap = 0.95
)

// Overlay is the subset of domain.ControlOverlay the generator consults.
// Passed in per-tick rather than owned, since admin mutations live in the
// internal/admin package (spec §5: ControlOverlay guarded by its own lock).
type Overlay = domain.ControlOverlay

// Engine owns one PriceState per synthetic symbol, published via
// copy-on-write atomic pointer swap (spec §5: "owned by that symbol's tick
// worker; external reads are via a lock-free snapshot — copy-on-write or
// atomic pointer swap"). Only the owning symbol's Step call mutates a given
// entry; Snapshot is safe to call from any goroutine without blocking the
// tick worker.
type Engine struct {
	mu     sync.RWMutex // guards only map insertion of new symbols
	states map[string]*atomic.Pointer[domain.PriceState]
	rng    *rand.Rand
	rngMu  sync.Mutex
}

// New creates an Engine with its own random source.
func New(seed int64) *Engine {
	return &Engine{
		states: make(map[string]*atomic.Pointer[domain.PriceState]),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (e *Engine) slot(symbol string) *atomic.Pointer[domain.PriceState] {
	e.mu.RLock()
	slot, ok := e.states[symbol]
	e.mu.RUnlock()
	if ok {
		return slot
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if slot, ok = e.states[symbol]; ok {
		return slot
	}
	slot = &atomic.Pointer[domain.PriceState]{}
	e.states[symbol] = slot
	return slot
}

// Snapshot returns a value copy of symbol's current PriceState, or false if
// no tick has been produced for it yet. Lock-free: a single atomic load.
func (e *Engine) Snapshot(symbol string) (domain.PriceState, bool) {
	e.mu.RLock()
	slot, ok := e.states[symbol]
	e.mu.RUnlock()
	if !ok {
		return domain.PriceState{}, false
	}
	st := slot.Load()
	if st == nil {
		return domain.PriceState{}, false
	}
	return *st, true
}

// SeedReal records the first known real price for a symbol, creating its
// PriceState lazily (spec §3: "Created lazily on first tick").
func (e *Engine) SeedReal(symbol string, real float64, now time.Time) {
	slot := e.slot(symbol)
	cur := slot.Load()
	if cur == nil {
		next := domain.PriceState{
			LastSynthetic: real,
			LastReal:      real,
			LastTickTime:  now,
			Mode:          domain.ModeSynthetic,
		}
		slot.Store(&next)
		return
	}
	next := *cur
	if next.LastReal == 0 {
		next.LastSynthetic = real
	}
	next.LastReal = real
	slot.Store(&next)
}

// boxMuller draws one standard-normal sample using the explicit Box–Muller
// transform (spec §4.B step 2 names the method specifically, so this does
// not delegate to math/rand's ziggurat-based NormFloat64).
func (e *Engine) boxMuller() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	u1 := e.rng.Float64()
	for u1 <= 1e-12 {
		u1 = e.rng.Float64()
	}
	u2 := e.rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

func (e *Engine) uniform() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

// Step advances symbol's PriceState by one tick and returns the emitted
// Tick. cfg is the symbol's configuration, mode is this cycle's scheduler
// decision (spec §4.A), overlay is the current admin overlay (zero value if
// none), lastReal is the freshest real price for cfg.Base, anchoringStart is
// the time anchoring began (only consulted when mode==ANCHORING), and now is
// the tick's wall-clock time.
//
// Step implements spec §4.B steps 1-11 in order.
func (e *Engine) Step(
	cfg domain.SymbolConfig,
	mode domain.Mode,
	overlay Overlay,
	lastReal float64,
	anchoringStart time.Time,
	now time.Time,
) domain.Tick {
	slot := e.slot(cfg.Symbol)
	prev := slot.Load()
	var st domain.PriceState
	if prev != nil {
		st = *prev
	} else {
		st = domain.PriceState{LastSynthetic: lastReal, LastReal: lastReal, LastTickTime: now}
	}

	// Single-writer discipline: only cfg.Symbol's own tick worker calls
	// Step, so this local copy needs no further locking; the atomic store
	// at the end publishes it for lock-free readers.
	if lastReal > 0 {
		st.LastReal = lastReal
	}
	st.Mode = mode

	dt := now.Sub(st.LastTickTime).Seconds()
	if dt < minDt {
		dt = minDt
	}
	if dt > maxDt {
		dt = maxDt
	}

	volMultiplier := cfg.VolMultiplier
	if overlay.VolActive(now) {
		volMultiplier = overlay.VolMultiplierOverride
	}
	sigma0 := cfg.BaselineVol * volMultiplier

	// 1. GARCH(1,1)-style variance clustering.
	omega := garchOmegaFactor * sigma0 * sigma0
	st.Variance = omega + garchAlpha*st.LastShockSq + garchBeta*st.Variance

	// 2. Random shock.
	z := e.boxMuller()
	shock := z * math.Sqrt(st.Variance) * math.Sqrt(dt)

	// 3. Mean reversion, clipped to +/- max_deviation_fraction.
	var reversion float64
	if st.LastSynthetic != 0 {
		dev := (st.LastReal - st.LastSynthetic) / st.LastSynthetic
		if dev > cfg.MaxDeviationFraction {
			dev = cfg.MaxDeviationFraction
		} else if dev < -cfg.MaxDeviationFraction {
			dev = -cfg.MaxDeviationFraction
		}
		reversion = dev * cfg.MeanReversionStrength * dt
	}

	// 4. Directional bias.
	var bias float64
	if overlay.DirectionActive(now) {
		bias = overlay.DirectionBias * overlay.DirectionStrength * sigma0 * math.Sqrt(dt)
	}

	// 5. Momentum.
	st.Momentum = momentumDecay*st.Momentum + momentumGain*shock
	momentumContribution := momentumWeight * st.Momentum

	// 6. Candidate price.
	candidate := st.LastSynthetic * (1 + shock + reversion + bias + momentumContribution)

	// 7. Clamp to real +/- max_deviation_fraction.
	if st.LastReal > 0 {
		lo := st.LastReal * (1 - cfg.MaxDeviationFraction)
		hi := st.LastReal * (1 + cfg.MaxDeviationFraction)
		if candidate < lo {
			candidate = lo
		} else if candidate > hi {
			candidate = hi
		}
	}

	emitted := candidate

	// 8. Price override: emit the override, but keep updating internal
	// state toward the candidate so the next non-override tick is
	// continuous.
	if overlay.PriceActive(now) {
		emitted = overlay.PriceOverride
	} else {
		switch mode {
		case domain.ModeAnchoring:
			// 9. Quadratic anchoring blend.
			elapsed := now.Sub(anchoringStart).Seconds()
			duration := cfg.AnchoringDuration.Seconds()
			pi := 0.0
			if duration > 0 {
				pi = elapsed / duration
			}
			if pi > 1 {
				pi = 1
			}
			wSyn := anchoringCap * (1 - pi) * (1 - pi)
			emitted = wSyn*candidate + (1-wSyn)*st.LastReal
		case domain.ModeRealMirror:
			// 10. Real mirror with signed pip offset.
			offset := (e.uniform()*2 - 1) * cfg.PriceOffsetPips * cfg.PipSize
			emitted = st.LastReal + offset
		}
	}

	// 11. Commit: publish the new state for lock-free readers. The emitted
	// value is committed as the new last_synthetic so ANCHORING/REAL_MIRROR
	// blending carries forward into the next tick, except under a price
	// override, where internal state keeps tracking the candidate so the
	// next non-override tick is continuous (step 8).
	if overlay.PriceActive(now) {
		st.LastSynthetic = candidate
	} else {
		st.LastSynthetic = emitted
	}
	st.LastShockSq = shock * shock
	st.LastTickTime = now
	slot.Store(&st)

	spread := 2 * cfg.PipSize
	return domain.Tick{
		Symbol:    cfg.Symbol,
		Price:     emitted,
		Bid:       emitted - spread/2,
		Ask:       emitted + spread/2,
		Timestamp: now,
		Mode:      mode,
	}
}
