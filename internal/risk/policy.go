// Package risk implements the settlement exit-price policy (spec §4.E): a
// first-match-wins decision cascade that can force an outcome, honour a
// price override, pass a demo/risk-disabled exit through untouched, or
// apply a small probabilistic adjustment against the majority-direction
// side when exposure is imbalanced.
//
// The cascade's reject/fall-through shape is grounded on the example
// pack's centralized trade-approval gate: one function, ordered checks,
// each branch returning as soon as it matches.
package risk

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/rs/zerolog"
)

const spreadPips = 2.0

// Decision is the outcome of applying the cascade to one settlement.
type Decision struct {
	ExitPrice   float64
	Intervened  bool
	ForcedWin   bool
	ForcedLoss  bool
}

// Policy evaluates the spec §4.E cascade. It owns its own random source so
// intervention draws are reproducible under a fixed seed in tests.
type Policy struct {
	rng   *rand.Rand
	rngMu sync.Mutex
	log   zerolog.Logger
}

// New creates a Policy.
func New(seed int64, log zerolog.Logger) *Policy {
	return &Policy{
		rng: rand.New(rand.NewSource(seed)),
		log: log.With().Str("component", "risk_policy").Logger(),
	}
}

func (p *Policy) uniform() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64()
}

// Decide applies the §4.E cascade to one position's settlement. m is the
// unadjusted exit tick price; overlay is the symbol's current
// ControlOverlay; exp is the symbol's Exposure snapshot; cfg is the
// symbol's SymbolConfig; target is the position owner's UserTarget (zero
// value if none is set).
func (p *Policy) Decide(
	now time.Time,
	pos domain.Position,
	m float64,
	overlay domain.ControlOverlay,
	exp domain.Exposure,
	cfg domain.SymbolConfig,
	target domain.UserTarget,
) (Decision, domain.UserTarget) {
	// 1. Forced outcome, demo or real, consumes one shot.
	if target.ForceNextWins > 0 {
		target.ForceNextWins--
		return Decision{ExitPrice: forceWin(pos), ForcedWin: true}, target
	}
	if target.ForceNextLosses > 0 {
		target.ForceNextLosses--
		return Decision{ExitPrice: forceLoss(pos), ForcedLoss: true}, target
	}

	// 2. Price override in effect: substitute m, then still evaluate step 4.
	if overlay.PriceActive(now) {
		m = overlay.PriceOverride
	}

	// 3. DEMO account or risk disabled: pass through.
	if pos.AccountKind == domain.AccountDemo || !cfg.RiskEnabled {
		return Decision{ExitPrice: m}, target
	}

	// 4. Exposure below threshold, or p is on the minority-direction side
	// (not the side the broker wants to lose): pass through.
	if exp.Ratio() < cfg.ExposureThreshold || !onMajoritySide(pos.Direction, exp) {
		return Decision{ExitPrice: m}, target
	}

	// 5. Intervention probability.
	pi := cfg.InterventionRateRange.Lo + (exp.Ratio()-cfg.ExposureThreshold)*0.5
	if pi < cfg.InterventionRateRange.Lo {
		pi = cfg.InterventionRateRange.Lo
	}
	if pi > cfg.InterventionRateRange.Hi {
		pi = cfg.InterventionRateRange.Hi
	}
	if p.uniform() > pi {
		return Decision{ExitPrice: m}, target
	}

	// 6. Subtle adjustment against pos, blended with the real exit.
	delta := p.uniform() * 1.5 * spreadPips * cfg.PipSize
	var mPrime float64
	switch pos.Direction {
	case domain.DirectionUp:
		mPrime = pos.EntryPrice - delta
	case domain.DirectionDown:
		mPrime = pos.EntryPrice + delta
	}
	exit := 0.65*m + 0.35*mPrime

	p.log.Debug().
		Str("symbol", pos.Symbol).
		Str("position", pos.ID).
		Float64("ratio", exp.Ratio()).
		Float64("probability", pi).
		Msg("intervention applied")

	return Decision{ExitPrice: exit, Intervened: true}, target
}

// onMajoritySide reports whether dir matches the direction carrying more
// open stake (the side the broker's preferred outcome targets). Ties, or
// no exposure at all, have no majority side.
func onMajoritySide(dir domain.Direction, exp domain.Exposure) bool {
	if exp.UpStake == exp.DownStake {
		return false
	}
	if exp.UpStake > exp.DownStake {
		return dir == domain.DirectionUp
	}
	return dir == domain.DirectionDown
}

// forceWin returns an exit price that wins pos by exactly one pip-scale
// margin above entry (UP) or below entry (DOWN). Uses a fixed 1e-5
// increment scaled by the usual precision since SymbolConfig is not
// threaded through UserTarget forcing.
func forceWin(pos domain.Position) float64 {
	margin := math.Max(pos.EntryPrice*1e-5, 1e-8)
	switch pos.Direction {
	case domain.DirectionUp:
		return pos.EntryPrice + margin
	default:
		return pos.EntryPrice - margin
	}
}

// forceLoss returns an exit price that loses pos by exactly one pip-scale margin.
func forceLoss(pos domain.Position) float64 {
	margin := math.Max(pos.EntryPrice*1e-5, 1e-8)
	switch pos.Direction {
	case domain.DirectionUp:
		return pos.EntryPrice - margin
	default:
		return pos.EntryPrice + margin
	}
}
