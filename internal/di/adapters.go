package di

import (
	"context"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/otcplatform/sentinel-otc/internal/persistence"
)

// configSource composes the persistence gateway's SymbolConfig lookup with
// the admin panel's overlay/target state into one settlement.ConfigSource.
// Neither component alone satisfies that interface: the gateway doesn't
// know about overlays, and the panel doesn't own symbol configuration.
type configSource struct {
	gateway *persistence.Gateway
	panel   interface {
		OverlayFor(symbol string) domain.ControlOverlay
		TargetFor(user string) domain.UserTarget
		SetTargetFor(user string, target domain.UserTarget)
		ConsumeForcedOutcome(positionID string) (string, bool)
	}
}

func (c *configSource) ConfigFor(symbol string) (domain.SymbolConfig, bool) {
	cfg, ok, err := c.gateway.GetSymbolConfig(context.Background(), symbol)
	if err != nil {
		return domain.SymbolConfig{}, false
	}
	return cfg, ok
}

func (c *configSource) OverlayFor(symbol string) domain.ControlOverlay {
	return c.panel.OverlayFor(symbol)
}

func (c *configSource) TargetFor(user string) domain.UserTarget {
	return c.panel.TargetFor(user)
}

func (c *configSource) SetTargetFor(user string, target domain.UserTarget) {
	c.panel.SetTargetFor(user, target)
}

func (c *configSource) ConsumeForcedOutcome(positionID string) (string, bool) {
	return c.panel.ConsumeForcedOutcome(positionID)
}
