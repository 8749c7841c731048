// Package di wires every synthetic OTC market core component into one
// Container, the way the teacher's own dependency-injection layer wires
// its portfolio/trading services: a single struct built by one
// constructor, with explicit Start/Shutdown lifecycle methods instead of
// an init-time side effect.
package di

import (
	"context"
	"fmt"

	"github.com/otcplatform/sentinel-otc/internal/admin"
	"github.com/otcplatform/sentinel-otc/internal/archive"
	"github.com/otcplatform/sentinel-otc/internal/bus"
	"github.com/otcplatform/sentinel-otc/internal/clock"
	"github.com/otcplatform/sentinel-otc/internal/config"
	"github.com/otcplatform/sentinel-otc/internal/database"
	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/otcplatform/sentinel-otc/internal/events"
	"github.com/otcplatform/sentinel-otc/internal/exposure"
	"github.com/otcplatform/sentinel-otc/internal/feed"
	"github.com/otcplatform/sentinel-otc/internal/generator"
	"github.com/otcplatform/sentinel-otc/internal/maintenance"
	"github.com/otcplatform/sentinel-otc/internal/persistence"
	"github.com/otcplatform/sentinel-otc/internal/risk"
	"github.com/otcplatform/sentinel-otc/internal/settlement"
	"github.com/rs/zerolog"
)

// Container holds one instance of every wired component. Fields are
// exported so internal/server can reach into it the way the teacher's
// handler structs reach into its Container for repository access.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	DB         *database.DB
	Gateway    *persistence.Gateway
	Clock      *clock.Scheduler
	Generator  *generator.Engine
	Feed       *feed.Adapter
	Exposure   *exposure.Book
	Risk       *risk.Policy
	Admin      *admin.Panel
	Bus        *bus.Hub
	Settlement *settlement.Dispatcher
	Events     *events.Manager
	Archive    *archive.Client // nil if no archive bucket is configured
	Scheduler  *maintenance.Scheduler

	market *marketLoop
	cancel context.CancelFunc
}

// LatestTick returns the most recently published tick for symbol, if the
// market loop has produced one yet. Used by the trade-placement handler to
// price a position at open (spec §6 place_trade).
func (c *Container) LatestTick(symbol string) (domain.Tick, bool) {
	tick, _, ok := c.market.ticks.slotFor(symbol).read()
	return tick, ok
}

// New builds every component and wires their dependencies, but starts
// nothing: callers invoke Start to begin the concurrent roles described
// in spec §5.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{
		Path:    cfg.DataDir + "/core.db",
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	if err != nil {
		return nil, fmt.Errorf("open core database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate core database: %w", err)
	}

	gateway := persistence.New(db.Conn(), log)
	admPanel := admin.New(gateway, log)
	evMgr := events.NewManager(log)
	expBook := exposure.New(gateway, log)
	riskPolicy := risk.New(cfg.RiskSeed, log)
	busHub := bus.New(log)
	clockSched := clock.New()
	genEngine := generator.New(cfg.RiskSeed)

	var feedPoller feed.Poller = feed.NoopPoller{}
	if cfg.FeedPollURL != "" {
		feedPoller = feed.NewHTTPPoller(cfg.FeedPollURL, log)
	}
	feedAdapter := feed.New(cfg.FeedWSURL, feedPoller, log, nil)

	cfgSource := &configSource{gateway: gateway, panel: admPanel}
	ticks := newTickStore()
	dispatcher := settlement.New(ticks, expBook, cfgSource, riskPolicy, gateway, busHub, log)

	var archiveClient *archive.Client
	if cfg.ArchiveBucket != "" {
		archiveClient, err = archive.NewClient(ctx, archive.Config{
			Bucket:          cfg.ArchiveBucket,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
		}, log)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init archive client: %w", err)
		}
	}

	return &Container{
		Config:     cfg,
		Log:        log,
		DB:         db,
		Gateway:    gateway,
		Clock:      clockSched,
		Generator:  genEngine,
		Feed:       feedAdapter,
		Exposure:   expBook,
		Risk:       riskPolicy,
		Admin:      admPanel,
		Bus:        busHub,
		Settlement: dispatcher,
		Events:     evMgr,
		Archive:    archiveClient,
		market: &marketLoop{
			gateway: gateway,
			clock:   clockSched,
			gen:     genEngine,
			feed:    feedAdapter,
			admin:   admPanel,
			bus:     busHub,
			events:  evMgr,
			ticks:   ticks,
			log:     log.With().Str("component", "market_loop").Logger(),
		},
	}, nil
}
