// Package efimeral is the top-level entry point for the efimeral box
// controller.
//
// Use the Builder to compose an application from configuration:
//
//	cfg, _ := config.Load()
//	app, err := efimeral.NewBuilder().WithConfig(cfg).Build()
//	app.Start(ctx)
//
// Or replace individual components:
//
//	app, err := efimeral.NewBuilder().
//	    WithConfig(cfg).
//	    WithStore(myStore).
//	    WithSubstrate(mySubstrate).
//	    Build()
package efimeral

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jxucoder/efimeral/internal/clock"
	"github.com/jxucoder/efimeral/internal/config"
	"github.com/jxucoder/efimeral/internal/controller"
	"github.com/jxucoder/efimeral/internal/httpapi"
	"github.com/jxucoder/efimeral/internal/metrics"
	"github.com/jxucoder/efimeral/pkg/channel"
	slackChannel "github.com/jxucoder/efimeral/pkg/channel/slack"
	telegramChannel "github.com/jxucoder/efimeral/pkg/channel/telegram"
	"github.com/jxucoder/efimeral/pkg/eventbus"
	"github.com/jxucoder/efimeral/pkg/fleet"
	dockerFleet "github.com/jxucoder/efimeral/pkg/fleet/docker"
	"github.com/jxucoder/efimeral/pkg/routing"
	"github.com/jxucoder/efimeral/pkg/routing/proxy"
	"github.com/jxucoder/efimeral/pkg/store"
	sqliteStore "github.com/jxucoder/efimeral/pkg/store/sqlite"
)

// Builder constructs an efimeral App.
type Builder struct {
	config    *config.Config
	store     store.LeaseStore
	bus       eventbus.Bus
	substrate fleet.Substrate
	routing   routing.Layer
	boxes     http.Handler
	clock     clock.Clock
	logger    *zerolog.Logger
	channels  []channel.Channel
	noChats   bool
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration. Without it, config.Load
// is used.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the lease store implementation.
func (b *Builder) WithStore(s store.LeaseStore) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithSubstrate sets the fleet substrate implementation.
func (b *Builder) WithSubstrate(s fleet.Substrate) *Builder {
	b.substrate = s
	return b
}

// WithRouting sets the routing layer. boxes, if non-nil, is mounted at
// /boxes/* to serve attached targets.
func (b *Builder) WithRouting(rt routing.Layer, boxes http.Handler) *Builder {
	b.routing = rt
	b.boxes = boxes
	return b
}

// WithClock sets the clock used for deadlines.
func (b *Builder) WithClock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// WithLogger sets the logger. Without it the global zerolog logger is used.
func (b *Builder) WithLogger(l zerolog.Logger) *Builder {
	b.logger = &l
	return b
}

// WithChannel adds a channel (Slack, Telegram, etc.) to the application.
func (b *Builder) WithChannel(ch channel.Channel) *Builder {
	b.channels = append(b.channels, ch)
	return b
}

// WithoutConfiguredChannels skips the Slack and Telegram bots that the
// configuration would otherwise enable.
func (b *Builder) WithoutConfiguredChannels() *Builder {
	b.noChats = true
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	cfg := b.config

	m := metrics.New()
	opts := []controller.Option{
		controller.WithMetrics(m),
		controller.WithLogger(*b.logger),
	}
	if b.clock != nil {
		opts = append(opts, controller.WithClock(b.clock))
	}

	ctlCfg := controller.DefaultConfig()
	ctlCfg.Template = cfg.Template
	ctlCfg.MaxLifetime = cfg.MaxLifetime
	ctlCfg.SweepInterval = cfg.SweepInterval
	ctlCfg.FailureCheckInterval = cfg.FailureCheckInterval
	ctlCfg.Retention = cfg.Retention

	ctl, err := controller.New(ctlCfg, b.substrate, b.routing, b.store, b.bus, opts...)
	if err != nil {
		return nil, err
	}

	apiOpts := []httpapi.Option{httpapi.WithMetrics(m.Handler())}
	if b.boxes != nil {
		apiOpts = append(apiOpts, httpapi.WithBoxes(b.boxes))
	}

	channels := b.channels
	if !b.noChats {
		channels = append(channels, configuredChannels(cfg, ctl)...)
	}

	return &App{
		config:     cfg,
		controller: ctl,
		substrate:  b.substrate,
		store:      b.store,
		api:        httpapi.New(ctl, apiOpts...),
		channels:   channels,
		log:        *b.logger,
	}, nil
}

// configuredChannels builds the chat bots enabled in cfg.
func configuredChannels(cfg *config.Config, ctl *controller.Controller) []channel.Channel {
	var out []channel.Channel
	if cfg.SlackEnabled() {
		out = append(out, slackChannel.NewBot(cfg.SlackBotToken, cfg.SlackAppToken, ctl, ctl.Bus()))
		log.Info().Msg("Slack bot enabled (Socket Mode)")
	}
	if cfg.TelegramEnabled() {
		bot, err := telegramChannel.NewBot(cfg.TelegramBotToken, ctl, ctl.Bus())
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize Telegram bot")
		} else {
			out = append(out, bot)
			log.Info().Msg("Telegram bot enabled (long polling)")
		}
	}
	return out
}

// App is a running efimeral application.
type App struct {
	config     *config.Config
	controller *controller.Controller
	substrate  fleet.Substrate
	store      store.LeaseStore
	api        *httpapi.Server
	channels   []channel.Channel
	log        zerolog.Logger
}

// Controller returns the underlying controller for direct access.
func (a *App) Controller() *controller.Controller { return a.controller }

// Handler returns the HTTP handler serving the API and the box proxy.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Start recovers persisted leases, starts the controller loops, the HTTP
// server and all channels. Blocks until ctx is done.
func (a *App) Start(ctx context.Context) error {
	if d, ok := a.substrate.(*dockerFleet.Substrate); ok {
		if err := d.EnsureNetwork(ctx); err != nil {
			a.log.Warn().Err(err).Msg("could not create Docker network")
		}
	}

	if err := a.controller.Start(ctx); err != nil {
		return err
	}
	defer a.store.Close()
	defer a.controller.Shutdown()

	for _, ch := range a.channels {
		go func() {
			if err := ch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error().Err(err).Str("channel", ch.Name()).Msg("channel stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.config.ServerAddr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.log.Info().Str("addr", a.config.ServerAddr).Str("public_url", a.config.PublicURL).Msg("efimeral server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// applyDefaults fills in missing fields on the builder with defaults.
func applyDefaults(b *Builder) error {
	if b.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		b.config = cfg
	}
	if err := b.config.Validate(); err != nil {
		return err
	}

	if b.logger == nil {
		l := log.Logger
		b.logger = &l
	}

	if b.config.DataDir != "" {
		if err := os.MkdirAll(b.config.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	// Store.
	if b.store == nil {
		st, err := sqliteStore.New(b.config.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	// Event bus.
	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	// Fleet substrate.
	if b.substrate == nil {
		b.substrate = dockerFleet.New(b.config.DockerNetwork)
	}

	// Routing layer.
	if b.routing == nil {
		p := proxy.New(b.config.PublicURL)
		b.routing = p
		b.boxes = p.Handler()
	}

	return nil
}
