package botconnector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parachute-run/parachute/internal/channels"
	"github.com/parachute-run/parachute/internal/channels/discord"
	"github.com/parachute-run/parachute/internal/channels/matrix"
	"github.com/parachute-run/parachute/internal/channels/telegram"
	"github.com/parachute-run/parachute/internal/channels/utils"
	"github.com/parachute-run/parachute/internal/config"
	"github.com/parachute-run/parachute/internal/markdown"
	"github.com/parachute-run/parachute/internal/orchestrator"
	"github.com/parachute-run/parachute/internal/pairing"
	"github.com/parachute-run/parachute/internal/ratelimit"
	"github.com/parachute-run/parachute/internal/sessions"
	"github.com/parachute-run/parachute/pkg/models"
)

// managedConnector pairs a running Connector with the registry entry
// for its underlying adapter, so the Supervisor can report health
// without the Connector needing to know about the registry.
type managedConnector struct {
	platform  models.ChannelType
	connector *Connector
}

// Supervisor constructs one Connector per enabled channel and keeps it
// running for the life of the process, restarting it with full-jitter
// backoff on failure (spec §4.5). This is a coarser retry loop than
// each adapter's own internal channels.Reconnector: the adapter retries
// its own transport; the Supervisor restarts the whole connector after
// the adapter gives up.
type Supervisor struct {
	registry *channels.Registry
	logger   *slog.Logger

	connectors []*managedConnector

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSupervisor builds a Connector for every enabled channel in cfg,
// wiring each to its own channels adapter plus the shared orchestrator,
// session store, and pairing cache.
func NewSupervisor(cfg *config.Config, orch *orchestrator.Orchestrator, store sessions.Store, pairingStore *pairing.Store, logger *slog.Logger) (*Supervisor, error) {
	logger = utils.EnsureLoggerWithComponent(logger, "botconnector-supervisor")

	s := &Supervisor{
		registry: channels.NewRegistry(),
		logger:   logger,
	}

	if cfg.Channels.Telegram.Enabled {
		tc := cfg.Channels.Telegram
		a, err := telegram.NewAdapter(telegram.Config{
			Token:                tc.BotToken,
			Mode:                 telegram.ModeLongPolling,
			Logger:               logger,
			MaxReconnectAttempts: 0,
			ReconnectDelay:       2 * time.Second,
			RateLimit:            20,
			RateBurst:            40,
		})
		if err != nil {
			return nil, err
		}
		s.registry.Register(a)
		s.addConnector(models.ChannelTelegram, models.SourceTelegram, a, cfg, orch, store, pairingStore, tc.DM, tc.Group, tc.Markdown, logger)
	}

	if cfg.Channels.Discord.Enabled {
		dc := cfg.Channels.Discord
		a, err := discord.NewAdapter(discord.Config{
			Token:     dc.BotToken,
			Logger:    logger,
			RateLimit: 20,
			RateBurst: 40,
		})
		if err != nil {
			return nil, err
		}
		s.registry.Register(a)
		s.addConnector(models.ChannelDiscord, models.SourceDiscord, a, cfg, orch, store, pairingStore, dc.DM, dc.Group, dc.Markdown, logger)
	}

	if cfg.Channels.Matrix.Enabled {
		mc := cfg.Channels.Matrix
		a, err := matrix.NewAdapter(matrix.Config{
			Homeserver:   mc.Homeserver,
			UserID:       mc.UserID,
			AccessToken:  mc.AccessToken,
			DeviceID:     mc.DeviceID,
			AllowedRooms: mc.AllowedRooms,
			AllowedUsers: mc.AllowedUsers,
			Logger:       logger,
			RateLimit:    20,
			RateBurst:    40,
		})
		if err != nil {
			return nil, err
		}
		s.registry.Register(a)
		s.addConnector(models.ChannelMatrix, models.SourceMatrix, a, cfg, orch, store, pairingStore, mc.DM, mc.Group, config.ChannelMarkdownConfig{}, logger)
	}

	return s, nil
}

func (s *Supervisor) addConnector(platform models.ChannelType, source models.SessionSource, a adapter, cfg *config.Config, orch *orchestrator.Orchestrator, store sessions.Store, pairingStore *pairing.Store, dm, group config.ChannelPolicyConfig, md config.ChannelMarkdownConfig, logger *slog.Logger) {
	conn := New(Config{
		Platform:       platform,
		Source:         source,
		Adapter:        a,
		Orchestrator:   orch,
		Store:          store,
		Pairing:        pairingStore,
		Limiter:        ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		DM:             dm,
		Group:          group,
		DMScope:        cfg.Session.DMScope,
		MarkdownTables: markdown.ParseTableMode(md.Tables, markdown.TableModeOff),
		Logger:         logger,
	})
	s.connectors = append(s.connectors, &managedConnector{platform: platform, connector: conn})
}

// Len reports how many channels this Supervisor manages.
func (s *Supervisor) Len() int {
	return len(s.connectors)
}

// Run starts every configured connector and blocks until ctx is
// cancelled, restarting any connector that exits with an error using
// full-jitter backoff, up to MaxConsecutiveFailures before giving up on
// that channel for the rest of the process lifetime.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, mc := range s.connectors {
		s.wg.Add(1)
		go func(mc *managedConnector) {
			defer s.wg.Done()
			s.runWithBackoff(runCtx, mc)
		}(mc)
	}

	<-runCtx.Done()
	s.wg.Wait()
	return nil
}

// Stop signals every connector to shut down and waits for them to
// finish.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) runWithBackoff(ctx context.Context, mc *managedConnector) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	for {
		err := mc.connector.Run(ctx)
		if err == nil || errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		n := mc.connector.state.recordFailure()
		s.logger.Error("connector exited, backing off", "platform", mc.platform, "attempt", n, "error", err)

		if n >= MaxConsecutiveFailures {
			mc.connector.state.transition(StateFailed)
			s.logger.Error("connector exceeded max consecutive failures, giving up", "platform", mc.platform)
			return
		}

		mc.connector.state.transition(StateReconnecting)
		if !sleepInterruptible(ctx, stop, fullJitterBackoff(n)) {
			return
		}
	}
}

// Registry exposes the underlying channel registry, primarily so the
// HTTP server can surface per-channel health.
func (s *Supervisor) Registry() *channels.Registry {
	return s.registry
}
