// Package daemon composes the chat core into a running process.
package daemon

import (
	"context"
	"os"
	"path/filepath"

	"github.com/shannon-team/chatcore/internal/audio"
	"github.com/shannon-team/chatcore/internal/auth"
	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/config"
	"github.com/shannon-team/chatcore/internal/live"
	"github.com/shannon-team/chatcore/internal/logging"
	"github.com/shannon-team/chatcore/internal/page"
	"github.com/shannon-team/chatcore/internal/ratelimit"
	"github.com/shannon-team/chatcore/internal/receipts"
	"github.com/shannon-team/chatcore/internal/rest"
	"github.com/shannon-team/chatcore/internal/rtc"
	"github.com/shannon-team/chatcore/internal/session"
	"github.com/shannon-team/chatcore/internal/store"
	intsync "github.com/shannon-team/chatcore/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	ConfigPath string
	DataDir    string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideClaims,
			provideLogger,
			provideBus,
			provideLimiter,
			provideStore,
			provideFrameHandler,
			provideLiveClient,
			provideRestClient,
			provideSyncEngine,
			providePager,
			provideReceiptTracker,
			provideLinkFactory,
			provideMedia,
			provideSignalRelay,
			provideSignalingEngine,
			provideAudioMachine,
			provideController,
			provideView,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if _, err := os.Stat(p.ConfigPath); os.IsNotExist(err) {
		cfg := config.Default()
		if err := config.Save(p.ConfigPath, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(p.ConfigPath)
}

func provideClaims(cfg *config.Config) (*auth.Claims, error) {
	return auth.Parse(cfg.Server.Token)
}

func provideLogger(p Params, claims *auth.Claims) (*zap.Logger, error) {
	return logging.New(filepath.Join(p.DataDir, "logs", "chatcored.log"), claims.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.DefaultWindows())
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.DataDir, "chatcore.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideFrameHandler(b *bus.Bus, logger *zap.Logger) *live.Handler {
	return live.NewHandler(b, logger)
}

func provideLiveClient(cfg *config.Config, h *live.Handler, b *bus.Bus, logger *zap.Logger) *live.Client {
	return live.NewClient(cfg.Server.WSURL, cfg.Server.Token, h, b, logger)
}

func provideRestClient(cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.Server.APIBaseURL, cfg.Server.Token, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, limiter *ratelimit.Limiter, lc *live.Client, rc *rest.Client, claims *auth.Claims, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, limiter, lc, rc, claims.UserID, cfg.FallbackTimeout(), logger)
}

func providePager(rc *rest.Client, db *store.DB, b *bus.Bus, cfg *config.Config, engine *intsync.Engine, logger *zap.Logger) *page.Controller {
	return page.NewController(rc, db, b, nil, cfg.Chat.PageSize, engine.ActiveSession, logger)
}

func provideReceiptTracker(db *store.DB, rc *rest.Client, lc *live.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *receipts.Tracker {
	return receipts.NewTracker(db, rc, lc, b, cfg.ReceiptDebounce(), logger)
}

func provideLinkFactory(cfg *config.Config, logger *zap.Logger) rtc.LinkFactory {
	return rtc.NewPionFactory(cfg.Audio.ICEServers, logger)
}

func provideMedia() rtc.Media {
	return &rtc.NullMedia{}
}

func provideSignalRelay(lc *live.Client, claims *auth.Claims) *session.SignalRelay {
	return &session.SignalRelay{Live: lc, UserID: claims.UserID}
}

func provideSignalingEngine(factory rtc.LinkFactory, media rtc.Media, relay *session.SignalRelay, b *bus.Bus, logger *zap.Logger) *rtc.Engine {
	return rtc.NewEngine(factory, media, relay, b, logger)
}

func provideAudioMachine(claims *auth.Claims, limiter *ratelimit.Limiter, b *bus.Bus, logger *zap.Logger) *audio.Machine {
	return audio.NewMachine(claims.UserID, limiter, b, logger)
}

func provideController(db *store.DB, b *bus.Bus, engine *intsync.Engine, pager *page.Controller, tracker *receipts.Tracker, rtcEngine *rtc.Engine, machine *audio.Machine, lc *live.Client, limiter *ratelimit.Limiter, claims *auth.Claims, cfg *config.Config, logger *zap.Logger) *session.Controller {
	return session.NewController(db, b, engine, pager, tracker, rtcEngine, machine, lc, limiter, claims.UserID, cfg.TypingClear(), logger)
}

func provideView(c *session.Controller, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *session.View {
	return session.NewView(c, b, cfg.Chat.PageSize*4, logger)
}

func registerLifecycle(lc fx.Lifecycle, liveClient *live.Client, engine *intsync.Engine, tracker *receipts.Tracker, controller *session.Controller, view *session.View, rc *rest.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			engine.Start(ctx)
			tracker.Start(ctx)
			controller.Start(ctx)
			view.Start(ctx)
			liveClient.Run(ctx)

			// Seed the chat list so the UI has something to render before
			// the live channel settles.
			go func() {
				sessions, err := rc.ListSessions(ctx)
				if err != nil {
					logger.Warn("initial session list fetch failed", zap.Error(err))
					return
				}
				for i := range sessions {
					if err := db.UpsertSession(sessions[i].ToStoreSession()); err != nil {
						logger.Warn("seeding session failed", zap.String("session", sessions[i].ID), zap.Error(err))
					}
				}
				b.Emit(bus.KindMessageUpserted, nil)
			}()

			logger.Info("chat core started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			view.Stop()
			controller.Stop()
			tracker.Stop()
			engine.Stop()
			liveClient.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("closing store", zap.Error(err))
			}
			logger.Info("chat core stopped")
			return nil
		},
	})
}
