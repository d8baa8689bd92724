package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/giftbox/internal/api"
	"github.com/charlesng35/giftbox/internal/app"
	"github.com/charlesng35/giftbox/internal/app/maintenance"
	iauth "github.com/charlesng35/giftbox/internal/auth"
	"github.com/charlesng35/giftbox/internal/cache"
	"github.com/charlesng35/giftbox/internal/database"
	"github.com/charlesng35/giftbox/internal/mainloop"
	"github.com/charlesng35/giftbox/internal/monitoring"
	"github.com/charlesng35/giftbox/internal/monitoring/checks"
	"github.com/charlesng35/giftbox/internal/notifications"
	"github.com/charlesng35/giftbox/internal/services"
	"github.com/charlesng35/giftbox/pkg/logger"
)

const (
	mainLoopQueue      = 256
	healthProbeTimeout = 2 * time.Second
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB      *gorm.DB
	Redis   *cache.RedisStore
	Cache   cache.Store
	Loop    *mainloop.Loop
	Hub     *notifications.Hub
	Store   *services.GiftStore
	Gifts   *services.GiftService
	Claims  *services.ClaimCoordinator
	Sweeper *maintenance.Sweeper
	Router  *gin.Engine
}

// bootstrapRuntime initialises databases, caches, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	readPolicy, err := cfg.API.ReadPolicy()
	if err != nil {
		return nil, fmt.Errorf("api.read_failure_policy: %w", err)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB, nil)
	stack.Cache = dbStore
	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisStore(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed cache", zap.Error(err))
			stack.Redis = nil
		} else {
			stack.Cache = stack.Redis
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	auditSvc, err := services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	stack.Hub = notifications.NewHub()

	stack.Store, err = services.NewGiftStore(stack.DB, auditSvc,
		services.WithStorePool(cfg.Database.StorePool()),
		services.WithStoreBus(stack.Hub),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise gift store: %w", err)
	}
	go func() {
		if err := stack.Store.InitializeSchema(ctx); err != nil {
			log.Error("gift schema initialisation failed", zap.Error(err))
			return
		}
		log.Info("gift schema ready")
	}()

	stack.Loop = mainloop.New(mainLoopQueue)
	stack.Loop.Start()

	messages := cfg.Messages.NoticeTemplates()

	inventory, err := services.NewInventoryService(stack.DB, cfg.Inventory.Slots, nil)
	if err != nil {
		return nil, fmt.Errorf("initialise inventory: %w", err)
	}

	stack.Claims, err = services.NewClaimCoordinator(stack.Store, inventory, stack.Loop,
		services.WithCoordinatorBus(stack.Hub),
		services.WithCoordinatorNotifier(stack.Hub),
		services.WithCoordinatorMessages(messages),
		services.WithNoticeLimiter(services.NewNoticeLimiter(stack.Cache, cfg.Claim.NoticeCooldown)),
		services.WithClaimLimits(cfg.Claim.SingleClaimScan, cfg.Claim.ClaimAllLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise claim coordinator: %w", err)
	}

	stack.Gifts, err = services.NewGiftService(stack.Store,
		services.WithReadFailurePolicy(readPolicy),
		services.WithSenderNotices(stack.Hub, messages),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise gift service: %w", err)
	}

	if cfg.Sweeper.Enabled {
		stack.Sweeper = maintenance.NewSweeper(stack.Store,
			maintenance.WithInterval(cfg.Sweeper.Interval),
			maintenance.WithTimeout(cfg.Sweeper.Timeout),
			maintenance.WithRunOnStart(cfg.Sweeper.RunOnStart),
			maintenance.WithReadiness(stack.Store),
			maintenance.WithCachePurger(dbStore),
		)
		if err := stack.Sweeper.Start(); err != nil {
			return nil, fmt.Errorf("start expiry sweeper: %w", err)
		}
	}

	stack.Router, err = api.NewRouter(api.Deps{
		JWT:       jwtSvc,
		Gifts:     stack.Gifts,
		Claims:    stack.Claims,
		Inventory: inventory,
		Audit:     auditSvc,
		Hub:       stack.Hub,
		Messages:  messages,
		Cache:     stack.Cache,
		RateLimit: cfg.Server.RateLimit,
		Health:    stack.healthChecks(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

func (s *runtimeStack) healthChecks(cfg *app.Config) *monitoring.HealthManager {
	manager := monitoring.NewHealthManager()
	manager.RegisterLiveness(monitoring.NewCheck("server", func(context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	}))

	backend := checks.CacheBackend{RedisConfigured: cfg.Cache.Redis.Enabled, Timeout: healthProbeTimeout}
	if s.Redis != nil {
		backend.Remote = s.Redis
	}
	var sweeper checks.SweepReporter
	if s.Sweeper != nil {
		sweeper = s.Sweeper
	}

	manager.RegisterReadiness(checks.Database(s.DB, healthProbeTimeout))
	manager.RegisterReadiness(checks.Schema(s.Store))
	manager.RegisterReadiness(checks.Cache(backend))
	manager.RegisterReadiness(checks.Sweeper(sweeper, nil))
	return manager
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Sweeper != nil {
		<-s.Sweeper.Stop().Done()
		if _, err := s.Sweeper.RunOnce(ctx); err != nil {
			log.Warn("final expiry sweep failed", zap.Error(err))
		}
	}

	if s.Loop != nil {
		if err := s.Loop.Stop(ctx); err != nil {
			log.Warn("main loop did not drain", zap.Error(err))
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.Connection()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if err := database.Close(db); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
