package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/giftbox/internal/app"
	iauth "github.com/charlesng35/giftbox/internal/auth"
	"github.com/charlesng35/giftbox/internal/cache"
	"github.com/charlesng35/giftbox/internal/handlers"
	"github.com/charlesng35/giftbox/internal/middleware"
	"github.com/charlesng35/giftbox/internal/monitoring"
	"github.com/charlesng35/giftbox/internal/notifications"
	"github.com/charlesng35/giftbox/internal/services"
)

// Deps carries the services the HTTP surface is built on.
type Deps struct {
	JWT       *iauth.JWTService
	Gifts     *services.GiftService
	Claims    *services.ClaimCoordinator
	Inventory *services.InventoryService
	Audit     *services.AuditService
	Hub       *notifications.Hub
	Messages  services.Messages
	// Cache backs request rate limiting. Nil disables it.
	Cache     cache.Store
	RateLimit app.RateLimitConfig
	// Health holds the readiness probes served on /health.
	Health *monitoring.HealthManager
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Gifts == nil {
		return nil, fmt.Errorf("gift service must be provided")
	}
	if deps.Claims == nil {
		return nil, fmt.Errorf("claim coordinator must be provided")
	}
	if deps.Inventory == nil {
		return nil, fmt.Errorf("inventory service must be provided")
	}
	if deps.Audit == nil {
		return nil, fmt.Errorf("audit service must be provided")
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	r.GET("/health", handlers.Health(deps.Health))
	r.GET("/health/live", handlers.Liveness(deps.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(middleware.Auth(deps.JWT))
	if deps.Cache != nil && deps.RateLimit.Requests > 0 && deps.RateLimit.Window > 0 {
		api.Use(middleware.RateLimit(deps.Cache, deps.RateLimit.Requests, deps.RateLimit.Window))
	}

	giftHandler := handlers.NewGiftHandler(deps.Gifts)
	api.POST("/gifts", middleware.RequirePermission(iauth.PermissionDeposit), giftHandler.Deposit)

	mailboxHandler := handlers.NewMailboxHandler(deps.Gifts, deps.Claims, deps.Inventory)
	eventsHandler := handlers.NewEventsHandler(deps.Hub, deps.Gifts, deps.Messages)
	mailbox := api.Group("/mailbox")
	{
		mailbox.GET("", mailboxHandler.List)
		mailbox.GET("/count", mailboxHandler.Count)
		mailbox.GET("/events", eventsHandler.Stream)
		mailbox.POST("/claim-all", mailboxHandler.ClaimAll)
		mailbox.POST("/:giftID/claim", mailboxHandler.Claim)
	}
	api.GET("/inventory", mailboxHandler.Inventory)

	auditHandler := handlers.NewAuditHandler(deps.Audit)
	api.GET("/audit", middleware.RequirePermission(iauth.PermissionAudit), auditHandler.List)

	r.NoRoute(middleware.NotFoundHandler)
	r.NoMethod(middleware.MethodNotAllowedHandler)

	return r, nil
}
