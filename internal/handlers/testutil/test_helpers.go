package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/giftbox/internal/api"
	"github.com/charlesng35/giftbox/internal/app"
	iauth "github.com/charlesng35/giftbox/internal/auth"
	"github.com/charlesng35/giftbox/internal/cache"
	sharedtestutil "github.com/charlesng35/giftbox/internal/database/testutil"
	"github.com/charlesng35/giftbox/internal/mainloop"
	"github.com/charlesng35/giftbox/internal/monitoring"
	"github.com/charlesng35/giftbox/internal/monitoring/checks"
	"github.com/charlesng35/giftbox/internal/notifications"
	"github.com/charlesng35/giftbox/internal/services"
	"github.com/charlesng35/giftbox/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T         *testing.T
	DB        *gorm.DB
	Router    *gin.Engine
	JWT       *iauth.JWTService
	Store     *services.GiftStore
	Gifts     *services.GiftService
	Claims    *services.ClaimCoordinator
	Inventory *services.InventoryService
	Audit     *services.AuditService
	Hub       *notifications.Hub
	Cache     *cache.MemoryStore
}

// EnvOption customises NewEnv.
type EnvOption func(*envConfig)

type envConfig struct {
	slots     int
	rateLimit app.RateLimitConfig
	now       func() time.Time
}

// WithSlots sets the inventory size of every recipient.
func WithSlots(slots int) EnvOption {
	return func(cfg *envConfig) { cfg.slots = slots }
}

// WithRateLimit enables API rate limiting.
func WithRateLimit(requests int, window time.Duration) EnvOption {
	return func(cfg *envConfig) {
		cfg.rateLimit = app.RateLimitConfig{Requests: requests, Window: window}
	}
}

// WithClock overrides the clock shared by the store and services.
func WithClock(now func() time.Time) EnvOption {
	return func(cfg *envConfig) { cfg.now = now }
}

// NewEnv provisions a fresh handler test environment with an initialised mailbox schema.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	cfg := envConfig{slots: 36, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "test-suite-super-secret-key-32-bytes!!",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	hub := notifications.NewHub()

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)
	store, err := services.NewGiftStore(db, audit,
		services.WithStoreBus(hub),
		services.WithStoreClock(cfg.now),
	)
	require.NoError(t, err)
	require.NoError(t, store.InitializeSchema(context.Background()))

	loop := mainloop.New(0)
	loop.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = loop.Stop(ctx)
	})

	memory := cache.NewMemoryStore()
	t.Cleanup(func() { _ = memory.Close() })

	inventory, err := services.NewInventoryService(db, cfg.slots, cfg.now)
	require.NoError(t, err)

	claims, err := services.NewClaimCoordinator(store, inventory, loop,
		services.WithCoordinatorClock(cfg.now),
		services.WithCoordinatorBus(hub),
		services.WithCoordinatorNotifier(hub),
		services.WithNoticeLimiter(services.NewNoticeLimiter(memory, 0)),
	)
	require.NoError(t, err)

	giftSvc, err := services.NewGiftService(store,
		services.WithGiftClock(cfg.now),
		services.WithSenderNotices(hub, nil),
	)
	require.NoError(t, err)

	health := monitoring.NewHealthManager()
	health.RegisterReadiness(checks.Database(db, time.Second))
	health.RegisterReadiness(checks.Schema(store))

	router, err := api.NewRouter(api.Deps{
		JWT:       jwtSvc,
		Gifts:     giftSvc,
		Claims:    claims,
		Inventory: inventory,
		Audit:     audit,
		Hub:       hub,
		Cache:     memory,
		RateLimit: cfg.rateLimit,
		Health:    health,
	})
	require.NoError(t, err)

	return &Env{
		T:         t,
		DB:        db,
		Router:    router,
		JWT:       jwtSvc,
		Store:     store,
		Gifts:     giftSvc,
		Claims:    claims,
		Inventory: inventory,
		Audit:     audit,
		Hub:       hub,
		Cache:     memory,
	}
}

// Token issues an access token for subject carrying permissions.
func (e *Env) Token(subject string, permissions ...string) string {
	e.T.Helper()
	token, err := e.JWT.GenerateAccessToken(iauth.AccessTokenInput{
		Subject:     subject,
		Permissions: permissions,
	})
	require.NoError(e.T, err)
	return token
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
