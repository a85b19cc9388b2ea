package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/ridepay/internal/auth"
	"github.com/congo-pay/ridepay/internal/config"
	"github.com/congo-pay/ridepay/internal/gateway"
	"github.com/congo-pay/ridepay/internal/guard"
	"github.com/congo-pay/ridepay/internal/ledger"
	"github.com/congo-pay/ridepay/internal/metrics"
	"github.com/congo-pay/ridepay/internal/middleware"
	"github.com/congo-pay/ridepay/internal/notification"
	"github.com/congo-pay/ridepay/internal/reconcile"
	"github.com/congo-pay/ridepay/internal/transfer"
	"github.com/congo-pay/ridepay/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes. Store, Gateway
// and Notifier are optional and derived from Cfg, DB and Logger when nil.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Store    ledger.Store
	Gateway  gateway.Client
	Notifier notification.Notifier
	Metrics  *metrics.Metrics
}

// Runtime exposes what the server needs after wiring.
type Runtime struct {
	Store   ledger.Store
	Sweeper *reconcile.Sweeper
	Metrics *metrics.Metrics
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Runtime, error) {
	if !d.Cfg.IsDevelopment() && d.DB == nil && d.Store == nil {
		return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
	}
	if d.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	store := d.Store
	if store == nil {
		if d.DB != nil {
			store = ledger.NewPostgresStore(d.DB)
		} else {
			d.Logger.Warn("DATABASE_URL not set, using in-memory ledger")
			store = ledger.NewInMemory()
		}
	}
	m := d.Metrics
	if m == nil {
		m = metrics.New()
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}
	client := d.Gateway
	if client == nil {
		if d.Cfg.GatewayBaseURL != "" {
			client = gateway.NewHTTPClient(d.Cfg.GatewayBaseURL, d.Cfg.GatewayAPIKey, d.Cfg.GatewayCallbackURL, d.Cfg.GatewayTimeout, d.Logger)
		} else {
			d.Logger.Warn("GATEWAY_BASE_URL not set, deposits use the static gateway")
			client = gateway.StaticClient{}
		}
	}

	var limiter guard.AttemptLimiter = guard.NopLimiter{}
	if d.Cache != nil {
		limiter = guard.NewRedisLimiter(d.Cache, d.Cfg.PINMaxAttempts, d.Cfg.PINLockoutWindow)
	}
	pinGuard := guard.New(store, limiter, d.Logger)
	tokens := auth.NewTokens(d.Cfg.JWTSecret, d.Cfg.AccessTokenTTL)

	walletSvc := wallet.NewService(store)
	engine := transfer.NewEngine(store, pinGuard, notifier, m, d.Logger, d.Cfg.MinTransferAmount)
	deposits := gateway.NewService(store, client, m, d.Logger, d.Cfg.MinDepositAmount, d.Cfg.GatewayTimeout)
	reconciler := reconcile.New(store, notifier, m, d.Logger)
	sweeper := reconcile.NewSweeper(store, m, d.Logger, d.Cfg.PendingExpiry, d.Cfg.SweepInterval)

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.IsDevelopment() {
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	} else {
		app.Use(middleware.Audit(d.Logger))
	}

	RegisterHealthRoutes(app, d, m)
	RegisterWebhookRoutes(app, reconcile.NewHandler(reconciler, d.Cfg.WebhookSecret, d.Logger))

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	walletHandler := wallet.NewHandler(walletSvc, tokens)
	RegisterAccountRoutes(api, walletHandler)
	RegisterSessionRoutes(api, auth.NewHandler(walletSvc, pinGuard, tokens))

	// Protected routes
	protected := api.Group("", middleware.JWTAuth(tokens), middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	RegisterWalletRoutes(protected, walletHandler)
	RegisterPaymentRoutes(protected, transfer.NewHandler(engine, walletSvc))
	RegisterDepositRoutes(protected, gateway.NewHandler(deposits))

	return &Runtime{Store: store, Sweeper: sweeper, Metrics: m}, nil
}
