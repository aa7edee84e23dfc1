package app

import (
	"fmt"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/herbbie/server/internal/module/auth"
	"github.com/herbbie/server/internal/module/billing"
	billingcache "github.com/herbbie/server/internal/module/billing/cache"
	"github.com/herbbie/server/internal/module/payment"
	paymentprovider "github.com/herbbie/server/internal/module/payment/provider"
	"github.com/herbbie/server/internal/module/user"
	sharedcache "github.com/herbbie/server/internal/shared/cache"
	"github.com/herbbie/server/internal/shared/config"
	"github.com/herbbie/server/internal/shared/database"
	"github.com/herbbie/server/internal/shared/logger"
	"github.com/herbbie/server/internal/utils/metrics"
	"github.com/herbbie/server/internal/utils/middleware"
)

// App represents the application.
type App struct {
	config    *config.Config
	db        *gorm.DB
	redis     redis.UniversalClient
	router    *gin.Engine
	logger    *logger.Logger
	zapLogger *zap.Logger
	metrics   *metrics.Metrics

	// Modules
	jwtManager     *auth.JWTManager
	profileRepo    user.Repository
	billingHandler *billing.Handler
	billingService billing.ServiceInterface
	paymentHandler *payment.Handler
	webhookHandler *payment.WebhookHandler
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	log := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	zapLog, err := logger.NewZapLogger(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init zap logger: %w", err)
	}

	app := &App{
		config:    cfg,
		logger:    log,
		zapLogger: zapLog,
		metrics:   metrics.New("herbbie"),
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	app.db = db

	// Redis is optional; without it the plan catalog is read from the
	// database on every request.
	if cfg.Redis.Address != "" {
		redisClient, err := sharedcache.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Warn("Redis connection failed, continuing without cache", "error", err)
		} else {
			app.redis = redisClient
		}
	}

	if err := app.initModules(); err != nil {
		return nil, fmt.Errorf("init modules: %w", err)
	}

	app.router = app.setupRouter()
	app.registerRoutes()

	return app, nil
}

// initModules wires repositories, services and handlers.
func (a *App) initModules() error {
	a.jwtManager = auth.NewJWTManager(&auth.JWTConfig{
		Secret:            a.config.Auth.JWTSecret,
		AccessTokenExpiry: a.config.Auth.AccessTokenExpiry,
		Issuer:            a.config.Auth.Issuer,
	})

	a.profileRepo = user.NewRepository(a.db)

	// Billing core
	billingRepo := billing.NewRepository(a.db)

	var planCache billing.PlanCache
	if a.redis != nil {
		planCache = billingcache.NewPlanCache(a.redis, a.config.Billing.PlanCacheTTL, a.zapLogger)
	}

	billingService := billing.NewService(billingRepo, planCache, a.config.Billing.GrantExpiry, a.zapLogger)
	a.billingService = billingService

	evaluator := billing.NewEvaluator(a.profileRepo, billingRepo, a.config.Billing.DefaultCosts, a.zapLogger)
	deduction := billing.NewDeductionService(billingRepo, a.zapLogger)

	a.billingHandler = billing.NewHandler(evaluator, deduction, billingService, a.metrics)

	// Payment module
	stripeProvider := paymentprovider.NewStripeProvider(&paymentprovider.StripeConfig{
		APIKey:        a.config.Stripe.SecretKey,
		WebhookSecret: a.config.Stripe.WebhookSecret,
		SuccessURL:    a.config.Stripe.SuccessURL,
		CancelURL:     a.config.Stripe.CancelURL,
		CallTimeout:   a.config.Stripe.CallTimeout,
	}, a.zapLogger)

	paymentRepo := payment.NewRepository(a.db)
	paymentService := payment.NewService(
		stripeProvider,
		billingService,
		a.profileRepo,
		paymentRepo,
		payment.Config{
			TokenPriceCents: a.config.Billing.TokenPriceCents,
			Currency:        a.config.Billing.Currency,
			CallTimeout:     a.config.Stripe.CallTimeout,
		},
		a.zapLogger,
	)

	reconciler := payment.NewReconciler(billingService, a.zapLogger)

	a.paymentHandler = payment.NewHandler(paymentService)
	a.webhookHandler = payment.NewWebhookHandler(paymentService, reconciler, a.metrics, a.zapLogger)

	return nil
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.Metrics(a.metrics))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// registerRoutes registers routes for all modules.
func (a *App) registerRoutes() {
	v1 := a.router.Group("/api/v1")

	// Public routes. Permission checks and deductions are called
	// service-to-service by the generation backend.
	publicRouter := v1.Group("")
	a.billingHandler.RegisterRoutes(publicRouter)

	// Protected routes
	protectedRouter := v1.Group("")
	protectedRouter.Use(middleware.RequireAuth(a.jwtManager))
	a.billingHandler.RegisterProtectedRoutes(protectedRouter)
	a.paymentHandler.RegisterProtectedRoutes(protectedRouter)

	// Admin routes
	adminRouter := v1.Group("/admin")
	adminRouter.Use(middleware.RequireAuth(a.jwtManager), middleware.RequireAdmin(a.profileRepo))
	a.paymentHandler.RegisterAdminRoutes(adminRouter)

	// Webhooks are verified by signature, not by session auth.
	webhookRouter := a.router.Group("/webhooks")
	a.webhookHandler.RegisterRoutes(webhookRouter)
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Stop stops the application and releases resources.
func (a *App) Stop() {
	if a.zapLogger != nil {
		_ = a.zapLogger.Sync()
	}

	if a.redis != nil {
		_ = a.redis.Close()
	}

	if a.db != nil {
		_ = database.Close(a.db)
	}
}
