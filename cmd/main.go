package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Tesseract-Nexus/go-shared/rbac"
	"github.com/Tesseract-Nexus/go-shared/secrets"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ledger-service/internal/config"
	"ledger-service/internal/events"
	"ledger-service/internal/gateway"
	"ledger-service/internal/handlers"
	"ledger-service/internal/jobs"
	"ledger-service/internal/middleware"
	"ledger-service/internal/repository"
	"ledger-service/internal/services"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	if cfg.IsDevelopment() {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Connect to database
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("✓ Connected to database")

	repo := repository.NewRepository(db, repository.WithSerializableWrites(cfg.SerializableWrites))

	// Initialize Redis client
	redisClient := connectRedis(cfg.RedisURL)

	var locker services.QuoteLocker
	if redisClient != nil {
		locker = services.NewRedisQuoteLocker(redisClient, cfg.QuoteLockTTL, cfg.QuoteLockWait)
		log.Println("✓ Redis quote locks enabled")
	} else {
		locker = services.NewLocalQuoteLocker()
		log.Println("WARNING: Using in-process quote locks (single replica only)")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	// Initialize NATS events publisher
	var publisher services.EventPublisher
	eventsPublisher, err := events.NewPublisher(cfg.NATSURL, cfg.EventsTenantID, logger)
	if err != nil {
		log.Printf("WARNING: Failed to initialize events publisher: %v (events won't be published)", err)
	} else {
		defer eventsPublisher.Close()
		publisher = eventsPublisher
		log.Println("✓ NATS events publisher initialized")
	}

	// Initialize gateways
	gateways := gateway.NewRegistryFromConfig(cfg.GatewayConfig())

	// Initialize services
	rates := services.NewExchangeRateService(repo, redisClient, cfg.RateCacheTTL, logger)
	projector := services.NewPaymentStatusProjector(cfg.PaymentStatusTolerance)
	ledgerService := services.NewLedgerService(repo, projector, rates, publisher, metrics, logger)
	refundService := services.NewRefundService(repo, ledgerService, locker, gateways, publisher, metrics, logger)
	ingestor := services.NewWebhookIngestor(ledgerService, rates, refundService, metrics, logger)
	webhookService := services.NewWebhookService(gateways, repo, ingestor, logger)
	reconService := services.NewReconciliationService(repo, ledgerService, locker, cfg.MatchPolicy(), metrics, logger)

	// Initialize handlers
	ledgerHandler := handlers.NewLedgerHandler(ledgerService)
	refundHandler := handlers.NewRefundHandler(refundService)
	reconHandler := handlers.NewReconciliationHandler(reconService)
	webhookHandler := handlers.NewWebhookHandler(webhookService)

	// Initialize RBAC middleware
	rbacMiddleware := rbac.NewMiddlewareWithURL(cfg.StaffServiceURL, nil)
	log.Println("✓ RBAC middleware initialized")

	rateLimits := middleware.NewLedgerRateLimits()
	defer rateLimits.Stop()

	router := setupRouter(routerDeps{
		ledger:     ledgerHandler,
		refunds:    refundHandler,
		recon:      reconHandler,
		webhooks:   webhookHandler,
		rbac:       rbacMiddleware,
		rateLimits: rateLimits,
		audit:      middleware.NewLogrusAuditLogger(logger),
		metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		db:         repo,
		redis:      redisClient,
	})

	// Background jobs
	jobCtx, stopJobs := context.WithCancel(context.Background())
	repairJob := jobs.NewProjectionRepairJob(repo, ledgerService, cfg.ProjectionRepairInterval, logger)
	resumeJob := jobs.NewReconciliationResumeJob(reconService, cfg.ReconResumeInterval, logger)
	go repairJob.Start(jobCtx)
	go resumeJob.Start(jobCtx)
	log.Println("✓ Background jobs started")

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Ledger Service starting on port %s (env: %s)", cfg.Port, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down ledger-service...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repairJob.Stop()
	resumeJob.Stop()
	stopJobs()
	log.Println("✓ Background jobs stopped")

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if redisClient != nil {
		_ = redisClient.Close()
	}

	log.Println("Ledger Service exited")
}

// connectRedis returns nil when Redis is not configured or unreachable
func connectRedis(redisURL string) *redis.Client {
	if redisURL == "" {
		return nil
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("WARNING: Failed to parse Redis URL: %v (continuing without Redis)", err)
		return nil
	}
	if redisOpts.Password == "" {
		redisOpts.Password = secrets.GetRedisPassword()
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("WARNING: Failed to connect to Redis: %v (locks and rate cache fall back to local)", err)
		_ = client.Close()
		return nil
	}

	log.Println("✓ Redis connected successfully")
	return client
}

type routerDeps struct {
	ledger     *handlers.LedgerHandler
	refunds    *handlers.RefundHandler
	recon      *handlers.ReconciliationHandler
	webhooks   *handlers.WebhookHandler
	rbac       *rbac.Middleware
	rateLimits *middleware.LedgerRateLimits
	audit      middleware.AuditLogger
	metrics    http.Handler
	db         *repository.Repository
	redis      *redis.Client
}

// setupRouter configures the HTTP router
func setupRouter(d routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Security headers middleware
	router.Use(middleware.SecurityHeaders())

	// CORS middleware with secure configuration
	corsConfig := middleware.DefaultCORSConfig()
	if allowedOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); allowedOrigins != "" {
		corsConfig.AllowedOrigins = strings.Split(allowedOrigins, ",")
	} else {
		// Default for development - in production, set CORS_ALLOWED_ORIGINS
		corsConfig.AllowedOrigins = []string{
			"http://localhost:3000",
			"http://localhost:3001",
		}
	}
	router.Use(middleware.CORS(corsConfig))

	router.Use(middleware.ValidateRequest())
	router.Use(middleware.RequestContext())
	router.Use(middleware.AuditMiddleware(d.audit))
	router.Use(middleware.WebhookSecurityMiddleware())

	// Health checks (no rate limiting)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "ledger-service",
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		sqlDB, err := d.db.DB().DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": err.Error()})
			return
		}
		redisStatus := "disabled"
		if d.redis != nil {
			redisStatus = "ok"
			if err := d.redis.Ping(c.Request.Context()).Err(); err != nil {
				redisStatus = err.Error()
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "database": "ok", "redis": redisStatus})
	})
	router.GET("/metrics", gin.WrapH(d.metrics))

	read := d.rbac.RequirePermission(rbac.PermissionPaymentsRead)
	refund := d.rbac.RequirePermission(rbac.PermissionPaymentsRefund)
	manage := d.rbac.RequirePermission(rbac.PermissionPaymentsGatewayManage)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimitMiddleware(d.rateLimits.API, "user"))
	{
		quotes := v1.Group("/quotes/:quoteId")
		{
			quotes.PUT("", manage, d.ledger.SyncQuote)
			quotes.GET("/ledger", read, d.ledger.ListLedger)
			quotes.POST("/ledger", manage, d.ledger.AppendEntry)
			quotes.GET("/payment-status", read, d.ledger.GetPaymentStatus)
			quotes.POST("/recompute", manage, d.ledger.Recompute)
			quotes.GET("/refundable", read, d.refunds.GetRefundableBalances)
		}

		entries := v1.Group("/ledger-entries/:entryId")
		{
			entries.GET("", read, d.ledger.GetEntry)
			entries.POST("/transition", manage, d.ledger.TransitionEntry)
		}

		refundMutation := middleware.RateLimitMiddleware(d.rateLimits.RefundMutation, "user")
		refunds := v1.Group("/refunds")
		{
			refunds.POST("", refund, refundMutation, d.refunds.CreateRefund)
			refunds.GET("/:refundId", read, d.refunds.GetRefund)
			refunds.POST("/:refundId/approve", refund, refundMutation, d.refunds.ApproveRefund)
			refunds.POST("/:refundId/dispatch", refund, refundMutation, d.refunds.DispatchRefund)
			refunds.POST("/:refundId/cancel", refund, d.refunds.CancelRefund)
		}

		refundItems := v1.Group("/refund-items/:itemId")
		{
			refundItems.POST("/confirm", refund, d.refunds.ConfirmRefundItem)
			refundItems.POST("/fail", refund, d.refunds.FailRefundItem)
		}

		recon := v1.Group("/reconciliations")
		{
			recon.POST("", manage, d.recon.StartSession)
			recon.POST("/import", manage, middleware.RateLimitMiddleware(d.rateLimits.Import, "user"), d.recon.ImportStatement)
			recon.GET("/:sessionId", read, d.recon.GetSession)
			recon.GET("/:sessionId/items", read, d.recon.ListItems)
			recon.POST("/:sessionId/run", manage, d.recon.RunSession)
			recon.POST("/:sessionId/complete", manage, d.recon.CompleteSession)
		}

		reconItems := v1.Group("/reconciliation-items/:itemId")
		{
			reconItems.POST("/resolve", manage, d.recon.ResolveItem)
			reconItems.POST("/match", manage, d.recon.MatchItem)
			reconItems.POST("/ignore", manage, d.recon.IgnoreItem)
		}
	}

	// Webhook endpoints - public but rate limited and signature checked
	webhooks := router.Group("/webhooks")
	webhooks.Use(middleware.RateLimitMiddleware(d.rateLimits.Webhook, "gateway"))
	{
		webhooks.POST("/:gateway", d.webhooks.HandleWebhook)
	}

	return router
}
