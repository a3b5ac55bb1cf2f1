package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sitewright/sitewright/libs/auth"
	"github.com/sitewright/sitewright/libs/config"
	"github.com/sitewright/sitewright/libs/db"
	"github.com/sitewright/sitewright/libs/httpx"
	"github.com/sitewright/sitewright/libs/kafkax"
	otelx "github.com/sitewright/sitewright/libs/otel"
	"github.com/sitewright/sitewright/libs/runtime"
	"github.com/sitewright/sitewright/services/storefront-service/internal/billing"
	"github.com/sitewright/sitewright/services/storefront-service/internal/handlers"
	"github.com/sitewright/sitewright/services/storefront-service/internal/outbox"
	"github.com/sitewright/sitewright/services/storefront-service/internal/purchases"
	"github.com/sitewright/sitewright/services/storefront-service/internal/reconcile"
	"github.com/sitewright/sitewright/services/storefront-service/internal/referrals"
	"github.com/sitewright/sitewright/services/storefront-service/internal/storage"
	"github.com/sitewright/sitewright/services/storefront-service/internal/subscriptions"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "storefront-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	stripeKey, err := config.RequiredString("STRIPE_SECRET_KEY")
	if err != nil {
		panic(err)
	}
	gateway := billing.NewStripeGateway(stripeKey)
	prices := billing.PriceTable{
		Hosting:  config.String("STRIPE_PRICE_HOSTING", ""),
		Updates:  config.String("STRIPE_PRICE_UPDATES", ""),
		Complete: config.String("STRIPE_PRICE_COMPLETE", ""),
	}
	pricing := purchases.Pricing{
		DepositCents:         config.Int64("PRICE_DEPOSIT_CENTS", 50000),
		FinalFullCents:       config.Int64("PRICE_FINAL_CENTS", 200000),
		FinalDiscountedCents: config.Int64("PRICE_FINAL_DISCOUNTED_CENTS", 150000),
		ReferralBountyCents:  config.Int64("REFERRAL_BOUNTY_CENTS", 5000),
		Currency:             config.String("CURRENCY", "usd"),
	}

	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewRepository(pool, outboxRepo)
	subSvc := subscriptions.New(repo, gateway, prices, logger)
	ledger := referrals.New(repo, pricing.ReferralBountyCents, pricing.FinalDiscountedCents, logger)
	purchaseSvc := purchases.New(repo, gateway, subSvc, ledger, pricing, logger)
	reconciler := reconcile.New(repo, prices, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	if config.Bool("RECONCILE_POLL_ENABLED", true) {
		poller := reconcile.NewPoller(pool, repo, reconciler, gateway, logger, reconcile.PollerConfig{
			BatchSize:       config.Int("RECONCILE_POLL_BATCH_SIZE", 50),
			AdvisoryLockKey: config.Int64("RECONCILE_POLL_LOCK_KEY", 0),
		})
		go poller.Run(ctx, config.Seconds("RECONCILE_POLL_INTERVAL_SECONDS", 5*time.Minute))
	}

	jwtSecret := config.String("JWT_SECRET", "")
	var jwks *auth.JWKSClient
	if url := config.String("JWKS_URL", ""); url != "" {
		jwks = auth.NewJWKSClient(url, config.Seconds("JWKS_TTL_SECONDS", 5*time.Minute))
	}
	requireAccount := auth.RequireAccount(jwtSecret, jwks)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	h := handlers.New(repo, subSvc, purchaseSvc, reconciler, logger, handlers.Config{
		StripeWebhookSecret:           config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookToleranceSeconds: config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300),
	})

	protected := func(fn http.HandlerFunc) http.Handler { return requireAccount(fn) }
	mux.Handle("POST /api/v1/account", protected(h.RegisterAccount))
	mux.Handle("POST /api/v1/sites", protected(h.CreateSite))
	mux.Handle("GET /api/v1/sites", protected(h.ListSites))
	mux.Handle("GET /api/v1/sites/{siteID}", protected(h.GetSite))
	mux.Handle("DELETE /api/v1/sites/{siteID}", protected(h.DeleteSite))
	mux.Handle("POST /api/v1/sites/{siteID}/plan", protected(h.ChangePlan))
	mux.Handle("GET /api/v1/sites/{siteID}/plan/options", protected(h.PlanOptions))
	mux.Handle("POST /api/v1/sites/{siteID}/final-payment", protected(h.PayFinal))
	mux.Handle("GET /api/v1/account/referrals", protected(h.Referrals))
	// Signature verification is the auth on this one.
	mux.Handle("POST /api/v1/billing/webhooks/stripe", http.HandlerFunc(h.StripeWebhook))

	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "storefront"))
		rateLimitMW = rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,DELETE,OPTIONS")),
			AllowedHeaders:   parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			AllowCredentials: config.Bool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           config.Seconds("CORS_MAX_AGE_SECONDS", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		rateLimitMW,
	)
	handler = otelhttp.NewHandler(handler, "storefront")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
