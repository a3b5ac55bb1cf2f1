package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sitewright/sitewright/libs/config"
	"github.com/sitewright/sitewright/libs/db"
	"github.com/sitewright/sitewright/libs/httpx"
	"github.com/sitewright/sitewright/libs/kafkax"
	otelx "github.com/sitewright/sitewright/libs/otel"
	"github.com/sitewright/sitewright/libs/runtime"
	"github.com/sitewright/sitewright/services/operator-service/internal/alert"
	"github.com/sitewright/sitewright/services/operator-service/internal/consumer"
	"github.com/sitewright/sitewright/services/operator-service/internal/inbox"
	"github.com/sitewright/sitewright/services/operator-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type paymentFailedPayload struct {
	WebsiteID       string `json:"website_id"`
	AccountID       string `json:"account_id"`
	SubscriptionRef string `json:"subscription_ref"`
	Plan            string `json:"plan"`
	FailedAt        string `json:"failed_at"`
}

func main() {
	service := config.String("SERVICE_NAME", "operator-service")
	port, err := config.Port("PORT", "8082")
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

	inboxRepo := inbox.NewRepository(pool)
	notificationsRepo := storage.NewRepository(pool)

	alertChannel := strings.ToLower(config.String("ALERT_CHANNEL", "noop"))
	var sender alert.Sender
	switch alertChannel {
	case "email":
		sender = alert.NewSMTPSender(
			config.String("SMTP_HOST", "mailpit"),
			config.String("SMTP_PORT", "1025"),
			config.String("SMTP_FROM", "alerts@sitewright.local"),
			config.String("ALERT_EMAIL_TO", ""),
		)
	case "webhook":
		sender = alert.NewWebhookSender(
			config.String("ALERT_WEBHOOK_URL", ""),
			config.String("ALERT_WEBHOOK_TOKEN", ""),
		)
	default:
		sender = alert.NewNoopSender()
	}

	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "operator-service"),
		Topic:   config.String("KAFKA_CONSUME_TOPIC", "storefront.payment.failed.v1"),
	}
	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		var payload paymentFailedPayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid payment failed payload", "err", err)
			return nil
		}
		if payload.WebsiteID == "" || payload.AccountID == "" || payload.SubscriptionRef == "" {
			logger.Error("missing payment failed fields")
			return nil
		}
		failedAt, err := time.Parse(time.RFC3339, payload.FailedAt)
		if err != nil {
			logger.Error("invalid failed_at", "err", err)
			return nil
		}

		failure := alert.PaymentFailure{
			WebsiteID:       payload.WebsiteID,
			AccountID:       payload.AccountID,
			SubscriptionRef: payload.SubscriptionRef,
			Plan:            payload.Plan,
			FailedAt:        payload.FailedAt,
		}

		status := "sent"
		if err := sender.Send(ctx, failure.Subject(), failure.Body()); err != nil {
			status = "failed"
			logger.Error("alert send failed", "err", err, "website_id", payload.WebsiteID)
		}

		if err := notificationsRepo.Insert(ctx, storage.Notification{
			WebsiteID:       payload.WebsiteID,
			AccountID:       payload.AccountID,
			SubscriptionRef: payload.SubscriptionRef,
			Plan:            payload.Plan,
			FailedAt:        failedAt,
			Channel:         sender.Channel(),
			Status:          status,
		}); err != nil {
			logger.Error("failed to persist notification", "err", err)
			return err
		}

		logger.Info("payment failure recorded", "website_id", payload.WebsiteID, "subscription_ref", payload.SubscriptionRef, "status", status)
		return nil
	})
	go eventConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	apiToken := config.String("OPERATOR_API_TOKEN", "")
	mux.HandleFunc("GET /api/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		if apiToken == "" || r.Header.Get("Authorization") != "Bearer "+apiToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		items, err := notificationsRepo.ListRecent(r.Context(), 50)
		if err != nil {
			logger.Error("list notifications failed", "err", err)
			http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"notifications": items})
	})

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "operator")
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
