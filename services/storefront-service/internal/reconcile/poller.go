package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sitewright/sitewright/libs/db"
	"github.com/sitewright/sitewright/services/storefront-service/internal/billing"
	"github.com/sitewright/sitewright/services/storefront-service/internal/storage"
)

// PollerStore lists the websites whose subscriptions are re-checked
// against the provider.
type PollerStore interface {
	ListSubscribedWebsites(ctx context.Context, limit int) ([]storage.Website, error)
}

// Poller periodically re-reads subscriptions from the provider and feeds
// them through the same reconciliation path as webhooks, healing anything a
// missed webhook left stale.
type Poller struct {
	pool        *db.Pool
	store       PollerStore
	reconciler  *Reconciler
	gateway     billing.Gateway
	logger      *slog.Logger
	batchSize   int
	advisoryKey int64
}

type PollerConfig struct {
	BatchSize       int
	AdvisoryLockKey int64
}

func NewPoller(pool *db.Pool, store PollerStore, reconciler *Reconciler, gateway billing.Gateway, logger *slog.Logger, cfg PollerConfig) *Poller {
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 50
	}
	lockKey := cfg.AdvisoryLockKey
	if lockKey == 0 {
		lockKey = 7371001
	}
	return &Poller{
		pool:        pool,
		store:       store,
		reconciler:  reconciler,
		gateway:     gateway,
		logger:      logger,
		batchSize:   bs,
		advisoryKey: lockKey,
	}
}

func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// Best-effort leader election for multi-instance deployments.
	// Only the instance holding the advisory lock will poll.
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := p.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, p.advisoryKey).Scan(&locked); err != nil {
			p.logger.Error("reconcile poller: failed to acquire advisory lock", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if !locked {
			p.logger.Info("reconcile poller: advisory lock held by another instance", "lock_key", p.advisoryKey)
			time.Sleep(30 * time.Second)
			continue
		}
		p.logger.Info("reconcile poller: advisory lock acquired", "lock_key", p.advisoryKey)
		defer func() {
			_, _ = p.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, p.advisoryKey)
		}()
		break
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	p.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	sites, err := p.store.ListSubscribedWebsites(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("reconcile poller: failed to list websites", "err", err)
		return
	}

	for _, site := range sites {
		if ctx.Err() != nil {
			return
		}
		sub, err := p.gateway.GetSubscription(ctx, site.SubscriptionRef)
		if err != nil {
			p.logger.Warn("reconcile poller: failed to fetch subscription",
				"err", err, "subscription_ref", site.SubscriptionRef, "website_id", site.ID)
			continue
		}

		ev := syntheticEvent(sub)
		if err := p.reconciler.Apply(ctx, ev); err != nil {
			p.logger.Warn("reconcile poller: apply failed",
				"err", err, "subscription_ref", site.SubscriptionRef, "website_id", site.ID)
		}
	}
}

// syntheticEvent shapes a polled subscription like a webhook event. The id
// is deterministic per subscription state so the dedup table suppresses
// repeat polls of an unchanged subscription.
func syntheticEvent(sub billing.Subscription) billing.Event {
	ev := billing.Event{
		Type:              billing.EventSubscriptionUpdated,
		SubscriptionRef:   sub.Ref,
		CustomerRef:       sub.CustomerRef,
		PriceRef:          sub.PriceRef,
		PeriodEnd:         sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		OccurredAt:        time.Now().UTC(),
	}
	if sub.Status == "canceled" || sub.Status == "incomplete_expired" {
		ev.Type = billing.EventSubscriptionDeleted
	}
	ev.ID = fmt.Sprintf("poll_%s_%s_%d_%s_%t",
		sub.Ref, ev.Type, sub.CurrentPeriodEnd.Unix(), sub.PriceRef, sub.CancelAtPeriodEnd)
	return ev
}
