// Package reconcile folds provider notifications into local website state.
// Events may arrive out of order and more than once; applying one is
// idempotent and never assumes the command that triggered it was persisted
// first.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sitewright/sitewright/services/storefront-service/internal/billing"
	"github.com/sitewright/sitewright/services/storefront-service/internal/outbox"
	"github.com/sitewright/sitewright/services/storefront-service/internal/storage"
)

const provider = "stripe"

// Store is the slice of the repository the reconciler needs.
type Store interface {
	GetWebsiteBySubscriptionRef(ctx context.Context, ref string) (storage.Website, error)
	UpdateWebsite(ctx context.Context, w storage.Website, evts ...outbox.Event) error
	SeenEvent(ctx context.Context, provider, eventID string) (bool, error)
	RecordEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) error
}

type Reconciler struct {
	store  Store
	prices billing.PriceTable
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, prices billing.PriceTable, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, prices: prices, logger: logger, now: time.Now}
}

// Apply processes one provider event. A nil return means the event is fully
// handled (including replays and orphans) and may be acked; any error means
// the caller must not ack so the provider redelivers.
func (r *Reconciler) Apply(ctx context.Context, ev billing.Event) error {
	if ev.Type == billing.EventIgnored {
		return nil
	}

	seen, err := r.store.SeenEvent(ctx, provider, ev.ID)
	if err != nil {
		return err
	}
	if seen {
		r.logger.Debug("provider event replay ignored", "provider_event_id", ev.ID, "event_type", ev.Type)
		return nil
	}

	if ev.SubscriptionRef == "" {
		r.logger.Warn("provider event without subscription ref dropped", "provider_event_id", ev.ID, "event_type", ev.Type)
		r.recordProcessed(ctx, ev)
		return nil
	}

	w, err := r.store.GetWebsiteBySubscriptionRef(ctx, ev.SubscriptionRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Subscription unknown locally, e.g. the website was deleted.
			r.logger.Warn("provider event for unknown subscription dropped",
				"provider_event_id", ev.ID, "subscription_ref", ev.SubscriptionRef)
			r.recordProcessed(ctx, ev)
			return nil
		}
		return err
	}

	for attempt := 0; ; attempt++ {
		updated, evts, changed := r.evaluate(w, ev)
		if !changed {
			break
		}
		err := r.store.UpdateWebsite(ctx, updated, evts...)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrVersionConflict) || attempt >= 2 {
			return err
		}
		w, err = r.store.GetWebsiteBySubscriptionRef(ctx, ev.SubscriptionRef)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				r.recordProcessed(ctx, ev)
				return nil
			}
			return err
		}
	}

	r.recordProcessed(ctx, ev)
	return nil
}

// recordProcessed marks the event as seen. Best effort: the evaluation is
// idempotent, so losing the marker only costs a no-op replay.
func (r *Reconciler) recordProcessed(ctx context.Context, ev billing.Event) {
	if err := r.store.RecordEvent(ctx, provider, ev.ID, string(ev.Type), nil); err != nil {
		r.logger.Error("failed to record provider event", "err", err, "provider_event_id", ev.ID)
	}
}

// evaluate computes the website state after the event. It is pure apart
// from the clock and returns changed=false when the event carries nothing
// new, so replays skip the write entirely.
func (r *Reconciler) evaluate(w storage.Website, ev billing.Event) (storage.Website, []outbox.Event, bool) {
	before := w

	switch ev.Type {
	case billing.EventSubscriptionDeleted:
		w.Hosting = false
		w.Updates = false
		w.SubscriptionRef = ""
		w.CurrentPeriodEnd = nil
		w.ClearPending()
		if w.CancelledAt == nil {
			t := ev.OccurredAt
			w.CancelledAt = &t
		}

	case billing.EventPaymentFailed:
		failedAt := ev.OccurredAt
		if failedAt.IsZero() {
			failedAt = r.now().UTC()
		}
		if w.LastPaymentFailedAt != nil && !failedAt.After(*w.LastPaymentFailedAt) {
			return w, nil, false
		}
		w.LastPaymentFailedAt = &failedAt
		evt := r.paymentFailedEvent(w, failedAt)
		return w, []outbox.Event{evt}, true

	case billing.EventSubscriptionUpdated:
		// Period end only moves forward so stale events cannot regress it.
		if !ev.PeriodEnd.IsZero() && (w.CurrentPeriodEnd == nil || ev.PeriodEnd.After(*w.CurrentPeriodEnd)) {
			t := ev.PeriodEnd
			w.CurrentPeriodEnd = &t
		}

		if ev.CancelAtPeriodEnd {
			switch {
			case w.PendingCancelEffectiveAt == nil:
				w.SetPendingCancellation(ev.PeriodEnd)
			case !ev.PeriodEnd.IsZero() && ev.PeriodEnd.After(*w.PendingCancelEffectiveAt):
				// The provider moved the boundary. Refresh it, but only
				// forward, so stale redeliveries cannot regress it.
				w.SetPendingCancellation(ev.PeriodEnd)
			}
			break
		}

		target, known := r.prices.PlanFor(ev.PriceRef)
		if !known {
			r.logger.Warn("provider event with unknown price",
				"provider_event_id", ev.ID, "price_ref", ev.PriceRef)
			break
		}

		current := w.Plan()
		switch {
		case w.PendingDowngradeEffectiveAt != nil:
			// The downgrade becomes effective only once a period end
			// strictly past the recorded boundary shows up. Until then the
			// price on the event already reflects the future plan, so it
			// must not be applied to the flags.
			if ev.PeriodEnd.After(*w.PendingDowngradeEffectiveAt) {
				w.SetPlan(w.PendingDowngradePlan)
				w.ClearPending()
			}
		case target.Rank() < current.Rank():
			// Provider shows a cheaper price with no downgrade on record:
			// the webhook beat the command write. Record the downgrade as
			// pending; the flags stay on the current plan until the
			// boundary passes.
			w.SetPendingDowngrade(target, ev.PeriodEnd)
		case target != current:
			w.SetPlan(target)
		}
	}

	changed := websiteChanged(before, w)
	return w, nil, changed
}

func (r *Reconciler) paymentFailedEvent(w storage.Website, failedAt time.Time) outbox.Event {
	payload, _ := json.Marshal(map[string]any{
		"website_id":       w.ID.String(),
		"account_id":       w.AccountID.String(),
		"subscription_ref": w.SubscriptionRef,
		"plan":             string(w.Plan()),
		"failed_at":        failedAt.Format(time.RFC3339),
	})
	return outbox.Event{
		AggregateType: "website",
		AggregateID:   w.ID.String(),
		EventType:     outbox.TopicPaymentFailed,
		Payload:       payload,
	}
}

func websiteChanged(a, b storage.Website) bool {
	return a.Hosting != b.Hosting ||
		a.Updates != b.Updates ||
		a.SubscriptionRef != b.SubscriptionRef ||
		a.PendingDowngradePlan != b.PendingDowngradePlan ||
		!timePtrEqual(a.PendingDowngradeEffectiveAt, b.PendingDowngradeEffectiveAt) ||
		!timePtrEqual(a.PendingCancelEffectiveAt, b.PendingCancelEffectiveAt) ||
		!timePtrEqual(a.CurrentPeriodEnd, b.CurrentPeriodEnd) ||
		!timePtrEqual(a.LastPaymentFailedAt, b.LastPaymentFailedAt) ||
		!timePtrEqual(a.CancelledAt, b.CancelledAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
