// Package subscriptions implements the plan change commands. Provider
// calls happen before any local write; local state is only mutated after
// the provider accepted the change, guarded by the website version.
package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sitewright/sitewright/services/storefront-service/internal/billing"
	"github.com/sitewright/sitewright/services/storefront-service/internal/outbox"
	"github.com/sitewright/sitewright/services/storefront-service/internal/plan"
	"github.com/sitewright/sitewright/services/storefront-service/internal/storage"
)

var ErrNotOwner = errors.New("website does not belong to account")

// Store is the slice of the repository the service needs.
type Store interface {
	GetAccount(ctx context.Context, id uuid.UUID) (storage.Account, error)
	GetWebsite(ctx context.Context, id uuid.UUID) (storage.Website, error)
	UpdateWebsite(ctx context.Context, w storage.Website, evts ...outbox.Event) error
	DeleteWebsite(ctx context.Context, id uuid.UUID) error
	SetCustomerRef(ctx context.Context, accountID uuid.UUID, ref string) error
}

type Service struct {
	store   Store
	gateway billing.Gateway
	prices  billing.PriceTable
	logger  *slog.Logger
}

func New(store Store, gateway billing.Gateway, prices billing.PriceTable, logger *slog.Logger) *Service {
	return &Service{store: store, gateway: gateway, prices: prices, logger: logger}
}

// ChangeResult describes the state after a plan change command.
type ChangeResult struct {
	Kind                plan.Kind  `json:"kind"`
	Plan                plan.Plan  `json:"plan"`
	PendingDowngrade    plan.Plan  `json:"pending_downgrade,omitempty"`
	PendingCancellation bool       `json:"pending_cancellation"`
	EffectiveAt         *time.Time `json:"effective_at,omitempty"`
}

// ChangePlan moves a website to the target plan. Upgrades and laterals take
// effect immediately; downgrades and cancellations are scheduled for the
// period boundary; re-selecting the current plan abandons a scheduled change.
func (s *Service) ChangePlan(ctx context.Context, accountID, websiteID uuid.UUID, target plan.Plan, paymentMethodRef string) (ChangeResult, error) {
	w, err := s.store.GetWebsite(ctx, websiteID)
	if err != nil {
		return ChangeResult{}, err
	}
	if w.AccountID != accountID {
		return ChangeResult{}, ErrNotOwner
	}

	current := w.Plan()
	kind, err := plan.Classify(current, target, w.ChangePending())
	if err != nil {
		return ChangeResult{}, err
	}

	switch kind {
	case plan.KindUpgrade, plan.KindLateral:
		if w.SubscriptionRef == "" {
			return s.subscribe(ctx, w, target, kind, paymentMethodRef)
		}
		return s.switchPrice(ctx, w, target, kind)
	case plan.KindDowngrade:
		return s.scheduleDowngrade(ctx, w, target)
	case plan.KindCancel:
		return s.scheduleCancel(ctx, w)
	case plan.KindReactivate:
		return s.reactivate(ctx, w, current)
	}
	return ChangeResult{}, fmt.Errorf("%w: %s", plan.ErrInvalidTransition, kind)
}

// subscribe creates the first provider subscription for a website.
func (s *Service) subscribe(ctx context.Context, w storage.Website, target plan.Plan, kind plan.Kind, paymentMethodRef string) (ChangeResult, error) {
	acc, err := s.store.GetAccount(ctx, w.AccountID)
	if err != nil {
		return ChangeResult{}, err
	}

	customerRef, err := s.gateway.EnsureCustomer(ctx, acc.CustomerRef, acc.Email, acc.ID.String())
	if err != nil {
		return ChangeResult{}, err
	}
	if acc.CustomerRef == "" {
		if err := s.store.SetCustomerRef(ctx, acc.ID, customerRef); err != nil {
			return ChangeResult{}, err
		}
	}

	if paymentMethodRef == "" {
		paymentMethodRef, err = s.gateway.DefaultPaymentMethod(ctx, customerRef)
		if err != nil {
			return ChangeResult{}, err
		}
	}

	priceRef, err := s.prices.RefFor(target)
	if err != nil {
		return ChangeResult{}, err
	}
	sub, err := s.gateway.CreateSubscription(ctx, customerRef, priceRef, paymentMethodRef)
	if err != nil {
		return ChangeResult{}, err
	}

	periodEnd := sub.CurrentPeriodEnd
	w, err = s.persist(ctx, w, func(w *storage.Website) {
		w.SetPlan(target)
		w.SubscriptionRef = sub.Ref
		w.CurrentPeriodEnd = &periodEnd
		w.CancelledAt = nil
		w.ClearPending()
	}, s.planChangedEvent(w, kind, target))
	if err != nil {
		return ChangeResult{}, err
	}
	return s.result(w, kind), nil
}

// switchPrice applies an immediate price change on an existing subscription.
// Upgrades invoice the prorated difference now; laterals do not prorate.
func (s *Service) switchPrice(ctx context.Context, w storage.Website, target plan.Plan, kind plan.Kind) (ChangeResult, error) {
	if err := s.resumeIfCancelPending(ctx, &w); err != nil {
		return ChangeResult{}, err
	}

	priceRef, err := s.prices.RefFor(target)
	if err != nil {
		return ChangeResult{}, err
	}
	proration := billing.ProrationInvoiceNow
	if kind == plan.KindLateral {
		proration = billing.ProrationNone
	}
	sub, err := s.gateway.ChangePrice(ctx, w.SubscriptionRef, billing.PriceChange{
		PriceRef:  priceRef,
		Proration: proration,
	})
	if err != nil {
		return ChangeResult{}, err
	}

	periodEnd := sub.CurrentPeriodEnd
	w, err = s.persist(ctx, w, func(w *storage.Website) {
		w.SetPlan(target)
		w.CurrentPeriodEnd = &periodEnd
		w.ClearPending()
	}, s.planChangedEvent(w, kind, target))
	if err != nil {
		return ChangeResult{}, err
	}
	return s.result(w, kind), nil
}

// scheduleDowngrade swaps the provider price without proration, keeping the
// billing anchor, and records the downgrade locally as pending until the
// period boundary.
func (s *Service) scheduleDowngrade(ctx context.Context, w storage.Website, target plan.Plan) (ChangeResult, error) {
	if err := s.resumeIfCancelPending(ctx, &w); err != nil {
		return ChangeResult{}, err
	}

	priceRef, err := s.prices.RefFor(target)
	if err != nil {
		return ChangeResult{}, err
	}
	sub, err := s.gateway.ChangePrice(ctx, w.SubscriptionRef, billing.PriceChange{
		PriceRef:          priceRef,
		Proration:         billing.ProrationNone,
		KeepBillingAnchor: true,
	})
	if err != nil {
		return ChangeResult{}, err
	}

	effectiveAt := sub.CurrentPeriodEnd
	w, err = s.persist(ctx, w, func(w *storage.Website) {
		w.SetPendingDowngrade(target, effectiveAt)
		w.CurrentPeriodEnd = &effectiveAt
	}, s.planChangedEvent(w, plan.KindDowngrade, target))
	if err != nil {
		return ChangeResult{}, err
	}
	return s.result(w, plan.KindDowngrade), nil
}

func (s *Service) scheduleCancel(ctx context.Context, w storage.Website) (ChangeResult, error) {
	sub, err := s.gateway.ScheduleCancel(ctx, w.SubscriptionRef)
	if err != nil {
		return ChangeResult{}, err
	}

	effectiveAt := sub.CurrentPeriodEnd
	w, err = s.persist(ctx, w, func(w *storage.Website) {
		w.SetPendingCancellation(effectiveAt)
		w.CurrentPeriodEnd = &effectiveAt
	}, s.planChangedEvent(w, plan.KindCancel, plan.None))
	if err != nil {
		return ChangeResult{}, err
	}
	return s.result(w, plan.KindCancel), nil
}

// reactivate abandons a scheduled cancellation or downgrade. A pending
// downgrade already changed the provider price, so it is reverted too.
func (s *Service) reactivate(ctx context.Context, w storage.Website, current plan.Plan) (ChangeResult, error) {
	if w.PendingCancelEffectiveAt != nil {
		if _, err := s.gateway.ResumeSubscription(ctx, w.SubscriptionRef); err != nil {
			return ChangeResult{}, err
		}
	}
	if w.PendingDowngradeEffectiveAt != nil {
		priceRef, err := s.prices.RefFor(current)
		if err != nil {
			return ChangeResult{}, err
		}
		if _, err := s.gateway.ChangePrice(ctx, w.SubscriptionRef, billing.PriceChange{
			PriceRef:          priceRef,
			Proration:         billing.ProrationNone,
			KeepBillingAnchor: true,
		}); err != nil {
			return ChangeResult{}, err
		}
	}

	w, err := s.persist(ctx, w, func(w *storage.Website) {
		w.ClearPending()
	}, s.planChangedEvent(w, plan.KindReactivate, current))
	if err != nil {
		return ChangeResult{}, err
	}
	return s.result(w, plan.KindReactivate), nil
}

// DeleteWebsite removes a website, cancelling its subscription immediately
// when one exists.
func (s *Service) DeleteWebsite(ctx context.Context, accountID, websiteID uuid.UUID) error {
	w, err := s.store.GetWebsite(ctx, websiteID)
	if err != nil {
		return err
	}
	if w.AccountID != accountID {
		return ErrNotOwner
	}
	if w.SubscriptionRef != "" {
		if err := s.gateway.CancelNow(ctx, w.SubscriptionRef); err != nil {
			return err
		}
	}
	return s.store.DeleteWebsite(ctx, websiteID)
}

// resumeIfCancelPending clears a scheduled cancellation at the provider
// before another change is applied on top of it.
func (s *Service) resumeIfCancelPending(ctx context.Context, w *storage.Website) error {
	if w.PendingCancelEffectiveAt == nil {
		return nil
	}
	if _, err := s.gateway.ResumeSubscription(ctx, w.SubscriptionRef); err != nil {
		return err
	}
	return nil
}

// persist applies mutate to the website and writes it, re-reading and
// re-applying on version conflicts. The mutation must be local-only; the
// provider has already been called by this point and is never called again.
func (s *Service) persist(ctx context.Context, w storage.Website, mutate func(*storage.Website), evts ...outbox.Event) (storage.Website, error) {
	sawCancelPending := w.PendingCancelEffectiveAt != nil
	for attempt := 0; attempt < 3; attempt++ {
		mutate(&w)
		err := s.store.UpdateWebsite(ctx, w, evts...)
		if err == nil {
			w.Version++
			return w, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return storage.Website{}, err
		}
		s.logger.Warn("website version conflict, retrying", "website_id", w.ID)
		fresh, err := s.store.GetWebsite(ctx, w.ID)
		if err != nil {
			return storage.Website{}, err
		}
		// A cancellation recorded since the first read was never resumed
		// at the provider. Reapplying the mutation would erase it locally
		// while cancel-at-period-end stays set, so the caller has to retry
		// the command against the fresh state.
		if fresh.PendingCancelEffectiveAt != nil && !sawCancelPending {
			return storage.Website{}, storage.ErrVersionConflict
		}
		w = fresh
	}
	return storage.Website{}, storage.ErrVersionConflict
}

func (s *Service) result(w storage.Website, kind plan.Kind) ChangeResult {
	res := ChangeResult{
		Kind:                kind,
		Plan:                w.Plan(),
		PendingDowngrade:    w.PendingDowngradePlan,
		PendingCancellation: w.PendingCancelEffectiveAt != nil,
	}
	switch {
	case w.PendingDowngradeEffectiveAt != nil:
		res.EffectiveAt = w.PendingDowngradeEffectiveAt
	case w.PendingCancelEffectiveAt != nil:
		res.EffectiveAt = w.PendingCancelEffectiveAt
	}
	return res
}

func (s *Service) planChangedEvent(w storage.Website, kind plan.Kind, target plan.Plan) outbox.Event {
	payload, _ := json.Marshal(map[string]any{
		"website_id": w.ID.String(),
		"account_id": w.AccountID.String(),
		"kind":       string(kind),
		"target":     string(target),
		"changed_at": time.Now().UTC().Format(time.RFC3339),
	})
	return outbox.Event{
		AggregateType: "website",
		AggregateID:   w.ID.String(),
		EventType:     outbox.TopicPlanChanged,
		Payload:       payload,
	}
}
