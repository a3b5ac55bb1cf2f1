package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sitewright/sitewright/libs/auth"
	"github.com/sitewright/sitewright/services/storefront-service/internal/billing"
	"github.com/sitewright/sitewright/services/storefront-service/internal/plan"
	"github.com/sitewright/sitewright/services/storefront-service/internal/purchases"
	"github.com/sitewright/sitewright/services/storefront-service/internal/storage"
	"github.com/sitewright/sitewright/services/storefront-service/internal/subscriptions"
)

// EventApplier is satisfied by the reconciler.
type EventApplier interface {
	Apply(ctx context.Context, ev billing.Event) error
}

type Handler struct {
	repo             *storage.Repository
	subs             *subscriptions.Service
	purchases        *purchases.Service
	reconciler       EventApplier
	logger           *slog.Logger
	webhookSecret    string
	webhookTolerance time.Duration
}

type Config struct {
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
}

func New(repo *storage.Repository, subs *subscriptions.Service, purch *purchases.Service, reconciler EventApplier, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.StripeWebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	return &Handler{
		repo:             repo,
		subs:             subs,
		purchases:        purch,
		reconciler:       reconciler,
		logger:           logger,
		webhookSecret:    strings.TrimSpace(cfg.StripeWebhookSecret),
		webhookTolerance: time.Duration(tolSeconds) * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps domain errors onto HTTP statuses.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, subscriptions.ErrNotOwner):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, plan.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, plan.ErrUnknownPlan), errors.Is(err, purchases.ErrInvalidReferralCode):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, purchases.ErrAlreadyPaid):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, billing.ErrNoPaymentMethod):
		http.Error(w, "no payment method on file", http.StatusPaymentRequired)
	case errors.Is(err, billing.ErrProvider):
		h.logger.Error("payment provider call failed", "err", err)
		http.Error(w, "payment provider unavailable", http.StatusBadGateway)
	case errors.Is(err, storage.ErrVersionConflict):
		http.Error(w, "conflicting update, retry", http.StatusConflict)
	default:
		h.logger.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) recordAudit(r *http.Request, eventType string, accountID string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if reqID := strings.TrimSpace(r.Header.Get("X-Request-Id")); reqID != "" {
		metadata["request_id"] = reqID
	}
	raw, _ := json.Marshal(metadata)
	evt := storage.AuditEvent{
		EventType: eventType,
		ActorType: "customer",
		ActorID:   accountID,
		AccountID: accountID,
		Metadata:  raw,
	}
	if err := h.repo.InsertAuditEvent(r.Context(), evt); err != nil {
		h.logger.Error("failed to record audit event", "err", err, "event_type", eventType)
	}
}

func accountID(r *http.Request) (uuid.UUID, bool) {
	return auth.AccountIDFromContext(r.Context())
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue(name))
}

type siteView struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Plan                plan.Plan  `json:"plan"`
	PendingDowngrade    plan.Plan  `json:"pending_downgrade,omitempty"`
	PendingCancellation bool       `json:"pending_cancellation"`
	EffectiveAt         *time.Time `json:"effective_at,omitempty"`
	CurrentPeriodEnd    *time.Time `json:"current_period_end,omitempty"`
	FinalPaymentCents   int64      `json:"final_payment_cents"`
	FinalPaymentPaid    bool       `json:"final_payment_paid"`
	LastPaymentFailedAt *time.Time `json:"last_payment_failed_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func toSiteView(w storage.Website) siteView {
	v := siteView{
		ID:                  w.ID.String(),
		Name:                w.Name,
		Plan:                w.Plan(),
		PendingDowngrade:    w.PendingDowngradePlan,
		PendingCancellation: w.PendingCancelEffectiveAt != nil,
		CurrentPeriodEnd:    w.CurrentPeriodEnd,
		FinalPaymentCents:   w.FinalPaymentAmountCents,
		FinalPaymentPaid:    w.FinalPaymentPaid,
		LastPaymentFailedAt: w.LastPaymentFailedAt,
		CancelledAt:         w.CancelledAt,
		CreatedAt:           w.CreatedAt,
	}
	switch {
	case w.PendingDowngradeEffectiveAt != nil:
		v.EffectiveAt = w.PendingDowngradeEffectiveAt
	case w.PendingCancelEffectiveAt != nil:
		v.EffectiveAt = w.PendingCancelEffectiveAt
	}
	return v
}
