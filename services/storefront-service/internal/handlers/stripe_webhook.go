package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sitewright/sitewright/services/storefront-service/internal/billing"
)

// StripeWebhook handles Stripe webhooks (no JWT auth; signature verification
// is the auth). The event is acked with 200 only after it is fully applied;
// any processing failure returns 500 so Stripe redelivers.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.webhookSecret) == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	ev, err := billing.ParseWebhook(body, sigHeader, h.webhookSecret, h.webhookTolerance)
	if err != nil {
		if errors.Is(err, billing.ErrBadSignature) {
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	h.logger.Info("billing provider event received",
		"provider", "stripe",
		"provider_event_id", ev.ID,
		"event_type", string(ev.Type),
		"subscription_ref", ev.SubscriptionRef,
		"occurred_at", ev.OccurredAt.Format(time.RFC3339),
	)

	if err := h.reconciler.Apply(r.Context(), ev); err != nil {
		h.logger.Error("provider event apply failed", "err", err, "provider_event_id", ev.ID)
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
