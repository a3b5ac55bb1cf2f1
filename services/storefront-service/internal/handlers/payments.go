package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
)

type finalPaymentRequest struct {
	PaymentMethodRef string `json:"payment_method,omitempty"`
}

func (h *Handler) PayFinal(w http.ResponseWriter, r *http.Request) {
	acctID, ok := accountID(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	siteID, err := pathID(r, "siteID")
	if err != nil {
		http.Error(w, "invalid site id", http.StatusBadRequest)
		return
	}

	var req finalPaymentRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // optional body

	charge, err := h.purchases.PayFinal(r.Context(), acctID, siteID, strings.TrimSpace(req.PaymentMethodRef))
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.recordAudit(r, "storefront.final_payment.settled", acctID.String(), map[string]any{
		"website_id":   siteID.String(),
		"charge_ref":   charge.Ref,
		"amount_cents": charge.AmountCents,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"charge_ref":   charge.Ref,
		"amount_cents": charge.AmountCents,
		"status":       charge.Status,
	})
}

// Referrals reports the caller's referral code and accumulated earnings.
func (h *Handler) Referrals(w http.ResponseWriter, r *http.Request) {
	acctID, ok := accountID(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	acc, err := h.repo.GetAccount(r.Context(), acctID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"referral_code":  acc.ReferralCode,
		"referred_count": acc.ReferralCount,
		"earnings_cents": acc.ReferralEarningsCents,
	})
}
