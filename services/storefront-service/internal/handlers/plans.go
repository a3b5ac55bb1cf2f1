package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sitewright/sitewright/services/storefront-service/internal/plan"
)

type changePlanRequest struct {
	Plan             string `json:"plan"`
	PaymentMethodRef string `json:"payment_method,omitempty"`
}

func (h *Handler) ChangePlan(w http.ResponseWriter, r *http.Request) {
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

	var req changePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	target, err := plan.Parse(strings.TrimSpace(strings.ToLower(req.Plan)))
	if err != nil {
		h.respondError(w, err)
		return
	}

	res, err := h.subs.ChangePlan(r.Context(), acctID, siteID, target, strings.TrimSpace(req.PaymentMethodRef))
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.recordAudit(r, "storefront.plan.changed", acctID.String(), map[string]any{
		"website_id": siteID.String(),
		"target":     string(target),
		"kind":       string(res.Kind),
	})
	writeJSON(w, http.StatusOK, res)
}

// PlanOptions returns every selectable plan for a site annotated with the
// transition kind so the client can render the right confirmation copy.
func (h *Handler) PlanOptions(w http.ResponseWriter, r *http.Request) {
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

	site, err := h.repo.GetWebsite(r.Context(), siteID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if site.AccountID != acctID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"current": site.Plan(),
		"options": plan.Options(site.Plan(), site.ChangePending()),
	})
}
