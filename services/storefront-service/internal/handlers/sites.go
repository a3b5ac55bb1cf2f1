package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sitewright/sitewright/services/storefront-service/internal/plan"
	"github.com/sitewright/sitewright/services/storefront-service/internal/purchases"
)

type createSiteRequest struct {
	Name             string `json:"name"`
	ReferralCode     string `json:"referral_code,omitempty"`
	PaymentMethodRef string `json:"payment_method,omitempty"`
	InitialPlan      string `json:"initial_plan,omitempty"`
}

func (h *Handler) CreateSite(w http.ResponseWriter, r *http.Request) {
	acctID, ok := accountID(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	initialPlan := plan.None
	if p := strings.TrimSpace(strings.ToLower(req.InitialPlan)); p != "" {
		var err error
		initialPlan, err = plan.Parse(p)
		if err != nil {
			h.respondError(w, err)
			return
		}
	}

	res, err := h.purchases.CreateSite(r.Context(), acctID, purchases.CreateSiteRequest{
		Name:             req.Name,
		ReferralCode:     strings.TrimSpace(strings.ToUpper(req.ReferralCode)),
		PaymentMethodRef: strings.TrimSpace(req.PaymentMethodRef),
		InitialPlan:      initialPlan,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.recordAudit(r, "storefront.site.created", acctID.String(), map[string]any{
		"website_id":       res.Website.ID.String(),
		"deposit_cents":    res.DepositCents,
		"final_cents":      res.FinalCents,
		"discount_applied": res.DiscountApplied,
	})

	resp := map[string]any{
		"site":             toSiteView(res.Website),
		"deposit_cents":    res.DepositCents,
		"final_cents":      res.FinalCents,
		"discount_applied": res.DiscountApplied,
	}
	if res.InitialPlanResult != nil {
		resp["plan_change"] = res.InitialPlanResult
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) ListSites(w http.ResponseWriter, r *http.Request) {
	acctID, ok := accountID(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sites, err := h.repo.ListWebsites(r.Context(), acctID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]siteView, 0, len(sites))
	for _, s := range sites {
		views = append(views, toSiteView(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": views})
}

func (h *Handler) GetSite(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, toSiteView(site))
}

func (h *Handler) DeleteSite(w http.ResponseWriter, r *http.Request) {
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

	if err := h.subs.DeleteWebsite(r.Context(), acctID, siteID); err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, "storefront.site.deleted", acctID.String(), map[string]any{
		"website_id": siteID.String(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}
