package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sitewright/sitewright/services/storefront-service/internal/storage"
)

type registerAccountRequest struct {
	Email string `json:"email"`
}

// RegisterAccount provisions the storefront profile row for the
// authenticated account. Registering twice returns the existing profile.
func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	acctID, ok := accountID(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req registerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		http.Error(w, "valid email required", http.StatusBadRequest)
		return
	}

	acc := storage.Account{
		ID:           acctID,
		Email:        email,
		ReferralCode: storage.NewReferralCode(),
	}
	err := h.repo.CreateAccount(r.Context(), acc)
	if errors.Is(err, storage.ErrAlreadyExists) {
		acc, err = h.repo.GetAccount(r.Context(), acctID)
		if err != nil {
			h.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, accountView(acc))
		return
	}
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.recordAudit(r, "storefront.account.registered", acctID.String(), map[string]any{
		"email": email,
	})
	writeJSON(w, http.StatusCreated, accountView(acc))
}

func accountView(a storage.Account) map[string]any {
	return map[string]any{
		"id":            a.ID.String(),
		"email":         a.Email,
		"referral_code": a.ReferralCode,
	}
}
