// Package referrals credits referrers when a referred customer settles
// their discounted final payment. Crediting happens at most once per
// website, gated by the final payment paid flip.
package referrals

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sitewright/sitewright/services/storefront-service/internal/outbox"
	"github.com/sitewright/sitewright/services/storefront-service/internal/storage"
)

// Store is the slice of the repository the ledger needs.
type Store interface {
	MarkFinalPaymentPaid(ctx context.Context, websiteID uuid.UUID) (bool, error)
	GetAccount(ctx context.Context, id uuid.UUID) (storage.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (storage.Account, error)
	CreditReferral(ctx context.Context, referrerID uuid.UUID, cents int64, evts ...outbox.Event) error
}

type Ledger struct {
	store           Store
	bountyCents     int64
	discountedCents int64
	logger          *slog.Logger
}

func New(store Store, bountyCents, discountedCents int64, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:           store,
		bountyCents:     bountyCents,
		discountedCents: discountedCents,
		logger:          logger,
	}
}

// RecordFinalPayment marks the final payment settled and credits the
// referrer when the payer was referred and paid the discounted amount.
// Only the call that flips the paid flag can credit; retries and webhook
// replays hit the already-flipped flag and return without side effects.
func (l *Ledger) RecordFinalPayment(ctx context.Context, accountID, websiteID uuid.UUID, amountCents int64) error {
	first, err := l.store.MarkFinalPaymentPaid(ctx, websiteID)
	if err != nil {
		return err
	}
	if !first {
		l.logger.Debug("final payment already recorded", "website_id", websiteID)
		return nil
	}

	if amountCents != l.discountedCents {
		// Full price paid: no referral was involved in this purchase.
		return nil
	}

	payer, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		l.logger.Error("referral credit skipped: payer lookup failed", "err", err, "account_id", accountID)
		return nil
	}
	if payer.ReferredByCode == "" {
		return nil
	}

	referrer, err := l.store.GetAccountByReferralCode(ctx, payer.ReferredByCode)
	if err != nil {
		l.logger.Error("referral credit skipped: referrer lookup failed",
			"err", err, "referral_code", payer.ReferredByCode)
		return nil
	}

	evt := creditedEvent(referrer.ID, payer.ID, websiteID, l.bountyCents)
	if err := l.store.CreditReferral(ctx, referrer.ID, l.bountyCents, evt); err != nil {
		// The payment itself succeeded; the missing credit is flagged for
		// manual follow-up rather than failing the request.
		l.logger.Error("referral credit failed, needs manual reconciliation",
			"err", err, "referrer_id", referrer.ID, "website_id", websiteID)
		return nil
	}

	l.logger.Info("referral credited",
		"referrer_id", referrer.ID, "referred_account_id", payer.ID,
		"website_id", websiteID, "amount_cents", l.bountyCents)
	return nil
}

func creditedEvent(referrerID, referredID, websiteID uuid.UUID, cents int64) outbox.Event {
	payload, _ := json.Marshal(map[string]any{
		"referrer_id":         referrerID.String(),
		"referred_account_id": referredID.String(),
		"website_id":          websiteID.String(),
		"amount_cents":        cents,
		"credited_at":         time.Now().UTC().Format(time.RFC3339),
	})
	return outbox.Event{
		AggregateType: "account",
		AggregateID:   referrerID.String(),
		EventType:     outbox.TopicReferralCredited,
		Payload:       payload,
	}
}
