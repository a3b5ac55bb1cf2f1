package storage

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sitewright/sitewright/services/storefront-service/internal/plan"
)

type Account struct {
	ID                    uuid.UUID
	Email                 string
	CustomerRef           string
	ReferralCode          string
	ReferralEarningsCents int64
	ReferralCount         int
	ReferredByCode        string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// referralCodeAlphabet leaves out 0/O and 1/I, the codes get read aloud.
const referralCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewReferralCode returns a fresh 8-character share code for an account.
func NewReferralCode() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = referralCodeAlphabet[int(b)%len(referralCodeAlphabet)]
	}
	return string(buf)
}

// Website is one customer site with its subscription state. A website can
// carry at most one scheduled change: either a pending downgrade or a
// pending cancellation, never both.
type Website struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	Name            string
	Hosting         bool
	Updates         bool
	SubscriptionRef string

	PendingDowngradePlan        plan.Plan
	PendingDowngradeEffectiveAt *time.Time
	PendingCancelEffectiveAt    *time.Time

	CurrentPeriodEnd        *time.Time
	FinalPaymentAmountCents int64
	FinalPaymentPaid        bool
	LastPaymentFailedAt     *time.Time
	CancelledAt             *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (w Website) Plan() plan.Plan {
	return plan.FromFlags(w.Hosting, w.Updates)
}

func (w *Website) SetPlan(p plan.Plan) {
	w.Hosting, w.Updates = p.Flags()
}

// SetPendingDowngrade schedules a downgrade, displacing any pending
// cancellation.
func (w *Website) SetPendingDowngrade(target plan.Plan, effectiveAt time.Time) {
	t := effectiveAt
	w.PendingDowngradePlan = target
	w.PendingDowngradeEffectiveAt = &t
	w.PendingCancelEffectiveAt = nil
}

// SetPendingCancellation schedules a cancellation, displacing any pending
// downgrade.
func (w *Website) SetPendingCancellation(effectiveAt time.Time) {
	t := effectiveAt
	w.PendingCancelEffectiveAt = &t
	w.PendingDowngradePlan = ""
	w.PendingDowngradeEffectiveAt = nil
}

func (w *Website) ClearPending() {
	w.PendingDowngradePlan = ""
	w.PendingDowngradeEffectiveAt = nil
	w.PendingCancelEffectiveAt = nil
}

// ChangePending reports whether a downgrade or cancellation is scheduled.
func (w Website) ChangePending() bool {
	return w.PendingDowngradeEffectiveAt != nil || w.PendingCancelEffectiveAt != nil
}
