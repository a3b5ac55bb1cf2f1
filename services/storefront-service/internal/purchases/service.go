// Package purchases handles the one-off payments of a website build: the
// deposit at order time and the final payment at delivery. Referral codes
// are validated and consumed here, which fixes the final amount for good.
package purchases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/sitewright/sitewright/services/storefront-service/internal/billing"
	"github.com/sitewright/sitewright/services/storefront-service/internal/plan"
	"github.com/sitewright/sitewright/services/storefront-service/internal/storage"
	"github.com/sitewright/sitewright/services/storefront-service/internal/subscriptions"
)

var (
	ErrInvalidReferralCode = errors.New("invalid referral code")
	ErrAlreadyPaid         = errors.New("final payment already settled")
)

// Pricing is the fixed price list for a website build.
type Pricing struct {
	DepositCents         int64
	FinalFullCents       int64
	FinalDiscountedCents int64
	ReferralBountyCents  int64
	Currency             string
}

// Store is the slice of the repository the purchase flow needs.
type Store interface {
	GetAccount(ctx context.Context, id uuid.UUID) (storage.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (storage.Account, error)
	ConsumeReferralCode(ctx context.Context, accountID uuid.UUID, code string) (bool, error)
	SetCustomerRef(ctx context.Context, accountID uuid.UUID, ref string) error
	CreateWebsite(ctx context.Context, w storage.Website) error
	GetWebsite(ctx context.Context, id uuid.UUID) (storage.Website, error)
}

// FinalPaymentRecorder flips the paid flag and settles referral credit.
type FinalPaymentRecorder interface {
	RecordFinalPayment(ctx context.Context, accountID, websiteID uuid.UUID, amountCents int64) error
}

type Service struct {
	store   Store
	gateway billing.Gateway
	subs    *subscriptions.Service
	ledger  FinalPaymentRecorder
	pricing Pricing
	logger  *slog.Logger
}

func New(store Store, gateway billing.Gateway, subs *subscriptions.Service, ledger FinalPaymentRecorder, pricing Pricing, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		subs:    subs,
		ledger:  ledger,
		pricing: pricing,
		logger:  logger,
	}
}

type CreateSiteRequest struct {
	Name             string
	ReferralCode     string
	PaymentMethodRef string
	InitialPlan      plan.Plan // optional, plan.None skips subscribing
}

type CreateSiteResult struct {
	Website           storage.Website
	DepositCents      int64
	FinalCents        int64
	DiscountApplied   bool
	InitialPlanResult *subscriptions.ChangeResult
}

// CreateSite charges the deposit and creates the website. The final amount
// is fixed now: a valid, unconsumed referral code locks in the discount,
// and each account can consume at most one code ever.
func (s *Service) CreateSite(ctx context.Context, accountID uuid.UUID, req CreateSiteRequest) (CreateSiteResult, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return CreateSiteResult{}, err
	}

	if req.ReferralCode != "" {
		referrer, err := s.store.GetAccountByReferralCode(ctx, req.ReferralCode)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return CreateSiteResult{}, fmt.Errorf("%w: %q", ErrInvalidReferralCode, req.ReferralCode)
			}
			return CreateSiteResult{}, err
		}
		if referrer.ID == accountID {
			return CreateSiteResult{}, fmt.Errorf("%w: own code", ErrInvalidReferralCode)
		}
	}

	customerRef, err := s.gateway.EnsureCustomer(ctx, acc.CustomerRef, acc.Email, acc.ID.String())
	if err != nil {
		return CreateSiteResult{}, err
	}
	if acc.CustomerRef == "" {
		if err := s.store.SetCustomerRef(ctx, acc.ID, customerRef); err != nil {
			return CreateSiteResult{}, err
		}
	}

	paymentMethodRef := req.PaymentMethodRef
	if paymentMethodRef == "" {
		paymentMethodRef, err = s.gateway.DefaultPaymentMethod(ctx, customerRef)
		if err != nil {
			return CreateSiteResult{}, err
		}
	}

	if _, err := s.gateway.ChargeOnce(ctx, customerRef, paymentMethodRef,
		s.pricing.DepositCents, s.pricing.Currency, "website deposit: "+req.Name); err != nil {
		return CreateSiteResult{}, err
	}

	// The code is consumed only once the deposit has gone through, so a
	// declined card does not burn the discount for the retry.
	finalCents := s.pricing.FinalFullCents
	discount := false
	if req.ReferralCode != "" {
		consumed, err := s.store.ConsumeReferralCode(ctx, accountID, req.ReferralCode)
		if err != nil {
			return CreateSiteResult{}, err
		}
		// A previously consumed code means no second discount; the order
		// still goes through at full price.
		if consumed {
			finalCents = s.pricing.FinalDiscountedCents
			discount = true
		}
	}

	w := storage.Website{
		ID:                      uuid.New(),
		AccountID:               accountID,
		Name:                    req.Name,
		FinalPaymentAmountCents: finalCents,
		Version:                 1,
	}
	if err := s.store.CreateWebsite(ctx, w); err != nil {
		return CreateSiteResult{}, err
	}

	res := CreateSiteResult{
		Website:         w,
		DepositCents:    s.pricing.DepositCents,
		FinalCents:      finalCents,
		DiscountApplied: discount,
	}

	if req.InitialPlan != plan.None && req.InitialPlan != "" {
		change, err := s.subs.ChangePlan(ctx, accountID, w.ID, req.InitialPlan, paymentMethodRef)
		if err != nil {
			// The site purchase stands; the customer can retry the plan
			// from the dashboard.
			s.logger.Error("initial plan subscription failed", "err", err,
				"website_id", w.ID, "plan", req.InitialPlan)
		} else {
			res.InitialPlanResult = &change
			res.Website, err = s.store.GetWebsite(ctx, w.ID)
			if err != nil {
				return CreateSiteResult{}, err
			}
		}
	}

	return res, nil
}

// PayFinal charges the final payment that was fixed at order time and
// settles the referral credit when applicable.
func (s *Service) PayFinal(ctx context.Context, accountID, websiteID uuid.UUID, paymentMethodRef string) (billing.Charge, error) {
	w, err := s.store.GetWebsite(ctx, websiteID)
	if err != nil {
		return billing.Charge{}, err
	}
	if w.AccountID != accountID {
		return billing.Charge{}, subscriptions.ErrNotOwner
	}
	if w.FinalPaymentPaid {
		return billing.Charge{}, ErrAlreadyPaid
	}

	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return billing.Charge{}, err
	}
	customerRef, err := s.gateway.EnsureCustomer(ctx, acc.CustomerRef, acc.Email, acc.ID.String())
	if err != nil {
		return billing.Charge{}, err
	}
	if acc.CustomerRef == "" {
		if err := s.store.SetCustomerRef(ctx, acc.ID, customerRef); err != nil {
			return billing.Charge{}, err
		}
	}

	if paymentMethodRef == "" {
		paymentMethodRef, err = s.gateway.DefaultPaymentMethod(ctx, customerRef)
		if err != nil {
			return billing.Charge{}, err
		}
	}

	charge, err := s.gateway.ChargeOnce(ctx, customerRef, paymentMethodRef,
		w.FinalPaymentAmountCents, s.pricing.Currency, "website final payment: "+w.Name)
	if err != nil {
		return billing.Charge{}, err
	}

	if err := s.ledger.RecordFinalPayment(ctx, accountID, websiteID, w.FinalPaymentAmountCents); err != nil {
		// The charge went through. Do not fail the request; flag the gap
		// for manual reconciliation instead.
		s.logger.Error("final payment recorded at provider but not locally, needs manual reconciliation",
			"err", err, "website_id", websiteID, "charge_ref", charge.Ref)
	}
	return charge, nil
}
