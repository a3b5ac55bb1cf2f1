package purchases

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sitewright/sitewright/services/storefront-service/internal/billing"
	"github.com/sitewright/sitewright/services/storefront-service/internal/outbox"
	"github.com/sitewright/sitewright/services/storefront-service/internal/plan"
	"github.com/sitewright/sitewright/services/storefront-service/internal/storage"
	"github.com/sitewright/sitewright/services/storefront-service/internal/subscriptions"
)

var testPricing = Pricing{
	DepositCents:         50000,
	FinalFullCents:       200000,
	FinalDiscountedCents: 150000,
	ReferralBountyCents:  5000,
	Currency:             "usd",
}

type fakeStore struct {
	accounts map[uuid.UUID]storage.Account
	byCode   map[string]uuid.UUID
	websites map[uuid.UUID]storage.Website
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[uuid.UUID]storage.Account{},
		byCode:   map[string]uuid.UUID{},
		websites: map[uuid.UUID]storage.Website{},
	}
}

func (f *fakeStore) GetAccount(_ context.Context, id uuid.UUID) (storage.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) GetAccountByReferralCode(_ context.Context, code string) (storage.Account, error) {
	id, ok := f.byCode[code]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return f.accounts[id], nil
}

func (f *fakeStore) ConsumeReferralCode(_ context.Context, accountID uuid.UUID, code string) (bool, error) {
	a, ok := f.accounts[accountID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if a.ReferredByCode != "" {
		return false, nil
	}
	a.ReferredByCode = code
	f.accounts[accountID] = a
	return true, nil
}

func (f *fakeStore) SetCustomerRef(_ context.Context, accountID uuid.UUID, ref string) error {
	a, ok := f.accounts[accountID]
	if !ok {
		return storage.ErrNotFound
	}
	if a.CustomerRef == "" {
		a.CustomerRef = ref
		f.accounts[accountID] = a
	}
	return nil
}

func (f *fakeStore) CreateWebsite(_ context.Context, w storage.Website) error {
	f.websites[w.ID] = w
	return nil
}

func (f *fakeStore) GetWebsite(_ context.Context, id uuid.UUID) (storage.Website, error) {
	w, ok := f.websites[id]
	if !ok {
		return storage.Website{}, storage.ErrNotFound
	}
	return w, nil
}

func (f *fakeStore) UpdateWebsite(_ context.Context, w storage.Website, _ ...outbox.Event) error {
	stored, ok := f.websites[w.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Version != w.Version {
		return storage.ErrVersionConflict
	}
	w.Version++
	f.websites[w.ID] = w
	return nil
}

func (f *fakeStore) DeleteWebsite(_ context.Context, id uuid.UUID) error {
	delete(f.websites, id)
	return nil
}

type fakeGateway struct {
	charges    []int64
	failCharge bool
	failSub    bool
}

func (g *fakeGateway) EnsureCustomer(_ context.Context, existingRef, _ string, _ string) (string, error) {
	if existingRef != "" {
		return existingRef, nil
	}
	return "cus_1", nil
}

func (g *fakeGateway) DefaultPaymentMethod(_ context.Context, _ string) (string, error) {
	return "pm_1", nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, _, priceRef, _ string) (billing.Subscription, error) {
	if g.failSub {
		return billing.Subscription{}, billing.ErrProvider
	}
	return billing.Subscription{
		Ref:              "sub_1",
		PriceRef:         priceRef,
		Status:           "active",
		CurrentPeriodEnd: time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (g *fakeGateway) ChangePrice(_ context.Context, _ string, change billing.PriceChange) (billing.Subscription, error) {
	return billing.Subscription{Ref: "sub_1", PriceRef: change.PriceRef}, nil
}

func (g *fakeGateway) ScheduleCancel(_ context.Context, _ string) (billing.Subscription, error) {
	return billing.Subscription{Ref: "sub_1", CancelAtPeriodEnd: true}, nil
}

func (g *fakeGateway) ResumeSubscription(_ context.Context, _ string) (billing.Subscription, error) {
	return billing.Subscription{Ref: "sub_1"}, nil
}

func (g *fakeGateway) CancelNow(_ context.Context, _ string) error { return nil }

func (g *fakeGateway) GetSubscription(_ context.Context, _ string) (billing.Subscription, error) {
	return billing.Subscription{Ref: "sub_1"}, nil
}

func (g *fakeGateway) ChargeOnce(_ context.Context, _, _ string, amountCents int64, _, _ string) (billing.Charge, error) {
	if g.failCharge {
		return billing.Charge{}, billing.ErrProvider
	}
	g.charges = append(g.charges, amountCents)
	return billing.Charge{Ref: "pi_1", AmountCents: amountCents, Status: "succeeded"}, nil
}

type fakeLedger struct {
	calls []int64
	fail  bool
}

func (l *fakeLedger) RecordFinalPayment(_ context.Context, _, _ uuid.UUID, amountCents int64) error {
	if l.fail {
		return errors.New("ledger down")
	}
	l.calls = append(l.calls, amountCents)
	return nil
}

var testPrices = billing.PriceTable{
	Hosting:  "price_hosting",
	Updates:  "price_updates",
	Complete: "price_complete",
}

func setup() (*Service, *fakeStore, *fakeGateway, *fakeLedger, uuid.UUID, uuid.UUID) {
	store := newFakeStore()
	gw := &fakeGateway{}
	ledger := &fakeLedger{}
	logger := slog.New(slog.DiscardHandler)
	subs := subscriptions.New(store, gw, testPrices, logger)
	svc := New(store, gw, subs, ledger, testPricing, logger)

	referrerID := uuid.New()
	store.accounts[referrerID] = storage.Account{ID: referrerID, Email: "ref@example.com", ReferralCode: "FRIEND"}
	store.byCode["FRIEND"] = referrerID

	buyerID := uuid.New()
	store.accounts[buyerID] = storage.Account{ID: buyerID, Email: "buyer@example.com", ReferralCode: "BUYER"}
	store.byCode["BUYER"] = buyerID

	return svc, store, gw, ledger, buyerID, referrerID
}

func TestCreateSiteChargesDeposit(t *testing.T) {
	svc, store, gw, _, buyerID, _ := setup()

	res, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "bakery"})
	if err != nil {
		t.Fatalf("CreateSite failed: %v", err)
	}
	if len(gw.charges) != 1 || gw.charges[0] != testPricing.DepositCents {
		t.Fatalf("deposit charge = %v", gw.charges)
	}
	if res.FinalCents != testPricing.FinalFullCents || res.DiscountApplied {
		t.Fatalf("unexpected pricing: %+v", res)
	}
	w := store.websites[res.Website.ID]
	if w.FinalPaymentAmountCents != testPricing.FinalFullCents {
		t.Fatalf("final amount not fixed on website: %d", w.FinalPaymentAmountCents)
	}
	if store.accounts[buyerID].CustomerRef != "cus_1" {
		t.Fatal("customer ref not stored")
	}
}

func TestCreateSiteReferralDiscountFixedAtOrderTime(t *testing.T) {
	svc, store, _, _, buyerID, _ := setup()

	res, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{
		Name:         "bakery",
		ReferralCode: "FRIEND",
	})
	if err != nil {
		t.Fatalf("CreateSite failed: %v", err)
	}
	if !res.DiscountApplied || res.FinalCents != testPricing.FinalDiscountedCents {
		t.Fatalf("discount not applied: %+v", res)
	}
	if store.accounts[buyerID].ReferredByCode != "FRIEND" {
		t.Fatal("referral code not consumed")
	}
}

func TestCreateSiteDiscountDoesNotStack(t *testing.T) {
	svc, _, _, _, buyerID, _ := setup()

	if _, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "one", ReferralCode: "FRIEND"}); err != nil {
		t.Fatalf("first CreateSite failed: %v", err)
	}
	res, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "two", ReferralCode: "FRIEND"})
	if err != nil {
		t.Fatalf("second CreateSite failed: %v", err)
	}
	if res.DiscountApplied || res.FinalCents != testPricing.FinalFullCents {
		t.Fatalf("discount applied twice: %+v", res)
	}
}

func TestCreateSiteDeclinedDepositKeepsCodeUnconsumed(t *testing.T) {
	svc, store, gw, _, buyerID, _ := setup()

	gw.failCharge = true
	if _, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "bakery", ReferralCode: "FRIEND"}); !errors.Is(err, billing.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if got := store.accounts[buyerID].ReferredByCode; got != "" {
		t.Fatalf("code consumed despite declined deposit: %q", got)
	}

	gw.failCharge = false
	res, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "bakery", ReferralCode: "FRIEND"})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !res.DiscountApplied || res.FinalCents != testPricing.FinalDiscountedCents {
		t.Fatalf("discount lost on retry: %+v", res)
	}
}

func TestCreateSiteRejectsOwnCode(t *testing.T) {
	svc, _, gw, _, buyerID, _ := setup()

	_, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "x", ReferralCode: "BUYER"})
	if !errors.Is(err, ErrInvalidReferralCode) {
		t.Fatalf("expected ErrInvalidReferralCode, got %v", err)
	}
	if len(gw.charges) != 0 {
		t.Fatal("no charge may happen on a rejected order")
	}
}

func TestCreateSiteRejectsUnknownCode(t *testing.T) {
	svc, _, _, _, buyerID, _ := setup()

	_, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "x", ReferralCode: "NOPE"})
	if !errors.Is(err, ErrInvalidReferralCode) {
		t.Fatalf("expected ErrInvalidReferralCode, got %v", err)
	}
}

func TestCreateSiteWithInitialPlan(t *testing.T) {
	svc, store, _, _, buyerID, _ := setup()

	res, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{
		Name:        "bakery",
		InitialPlan: plan.Complete,
	})
	if err != nil {
		t.Fatalf("CreateSite failed: %v", err)
	}
	if res.InitialPlanResult == nil || res.InitialPlanResult.Plan != plan.Complete {
		t.Fatalf("initial plan not applied: %+v", res.InitialPlanResult)
	}
	w := store.websites[res.Website.ID]
	if w.Plan() != plan.Complete || w.SubscriptionRef == "" {
		t.Fatalf("website not subscribed: %+v", w)
	}
}

func TestCreateSiteSurvivesInitialPlanFailure(t *testing.T) {
	svc, store, gw, _, buyerID, _ := setup()
	gw.failSub = true

	res, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{
		Name:        "bakery",
		InitialPlan: plan.Hosting,
	})
	if err != nil {
		t.Fatalf("CreateSite must not fail when only the plan fails: %v", err)
	}
	if res.InitialPlanResult != nil {
		t.Fatal("plan result should be absent on failure")
	}
	if _, ok := store.websites[res.Website.ID]; !ok {
		t.Fatal("website must exist despite plan failure")
	}
}

func TestPayFinalRecordsLedger(t *testing.T) {
	svc, _, gw, ledger, buyerID, _ := setup()

	res, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "x", ReferralCode: "FRIEND"})
	if err != nil {
		t.Fatalf("CreateSite failed: %v", err)
	}

	charge, err := svc.PayFinal(context.Background(), buyerID, res.Website.ID, "")
	if err != nil {
		t.Fatalf("PayFinal failed: %v", err)
	}
	if charge.AmountCents != testPricing.FinalDiscountedCents {
		t.Fatalf("charged %d, want discounted %d", charge.AmountCents, testPricing.FinalDiscountedCents)
	}
	if len(ledger.calls) != 1 || ledger.calls[0] != testPricing.FinalDiscountedCents {
		t.Fatalf("ledger calls = %v", ledger.calls)
	}
	if len(gw.charges) != 2 {
		t.Fatalf("charges = %v", gw.charges)
	}
}

func TestPayFinalAlreadyPaid(t *testing.T) {
	svc, store, gw, _, buyerID, _ := setup()

	res, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "x"})
	if err != nil {
		t.Fatalf("CreateSite failed: %v", err)
	}
	w := store.websites[res.Website.ID]
	w.FinalPaymentPaid = true
	store.websites[w.ID] = w
	depositCharges := len(gw.charges)

	if _, err := svc.PayFinal(context.Background(), buyerID, w.ID, ""); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
	if len(gw.charges) != depositCharges {
		t.Fatal("no charge may happen for an already settled payment")
	}
}

func TestPayFinalNotOwner(t *testing.T) {
	svc, _, _, _, buyerID, _ := setup()

	res, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "x"})
	if err != nil {
		t.Fatalf("CreateSite failed: %v", err)
	}
	if _, err := svc.PayFinal(context.Background(), uuid.New(), res.Website.ID, ""); !errors.Is(err, subscriptions.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestPayFinalChargeFailure(t *testing.T) {
	svc, _, gw, ledger, buyerID, _ := setup()

	res, err := svc.CreateSite(context.Background(), buyerID, CreateSiteRequest{Name: "x"})
	if err != nil {
		t.Fatalf("CreateSite failed: %v", err)
	}
	gw.failCharge = true

	if _, err := svc.PayFinal(context.Background(), buyerID, res.Website.ID, ""); !errors.Is(err, billing.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if len(ledger.calls) != 0 {
		t.Fatal("ledger must not be touched when the charge fails")
	}
}
