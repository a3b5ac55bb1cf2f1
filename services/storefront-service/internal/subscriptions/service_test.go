package subscriptions

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
)

var testPrices = billing.PriceTable{
	Hosting:  "price_hosting",
	Updates:  "price_updates",
	Complete: "price_complete",
}

type fakeStore struct {
	accounts     map[uuid.UUID]storage.Account
	websites     map[uuid.UUID]storage.Website
	conflicts    int    // next N UpdateWebsite calls fail with ErrVersionConflict
	conflictHook func() // runs when an injected conflict fires
	updates      int
	events       []outbox.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[uuid.UUID]storage.Account{},
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

func (f *fakeStore) GetWebsite(_ context.Context, id uuid.UUID) (storage.Website, error) {
	w, ok := f.websites[id]
	if !ok {
		return storage.Website{}, storage.ErrNotFound
	}
	return w, nil
}

func (f *fakeStore) UpdateWebsite(_ context.Context, w storage.Website, evts ...outbox.Event) error {
	if f.conflicts > 0 {
		f.conflicts--
		if f.conflictHook != nil {
			f.conflictHook()
		}
		return storage.ErrVersionConflict
	}
	stored, ok := f.websites[w.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Version != w.Version {
		return storage.ErrVersionConflict
	}
	w.Version++
	f.websites[w.ID] = w
	f.updates++
	f.events = append(f.events, evts...)
	return nil
}

func (f *fakeStore) DeleteWebsite(_ context.Context, id uuid.UUID) error {
	if _, ok := f.websites[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.websites, id)
	return nil
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

type gatewayCall struct {
	op     string
	price  string
	change billing.PriceChange
}

type fakeGateway struct {
	calls     []gatewayCall
	periodEnd time.Time
	noPayment bool
	failOn    string
	charges   []int64
}

func (g *fakeGateway) record(op string) { g.calls = append(g.calls, gatewayCall{op: op}) }

func (g *fakeGateway) fail(op string) error {
	if g.failOn == op {
		return billing.ErrProvider
	}
	return nil
}

func (g *fakeGateway) sub(price string) billing.Subscription {
	return billing.Subscription{
		Ref:              "sub_1",
		ItemRef:          "si_1",
		CustomerRef:      "cus_1",
		PriceRef:         price,
		Status:           "active",
		CurrentPeriodEnd: g.periodEnd,
	}
}

func (g *fakeGateway) EnsureCustomer(_ context.Context, existingRef, _ string, _ string) (string, error) {
	g.record("ensure_customer")
	if err := g.fail("ensure_customer"); err != nil {
		return "", err
	}
	if existingRef != "" {
		return existingRef, nil
	}
	return "cus_1", nil
}

func (g *fakeGateway) DefaultPaymentMethod(_ context.Context, _ string) (string, error) {
	g.record("default_payment_method")
	if g.noPayment {
		return "", billing.ErrNoPaymentMethod
	}
	return "pm_1", nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, _, priceRef, _ string) (billing.Subscription, error) {
	g.calls = append(g.calls, gatewayCall{op: "create_subscription", price: priceRef})
	if err := g.fail("create_subscription"); err != nil {
		return billing.Subscription{}, err
	}
	return g.sub(priceRef), nil
}

func (g *fakeGateway) ChangePrice(_ context.Context, _ string, change billing.PriceChange) (billing.Subscription, error) {
	g.calls = append(g.calls, gatewayCall{op: "change_price", price: change.PriceRef, change: change})
	if err := g.fail("change_price"); err != nil {
		return billing.Subscription{}, err
	}
	return g.sub(change.PriceRef), nil
}

func (g *fakeGateway) ScheduleCancel(_ context.Context, _ string) (billing.Subscription, error) {
	g.record("schedule_cancel")
	if err := g.fail("schedule_cancel"); err != nil {
		return billing.Subscription{}, err
	}
	s := g.sub("")
	s.CancelAtPeriodEnd = true
	return s, nil
}

func (g *fakeGateway) ResumeSubscription(_ context.Context, _ string) (billing.Subscription, error) {
	g.record("resume")
	if err := g.fail("resume"); err != nil {
		return billing.Subscription{}, err
	}
	return g.sub(""), nil
}

func (g *fakeGateway) CancelNow(_ context.Context, _ string) error {
	g.record("cancel_now")
	return g.fail("cancel_now")
}

func (g *fakeGateway) GetSubscription(_ context.Context, _ string) (billing.Subscription, error) {
	g.record("get_subscription")
	return g.sub(""), nil
}

func (g *fakeGateway) ChargeOnce(_ context.Context, _, _ string, amountCents int64, _, _ string) (billing.Charge, error) {
	g.record("charge_once")
	if err := g.fail("charge_once"); err != nil {
		return billing.Charge{}, err
	}
	g.charges = append(g.charges, amountCents)
	return billing.Charge{Ref: "pi_1", AmountCents: amountCents, Status: "succeeded"}, nil
}

func (g *fakeGateway) callOps() []string {
	var ops []string
	for _, c := range g.calls {
		ops = append(ops, c.op)
	}
	return ops
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func setup(t *testing.T, current plan.Plan, subscribed bool) (*Service, *fakeStore, *fakeGateway, uuid.UUID, uuid.UUID) {
	t.Helper()
	store := newFakeStore()
	gw := &fakeGateway{periodEnd: time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)}

	accountID := uuid.New()
	websiteID := uuid.New()
	store.accounts[accountID] = storage.Account{ID: accountID, Email: "owner@example.com", ReferralCode: "REF1"}

	w := storage.Website{ID: websiteID, AccountID: accountID, Name: "site", Version: 1}
	w.SetPlan(current)
	if subscribed {
		w.SubscriptionRef = "sub_1"
	}
	store.websites[websiteID] = w

	svc := New(store, gw, testPrices, testLogger())
	return svc, store, gw, accountID, websiteID
}

func TestChangePlanFirstSubscription(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.None, false)

	res, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Complete, "")
	if err != nil {
		t.Fatalf("ChangePlan failed: %v", err)
	}
	if res.Kind != plan.KindUpgrade || res.Plan != plan.Complete {
		t.Fatalf("unexpected result: %+v", res)
	}

	w := store.websites[websiteID]
	if !w.Hosting || !w.Updates {
		t.Fatalf("flags not set: %+v", w)
	}
	if w.SubscriptionRef != "sub_1" {
		t.Fatalf("subscription ref not stored: %q", w.SubscriptionRef)
	}
	if store.accounts[accountID].CustomerRef != "cus_1" {
		t.Fatal("customer ref not stored on account")
	}
	if len(gw.calls) == 0 || gw.calls[len(gw.calls)-1].op != "create_subscription" {
		t.Fatalf("unexpected gateway calls: %v", gw.callOps())
	}
	if gw.calls[len(gw.calls)-1].price != "price_complete" {
		t.Fatalf("wrong price: %v", gw.calls)
	}
	if len(store.events) != 1 || store.events[0].EventType != outbox.TopicPlanChanged {
		t.Fatalf("expected a plan changed event, got %+v", store.events)
	}
}

func TestChangePlanUpgradeInvoicesNow(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.Hosting, true)

	res, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Complete, "")
	if err != nil {
		t.Fatalf("ChangePlan failed: %v", err)
	}
	if res.Kind != plan.KindUpgrade {
		t.Fatalf("kind = %s", res.Kind)
	}

	last := gw.calls[len(gw.calls)-1]
	if last.op != "change_price" || last.change.Proration != billing.ProrationInvoiceNow {
		t.Fatalf("upgrade should invoice now: %+v", last)
	}
	if store.websites[websiteID].Plan() != plan.Complete {
		t.Fatal("plan not applied immediately")
	}
}

func TestChangePlanLateralNoProration(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.Hosting, true)

	res, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Updates, "")
	if err != nil {
		t.Fatalf("ChangePlan failed: %v", err)
	}
	if res.Kind != plan.KindLateral {
		t.Fatalf("kind = %s", res.Kind)
	}
	last := gw.calls[len(gw.calls)-1]
	if last.change.Proration != billing.ProrationNone {
		t.Fatalf("lateral should not prorate: %+v", last)
	}
	if store.websites[websiteID].Plan() != plan.Updates {
		t.Fatal("lateral change should apply immediately")
	}
}

func TestChangePlanDowngradeStaysPending(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.Complete, true)

	res, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Hosting, "")
	if err != nil {
		t.Fatalf("ChangePlan failed: %v", err)
	}
	if res.Kind != plan.KindDowngrade {
		t.Fatalf("kind = %s", res.Kind)
	}
	if res.Plan != plan.Complete {
		t.Fatalf("current plan should be unchanged until the boundary, got %s", res.Plan)
	}
	if res.PendingDowngrade != plan.Hosting || res.EffectiveAt == nil {
		t.Fatalf("downgrade not scheduled: %+v", res)
	}

	last := gw.calls[len(gw.calls)-1]
	if last.change.Proration != billing.ProrationNone || !last.change.KeepBillingAnchor {
		t.Fatalf("downgrade must keep the anchor without proration: %+v", last)
	}

	w := store.websites[websiteID]
	if w.Plan() != plan.Complete {
		t.Fatal("flags must not change before the period boundary")
	}
	if w.PendingDowngradePlan != plan.Hosting {
		t.Fatalf("pending plan = %q", w.PendingDowngradePlan)
	}
	if !res.EffectiveAt.Equal(gw.periodEnd) {
		t.Fatalf("effective at = %v, want period end %v", res.EffectiveAt, gw.periodEnd)
	}
}

func TestChangePlanCancelStaysPending(t *testing.T) {
	svc, store, _, accountID, websiteID := setup(t, plan.Hosting, true)

	res, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.None, "")
	if err != nil {
		t.Fatalf("ChangePlan failed: %v", err)
	}
	if res.Kind != plan.KindCancel || !res.PendingCancellation {
		t.Fatalf("unexpected result: %+v", res)
	}
	w := store.websites[websiteID]
	if w.Plan() != plan.Hosting {
		t.Fatal("plan should stay active until the boundary")
	}
	if w.PendingCancelEffectiveAt == nil {
		t.Fatal("cancellation not scheduled")
	}
}

func TestChangePlanCancelReplacesPendingDowngrade(t *testing.T) {
	svc, store, _, accountID, websiteID := setup(t, plan.Complete, true)

	if _, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Hosting, ""); err != nil {
		t.Fatalf("downgrade failed: %v", err)
	}
	if _, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.None, ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	w := store.websites[websiteID]
	if w.PendingDowngradeEffectiveAt != nil || w.PendingDowngradePlan != "" {
		t.Fatalf("pending downgrade should be displaced: %+v", w)
	}
	if w.PendingCancelEffectiveAt == nil {
		t.Fatal("cancellation not scheduled")
	}
}

func TestChangePlanUpgradeResumesPendingCancel(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.Hosting, true)

	if _, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.None, ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Complete, ""); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}

	ops := gw.callOps()
	var resumed bool
	for _, op := range ops {
		if op == "resume" {
			resumed = true
		}
	}
	if !resumed {
		t.Fatalf("upgrade over a pending cancel must resume first: %v", ops)
	}
	w := store.websites[websiteID]
	if w.ChangePending() {
		t.Fatalf("no change should remain pending: %+v", w)
	}
	if w.Plan() != plan.Complete {
		t.Fatalf("plan = %s", w.Plan())
	}
}

func TestChangePlanReactivateAbandonsCancel(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.Hosting, true)

	if _, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.None, ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	res, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Hosting, "")
	if err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}
	if res.Kind != plan.KindReactivate {
		t.Fatalf("kind = %s", res.Kind)
	}
	if gw.calls[len(gw.calls)-1].op != "resume" {
		t.Fatalf("expected resume, got %v", gw.callOps())
	}
	if store.websites[websiteID].ChangePending() {
		t.Fatal("pending cancellation should be cleared")
	}
}

func TestChangePlanReactivateRevertsPendingDowngradePrice(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.Complete, true)

	if _, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Hosting, ""); err != nil {
		t.Fatalf("downgrade failed: %v", err)
	}
	if _, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Complete, ""); err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}

	last := gw.calls[len(gw.calls)-1]
	if last.op != "change_price" || last.price != "price_complete" {
		t.Fatalf("reactivation must restore the current price: %+v", last)
	}
	if store.websites[websiteID].ChangePending() {
		t.Fatal("pending downgrade should be cleared")
	}
}

func TestChangePlanSamePlanWithoutPendingIsRejected(t *testing.T) {
	svc, _, gw, accountID, websiteID := setup(t, plan.Hosting, true)

	_, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Hosting, "")
	if !errors.Is(err, plan.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway must not be called: %v", gw.callOps())
	}
}

func TestChangePlanNotOwner(t *testing.T) {
	svc, _, gw, _, websiteID := setup(t, plan.Hosting, true)

	_, err := svc.ChangePlan(context.Background(), uuid.New(), websiteID, plan.Complete, "")
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("gateway must not be called: %v", gw.callOps())
	}
}

func TestChangePlanNoPaymentMethod(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.None, false)
	gw.noPayment = true

	_, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Hosting, "")
	if !errors.Is(err, billing.ErrNoPaymentMethod) {
		t.Fatalf("expected ErrNoPaymentMethod, got %v", err)
	}
	if store.websites[websiteID].Plan() != plan.None {
		t.Fatal("no local state may change when the gateway rejects")
	}
}

func TestChangePlanProviderFailureLeavesStateUntouched(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.Hosting, true)
	gw.failOn = "change_price"

	_, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Complete, "")
	if !errors.Is(err, billing.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	w := store.websites[websiteID]
	if w.Plan() != plan.Hosting || w.ChangePending() || store.updates != 0 {
		t.Fatalf("state mutated despite provider failure: %+v", w)
	}
}

func TestChangePlanRetriesVersionConflictWithoutSecondGatewayCall(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.Hosting, true)
	store.conflicts = 2

	res, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Complete, "")
	if err != nil {
		t.Fatalf("ChangePlan failed: %v", err)
	}
	if res.Plan != plan.Complete {
		t.Fatalf("plan = %s", res.Plan)
	}

	var priceChanges int
	for _, c := range gw.calls {
		if c.op == "change_price" {
			priceChanges++
		}
	}
	if priceChanges != 1 {
		t.Fatalf("gateway must be called exactly once, got %d", priceChanges)
	}
	if store.updates != 1 {
		t.Fatalf("expected one successful update, got %d", store.updates)
	}
}

func TestChangePlanConflictWithFreshCancellationAborts(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.Complete, true)

	// The reconciler records a cancellation between the command's read and
	// its write. Reapplying the downgrade on top would erase it locally
	// while the provider still has cancel-at-period-end set.
	store.conflicts = 1
	store.conflictHook = func() {
		w := store.websites[websiteID]
		w.SetPendingCancellation(time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC))
		w.Version++
		store.websites[websiteID] = w
	}

	_, err := svc.ChangePlan(context.Background(), accountID, websiteID, plan.Hosting, "")
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	w := store.websites[websiteID]
	if w.PendingCancelEffectiveAt == nil {
		t.Fatal("concurrent cancellation erased")
	}
	if w.PendingDowngradeEffectiveAt != nil {
		t.Fatalf("downgrade persisted over the cancellation: %+v", w)
	}
	for _, op := range gw.callOps() {
		if op == "resume" {
			t.Fatal("resume must not happen without re-running the command")
		}
	}
	if store.updates != 0 {
		t.Fatalf("no write may land, got %d", store.updates)
	}
}

func TestDeleteWebsiteCancelsSubscription(t *testing.T) {
	svc, store, gw, accountID, websiteID := setup(t, plan.Hosting, true)

	if err := svc.DeleteWebsite(context.Background(), accountID, websiteID); err != nil {
		t.Fatalf("DeleteWebsite failed: %v", err)
	}
	if _, ok := store.websites[websiteID]; ok {
		t.Fatal("website not deleted")
	}
	if ops := gw.callOps(); len(ops) != 1 || ops[0] != "cancel_now" {
		t.Fatalf("expected cancel_now, got %v", ops)
	}
}

func TestDeleteWebsiteNotOwner(t *testing.T) {
	svc, store, _, _, websiteID := setup(t, plan.Hosting, true)

	if err := svc.DeleteWebsite(context.Background(), uuid.New(), websiteID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, ok := store.websites[websiteID]; !ok {
		t.Fatal("website must not be deleted")
	}
}
