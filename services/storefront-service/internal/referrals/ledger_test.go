package referrals

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/sitewright/sitewright/services/storefront-service/internal/outbox"
	"github.com/sitewright/sitewright/services/storefront-service/internal/storage"
)

const (
	bountyCents     = int64(5000)
	discountedCents = int64(150000)
)

type fakeStore struct {
	accounts map[uuid.UUID]storage.Account
	byCode   map[string]uuid.UUID
	paid     map[uuid.UUID]bool
	credits  map[uuid.UUID]int64
	events   []outbox.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[uuid.UUID]storage.Account{},
		byCode:   map[string]uuid.UUID{},
		paid:     map[uuid.UUID]bool{},
		credits:  map[uuid.UUID]int64{},
	}
}

func (f *fakeStore) MarkFinalPaymentPaid(_ context.Context, websiteID uuid.UUID) (bool, error) {
	if f.paid[websiteID] {
		return false, nil
	}
	f.paid[websiteID] = true
	return true, nil
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

func (f *fakeStore) CreditReferral(_ context.Context, referrerID uuid.UUID, cents int64, evts ...outbox.Event) error {
	f.credits[referrerID] += cents
	f.events = append(f.events, evts...)
	return nil
}

func setup() (*Ledger, *fakeStore, uuid.UUID, uuid.UUID, uuid.UUID) {
	store := newFakeStore()

	referrerID := uuid.New()
	store.accounts[referrerID] = storage.Account{ID: referrerID, ReferralCode: "FRIEND"}
	store.byCode["FRIEND"] = referrerID

	payerID := uuid.New()
	store.accounts[payerID] = storage.Account{ID: payerID, ReferralCode: "PAYER", ReferredByCode: "FRIEND"}
	store.byCode["PAYER"] = payerID

	websiteID := uuid.New()
	ledger := New(store, bountyCents, discountedCents, slog.New(slog.DiscardHandler))
	return ledger, store, referrerID, payerID, websiteID
}

func TestReferralCreditedOnce(t *testing.T) {
	ledger, store, referrerID, payerID, websiteID := setup()

	if err := ledger.RecordFinalPayment(context.Background(), payerID, websiteID, discountedCents); err != nil {
		t.Fatalf("RecordFinalPayment failed: %v", err)
	}
	if store.credits[referrerID] != bountyCents {
		t.Fatalf("credit = %d, want %d", store.credits[referrerID], bountyCents)
	}
	if len(store.events) != 1 || store.events[0].EventType != outbox.TopicReferralCredited {
		t.Fatalf("expected a credited event, got %+v", store.events)
	}

	// A retry of the same payment must not double-credit.
	if err := ledger.RecordFinalPayment(context.Background(), payerID, websiteID, discountedCents); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if store.credits[referrerID] != bountyCents {
		t.Fatalf("duplicate payment credited again: %d", store.credits[referrerID])
	}
	if len(store.events) != 1 {
		t.Fatalf("duplicate event emitted: %d", len(store.events))
	}
}

func TestFullPricePaymentDoesNotCredit(t *testing.T) {
	ledger, store, referrerID, payerID, websiteID := setup()

	if err := ledger.RecordFinalPayment(context.Background(), payerID, websiteID, discountedCents+10000); err != nil {
		t.Fatalf("RecordFinalPayment failed: %v", err)
	}
	if store.credits[referrerID] != 0 {
		t.Fatalf("full price payment must not credit: %d", store.credits[referrerID])
	}
	if !store.paid[websiteID] {
		t.Fatal("payment itself must still be recorded")
	}
}

func TestUnreferredPayerDoesNotCredit(t *testing.T) {
	ledger, store, referrerID, _, websiteID := setup()

	direct := uuid.New()
	store.accounts[direct] = storage.Account{ID: direct, ReferralCode: "DIRECT"}

	if err := ledger.RecordFinalPayment(context.Background(), direct, websiteID, discountedCents); err != nil {
		t.Fatalf("RecordFinalPayment failed: %v", err)
	}
	if store.credits[referrerID] != 0 {
		t.Fatal("unreferred payer must not trigger a credit")
	}
}
