// Package billing wraps the payment provider behind a narrow gateway
// interface so the subscription and reconciliation flows never talk to
// Stripe types directly.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProvider wraps any failure reported by the payment provider.
	ErrProvider = errors.New("payment provider error")
	// ErrNoPaymentMethod means the customer has no chargeable payment method.
	ErrNoPaymentMethod = errors.New("no payment method on file")
)

// Proration selects how the provider bills a price change.
type Proration string

const (
	ProrationInvoiceNow Proration = "always_invoice"
	ProrationNone       Proration = "none"
)

// Subscription is the provider-side view of a recurring subscription.
type Subscription struct {
	Ref               string
	ItemRef           string
	CustomerRef       string
	PriceRef          string
	Status            string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// PriceChange describes an in-place price swap on an existing subscription.
type PriceChange struct {
	PriceRef          string
	Proration         Proration
	KeepBillingAnchor bool
}

// Charge is the result of a one-off payment.
type Charge struct {
	Ref         string
	AmountCents int64
	Status      string
}

// Gateway is the provider surface the service depends on. Every method is
// a remote call; none of them touch local state.
type Gateway interface {
	// EnsureCustomer returns an existing customer ref or creates one.
	EnsureCustomer(ctx context.Context, existingRef, email string, accountID string) (string, error)
	// DefaultPaymentMethod resolves the customer's chargeable payment
	// method, returning ErrNoPaymentMethod when there is none.
	DefaultPaymentMethod(ctx context.Context, customerRef string) (string, error)
	CreateSubscription(ctx context.Context, customerRef, priceRef, paymentMethodRef string) (Subscription, error)
	ChangePrice(ctx context.Context, subscriptionRef string, change PriceChange) (Subscription, error)
	// ScheduleCancel marks the subscription to end at the period boundary.
	ScheduleCancel(ctx context.Context, subscriptionRef string) (Subscription, error)
	// ResumeSubscription clears a scheduled cancellation.
	ResumeSubscription(ctx context.Context, subscriptionRef string) (Subscription, error)
	CancelNow(ctx context.Context, subscriptionRef string) error
	GetSubscription(ctx context.Context, subscriptionRef string) (Subscription, error)
	// ChargeOnce takes an immediate off-session payment.
	ChargeOnce(ctx context.Context, customerRef, paymentMethodRef string, amountCents int64, currency, description string) (Charge, error)
}
