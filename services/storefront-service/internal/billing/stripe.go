package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// StripeGateway implements Gateway against the Stripe API. The client is
// injected so tests and multi-tenant setups never rely on the package-level
// stripe.Key global.
type StripeGateway struct {
	sc *client.API
}

func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{sc: client.New(secretKey, nil)}
}

func NewStripeGatewayWithClient(sc *client.API) *StripeGateway {
	return &StripeGateway{sc: sc}
}

func (g *StripeGateway) EnsureCustomer(ctx context.Context, existingRef, email string, accountID string) (string, error) {
	if existingRef != "" {
		return existingRef, nil
	}
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
		Metadata: map[string]string{
			"account_id": accountID,
		},
	}
	cust, err := g.sc.Customers.New(params)
	if err != nil {
		return "", wrapErr("create customer", err)
	}
	return cust.ID, nil
}

func (g *StripeGateway) DefaultPaymentMethod(ctx context.Context, customerRef string) (string, error) {
	cust, err := g.sc.Customers.Get(customerRef, &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", wrapErr("get customer", err)
	}
	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		return cust.InvoiceSettings.DefaultPaymentMethod.ID, nil
	}

	// Fall back to the most recently attached card.
	iter := g.sc.PaymentMethods.List(&stripe.PaymentMethodListParams{
		ListParams: stripe.ListParams{Context: ctx},
		Customer:   stripe.String(customerRef),
		Type:       stripe.String(string(stripe.PaymentMethodTypeCard)),
	})
	for iter.Next() {
		return iter.PaymentMethod().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", wrapErr("list payment methods", err)
	}
	return "", ErrNoPaymentMethod
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, customerRef, priceRef, paymentMethodRef string) (Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceRef)},
		},
		PaymentBehavior: stripe.String("error_if_incomplete"),
	}
	if paymentMethodRef != "" {
		params.DefaultPaymentMethod = stripe.String(paymentMethodRef)
	}
	sub, err := g.sc.Subscriptions.New(params)
	if err != nil {
		return Subscription{}, wrapErr("create subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) ChangePrice(ctx context.Context, subscriptionRef string, change PriceChange) (Subscription, error) {
	current, err := g.sc.Subscriptions.Get(subscriptionRef, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return Subscription{}, wrapErr("get subscription", err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return Subscription{}, fmt.Errorf("%w: subscription %s has no items", ErrProvider, subscriptionRef)
	}

	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(change.PriceRef),
			},
		},
		ProrationBehavior: stripe.String(string(change.Proration)),
	}
	if change.KeepBillingAnchor {
		params.BillingCycleAnchorUnchanged = stripe.Bool(true)
	}
	sub, err := g.sc.Subscriptions.Update(subscriptionRef, params)
	if err != nil {
		return Subscription{}, wrapErr("change price", err)
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) ScheduleCancel(ctx context.Context, subscriptionRef string) (Subscription, error) {
	sub, err := g.sc.Subscriptions.Update(subscriptionRef, &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return Subscription{}, wrapErr("schedule cancel", err)
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) ResumeSubscription(ctx context.Context, subscriptionRef string) (Subscription, error) {
	sub, err := g.sc.Subscriptions.Update(subscriptionRef, &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return Subscription{}, wrapErr("resume subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) CancelNow(ctx context.Context, subscriptionRef string) error {
	_, err := g.sc.Subscriptions.Cancel(subscriptionRef, &stripe.SubscriptionCancelParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return wrapErr("cancel subscription", err)
	}
	return nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionRef string) (Subscription, error) {
	sub, err := g.sc.Subscriptions.Get(subscriptionRef, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return Subscription{}, wrapErr("get subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) ChargeOnce(ctx context.Context, customerRef, paymentMethodRef string, amountCents int64, currency, description string) (Charge, error) {
	pi, err := g.sc.PaymentIntents.New(&stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(customerRef),
		PaymentMethod: stripe.String(paymentMethodRef),
		Description:   stripe.String(description),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	})
	if err != nil {
		return Charge{}, wrapErr("charge", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return Charge{}, fmt.Errorf("%w: payment intent %s status %s", ErrProvider, pi.ID, pi.Status)
	}
	return Charge{Ref: pi.ID, AmountCents: pi.Amount, Status: string(pi.Status)}, nil
}

func fromStripeSubscription(sub *stripe.Subscription) Subscription {
	out := Subscription{
		Ref:               sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		out.ItemRef = sub.Items.Data[0].ID
		if sub.Items.Data[0].Price != nil {
			out.PriceRef = sub.Items.Data[0].Price.ID
		}
	}
	return out
}

func wrapErr(op string, err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return fmt.Errorf("%w: %s: %s (%s)", ErrProvider, op, sErr.Msg, sErr.Code)
	}
	return fmt.Errorf("%w: %s: %v", ErrProvider, op, err)
}
