package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

var ErrBadSignature = errors.New("invalid webhook signature")

// EventType is the normalized class of provider notification the
// reconciler understands.
type EventType string

const (
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventPaymentFailed       EventType = "payment.failed"
	EventIgnored             EventType = "ignored"
)

// Event is a provider notification reduced to the fields reconciliation
// cares about.
type Event struct {
	ID                string
	Type              EventType
	SubscriptionRef   string
	CustomerRef       string
	PriceRef          string
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	OccurredAt        time.Time
}

// ParseWebhook verifies the Stripe signature and normalizes the payload.
// Event types the reconciler does not handle come back as EventIgnored so
// the handler can ack them without special-casing.
func ParseWebhook(payload []byte, sigHeader, secret string, tolerance time.Duration) (Event, error) {
	evt, err := webhook.ConstructEventWithTolerance(payload, sigHeader, secret, tolerance)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	out := Event{
		ID:         evt.ID,
		Type:       EventIgnored,
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
	}

	switch evt.Type {
	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return Event{}, fmt.Errorf("invalid subscription payload: %w", err)
		}
		out.Type = EventSubscriptionUpdated
		if evt.Type == "customer.subscription.deleted" {
			out.Type = EventSubscriptionDeleted
		}
		out.SubscriptionRef = sub.ID
		out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		if sub.CurrentPeriodEnd > 0 {
			out.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		}
		if sub.Customer != nil {
			out.CustomerRef = sub.Customer.ID
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			out.PriceRef = sub.Items.Data[0].Price.ID
		}

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return Event{}, fmt.Errorf("invalid invoice payload: %w", err)
		}
		out.Type = EventPaymentFailed
		if inv.Subscription != nil {
			out.SubscriptionRef = inv.Subscription.ID
		}
		if inv.Customer != nil {
			out.CustomerRef = inv.Customer.ID
		}
	}

	return out, nil
}
