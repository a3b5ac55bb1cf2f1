package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL   = flag.String("base-url", getenv("BASE_URL", "http://localhost:8080"), "storefront base url")
		evtType   = flag.String("type", getenv("STRIPE_EVENT_TYPE", "customer.subscription.updated"), "stripe event type")
		subRef    = flag.String("subscription", getenv("SUBSCRIPTION_REF", "sub_test_123"), "subscription id")
		custRef   = flag.String("customer", getenv("CUSTOMER_REF", "cus_test_123"), "customer id")
		priceRef  = flag.String("price", getenv("PRICE_REF", ""), "subscription price id")
		periodEnd = flag.String("period-end", "", "current period end (RFC3339, default now+30d)")
		cancelAt  = flag.Bool("cancel-at-period-end", false, "set cancel_at_period_end on the subscription")
		secret    = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}

	now := time.Now().UTC()
	end := now.Add(30 * 24 * time.Hour)
	if *periodEnd != "" {
		parsed, err := time.Parse(time.RFC3339, *periodEnd)
		if err != nil {
			fatal("invalid -period-end: " + err.Error())
		}
		end = parsed.UTC()
	}

	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *subRef, *custRef, *priceRef, end, *cancelAt)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/billing/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d event_id=%s\n", resp.StatusCode, eventID)
}

func buildEventJSON(eventID, eventType string, t time.Time, subRef, custRef, priceRef string, periodEnd time.Time, cancelAtPeriodEnd bool) ([]byte, error) {
	created := t.Unix()
	switch eventType {
	case "customer.subscription.updated", "customer.subscription.deleted":
		status := "active"
		if eventType == "customer.subscription.deleted" {
			status = "canceled"
		}
		sub := map[string]any{
			"id":                   subRef,
			"object":               "subscription",
			"status":               status,
			"customer":             map[string]any{"id": custRef},
			"current_period_end":   periodEnd.Unix(),
			"cancel_at_period_end": cancelAtPeriodEnd,
		}
		if priceRef != "" {
			sub["items"] = map[string]any{
				"object": "list",
				"data": []any{
					map[string]any{
						"id":     "si_test_123",
						"object": "subscription_item",
						"price": map[string]any{
							"id":     priceRef,
							"object": "price",
						},
					},
				},
			}
		}
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2020-08-27",
			"data": map[string]any{
				"object": sub,
			},
		})
	case "invoice.payment_failed":
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2020-08-27",
			"data": map[string]any{
				"object": map[string]any{
					"id":           "in_test_123",
					"object":       "invoice",
					"subscription": map[string]any{"id": subRef},
					"customer":     map[string]any{"id": custRef},
				},
			},
		})
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
