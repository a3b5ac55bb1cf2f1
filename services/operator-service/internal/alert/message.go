package alert

import "fmt"

// PaymentFailure carries the fields of a payment-failed event that the
// on-call operator needs to follow up by hand.
type PaymentFailure struct {
	WebsiteID       string
	AccountID       string
	SubscriptionRef string
	Plan            string
	FailedAt        string
}

func (f PaymentFailure) Subject() string {
	return fmt.Sprintf("Payment failed for website %s", f.WebsiteID)
}

func (f PaymentFailure) Body() string {
	return fmt.Sprintf(
		"A subscription payment failed and needs manual follow-up.\n\n"+
			"Website:      %s\n"+
			"Account:      %s\n"+
			"Subscription: %s\n"+
			"Plan:         %s\n"+
			"Failed at:    %s\n\n"+
			"The plan has not been changed automatically.\n",
		f.WebsiteID,
		f.AccountID,
		f.SubscriptionRef,
		f.Plan,
		f.FailedAt,
	)
}
