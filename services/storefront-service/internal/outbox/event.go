package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	TopicPlanChanged      = "storefront.plan.changed.v1"
	TopicPaymentFailed    = "storefront.payment.failed.v1"
	TopicReferralCredited = "storefront.referral.credited.v1"
)
