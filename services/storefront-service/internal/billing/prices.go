package billing

import (
	"fmt"

	"github.com/sitewright/sitewright/services/storefront-service/internal/plan"
)

// PriceTable maps plans to the provider price ids configured for this
// environment.
type PriceTable struct {
	Hosting  string
	Updates  string
	Complete string
}

func (t PriceTable) RefFor(p plan.Plan) (string, error) {
	switch p {
	case plan.Hosting:
		return t.Hosting, nil
	case plan.Updates:
		return t.Updates, nil
	case plan.Complete:
		return t.Complete, nil
	}
	return "", fmt.Errorf("no price configured for plan %q", p)
}

// PlanFor maps a provider price id back to a plan. Unknown prices return
// plan.None and false; callers decide whether that is an error.
func (t PriceTable) PlanFor(priceRef string) (plan.Plan, bool) {
	switch priceRef {
	case t.Hosting:
		return plan.Hosting, t.Hosting != ""
	case t.Updates:
		return plan.Updates, t.Updates != ""
	case t.Complete:
		return plan.Complete, t.Complete != ""
	}
	return plan.None, false
}
