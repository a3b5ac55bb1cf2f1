package plan

import "fmt"

// Kind classifies a requested plan change relative to the current plan.
type Kind string

const (
	KindUpgrade    Kind = "upgrade"
	KindDowngrade  Kind = "downgrade"
	KindLateral    Kind = "lateral"
	KindCancel     Kind = "cancel"
	KindReactivate Kind = "reactivate"
)

// Classify decides what kind of transition moving from current to target is.
// changePending reports whether a downgrade or cancellation is already
// scheduled; re-selecting the current plan is only meaningful in that case,
// where it becomes a reactivation that abandons the scheduled change.
func Classify(current, target Plan, changePending bool) (Kind, error) {
	if !current.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, current)
	}
	if !target.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, target)
	}

	if target == current {
		if changePending {
			return KindReactivate, nil
		}
		return "", fmt.Errorf("%w: already on plan %s", ErrInvalidTransition, current)
	}

	if target == None {
		if current == None {
			return "", fmt.Errorf("%w: nothing to cancel", ErrInvalidTransition)
		}
		return KindCancel, nil
	}

	switch {
	case target.Rank() > current.Rank():
		return KindUpgrade, nil
	case target.Rank() < current.Rank():
		return KindDowngrade, nil
	}
	return KindLateral, nil
}

// Option is a plan choice presented to the client, annotated with what
// selecting it would do from the current state.
type Option struct {
	Target  Plan   `json:"target"`
	Kind    Kind   `json:"kind"`
	Confirm string `json:"confirm"`
}

// Options lists every selectable plan from the current state with its
// transition kind and the confirmation copy the client should show.
func Options(current Plan, changePending bool) []Option {
	all := []Plan{None, Hosting, Updates, Complete}
	var opts []Option
	for _, target := range all {
		kind, err := Classify(current, target, changePending)
		if err != nil {
			continue
		}
		opts = append(opts, Option{
			Target:  target,
			Kind:    kind,
			Confirm: confirmCopy(kind),
		})
	}
	return opts
}

func confirmCopy(k Kind) string {
	switch k {
	case KindUpgrade:
		return "You will be charged the prorated difference immediately."
	case KindDowngrade:
		return "Your current plan stays active until the end of the billing period."
	case KindLateral:
		return "Your new plan takes effect immediately at the same price."
	case KindCancel:
		return "Your plan stays active until the end of the billing period, then ends."
	case KindReactivate:
		return "Your scheduled change will be abandoned and your plan continues."
	}
	return ""
}
