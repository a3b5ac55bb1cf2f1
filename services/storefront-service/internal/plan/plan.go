// Package plan models the website service plans and the legal transitions
// between them.
package plan

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPlan       = errors.New("unknown plan")
	ErrInvalidTransition = errors.New("invalid plan transition")
)

// Plan is the service level a website is subscribed to.
type Plan string

const (
	None     Plan = "none"
	Hosting  Plan = "hosting"
	Updates  Plan = "updates"
	Complete Plan = "complete"
)

func Parse(s string) (Plan, error) {
	p := Plan(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
	}
	return p, nil
}

func (p Plan) Valid() bool {
	switch p {
	case None, Hosting, Updates, Complete:
		return true
	}
	return false
}

// Rank orders plans by service level. Hosting and Updates are peers.
func (p Plan) Rank() int {
	switch p {
	case Hosting, Updates:
		return 1
	case Complete:
		return 2
	}
	return 0
}

// FromFlags maps the stored hosting/updates booleans back to a Plan.
func FromFlags(hosting, updates bool) Plan {
	switch {
	case hosting && updates:
		return Complete
	case hosting:
		return Hosting
	case updates:
		return Updates
	}
	return None
}

// Flags returns the hosting and updates booleans persisted for this plan.
func (p Plan) Flags() (hosting, updates bool) {
	switch p {
	case Hosting:
		return true, false
	case Updates:
		return false, true
	case Complete:
		return true, true
	}
	return false, false
}
