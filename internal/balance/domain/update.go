package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SetBalance applies req to the states of its feature, mutating them in
// place, and returns the ids it changed.
//
// Usage and CurrentBalance move the period balance to the requested level.
// A decrease drains targets in order, the remainder going negative on the
// last one. An increase refills targets up to their grant, the remainder
// going to the first one. AdditionalBalance replaces the adjustment of the
// first target and clears the others.
func SetBalance(states map[string]*BalanceState, req UpdateBalanceRequest) ([]string, error) {
	all := make([]*BalanceState, 0, len(states))
	for _, st := range states {
		all = append(all, st)
	}
	targets := SelectTargets(all, req.FeatureID, req.EntityID)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: customer holds no balance for %s", ErrNoApplicableBalance, req.FeatureID)
	}
	for _, st := range targets {
		if st.Unlimited {
			return nil, fmt.Errorf("%w: %s is unlimited", ErrInvalidRequest, req.FeatureID)
		}
	}

	var period, additional []slot
	for _, st := range targets {
		period = append(period, slots(st, req.EntityID, false)...)
		additional = append(additional, slots(st, req.EntityID, true)...)
	}
	if len(period) == 0 {
		return nil, fmt.Errorf("%w: %s has no entities", ErrNoApplicableBalance, req.FeatureID)
	}

	if req.AdditionalBalance != nil {
		for i, s := range additional {
			if i == 0 {
				s.set(decimal.NewFromFloat(*req.AdditionalBalance))
				continue
			}
			s.set(decimal.Zero)
		}
		return stateIDs(targets), nil
	}

	current, granted := decimal.Zero, decimal.Zero
	for _, s := range period {
		current = current.Add(s.get())
		granted = granted.Add(s.grant())
	}
	var target decimal.Decimal
	if req.Usage != nil {
		target = granted.Sub(decimal.NewFromFloat(*req.Usage))
	} else {
		target = decimal.NewFromFloat(*req.CurrentBalance)
	}

	delta := target.Sub(current)
	switch {
	case delta.IsNegative():
		drain(period, delta.Neg())
	case delta.IsPositive():
		refill(period, delta)
	}
	return stateIDs(targets), nil
}

func (s slot) grant() decimal.Decimal {
	if s.state.EntityScoped {
		return decimal.NewFromFloat(s.state.EntityGrant)
	}
	return decimal.NewFromFloat(s.state.Granted)
}

func drain(period []slot, amount decimal.Decimal) {
	for i, s := range period {
		if i == len(period)-1 {
			s.set(s.get().Sub(amount))
			return
		}
		take := decimal.Min(decimal.Max(s.get(), decimal.Zero), amount)
		s.set(s.get().Sub(take))
		amount = amount.Sub(take)
	}
}

func refill(period []slot, amount decimal.Decimal) {
	for _, s := range period {
		room := s.grant().Sub(s.get())
		if !room.IsPositive() {
			continue
		}
		add := decimal.Min(room, amount)
		s.set(s.get().Add(add))
		amount = amount.Sub(add)
		if !amount.IsPositive() {
			return
		}
	}
	first := period[0]
	first.set(first.get().Add(amount))
}

func stateIDs(targets []*BalanceState) []string {
	out := make([]string, 0, len(targets))
	for _, st := range targets {
		out = append(out, st.ID)
	}
	return out
}
