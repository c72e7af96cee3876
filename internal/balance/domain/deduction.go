package domain

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

var epsilon = decimal.NewFromFloat(Epsilon)

// ApplyResult reports what a successful Apply changed.
type ApplyResult struct {
	Applied map[string]float64
	// Touched lists mutated state ids in first-touch order.
	Touched []string
}

// slot addresses one spendable number inside a state.
type slot struct {
	state      *BalanceState
	entityID   string
	additional bool
}

func (s slot) get() decimal.Decimal {
	if s.state.EntityScoped {
		e := s.state.Entities[s.entityID]
		if s.additional {
			return decimal.NewFromFloat(e.Adjustment)
		}
		return decimal.NewFromFloat(e.Balance)
	}
	if s.additional {
		return decimal.NewFromFloat(s.state.AdditionalBalance)
	}
	return decimal.NewFromFloat(s.state.Balance)
}

func (s slot) set(v decimal.Decimal) {
	f := v.InexactFloat64()
	if s.state.EntityScoped {
		e := s.state.Entities[s.entityID]
		if s.additional {
			e.Adjustment = f
		} else {
			e.Balance = f
		}
		s.state.Entities[s.entityID] = e
		return
	}
	if s.additional {
		s.state.AdditionalBalance = f
	} else {
		s.state.Balance = f
	}
}

func slots(st *BalanceState, entityID string, additional bool) []slot {
	if !st.EntityScoped {
		return []slot{{state: st, additional: additional}}
	}
	ids := st.EntityIDs(entityID)
	out := make([]slot, 0, len(ids))
	for _, id := range ids {
		out = append(out, slot{state: st, entityID: id, additional: additional})
	}
	return out
}

type rolloverRef struct {
	state     *BalanceState
	id        string
	expiresAt int64
	order     int
}

// Apply runs deductions in order against states, mutating them in place.
// The whole batch is all-or-nothing: on error states are left untouched.
//
// Positive amounts drain, per deduction: active rollovers across all targets
// (soonest expiry first), then each target's additional balance and period
// balance in target order, then overage. Under OverageCap overage only goes
// to targets with usage allowed and stops at their floor; under OverageAllow
// the remainder lands on the first target unconditionally. Negative amounts
// credit period balances, bounded by MaxBalance under OverageCap.
func Apply(states map[string]*BalanceState, deductions []FeatureDeduction, policy OverageBehavior, nowMs int64) (*ApplyResult, error) {
	work := make(map[string]*BalanceState, len(states))
	for id, st := range states {
		work[id] = st.Clone()
	}

	result := &ApplyResult{Applied: make(map[string]float64)}
	touched := make(map[string]struct{})
	touch := func(id string) {
		if _, ok := touched[id]; ok {
			return
		}
		touched[id] = struct{}{}
		result.Touched = append(result.Touched, id)
	}

	for _, d := range deductions {
		if math.IsNaN(d.Amount) || math.IsInf(d.Amount, 0) {
			return nil, fmt.Errorf("%w: amount for %s is not finite", ErrInvalidRequest, d.FeatureID)
		}

		targets := make([]*BalanceState, 0, len(d.Targets))
		unlimited := false
		for _, id := range d.Targets {
			st, ok := work[id]
			if !ok || !st.Covers(d.EntityID) {
				continue
			}
			if st.Unlimited {
				unlimited = true
			}
			targets = append(targets, st)
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoApplicableBalance, d.FeatureID)
		}
		if _, ok := result.Applied[d.FeatureID]; !ok {
			result.Applied[d.FeatureID] = 0
		}
		if unlimited {
			continue
		}

		amount := decimal.NewFromFloat(d.Amount)
		var applied decimal.Decimal
		var err error
		if amount.IsNegative() {
			applied = credit(targets, d.EntityID, amount.Neg(), policy, touch).Neg()
		} else {
			applied, err = debit(targets, d, amount, policy, nowMs, touch)
			if err != nil {
				return nil, err
			}
		}
		result.Applied[d.FeatureID] = decimal.NewFromFloat(result.Applied[d.FeatureID]).Add(applied).InexactFloat64()
	}

	for _, id := range result.Touched {
		*states[id] = *work[id]
	}
	return result, nil
}

func debit(targets []*BalanceState, d FeatureDeduction, amount decimal.Decimal, policy OverageBehavior, nowMs int64, touch func(string)) (decimal.Decimal, error) {
	remaining := amount

	// rollovers first, soonest expiry across all targets
	refs := make([]rolloverRef, 0)
	for i, st := range targets {
		if st.EntityScoped {
			continue
		}
		for id, r := range st.Rollovers {
			if !r.Active(nowMs) {
				continue
			}
			refs = append(refs, rolloverRef{state: st, id: id, expiresAt: r.ExpiresAt, order: i})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.expiresAt != b.expiresAt {
			if a.expiresAt == 0 {
				return false
			}
			if b.expiresAt == 0 {
				return true
			}
			return a.expiresAt < b.expiresAt
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.id < b.id
	})
	for _, ref := range refs {
		if remaining.LessThanOrEqual(epsilon) {
			break
		}
		r := ref.state.Rollovers[ref.id]
		t := take(decimal.NewFromFloat(r.Balance), remaining)
		if t.IsZero() {
			continue
		}
		r.Balance = decimal.NewFromFloat(r.Balance).Sub(t).InexactFloat64()
		ref.state.Rollovers[ref.id] = r
		remaining = remaining.Sub(t)
		touch(ref.state.ID)
	}

	for _, st := range targets {
		for _, additional := range []bool{true, false} {
			for _, s := range slots(st, d.EntityID, additional) {
				if remaining.LessThanOrEqual(epsilon) {
					break
				}
				t := take(s.get(), remaining)
				if t.IsZero() {
					continue
				}
				s.set(s.get().Sub(t))
				remaining = remaining.Sub(t)
				touch(st.ID)
			}
		}
	}

	if remaining.GreaterThan(epsilon) {
		switch policy {
		case OverageAllow:
			for _, st := range targets {
				balances := slots(st, d.EntityID, false)
				if len(balances) == 0 {
					continue
				}
				s := balances[0]
				s.set(s.get().Sub(remaining))
				remaining = decimal.Zero
				touch(st.ID)
				break
			}
		default:
			for _, st := range targets {
				if !st.UsageAllowed {
					continue
				}
				for _, s := range slots(st, d.EntityID, false) {
					if remaining.LessThanOrEqual(epsilon) {
						break
					}
					room := remaining
					if st.HasMinBalance {
						room = s.get().Sub(decimal.NewFromFloat(st.MinBalance))
					}
					t := take(room, remaining)
					if t.IsZero() {
						continue
					}
					s.set(s.get().Sub(t))
					remaining = remaining.Sub(t)
					touch(st.ID)
				}
			}
		}
	}

	if remaining.GreaterThan(epsilon) {
		return decimal.Zero, &InsufficientBalanceError{
			FeatureID: d.FeatureID,
			Requested: amount.InexactFloat64(),
			Available: amount.Sub(remaining).InexactFloat64(),
		}
	}
	return amount.Sub(remaining), nil
}

func credit(targets []*BalanceState, entityID string, amount decimal.Decimal, policy OverageBehavior, touch func(string)) decimal.Decimal {
	remaining := amount
	for _, st := range targets {
		for _, s := range slots(st, entityID, false) {
			if remaining.LessThanOrEqual(epsilon) {
				return amount.Sub(remaining)
			}
			room := remaining
			if policy != OverageAllow && st.HasMaxBalance {
				room = decimal.NewFromFloat(st.MaxBalance).Sub(s.get())
			}
			t := take(room, remaining)
			if t.IsZero() {
				continue
			}
			s.set(s.get().Add(t))
			remaining = remaining.Sub(t)
			touch(st.ID)
		}
	}
	return amount.Sub(remaining)
}

// take returns how much of remaining can come out of available.
func take(available, remaining decimal.Decimal) decimal.Decimal {
	if available.LessThanOrEqual(epsilon) {
		return decimal.Zero
	}
	return decimal.Min(available, remaining)
}
