package domain

import "github.com/shopspring/decimal"

// Summary is the customer-facing balance of one feature.
type Summary struct {
	FeatureID     string
	Balance       float64
	Usage         float64
	IncludedUsage float64
	Unlimited     bool
	UsageAllowed  bool
	// NextResetAt is the earliest reset across the targets, unix ms.
	NextResetAt int64
	Found       bool
}

// Summarize folds the targets of featureID into a single balance view.
func Summarize(states []*BalanceState, featureID, entityID string, nowMs int64) Summary {
	out := Summary{FeatureID: featureID}
	balance := decimal.Zero
	included := decimal.Zero
	period := decimal.Zero

	for _, st := range SelectTargets(states, featureID, entityID) {
		out.Found = true
		if st.Unlimited {
			out.Unlimited = true
		}
		if st.UsageAllowed {
			out.UsageAllowed = true
		}
		if st.NextResetAt > 0 && (out.NextResetAt == 0 || st.NextResetAt < out.NextResetAt) {
			out.NextResetAt = st.NextResetAt
		}
		balance = balance.Add(decimal.NewFromFloat(st.Available(entityID, nowMs)))
		included = included.Add(decimal.NewFromFloat(st.IncludedUsage(entityID)))
		period = period.Add(decimal.NewFromFloat(st.PeriodBalance(entityID)))
	}

	out.Balance = balance.InexactFloat64()
	out.IncludedUsage = included.InexactFloat64()
	out.Usage = included.Sub(period).InexactFloat64()
	return out
}

// CanCover reports whether a capped deduction of amount would succeed,
// without changing states.
func CanCover(states []*BalanceState, featureID, entityID string, amount float64, nowMs int64) bool {
	targets := SelectTargets(states, featureID, entityID)
	if len(targets) == 0 {
		return false
	}
	pool := make(map[string]*BalanceState, len(targets))
	ids := make([]string, 0, len(targets))
	for _, st := range targets {
		pool[st.ID] = st.Clone()
		ids = append(ids, st.ID)
	}
	_, err := Apply(pool, []FeatureDeduction{{
		FeatureID: featureID,
		Amount:    amount,
		EntityID:  entityID,
		Targets:   ids,
	}}, OverageCap, nowMs)
	return err == nil
}
