package domain

import (
	"fmt"
	"strings"
)

// Epsilon is the tolerance applied to every balance comparison. Balances are
// floats; anything smaller than this is treated as zero.
const Epsilon = 1e-6

// OverageBehavior decides what happens when a deduction exceeds what is spendable.
type OverageBehavior string

const (
	// OverageCap refuses a deduction that cannot be covered down to each
	// entitlement's floor. Nothing is written.
	OverageCap OverageBehavior = "cap"
	// OverageAllow always applies the full amount; balances may go negative
	// without limit.
	OverageAllow OverageBehavior = "allow"
)

func ParseOverageBehavior(raw string) (OverageBehavior, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(OverageCap):
		return OverageCap, nil
	case string(OverageAllow):
		return OverageAllow, nil
	default:
		return "", fmt.Errorf("%w: overage_behavior %q", ErrInvalidRequest, raw)
	}
}

// FeatureDeduction is one amount to remove from one metered feature.
type FeatureDeduction struct {
	FeatureID string `json:"feature_id"`
	// SourceFeatureID is the feature named by the caller, which differs from
	// FeatureID when a credit system was expanded.
	SourceFeatureID string  `json:"source_feature_id"`
	Amount          float64 `json:"amount"`
	EntityID        string  `json:"entity_id"`
	// Targets are customer entitlement ids in the order they are drained.
	Targets []string `json:"targets"`
}

// Resolution is the output of turning a usage report into deductions.
type Resolution struct {
	Deductions []FeatureDeduction
	// Unmatched lists features that matched the request but that the
	// customer holds no balance for.
	Unmatched []string
}

// TargetIDs returns every targeted customer entitlement id once, in first-seen order.
func (r Resolution) TargetIDs() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, d := range r.Deductions {
		for _, id := range d.Targets {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Execution paths a commit can take.
const (
	PathCache   = "cache"
	PathDurable = "durable"
)

// CommitResult describes an applied set of deductions.
type CommitResult struct {
	// Applied is the signed amount removed per metered feature.
	Applied map[string]float64 `json:"applied"`
	// States holds the post-commit state of every entitlement the commit read.
	States []BalanceState `json:"states"`
	// Touched lists the ids whose stored state the commit changed.
	Touched  []string `json:"touched"`
	Path     string   `json:"path"`
	Replayed bool     `json:"replayed"`
}

// StateMap indexes the committed states by id.
func (r *CommitResult) StateMap() map[string]*BalanceState {
	out := make(map[string]*BalanceState, len(r.States))
	for i := range r.States {
		out[r.States[i].ID] = &r.States[i]
	}
	return out
}
