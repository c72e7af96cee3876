package domain

import (
	"bytes"
	"encoding/json"
	"sort"
)

// EntityBalance is one entity's balance inside an entity-scoped entitlement.
type EntityBalance struct {
	Balance    float64 `json:"balance"`
	Adjustment float64 `json:"adjustment"`
}

// RolloverBalance is carried-over balance. ExpiresAt is unix milliseconds,
// zero when it never expires.
type RolloverBalance struct {
	Balance   float64 `json:"balance"`
	ExpiresAt int64   `json:"expires_at"`
}

// Active reports whether the rollover can still be spent at nowMs.
func (r RolloverBalance) Active(nowMs int64) bool {
	return r.ExpiresAt == 0 || r.ExpiresAt > nowMs
}

type EntityBalances map[string]EntityBalance

type RolloverBalances map[string]RolloverBalance

// Redis Lua encodes an empty table as an array, so "[]" decodes to an empty map.
func (m *EntityBalances) UnmarshalJSON(data []byte) error {
	out := map[string]EntityBalance{}
	if err := decodeObject(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

func (m *RolloverBalances) UnmarshalJSON(data []byte) error {
	out := map[string]RolloverBalance{}
	if err := decodeObject(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

func decodeObject[V any](data []byte, into *map[string]V) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("[]")) {
		return nil
	}
	return json.Unmarshal(trimmed, into)
}

// BalanceState is the spendable view of one customer entitlement. It is the
// unit stored in the cache snapshot, carried by sync messages and consumed by
// the deduction algorithm on both execution paths.
type BalanceState struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	FeatureID  string `json:"feature_id"`

	Balance           float64 `json:"balance"`
	AdditionalBalance float64 `json:"additional_balance"`
	// Granted is the per-period grant of a customer-level balance. For
	// entity-scoped entitlements EntityGrant applies per entity.
	Granted     float64 `json:"granted"`
	EntityGrant float64 `json:"entity_grant"`

	Unlimited    bool `json:"unlimited"`
	UsageAllowed bool `json:"usage_allowed"`

	// MinBalance is the lowest balance a capped deduction may reach.
	HasMinBalance bool    `json:"has_min_balance"`
	MinBalance    float64 `json:"min_balance"`
	// MaxBalance bounds credits returned by negative usage under cap.
	HasMaxBalance bool    `json:"has_max_balance"`
	MaxBalance    float64 `json:"max_balance"`

	EntityScoped    bool   `json:"entity_scoped"`
	EntityFeatureID string `json:"entity_feature_id"`

	Entities  EntityBalances   `json:"entities"`
	Rollovers RolloverBalances `json:"rollovers"`

	// NextResetAt is unix milliseconds, zero when the balance never resets.
	NextResetAt int64 `json:"next_reset_at"`
	Version     int64 `json:"version"`
}

// MarshalJSON always emits objects for the maps so the Lua side can index them.
func (s BalanceState) MarshalJSON() ([]byte, error) {
	type plain BalanceState
	out := plain(s)
	if out.Entities == nil {
		out.Entities = EntityBalances{}
	}
	if out.Rollovers == nil {
		out.Rollovers = RolloverBalances{}
	}
	return json.Marshal(out)
}

func (s *BalanceState) Clone() *BalanceState {
	if s == nil {
		return nil
	}
	out := *s
	out.Entities = make(EntityBalances, len(s.Entities))
	for k, v := range s.Entities {
		out.Entities[k] = v
	}
	out.Rollovers = make(RolloverBalances, len(s.Rollovers))
	for k, v := range s.Rollovers {
		out.Rollovers[k] = v
	}
	return &out
}

// Stale reports whether the state passed its reset boundary and must be
// re-evaluated against the durable store before use.
func (s *BalanceState) Stale(nowMs int64) bool {
	return s.NextResetAt > 0 && s.NextResetAt <= nowMs
}

// Covers reports whether the state applies to entityID. An empty entityID
// matches everything.
func (s *BalanceState) Covers(entityID string) bool {
	if !s.EntityScoped || entityID == "" {
		return true
	}
	_, ok := s.Entities[entityID]
	return ok
}

// EntityIDs returns the entity keys a deduction for entityID may touch, sorted.
func (s *BalanceState) EntityIDs(entityID string) []string {
	if !s.EntityScoped {
		return nil
	}
	if entityID != "" {
		if _, ok := s.Entities[entityID]; ok {
			return []string{entityID}
		}
		return nil
	}
	ids := make([]string, 0, len(s.Entities))
	for id := range s.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Available is what can be spent right now before any overage.
func (s *BalanceState) Available(entityID string, nowMs int64) float64 {
	if s.EntityScoped {
		total := 0.0
		for _, id := range s.EntityIDs(entityID) {
			e := s.Entities[id]
			total += e.Balance + e.Adjustment
		}
		return total
	}
	total := s.Balance + s.AdditionalBalance
	for _, r := range s.Rollovers {
		if r.Active(nowMs) {
			total += r.Balance
		}
	}
	return total
}

// IncludedUsage is the grant the current period started with.
func (s *BalanceState) IncludedUsage(entityID string) float64 {
	if s.EntityScoped {
		return s.EntityGrant * float64(len(s.EntityIDs(entityID)))
	}
	return s.Granted
}

// PeriodBalance is the remaining part of the period grant, excluding
// adjustments and rollovers.
func (s *BalanceState) PeriodBalance(entityID string) float64 {
	if s.EntityScoped {
		total := 0.0
		for _, id := range s.EntityIDs(entityID) {
			total += s.Entities[id].Balance
		}
		return total
	}
	return s.Balance
}

// SelectTargets returns the states that a deduction of featureID for
// entityID draws from, in drain order: entity-scoped states first when an
// entity is named, then soonest reset, then id.
func SelectTargets(states []*BalanceState, featureID, entityID string) []*BalanceState {
	out := make([]*BalanceState, 0)
	for _, st := range states {
		if st == nil || st.FeatureID != featureID {
			continue
		}
		if !st.Covers(entityID) {
			continue
		}
		if st.EntityScoped && entityID == "" && len(st.Entities) == 0 {
			continue
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if entityID != "" && a.EntityScoped != b.EntityScoped {
			return a.EntityScoped
		}
		if a.NextResetAt != b.NextResetAt {
			if a.NextResetAt == 0 {
				return false
			}
			if b.NextResetAt == 0 {
				return true
			}
			return a.NextResetAt < b.NextResetAt
		}
		return LessID(a.ID, b.ID)
	})
	return out
}

// LessID orders snowflake id strings numerically.
func LessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
