package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
)

// FromCustomerEntitlement projects a durable row into its spendable state.
// The row's Entitlement template must be hydrated.
func FromCustomerEntitlement(row *entitlementdomain.CustomerEntitlement) *BalanceState {
	tmpl := row.Entitlement
	st := &BalanceState{
		ID:                row.ID.String(),
		CustomerID:        row.CustomerID,
		FeatureID:         row.FeatureID,
		Balance:           row.Balance,
		AdditionalBalance: row.AdditionalBalance,
		Granted:           row.Granted,
		EntityGrant:       tmpl.AllowanceValue(),
		Unlimited:         row.Unlimited,
		UsageAllowed:      row.UsageAllowed,
		EntityScoped:      tmpl.EntityScoped(),
		Entities:          EntityBalances{},
		Rollovers:         RolloverBalances{},
		Version:           row.Version,
	}
	if tmpl.EntityFeatureID != nil {
		st.EntityFeatureID = *tmpl.EntityFeatureID
	}
	if row.NextResetAt != nil {
		st.NextResetAt = row.NextResetAt.UnixMilli()
	}

	grant := st.Granted
	if st.EntityScoped {
		grant = st.EntityGrant
	}
	switch {
	case !row.UsageAllowed:
		st.HasMinBalance = true
		st.MinBalance = 0
	case tmpl.UsageLimit != nil:
		st.HasMinBalance = true
		st.MinBalance = -(*tmpl.UsageLimit - grant)
		if st.MinBalance > 0 {
			st.MinBalance = 0
		}
	}
	if !row.Unlimited {
		st.HasMaxBalance = true
		st.MaxBalance = grant
	}

	for id, e := range row.EntityMap() {
		st.Entities[id] = EntityBalance{Balance: e.Balance, Adjustment: e.Adjustment}
	}
	for _, r := range row.Rollovers {
		rb := RolloverBalance{Balance: r.Balance}
		if r.ExpiresAt != nil {
			rb.ExpiresAt = r.ExpiresAt.UnixMilli()
		}
		st.Rollovers[r.ID] = rb
	}
	return st
}

// ApplyToCustomerEntitlement copies spendable numbers from st onto row.
// Entities are replaced for keys present on the row; rollover balances are
// merged only for rollovers the row still has, so a late write can never
// resurrect an expired rollover or invent a new one.
func ApplyToCustomerEntitlement(st *BalanceState, row *entitlementdomain.CustomerEntitlement) {
	row.Balance = st.Balance
	row.AdditionalBalance = st.AdditionalBalance

	entities := row.EntityMap()
	for id := range entities {
		if e, ok := st.Entities[id]; ok {
			entities[id] = entitlementdomain.EntityBalance{Balance: e.Balance, Adjustment: e.Adjustment}
		}
	}
	row.SetEntities(entities)

	rollovers := make([]entitlementdomain.Rollover, 0, len(row.Rollovers))
	for _, r := range row.Rollovers {
		if rb, ok := st.Rollovers[r.ID]; ok {
			r.Balance = rb.Balance
		}
		rollovers = append(rollovers, r)
	}
	row.Rollovers = rollovers
}

// EarlierPeriod reports whether st was computed before row's last reset.
func EarlierPeriod(st *BalanceState, row *entitlementdomain.CustomerEntitlement) bool {
	return st.NextResetAt > 0 && row.NextResetAt != nil && st.NextResetAt < row.NextResetAt.UnixMilli()
}

// Absorb copies a newer state of the same period onto row, taking its
// version. Cache commits not yet written back are folded in this way before
// a durable mutation so they are not superseded by it.
func Absorb(st *BalanceState, row *entitlementdomain.CustomerEntitlement) bool {
	if st == nil || st.Version <= row.Version || EarlierPeriod(st, row) {
		return false
	}
	ApplyToCustomerEntitlement(st, row)
	row.Version = st.Version
	return true
}

// ParseStateID converts a state id back into the row id.
func ParseStateID(id string) (snowflake.ID, error) {
	return snowflake.ParseString(id)
}

func MillisToTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
