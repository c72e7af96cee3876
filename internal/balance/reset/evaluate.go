package reset

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
)

// maxPeriods bounds catch-up work for rows untouched for a long time. Later
// boundaries are skipped without carrying balance.
const maxPeriods = 1000

// Evaluate advances row through every reset boundary at or before now and
// returns how many periods elapsed. For each period it expires rollovers that
// lapse at the boundary, carries unused balance into a new rollover up to the
// policy cap, re-grants the allowance and moves next_reset_at forward.
// The row's template must be hydrated. Running it again at the same now is a
// no-op because next_reset_at is already in the future.
func Evaluate(row *entdomain.CustomerEntitlement, now time.Time) int {
	if row.NextResetAt == nil || row.NextResetAt.After(now) {
		return 0
	}

	tmpl := row.Entitlement
	if !tmpl.Interval.Resets() {
		row.NextResetAt = nil
		return 0
	}

	if row.ResetAnchor == nil {
		anchor := *row.NextResetAt
		row.ResetAnchor = &anchor
	}
	anchor := *row.ResetAnchor
	next := *row.NextResetAt
	periods := 0
	for ; !next.After(now) && periods < maxPeriods; periods++ {
		rollPeriod(row, next)
		next = tmpl.Interval.Next(anchor, tmpl.IntervalCount, next)
	}
	if !next.After(now) {
		next = tmpl.Interval.Next(anchor, tmpl.IntervalCount, now)
	}
	row.NextResetAt = &next

	kept := make([]entdomain.Rollover, 0, len(row.Rollovers))
	for _, r := range row.Rollovers {
		if !r.Expired(now) {
			kept = append(kept, r)
		}
	}
	row.Rollovers = kept
	return periods
}

func rollPeriod(row *entdomain.CustomerEntitlement, boundary time.Time) {
	tmpl := row.Entitlement

	active := make([]entdomain.Rollover, 0, len(row.Rollovers))
	carried := decimal.Zero
	for _, r := range row.Rollovers {
		if r.Expired(boundary) {
			continue
		}
		active = append(active, r)
		carried = carried.Add(decimal.NewFromFloat(r.Balance))
	}
	row.Rollovers = active

	if row.Unlimited {
		return
	}

	if policy := tmpl.Rollover(); policy != nil && !tmpl.EntityScoped() {
		unused := decimal.Max(decimal.NewFromFloat(row.Balance), decimal.Zero)
		if policy.Max != nil {
			room := decimal.Max(decimal.NewFromFloat(*policy.Max).Sub(carried), decimal.Zero)
			unused = decimal.Min(unused, room)
		}
		if unused.GreaterThan(decimal.NewFromFloat(domain.Epsilon)) {
			row.Rollovers = append(row.Rollovers, entdomain.Rollover{
				ID:        fmt.Sprintf("%d-%d", row.ID.Int64(), boundary.Unix()),
				Balance:   unused.InexactFloat64(),
				ExpiresAt: policy.ExpiresAt(boundary),
			})
		}
	}

	row.Balance = row.Granted
	if tmpl.EntityScoped() {
		entities := row.EntityMap()
		for id, e := range entities {
			e.Balance = tmpl.AllowanceValue()
			entities[id] = e
		}
		row.SetEntities(entities)
	}
}
