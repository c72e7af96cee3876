package durable

import (
	"sort"

	"github.com/smallbiznis/metergate/internal/balance/domain"
)

func sortStates(states []domain.BalanceState) {
	sort.Slice(states, func(i, j int) bool {
		return domain.LessID(states[i].ID, states[j].ID)
	})
}
