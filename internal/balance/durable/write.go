package durable

import (
	"context"
	"time"

	"github.com/smallbiznis/metergate/internal/balance/domain"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	"gorm.io/gorm"
)

// Write is one customer's locked rows inside a durable transaction, with
// cached state absorbed and due resets applied.
type Write struct {
	Now  time.Time
	Rows []entdomain.CustomerEntitlement

	exec     *Executor
	byID     map[string]int
	versions map[string]int64
	dirty    map[string]bool
	written  []string
	resets   int
}

func newWrite(e *Executor, rows []entdomain.CustomerEntitlement) *Write {
	w := &Write{
		Now:      e.clock.Now(),
		Rows:     rows,
		exec:     e,
		byID:     make(map[string]int, len(rows)),
		versions: make(map[string]int64, len(rows)),
		dirty:    make(map[string]bool, len(rows)),
	}
	for i := range rows {
		id := rows[i].ID.String()
		w.byID[id] = i
		w.versions[id] = rows[i].Version
	}
	return w
}

// Row returns the locked row with the given state id, nil when the customer
// has no such active row.
func (w *Write) Row(id string) *entdomain.CustomerEntitlement {
	i, ok := w.byID[id]
	if !ok {
		return nil
	}
	return &w.Rows[i]
}

// Touch marks rows to be saved.
func (w *Write) Touch(ids ...string) {
	for _, id := range ids {
		if _, ok := w.byID[id]; ok {
			w.dirty[id] = true
		}
	}
}

// States projects the rows into fresh spendable states keyed by id.
func (w *Write) States() map[string]*domain.BalanceState {
	out := make(map[string]*domain.BalanceState, len(w.Rows))
	for i := range w.Rows {
		st := domain.FromCustomerEntitlement(&w.Rows[i])
		out[st.ID] = st
	}
	return out
}

// Committed returns every row's state, ordered by id.
func (w *Write) Committed() []domain.BalanceState {
	out := make([]domain.BalanceState, 0, len(w.Rows))
	for i := range w.Rows {
		out = append(out, *domain.FromCustomerEntitlement(&w.Rows[i]))
	}
	sortStates(out)
	return out
}

// Written returns the ids saved so far, ordered by id.
func (w *Write) Written() []string {
	return append([]string(nil), w.written...)
}

// save stamps and writes every touched row once.
func (w *Write) save(ctx context.Context, tx *gorm.DB) error {
	for i := range w.Rows {
		row := &w.Rows[i]
		id := row.ID.String()
		if !w.dirty[id] {
			continue
		}
		w.exec.reset.Stamp(row)
		ok, err := w.exec.repo.SaveBalance(ctx, tx, row, w.versions[id])
		if err != nil {
			return err
		}
		if !ok {
			return errConcurrentWrite
		}
		w.versions[id] = row.Version
		delete(w.dirty, id)
		w.written = append(w.written, id)
	}
	return nil
}
