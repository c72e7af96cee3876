package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/samber/lo"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/balance/reset"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"github.com/smallbiznis/metergate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errConcurrentWrite is returned inside a transaction when a row or an
// idempotency key changed underneath it. The transaction is retried.
var errConcurrentWrite = errors.New("concurrent_write")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    entdomain.Repository
	Reset   *reset.Manager
	Node    *snowflake.Node
	Policy  *config.BalancePolicyHolder
	Handoff Handoff `optional:"true"`
}

// Handoff hands a customer's cached balances to a durable writer. Take is
// called with every row of the customer locked and returns the newest state
// the cache holds per entitlement id. The returned release must run once the
// transaction ended, with the committed states or nil after a rollback.
type Handoff interface {
	Take(ctx context.Context, customerID string) (map[string]*domain.BalanceState, func(committed []domain.BalanceState))
}

// Commit is one request to deduct on the durable store.
type Commit struct {
	CustomerID     string
	Deductions     []domain.FeatureDeduction
	Policy         domain.OverageBehavior
	IdempotencyKey string
}

// Executor writes balances directly to the entitlement store inside
// database transactions. Every transaction locks all of the customer's rows
// in id order, so writers of one customer serialize without deadlocking and
// no cache commit can land in between.
type Executor struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    entdomain.Repository
	reset   *reset.Manager
	node    *snowflake.Node
	policy  *config.BalancePolicyHolder
	handoff Handoff
}

func NewExecutor(p Params) *Executor {
	return &Executor{
		db:      p.DB,
		log:     p.Log.Named("balance.durable"),
		clock:   p.Clock,
		repo:    p.Repo,
		reset:   p.Reset,
		node:    p.Node,
		policy:  p.Policy,
		handoff: p.Handoff,
	}
}

func (e *Executor) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.policy.Get().Durable.CommitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// Execute applies c. With an idempotency key every deduction commits in one
// transaction together with the key, and a repeated key replays the stored
// result. Without a key each feature deduction commits on its own; a failure
// after an earlier commit returns *domain.PartialApplicationError.
func (e *Executor) Execute(ctx context.Context, c Commit) (*domain.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validTargets(c.Deductions); err != nil {
		return nil, err
	}

	commitCtx, cancel := e.commitContext(ctx)
	defer cancel()

	if c.IdempotencyKey != "" {
		return e.withRetry(commitCtx, func() (*domain.CommitResult, error) {
			return e.commitIdempotent(commitCtx, c)
		})
	}

	total := &domain.CommitResult{Applied: map[string]float64{}, Path: domain.PathDurable}
	states := map[string]domain.BalanceState{}
	for i, d := range c.Deductions {
		res, err := e.withRetry(commitCtx, func() (*domain.CommitResult, error) {
			return e.deduct(commitCtx, c.CustomerID, []domain.FeatureDeduction{d}, c.Policy, nil)
		})
		if err != nil {
			if i == 0 {
				return nil, err
			}
			e.log.Error("durable deduction partially applied",
				zap.String("customer_id", c.CustomerID),
				zap.String("failed_feature_id", d.FeatureID),
				zap.Error(err),
			)
			return nil, &domain.PartialApplicationError{Applied: finish(total, states), Err: err}
		}
		for feature, amount := range res.Applied {
			total.Applied[feature] += amount
		}
		total.Touched = lo.Uniq(append(total.Touched, res.Touched...))
		for _, st := range res.States {
			states[st.ID] = st
		}
	}
	return finish(total, states), nil
}

func finish(res *domain.CommitResult, states map[string]domain.BalanceState) *domain.CommitResult {
	res.States = lo.Values(states)
	sortStates(res.States)
	return res
}

func validTargets(deductions []domain.FeatureDeduction) error {
	for _, d := range deductions {
		for _, target := range d.Targets {
			if _, err := domain.ParseStateID(target); err != nil {
				return fmt.Errorf("%w: target %q", domain.ErrInvalidRequest, target)
			}
		}
	}
	return nil
}

func (e *Executor) commitIdempotent(ctx context.Context, c Commit) (*domain.CommitResult, error) {
	existing, err := e.repo.FindIdempotency(ctx, e.db, c.CustomerID, c.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return decodeReplay(existing)
	}

	return e.deduct(ctx, c.CustomerID, c.Deductions, c.Policy, func(tx *gorm.DB, out *domain.CommitResult) error {
		raw, err := json.Marshal(out)
		if err != nil {
			return err
		}
		inserted, err := e.repo.InsertIdempotency(ctx, tx, &entdomain.IdempotencyRecord{
			ID:             e.node.Generate(),
			CustomerID:     c.CustomerID,
			IdempotencyKey: c.IdempotencyKey,
			Result:         datatypes.JSON(raw),
			CreatedAt:      e.clock.Now(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			// a concurrent request with the same key won; retry to replay it
			return errConcurrentWrite
		}
		return nil
	})
}

func decodeReplay(record *entdomain.IdempotencyRecord) (*domain.CommitResult, error) {
	var res domain.CommitResult
	if err := json.Unmarshal(record.Result, &res); err != nil {
		return nil, fmt.Errorf("decode idempotency record %s: %w", record.ID, err)
	}
	res.Replayed = true
	return &res, nil
}

// deduct runs deductions in one customer transaction. record, when set, runs
// inside the transaction after the rows were saved.
func (e *Executor) deduct(
	ctx context.Context,
	customerID string,
	deductions []domain.FeatureDeduction,
	policy domain.OverageBehavior,
	record func(tx *gorm.DB, out *domain.CommitResult) error,
) (*domain.CommitResult, error) {
	var out *domain.CommitResult
	_, err := e.transact(ctx, customerID, func(tx *gorm.DB, w *Write) error {
		states := w.States()
		applied, err := domain.Apply(states, deductions, policy, w.Now.UnixMilli())
		if err != nil {
			return err
		}
		for _, id := range applied.Touched {
			if row := w.Row(id); row != nil {
				domain.ApplyToCustomerEntitlement(states[id], row)
				w.Touch(id)
			}
		}
		if err := w.save(ctx, tx); err != nil {
			return err
		}

		out = &domain.CommitResult{
			Applied: applied.Applied,
			Touched: w.Written(),
			States:  w.Committed(),
			Path:    domain.PathDurable,
		}
		if record != nil {
			return record(tx, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Change edits a customer's rows inside Transact. It must call Touch for
// every row it changed.
type Change func(tx *gorm.DB, w *Write) error

// Transact runs change in one transaction holding every active row of the
// customer and retries it when the transaction conflicts. It returns the
// customer's balances as committed.
func (e *Executor) Transact(ctx context.Context, customerID string, change Change) ([]domain.BalanceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	commitCtx, cancel := e.commitContext(ctx)
	defer cancel()

	res, err := e.withRetry(commitCtx, func() (*domain.CommitResult, error) {
		w, err := e.transact(commitCtx, customerID, func(tx *gorm.DB, w *Write) error {
			if err := change(tx, w); err != nil {
				return err
			}
			return w.save(commitCtx, tx)
		})
		if err != nil {
			return nil, err
		}
		return &domain.CommitResult{States: w.Committed(), Touched: w.Written(), Path: domain.PathDurable}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.States, nil
}

// transact locks the customer's rows, takes over what the cache holds for
// them and applies due resets before fn runs. The cache gets the committed
// rows back once the transaction ended.
func (e *Executor) transact(ctx context.Context, customerID string, fn func(tx *gorm.DB, w *Write) error) (*Write, error) {
	var (
		w       *Write
		release func([]domain.BalanceState)
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := e.repo.LockByCustomer(ctx, tx, customerID)
		if err != nil {
			return err
		}

		var cached map[string]*domain.BalanceState
		if e.handoff != nil {
			cached, release = e.handoff.Take(ctx, customerID)
		}

		w = newWrite(e, rows)
		for i := range w.Rows {
			row := &w.Rows[i]
			id := row.ID.String()
			if domain.Absorb(cached[id], row) {
				w.Touch(id)
			}
			if periods := reset.Evaluate(row, w.Now); periods > 0 {
				w.resets += periods
				w.Touch(id)
			}
		}
		return fn(tx, w)
	})
	if release != nil {
		if err != nil {
			release(nil)
		} else {
			release(w.Committed())
		}
	}
	if err != nil {
		return nil, err
	}
	metrics.Balance().AddResets(w.resets)
	return w, nil
}

func (e *Executor) withRetry(ctx context.Context, op backoff.Operation[*domain.CommitResult]) (*domain.CommitResult, error) {
	maxRetries := e.policy.Get().Durable.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	res, err := backoff.Retry(ctx, func() (*domain.CommitResult, error) {
		res, err := op()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, errConcurrentWrite) || db.IsRetryableTxErr(err) {
			e.log.Debug("retrying durable commit", zap.Error(err))
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxRetries)),
	)
	if err == nil {
		return res, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	switch {
	case errors.Is(err, errConcurrentWrite) || db.IsRetryableTxErr(err):
		return nil, fmt.Errorf("%w: %v", domain.ErrTryAgain, err)
	case ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded):
		// the commit may have reached the database before the deadline
		return nil, fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, err)
	}
	return nil, err
}
