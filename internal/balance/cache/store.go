package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/balance/domain"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyBalances  = "metergate:balances:%s"
	fieldMeta    = "meta"
	fieldGen     = "gen"
	entityPrefix = "ent:"
)

// Snapshot is the cached view of one customer's balances.
type Snapshot struct {
	CustomerID string
	// Cold is set when no warm snapshot exists. Gen must then be passed to
	// Warm so a concurrent write can fence the warm out.
	Cold   bool
	Gen    string
	States []*domain.BalanceState
}

// ByID indexes the snapshot's states.
func (s *Snapshot) ByID() map[string]*domain.BalanceState {
	out := make(map[string]*domain.BalanceState, len(s.States))
	for _, st := range s.States {
		out[st.ID] = st
	}
	return out
}

type Params struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Log    *zap.Logger
	Clock  clock.Clock
	Policy *config.BalancePolicyHolder
}

// Store is the Redis-backed fast cache of balance snapshots.
type Store struct {
	client *redis.Client
	log    *zap.Logger
	clock  clock.Clock
	policy *config.BalancePolicyHolder

	deduct  *redis.Script
	upsert  *redis.Script
	take    *redis.Script
	release *redis.Script
}

func NewStore(p Params) *Store {
	return &Store{
		client:  p.Client,
		log:     p.Log.Named("balance.cache"),
		clock:   p.Clock,
		policy:  p.Policy,
		deduct:  redis.NewScript(deductScript),
		upsert:  redis.NewScript(upsertScript),
		take:    redis.NewScript(takeScript),
		release: redis.NewScript(releaseScript),
	}
}

// Enabled reports whether the fast path may be attempted at all.
func (s *Store) Enabled() bool {
	return s != nil && s.client != nil && s.policy.Get().Cache.Enabled
}

// Connected reports whether a Redis client is configured, regardless of the
// kill switch.
func (s *Store) Connected() bool {
	return s != nil && s.client != nil
}

func key(customerID string) string {
	return fmt.Sprintf(keyBalances, customerID)
}

func (s *Store) ttlMillis() int64 {
	return s.policy.Get().Cache.SnapshotTTL.Milliseconds()
}

func (s *Store) Load(ctx context.Context, customerID string) (*Snapshot, error) {
	if s.client == nil {
		return nil, domain.ErrCacheUnavailable
	}

	fields, err := s.client.HGetAll(ctx, key(customerID)).Result()
	if err != nil {
		return nil, unavailable(ctx, err)
	}

	snap := &Snapshot{CustomerID: customerID, Gen: fields[fieldGen]}
	if _, ok := fields[fieldMeta]; !ok {
		snap.Cold = true
		return snap, nil
	}

	snap.States = make([]*domain.BalanceState, 0, len(fields))
	for field, raw := range fields {
		if !strings.HasPrefix(field, entityPrefix) {
			continue
		}
		var st domain.BalanceState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			// a corrupt entry cannot be trusted; force a rebuild
			s.log.Error("corrupt cached balance", zap.String("customer_id", customerID), zap.String("field", field), zap.Error(err))
			return nil, fmt.Errorf("%w: corrupt entry %s", domain.ErrCacheStale, field)
		}
		snap.States = append(snap.States, &st)
	}
	sort.Slice(snap.States, func(i, j int) bool {
		return domain.LessID(snap.States[i].ID, snap.States[j].ID)
	})
	return snap, nil
}

// Warm writes a full snapshot into a cold key. It reports false when the key
// was already warm or a concurrent write fenced this warm out.
func (s *Store) Warm(ctx context.Context, customerID, gen string, states []*domain.BalanceState) (bool, error) {
	n, err := s.runUpsert(ctx, "create", customerID, gen, states)
	if err != nil {
		return false, err
	}
	if n < 0 {
		s.log.Debug("warm fenced by concurrent write", zap.String("customer_id", customerID))
	}
	return n == int64(len(states)), nil
}

// Upsert refreshes cached entries whose version is lower than the given
// states. A cold snapshot is left cold.
func (s *Store) Upsert(ctx context.Context, customerID string, states []*domain.BalanceState) (int, error) {
	n, err := s.runUpsert(ctx, "refresh", customerID, "", states)
	return int(n), err
}

func (s *Store) runUpsert(ctx context.Context, mode, customerID, gen string, states []*domain.BalanceState) (int64, error) {
	if s.client == nil {
		return 0, domain.ErrCacheUnavailable
	}

	args := make([]any, 0, 4+3*len(states))
	args = append(args, mode, s.ttlMillis(), s.clock.Now().UnixMilli(), gen)
	for _, st := range states {
		raw, err := json.Marshal(st)
		if err != nil {
			return 0, err
		}
		args = append(args, st.ID, strconv.FormatInt(st.Version, 10), string(raw))
	}

	n, err := s.upsert.Run(ctx, s.client, []string{key(customerID)}, args...).Int64()
	if err != nil {
		return 0, unavailable(ctx, err)
	}
	return n, nil
}

// Take empties the customer's snapshot and fences it under token until
// Release is called or lease runs out. Cache commits find the snapshot cold
// and warms are refused while the fence holds. It returns the states the
// snapshot held.
func (s *Store) Take(ctx context.Context, customerID, token string, lease time.Duration) ([]*domain.BalanceState, error) {
	if s.client == nil {
		return nil, domain.ErrCacheUnavailable
	}

	raw, err := s.take.Run(ctx, s.client, []string{key(customerID)},
		token, s.clock.Now().UnixMilli(), lease.Milliseconds(), s.ttlMillis(),
	).StringSlice()
	if err != nil {
		return nil, unavailable(ctx, err)
	}

	out := make([]*domain.BalanceState, 0, len(raw))
	for _, entry := range raw {
		var st domain.BalanceState
		if err := json.Unmarshal([]byte(entry), &st); err != nil {
			s.log.Error("corrupt cached balance dropped", zap.String("customer_id", customerID), zap.Error(err))
			continue
		}
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return domain.LessID(out[i].ID, out[j].ID) })
	return out, nil
}

// Release lifts token's fence. With non-nil states the snapshot is warmed
// from them unless it is warm already or another writer still holds a
// fence. It reports whether the snapshot was warmed.
func (s *Store) Release(ctx context.Context, customerID, token string, states []*domain.BalanceState) (bool, error) {
	if s.client == nil {
		return false, domain.ErrCacheUnavailable
	}

	mode := ""
	if states != nil {
		mode = "warm"
	}
	args := make([]any, 0, 4+2*len(states))
	args = append(args, token, s.clock.Now().UnixMilli(), s.ttlMillis(), mode)
	for _, st := range states {
		raw, err := json.Marshal(st)
		if err != nil {
			return false, err
		}
		args = append(args, st.ID, string(raw))
	}

	n, err := s.release.Run(ctx, s.client, []string{key(customerID)}, args...).Int64()
	if err != nil {
		return false, unavailable(ctx, err)
	}
	return n >= 0, nil
}

type deductPayload struct {
	Deductions []domain.FeatureDeduction `json:"deductions"`
	Policy     domain.OverageBehavior    `json:"policy"`
	Now        int64                     `json:"now"`
	TTLMillis  int64                     `json:"ttl_ms"`
}

type deductReply struct {
	Status    string                      `json:"status"`
	ID        string                      `json:"id"`
	FeatureID string                      `json:"feature_id"`
	Requested float64                     `json:"requested"`
	Available float64                     `json:"available"`
	Applied   luaMap[float64]             `json:"applied"`
	States    luaMap[domain.BalanceState] `json:"states"`
	Touched   []string                    `json:"touched"`
}

// ExecuteAtomicDeduction applies deductions to the customer's snapshot in a
// single server-side script. Once the script is submitted it is not bound to
// ctx cancellation, only to the commit timeout.
func (s *Store) ExecuteAtomicDeduction(ctx context.Context, customerID string, deductions []domain.FeatureDeduction, policy domain.OverageBehavior) (*domain.CommitResult, error) {
	if s.client == nil {
		return nil, domain.ErrCacheUnavailable
	}

	normalized := make([]domain.FeatureDeduction, 0, len(deductions))
	for _, d := range deductions {
		if d.Targets == nil {
			d.Targets = []string{}
		}
		normalized = append(normalized, d)
	}
	payload, err := json.Marshal(deductPayload{
		Deductions: normalized,
		Policy:     policy,
		Now:        s.clock.Now().UnixMilli(),
		TTLMillis:  s.ttlMillis(),
	})
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := s.policy.Get().Cache.CommitTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	raw, err := s.deduct.Run(commitCtx, s.client, []string{key(customerID)}, string(payload)).Text()
	if err != nil {
		return nil, classifyCommit(err)
	}

	var reply deductReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		// the script ran; what it did is unknown to us
		return nil, fmt.Errorf("%w: decode reply: %v", domain.ErrOutcomeUnknown, err)
	}

	switch reply.Status {
	case "ok":
		return commitResult(reply), nil
	case "cold":
		return nil, domain.ErrCacheCold
	case "stale":
		return nil, fmt.Errorf("%w: %s", domain.ErrCacheStale, reply.ID)
	case "no_balance":
		return nil, fmt.Errorf("%w: %s", domain.ErrNoApplicableBalance, reply.FeatureID)
	case "rejected":
		return nil, &domain.InsufficientBalanceError{
			FeatureID: reply.FeatureID,
			Requested: reply.Requested,
			Available: reply.Available,
		}
	default:
		return nil, fmt.Errorf("%w: unexpected status %q", domain.ErrOutcomeUnknown, reply.Status)
	}
}

func commitResult(reply deductReply) *domain.CommitResult {
	res := &domain.CommitResult{
		Applied: map[string]float64(reply.Applied),
		States:  make([]domain.BalanceState, 0, len(reply.States)),
		Touched: reply.Touched,
		Path:    domain.PathCache,
	}
	for _, st := range reply.States {
		res.States = append(res.States, st)
	}
	sort.Slice(res.States, func(i, j int) bool {
		return domain.LessID(res.States[i].ID, res.States[j].ID)
	})
	return res
}
