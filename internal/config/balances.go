package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BalancePolicy holds runtime tunables for the balance engine. It is reloaded
// from balances.yml without a restart.
type BalancePolicy struct {
	Cache   CachePolicy   `mapstructure:"cache"`
	Guard   GuardPolicy   `mapstructure:"guard"`
	Sync    SyncPolicy    `mapstructure:"sync"`
	Durable DurablePolicy `mapstructure:"durable"`
}

type CachePolicy struct {
	// Enabled is the kill switch for the fast path. When false every request
	// goes to the durable store.
	Enabled       bool          `mapstructure:"enabled"`
	SnapshotTTL   time.Duration `mapstructure:"snapshot_ttl"`
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
}

type GuardPolicy struct {
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

type SyncPolicy struct {
	BatchSize         int           `mapstructure:"batch_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ReconcileBatch    int           `mapstructure:"reconcile_batch"`
}

type DurablePolicy struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
}

func DefaultBalancePolicy() BalancePolicy {
	return BalancePolicy{
		Cache: CachePolicy{
			Enabled:       true,
			SnapshotTTL:   24 * time.Hour,
			CommitTimeout: 500 * time.Millisecond,
		},
		Guard: GuardPolicy{
			LockTTL: 10 * time.Second,
		},
		Sync: SyncPolicy{
			BatchSize:         256,
			PollInterval:      200 * time.Millisecond,
			ReconcileInterval: 2 * time.Second,
			ReconcileBatch:    500,
		},
		Durable: DurablePolicy{
			MaxRetries:    5,
			CommitTimeout: 5 * time.Second,
		},
	}
}

type BalancePolicyHolder struct {
	current atomic.Value // holds BalancePolicy
}

// NewStaticBalancePolicyHolder returns a holder that never reloads.
func NewStaticBalancePolicyHolder(policy BalancePolicy) *BalancePolicyHolder {
	holder := &BalancePolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewBalancePolicyHolder(cfg Config, log *zap.Logger) (*BalancePolicyHolder, error) {
	log = log.Named("config.balances")
	v := viper.New()

	if cfg.BalancesFile != "" {
		v.SetConfigFile(cfg.BalancesFile)
	} else {
		v.SetConfigName("balances")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/metergate/config")
		v.AddConfigPath("/etc/metergate")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("METERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setBalanceDefaults(v, DefaultBalancePolicy())

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	var policy BalancePolicy
	if err := v.Unmarshal(&policy); err != nil {
		return nil, err
	}
	if err := validateBalancePolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticBalancePolicyHolder(policy)

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated BalancePolicy
			if err := v.Unmarshal(&updated); err != nil {
				log.Warn("reload failed", zap.Error(err))
				return
			}
			if err := validateBalancePolicy(updated); err != nil {
				log.Warn("invalid config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("reloaded", zap.String("file", e.Name), zap.Bool("cache_enabled", updated.Cache.Enabled))
		})
	}

	return holder, nil
}

func (h *BalancePolicyHolder) Get() BalancePolicy {
	if h == nil {
		return DefaultBalancePolicy()
	}
	return h.current.Load().(BalancePolicy)
}

// Set replaces the active policy. Used by tests and the admin kill switch.
func (h *BalancePolicyHolder) Set(policy BalancePolicy) {
	h.current.Store(policy)
}

func setBalanceDefaults(v *viper.Viper, defaults BalancePolicy) {
	v.SetDefault("cache.enabled", defaults.Cache.Enabled)
	v.SetDefault("cache.snapshot_ttl", defaults.Cache.SnapshotTTL)
	v.SetDefault("cache.commit_timeout", defaults.Cache.CommitTimeout)
	v.SetDefault("guard.lock_ttl", defaults.Guard.LockTTL)
	v.SetDefault("sync.batch_size", defaults.Sync.BatchSize)
	v.SetDefault("sync.poll_interval", defaults.Sync.PollInterval)
	v.SetDefault("sync.reconcile_interval", defaults.Sync.ReconcileInterval)
	v.SetDefault("sync.reconcile_batch", defaults.Sync.ReconcileBatch)
	v.SetDefault("durable.max_retries", defaults.Durable.MaxRetries)
	v.SetDefault("durable.commit_timeout", defaults.Durable.CommitTimeout)
}

func validateBalancePolicy(p BalancePolicy) error {
	if p.Cache.CommitTimeout <= 0 {
		return errors.New("cache.commit_timeout must be positive")
	}
	if p.Guard.LockTTL <= 0 {
		return errors.New("guard.lock_ttl must be positive")
	}
	if p.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", p.Sync.BatchSize)
	}
	if p.Durable.MaxRetries <= 0 {
		return fmt.Errorf("durable.max_retries must be positive, got %d", p.Durable.MaxRetries)
	}
	return nil
}
