package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	PathCache   = "cache"
	PathDurable = "durable"
)

const (
	OutcomeOK          = "ok"
	OutcomeRejected    = "rejected"
	OutcomeUnknown     = "outcome_unknown"
	OutcomeError       = "error"
	OutcomeReplayed    = "replayed"
	OutcomeUnavailable = "unavailable"
)

const (
	FallbackReasonUnavailable = "unavailable"
	FallbackReasonCold        = "cold"
	FallbackReasonStale       = "stale"
	FallbackReasonDisabled    = "disabled"
	FallbackReasonIdempotent  = "idempotent"
)

const (
	SyncResultApplied    = "applied"
	SyncResultSuperseded = "superseded"
	SyncResultMissing    = "missing"
	SyncResultFailed     = "failed"
	SyncResultInline     = "inline"
)

// BalanceMetrics captures balance engine health signals scraped from /metrics.
type BalanceMetrics struct {
	deductions     *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	syncMessages   *prometheus.CounterVec
	syncLag        prometheus.Observer
	guardConflicts prometheus.Counter
	resets         prometheus.Counter
	cacheWarms     *prometheus.CounterVec
	reconciled     prometheus.Counter
}

var (
	balanceMetricsOnce sync.Once
	balanceMetrics     *BalanceMetrics
)

// Balance returns the singleton balance metrics registry.
func Balance() *BalanceMetrics {
	return BalanceWithConfig(Config{})
}

// BalanceWithConfig returns the singleton balance metrics registry using config labels.
func BalanceWithConfig(cfg Config) *BalanceMetrics {
	balanceMetricsOnce.Do(func() {
		balanceMetrics = newBalanceMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return balanceMetrics
}

// ResetBalanceMetricsForTest resets the balance metrics singleton for tests.
func ResetBalanceMetricsForTest() {
	balanceMetricsOnce = sync.Once{}
	balanceMetrics = nil
}

func newBalanceMetrics(registerer prometheus.Registerer, cfg Config) *BalanceMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "metergate"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	deductions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metergate_balance_deductions_total",
		Help:        "Deduction commits by execution path and outcome.",
		ConstLabels: constLabels,
	}, []string{"path", "outcome"})
	fallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metergate_balance_fallbacks_total",
		Help:        "Requests routed to the durable store instead of the cache, by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	syncMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metergate_balance_sync_messages_total",
		Help:        "Write-behind sync messages by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	syncLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "metergate_balance_sync_lag_seconds",
		Help:        "Delay between a cache commit and its durable application.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	guardConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "metergate_entity_guard_conflicts_total",
		Help:        "Entity provisioning requests refused because another change held the guard.",
		ConstLabels: constLabels,
	})
	resets := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "metergate_balance_resets_total",
		Help:        "Customer entitlements advanced past a reset boundary.",
		ConstLabels: constLabels,
	})
	cacheWarms := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metergate_balance_cache_warms_total",
		Help:        "Snapshot loads into the cache by result.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	reconciled := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "metergate_balance_reconciled_total",
		Help:        "Durable rows pushed into the cache by the change-feed reconciler.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(deductions, fallbacks, syncMessages, syncLag, guardConflicts, resets, cacheWarms, reconciled)

	return &BalanceMetrics{
		deductions:     deductions,
		fallbacks:      fallbacks,
		syncMessages:   syncMessages,
		syncLag:        syncLag,
		guardConflicts: guardConflicts,
		resets:         resets,
		cacheWarms:     cacheWarms,
		reconciled:     reconciled,
	}
}

// IncDeduction counts a deduction commit attempt.
func (m *BalanceMetrics) IncDeduction(path, outcome string) {
	if m == nil {
		return
	}
	m.deductions.WithLabelValues(path, outcome).Inc()
}

// IncFallback counts a request served by the durable store.
func (m *BalanceMetrics) IncFallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

func (m *BalanceMetrics) AddSyncMessages(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncMessages.WithLabelValues(result).Add(float64(n))
}

func (m *BalanceMetrics) ObserveSyncLag(seconds float64) {
	if m == nil || seconds < 0 {
		return
	}
	m.syncLag.Observe(seconds)
}

func (m *BalanceMetrics) IncGuardConflict() {
	if m == nil {
		return
	}
	m.guardConflicts.Inc()
}

func (m *BalanceMetrics) AddResets(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resets.Add(float64(n))
}

func (m *BalanceMetrics) IncCacheWarm(outcome string) {
	if m == nil {
		return
	}
	m.cacheWarms.WithLabelValues(outcome).Inc()
}

func (m *BalanceMetrics) AddReconciled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconciled.Add(float64(n))
}
