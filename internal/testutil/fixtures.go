package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Grant describes one customer entitlement to seed with its template and an
// active customer product.
type Grant struct {
	CustomerID string
	FeatureID  string
	// Allowance nil seeds an unlimited entitlement.
	Allowance *float64
	// Balance defaults to the allowance.
	Balance         *float64
	Additional      float64
	Interval        entdomain.Interval
	NextResetAt     *time.Time
	UsageAllowed    bool
	UsageLimit      *float64
	EntityFeatureID string
	Entities        map[string]float64
	Rollover        *entdomain.RolloverPolicy
	Rollovers       []entdomain.Rollover
}

func Float(v float64) *float64 { return &v }

func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return node
}

// SeedFeature inserts a metered feature unless it already exists.
func SeedFeature(t testing.TB, conn *gorm.DB, f featuredomain.Feature) {
	t.Helper()
	if f.Type == "" {
		f.Type = featuredomain.FeatureTypeMetered
	}
	if f.Name == "" {
		f.Name = f.ID
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	if err := conn.Where("id = ?", f.ID).FirstOrCreate(&f).Error; err != nil {
		t.Fatalf("seed feature %s: %v", f.ID, err)
	}
}

// SeedGrant inserts a customer entitlement and returns it hydrated.
func SeedGrant(t testing.TB, conn *gorm.DB, node *snowflake.Node, g Grant) entdomain.CustomerEntitlement {
	t.Helper()
	now := time.Now().UTC()

	tmpl := entdomain.Entitlement{
		ID:            node.Generate(),
		ProductID:     "prod_" + g.FeatureID,
		FeatureID:     g.FeatureID,
		Allowance:     g.Allowance,
		Interval:      g.Interval,
		IntervalCount: 1,
		UsageAllowed:  g.UsageAllowed,
		UsageLimit:    g.UsageLimit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if g.EntityFeatureID != "" {
		tmpl.EntityFeatureID = &g.EntityFeatureID
	}
	if g.Rollover != nil {
		tmpl.RolloverEnabled = true
		tmpl.RolloverMax = g.Rollover.Max
		tmpl.RolloverDuration = g.Rollover.Duration
		tmpl.RolloverLength = g.Rollover.Length
	}
	if err := conn.Create(&tmpl).Error; err != nil {
		t.Fatalf("seed entitlement: %v", err)
	}

	product := entdomain.CustomerProduct{
		ID:         node.Generate(),
		CustomerID: g.CustomerID,
		ProductID:  tmpl.ProductID,
		Status:     entdomain.CustomerProductStatusActive,
		Quantity:   1,
		Options:    datatypes.NewJSONType(map[string]float64{}),
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := conn.Create(&product).Error; err != nil {
		t.Fatalf("seed customer product: %v", err)
	}

	granted := tmpl.AllowanceValue()
	if tmpl.EntityScoped() {
		granted = 0
	}
	balance := granted
	if g.Balance != nil {
		balance = *g.Balance
	}
	entities := entdomain.EntityBalances{}
	for id, b := range g.Entities {
		entities[id] = entdomain.EntityBalance{Balance: b}
	}
	rollovers := g.Rollovers
	if rollovers == nil {
		rollovers = []entdomain.Rollover{}
	}

	row := entdomain.CustomerEntitlement{
		ID:                node.Generate(),
		CustomerProductID: product.ID,
		CustomerID:        g.CustomerID,
		EntitlementID:     tmpl.ID,
		FeatureID:         g.FeatureID,
		Granted:           granted,
		Balance:           balance,
		AdditionalBalance: g.Additional,
		Unlimited:         tmpl.Unlimited(),
		UsageAllowed:      g.UsageAllowed,
		NextResetAt:       g.NextResetAt,
		Rollovers:         datatypes.JSONSlice[entdomain.Rollover](rollovers),
		Entities:          datatypes.NewJSONType(entities),
		Version:           1,
		Revision:          node.Generate().Int64(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := conn.Create(&row).Error; err != nil {
		t.Fatalf("seed customer entitlement: %v", err)
	}
	row.Entitlement = tmpl
	return row
}

// LoadRow re-reads a customer entitlement by id.
func LoadRow(t testing.TB, conn *gorm.DB, id snowflake.ID) entdomain.CustomerEntitlement {
	t.Helper()
	var row entdomain.CustomerEntitlement
	if err := conn.Where("id = ?", id).First(&row).Error; err != nil {
		t.Fatalf("load customer entitlement %s: %v", id, err)
	}
	return row
}
