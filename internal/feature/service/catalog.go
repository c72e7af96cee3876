package service

import (
	"context"
	"sort"
	"time"

	"github.com/smallbiznis/metergate/internal/cache"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/feature/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const catalogKey = "features"

type catalogSnapshot struct {
	byID    map[string]domain.Feature
	byEvent map[string][]domain.Feature
}

// Catalog serves feature definitions to the hot path from an in-process cache.
type Catalog struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	ttl   time.Duration
	cache cache.Cache[string, *catalogSnapshot]
	group singleflight.Group
}

func NewCatalog(conn *gorm.DB, log *zap.Logger, repo domain.Repository, cfg config.Config) *Catalog {
	ttl := cfg.FeatureTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Catalog{
		db:    conn,
		log:   log.Named("feature.catalog"),
		repo:  repo,
		ttl:   ttl,
		cache: cache.NewTTLCache[string, *catalogSnapshot](),
	}
}

func (c *Catalog) Get(ctx context.Context, id string) (*domain.Feature, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	f, ok := snap.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &f, nil
}

// ListByEventName returns every trackable feature listening for eventName,
// ordered by feature id.
func (c *Catalog) ListByEventName(ctx context.Context, eventName string) ([]domain.Feature, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return append([]domain.Feature(nil), snap.byEvent[eventName]...), nil
}

func (c *Catalog) Invalidate() {
	c.cache.Delete(catalogKey)
}

func (c *Catalog) snapshot(ctx context.Context) (*catalogSnapshot, error) {
	if snap, ok := c.cache.Get(catalogKey); ok {
		return snap, nil
	}

	v, err, _ := c.group.Do(catalogKey, func() (any, error) {
		items, err := c.repo.List(ctx, c.db, domain.ListRequest{})
		if err != nil {
			return nil, err
		}
		snap := buildSnapshot(items)
		c.cache.Set(catalogKey, snap, c.ttl)
		c.log.Debug("catalog refreshed", zap.Int("features", len(items)))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*catalogSnapshot), nil
}

func buildSnapshot(items []domain.Feature) *catalogSnapshot {
	snap := &catalogSnapshot{
		byID:    make(map[string]domain.Feature, len(items)),
		byEvent: make(map[string][]domain.Feature),
	}
	for _, f := range items {
		snap.byID[f.ID] = f
		if !f.Trackable() {
			continue
		}
		for _, name := range f.EventNames {
			snap.byEvent[name] = append(snap.byEvent[name], f)
		}
	}
	for name := range snap.byEvent {
		list := snap.byEvent[name]
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return snap
}

var _ domain.Catalog = (*Catalog)(nil)
