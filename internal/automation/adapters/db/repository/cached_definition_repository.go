package repository

import (
	"context"
	"time"

	"github.com/loanflow-go/internal/automation/ports"
	"github.com/loanflow-go/internal/domain/automation"
	"github.com/loanflow-go/pkg/cache"
	"github.com/loanflow-go/pkg/logger"
)

type ReadThroughCache interface {
	CacheAside(ctx context.Context, key string, dest interface{}, loader func() (interface{}, error), ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

// CachedDefinitionRepository serves active-definition lookups from a shared
// cache. Every write drops all cached lookups; the TTL bounds staleness
// from writers that bypass this decorator.
type CachedDefinitionRepository struct {
	ports.DefinitionRepository
	cache  ReadThroughCache
	keys   *cache.KeyBuilder
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedDefinitionRepository(next ports.DefinitionRepository, c ReadThroughCache, ttl time.Duration, log logger.Logger) *CachedDefinitionRepository {
	return &CachedDefinitionRepository{
		DefinitionRepository: next,
		cache:                c,
		keys:                 cache.NewKeyBuilder("definitions"),
		ttl:                  ttl,
		logger:               log,
	}
}

func (r *CachedDefinitionRepository) ListActiveByTrigger(ctx context.Context, trigger automation.TriggerType) ([]*automation.WorkflowDefinition, error) {
	var defs []*automation.WorkflowDefinition
	err := r.cache.CacheAside(ctx, r.keys.Build("active", string(trigger)), &defs, func() (interface{}, error) {
		return r.DefinitionRepository.ListActiveByTrigger(ctx, trigger)
	}, r.ttl)
	if err != nil {
		return nil, err
	}
	return defs, nil
}

func (r *CachedDefinitionRepository) Create(ctx context.Context, d *automation.WorkflowDefinition) error {
	if err := r.DefinitionRepository.Create(ctx, d); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

func (r *CachedDefinitionRepository) Update(ctx context.Context, d *automation.WorkflowDefinition) error {
	if err := r.DefinitionRepository.Update(ctx, d); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

func (r *CachedDefinitionRepository) Delete(ctx context.Context, id string) error {
	if err := r.DefinitionRepository.Delete(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

func (r *CachedDefinitionRepository) Publish(ctx context.Context, id, publishedBy string) (*automation.WorkflowVersion, error) {
	v, err := r.DefinitionRepository.Publish(ctx, id, publishedBy)
	if err != nil {
		return nil, err
	}
	r.invalidate(ctx)
	return v, nil
}

func (r *CachedDefinitionRepository) invalidate(ctx context.Context) {
	if err := r.cache.Invalidate(ctx, r.keys.Pattern("active", "")); err != nil {
		r.logger.Warn("Failed to invalidate definition cache", "error", err)
	}
}
