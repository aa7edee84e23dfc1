package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/herbbie/server/internal/module/billing"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const planCacheKey = "billing:plans"

// PlanCache is a Redis read-through cache for the active plan catalog.
// Redis errors degrade to a database read, never to a failed request.
type PlanCache struct {
	redis  redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewPlanCache creates a new plan cache.
func NewPlanCache(redis redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *PlanCache {
	return &PlanCache{
		redis:  redis,
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the cached catalog, or false on miss or error.
func (c *PlanCache) Get(ctx context.Context) ([]*billing.Plan, bool) {
	data, err := c.redis.Get(ctx, planCacheKey).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("plan cache read failed", zap.Error(err))
		return nil, false
	}

	var plans []*billing.Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		c.logger.Warn("plan cache payload invalid", zap.Error(err))
		return nil, false
	}
	return plans, true
}

// Set stores the catalog with the configured TTL.
func (c *PlanCache) Set(ctx context.Context, plans []*billing.Plan) {
	data, err := json.Marshal(plans)
	if err != nil {
		c.logger.Warn("plan cache marshal failed", zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, planCacheKey, data, c.ttl).Err(); err != nil {
		c.logger.Warn("plan cache write failed", zap.Error(err))
	}
}

// Invalidate drops the cached catalog.
func (c *PlanCache) Invalidate(ctx context.Context) {
	if err := c.redis.Del(ctx, planCacheKey).Err(); err != nil {
		c.logger.Warn("plan cache invalidation failed", zap.Error(err))
	}
}
