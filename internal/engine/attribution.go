package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/splitshelf/splitshelf/internal/models"
	"github.com/splitshelf/splitshelf/internal/storage"
	"go.uber.org/zap"
)

// ActiveCase answers "what case is live right now" for client
// instrumentation. Active is false when no experiment targets the
// product, so callers can no-op instead of treating it as an error.
type ActiveCase struct {
	Active       bool                `json:"active"`
	ExperimentID string              `json:"experiment_id,omitempty"`
	Case         models.Case         `json:"case,omitempty"`
	Scope        models.ExperimentScope `json:"scope,omitempty"`
	VariantCase  *models.VariantCase `json:"variant_case,omitempty"`
}

// AttributionService resolves the active experiment case for a product
// or variant. Reads go through a short-TTL Redis cache because the
// instrumentation calls this before every event; the cache is
// invalidated on rotation and lifecycle changes. Without Redis it falls
// through to the repository on every call.
type AttributionService struct {
	experiments storage.ExperimentRepo
	redis       *redis.Client
	cacheTTL    time.Duration
	logger      *zap.Logger
}

func NewAttributionService(experiments storage.ExperimentRepo, rdb *redis.Client, cacheTTL time.Duration, logger *zap.Logger) *AttributionService {
	return &AttributionService{
		experiments: experiments,
		redis:       rdb,
		cacheTTL:    cacheTTL,
		logger:      logger,
	}
}

func attributionKey(productID, variantID string) string {
	return fmt.Sprintf("attribution:%s:%s", productID, variantID)
}

// ActiveFor returns the active case for a product, optionally narrowed
// to one variant. When several RUNNING experiments target the same
// product the most recently started wins; the ambiguity is logged.
func (a *AttributionService) ActiveFor(ctx context.Context, productID, variantID string) (*ActiveCase, error) {
	if productID == "" {
		return nil, validationErrorf("product_id is required")
	}

	key := attributionKey(productID, variantID)
	if a.redis != nil {
		if data, err := a.redis.Get(ctx, key).Bytes(); err == nil {
			var cached ActiveCase
			if json.Unmarshal(data, &cached) == nil {
				return &cached, nil
			}
		}
	}

	resolved, err := a.resolve(ctx, productID, variantID)
	if err != nil {
		return nil, err
	}

	if a.redis != nil {
		if data, err := json.Marshal(resolved); err == nil {
			if err := a.redis.Set(ctx, key, data, a.cacheTTL).Err(); err != nil {
				a.logger.Debug("attribution cache write failed", zap.Error(err))
			}
		}
	}
	return resolved, nil
}

func (a *AttributionService) resolve(ctx context.Context, productID, variantID string) (*ActiveCase, error) {
	active, err := a.experiments.GetActiveByProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active experiment: %w", err)
	}
	if len(active) == 0 {
		return &ActiveCase{Active: false}, nil
	}
	if len(active) > 1 {
		a.logger.Warn("multiple running experiments target one product, most recently started wins",
			zap.String("product_id", productID),
			zap.Int("count", len(active)),
		)
	}

	for _, e := range active {
		ac := &ActiveCase{
			Active:       true,
			ExperimentID: e.ID,
			Case:         e.CurrentCase,
			Scope:        e.Scope,
		}
		if e.Scope == models.ScopeVariant {
			if variantID == "" {
				continue
			}
			vc := e.FindVariantCase(variantID)
			if vc == nil {
				continue
			}
			ac.VariantCase = vc
		}
		return ac, nil
	}

	return &ActiveCase{Active: false}, nil
}

// Invalidate drops cached attribution answers for a product. Called
// after every rotation and lifecycle transition. Variant-narrowed keys
// share the product prefix, so a scan-and-delete covers them.
func (a *AttributionService) Invalidate(ctx context.Context, productID string) {
	if a.redis == nil {
		return
	}

	pattern := attributionKey(productID, "*")
	iter := a.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	keys = append(keys, attributionKey(productID, ""))
	if err := a.redis.Del(ctx, keys...).Err(); err != nil {
		a.logger.Debug("attribution cache invalidation failed",
			zap.String("product_id", productID),
			zap.Error(err),
		)
	}
}
