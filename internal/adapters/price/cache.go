package price

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/supaandu/rebalancer/internal/core/domain"
)

// CachedPriceService wraps a PriceService with a Redis read-through cache.
// Redis errors are ignored and the lookup goes to the primary source.
type CachedPriceService struct {
	primary domain.PriceService
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedPriceService creates a cached wrapper around primary.
func NewCachedPriceService(primary domain.PriceService, rdb *redis.Client, ttl time.Duration) *CachedPriceService {
	return &CachedPriceService{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedPriceService) Name() string { return s.primary.Name() }

// GetCurrentPrice checks Redis first, then the primary source. Only positive
// prices are cached.
func (s *CachedPriceService) GetCurrentPrice(ctx context.Context, h domain.Holding) (float64, error) {
	key := priceKey(s.primary.Name(), h)

	if price, err := s.rdb.Get(ctx, key).Float64(); err == nil && price > 0 {
		return price, nil
	}

	price, err := s.primary.GetCurrentPrice(ctx, h)
	if err != nil {
		return 0, err
	}
	if price > 0 {
		s.rdb.Set(ctx, key, price, s.ttl)
	}
	return price, nil
}

func priceKey(source string, h domain.Holding) string {
	id := h.Address
	if id == "" {
		id = "native:" + h.Symbol
	}
	return fmt.Sprintf("price:%s:%s", source, strings.ToLower(id))
}
