package counter

import (
	"context"
	"strconv"

	"github.com/craftloghq/connect/internal/pkg/cache"
)

const (
	refreshSuccessKey   = "connect:counters:refresh:success"
	refreshTransientKey = "connect:counters:refresh:transient"
	refreshPermanentKey = "connect:counters:refresh:permanent"
)

// AddRefreshSuccess increments the successful-refresh counter for a provider in Redis
func AddRefreshSuccess(provider string) error {
	return cache.GetClient().HIncrBy(context.Background(), refreshSuccessKey, provider, 1).Err()
}

// AddRefreshTransient increments the transient-failure counter for a provider
func AddRefreshTransient(provider string) error {
	return cache.GetClient().HIncrBy(context.Background(), refreshTransientKey, provider, 1).Err()
}

// AddRefreshPermanent increments the permanent-failure counter for a provider
func AddRefreshPermanent(provider string) error {
	return cache.GetClient().HIncrBy(context.Background(), refreshPermanentKey, provider, 1).Err()
}

// RefreshStats holds per-provider refresh outcome counts.
type RefreshStats struct {
	Success   int64 `json:"success"`
	Transient int64 `json:"transient"`
	Permanent int64 `json:"permanent"`
}

// GetRefreshStats reads the counters for one provider.
func GetRefreshStats(provider string) (RefreshStats, error) {
	ctx := context.Background()
	rdb := cache.GetClient()

	var stats RefreshStats
	for _, entry := range []struct {
		key  string
		dest *int64
	}{
		{refreshSuccessKey, &stats.Success},
		{refreshTransientKey, &stats.Transient},
		{refreshPermanentKey, &stats.Permanent},
	} {
		val, err := rdb.HGet(ctx, entry.key, provider).Result()
		if err != nil {
			continue // missing field means zero
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			*entry.dest = n
		}
	}
	return stats, nil
}
