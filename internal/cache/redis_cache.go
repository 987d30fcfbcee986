package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/models"
	"github.com/redis/go-redis/v9"
)

// ResultTTL keeps final scores around long enough for late settlement runs
const ResultTTL = 7 * 24 * time.Hour

// RedisCache stores performance reports and event results in Redis
type RedisCache struct {
	client *redis.Client
}

var _ contracts.ResultProvider = (*RedisCache)(nil)

// NewRedisCache creates a new Redis cache
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
	}
}

// GetReport returns a cached performance report or ErrNotFound
func (c *RedisCache) GetReport(ctx context.Context, key string) (*models.PerformanceReport, error) {
	var report models.PerformanceReport
	if err := c.getJSON(ctx, key, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// PutReport caches a report for ttl
func (c *RedisCache) PutReport(ctx context.Context, key string, report models.PerformanceReport, ttl time.Duration) error {
	return c.setJSON(ctx, key, report, ttl)
}

// PutResult stores the latest score for an event
func (c *RedisCache) PutResult(ctx context.Context, result models.EventResult) error {
	return c.setJSON(ctx, ResultKey(result.EventID), result, ResultTTL)
}

// Results implements contracts.ResultProvider from cached scores; unknown events are omitted
func (c *RedisCache) Results(ctx context.Context, sportKey string, eventIDs []string) ([]models.EventResult, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(eventIDs))
	for i, id := range eventIDs {
		keys[i] = ResultKey(id)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, contracts.Unavailable("read results", err)
	}

	return decodeResults(sportKey, eventIDs, values)
}

// decodeResults turns MGET values into results. Missing keys come back as nil
// and are skipped; results for another sport are dropped.
func decodeResults(sportKey string, eventIDs []string, values []interface{}) ([]models.EventResult, error) {
	var results []models.EventResult
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var result models.EventResult
		if err := decodeJSON(ResultKey(eventIDs[i]), data, &result); err != nil {
			return nil, err
		}
		if sportKey != "" && result.SportKey != "" && result.SportKey != sportKey {
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (c *RedisCache) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return contracts.ErrNotFound
		}
		return contracts.Unavailable("cache get "+key, err)
	}
	return decodeJSON(key, data, v)
}

func (c *RedisCache) setJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := encodeJSON(key, v)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return contracts.Unavailable("cache set "+key, err)
	}
	return nil
}

// ResultKey is the cache key for one event's score
func ResultKey(eventID string) string {
	return fmt.Sprintf("event:%s:result", eventID)
}

func encodeJSON(key string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", key, err)
	}
	return data, nil
}

func decodeJSON(key, data string, v interface{}) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return nil
}
