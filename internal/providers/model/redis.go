// Package model reads model probabilities published by the modeling service.
package model

import (
	"context"
	"fmt"
	"strconv"

	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/contracts"
	"github.com/XavierBriggs/fortuna/services/signal-engine/pkg/oddsmath"
	"github.com/redis/go-redis/v9"
)

// RedisProvider reads model:prob:<event_id> hashes with <market>|<selection> fields
type RedisProvider struct {
	client *redis.Client
}

var _ contracts.ModelProvider = (*RedisProvider)(nil)

// NewRedisProvider creates a provider
func NewRedisProvider(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client}
}

// Probability returns ErrDataUnavailable when the model has not priced the selection
func (p *RedisProvider) Probability(ctx context.Context, eventID, market, selection string) (float64, error) {
	raw, err := p.client.HGet(ctx, HashKey(eventID), Field(market, selection)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, contracts.ErrDataUnavailable
		}
		return 0, contracts.Unavailable("model probability", err)
	}
	return ParseProbability(raw)
}

// ParseProbability validates a stored value; it must lie strictly between 0 and 1
func ParseProbability(raw string) (float64, error) {
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, contracts.NewValidationError("model probability", raw, "not a number")
	}
	if err := oddsmath.ValidateProbability("model probability", p); err != nil {
		return 0, err
	}
	return p, nil
}

// HashKey names the hash holding one event's probabilities
func HashKey(eventID string) string {
	return fmt.Sprintf("model:prob:%s", eventID)
}

// Field names one selection inside the hash
func Field(market, selection string) string {
	return market + "|" + selection
}
