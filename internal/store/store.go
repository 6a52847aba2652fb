// Package store is the persistence port: a narrow write-side interface
// the pipeline fires records at, backed by Redis, with an async writer
// that keeps persistence latency out of the hot path while preserving
// causal order per opportunity.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"fundarb-monitor/internal/market"

	"github.com/redis/go-redis/v9"
)

// Port is everything the pipeline needs from persistence.
type Port interface {
	SaveOpportunity(ctx context.Context, opp market.Opportunity) error
	UpdateOpportunity(ctx context.Context, opp market.Opportunity) error
	SaveHistory(ctx context.Context, h market.OpportunityHistory) error
	SaveNotification(ctx context.Context, rec market.NotificationRecord) error
	PublishHealth(ctx context.Context, report market.HealthReport) error
	Close() error
}

// Redis key layout.
const (
	activeKeyPrefix    = "fundarb:active:"            // + symbol, latest active opportunity
	eventStream        = "fundarb:opportunity-events" // lifecycle event log
	historyStream      = "fundarb:opportunity-history"
	notificationStream = "fundarb:notifications"
	channelPrefix      = "fundarb:opportunity:" // + symbol, live subscribers
	healthKey          = "fundarb:health:latest"
	healthChannel      = "fundarb:health"
)

// RedisStore persists pipeline records to Redis: live state as keys,
// append-only records as capped streams, health as pub/sub plus a
// latest-value key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &market.Error{Kind: market.KindPersistenceUnavailable, Op: "store.NewRedisStore",
			Err: fmt.Errorf("redis ping failed: %w", err)}
	}
	return &RedisStore{client: client}, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

// Ping reports backend reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrap("store.Ping", err)
	}
	return nil
}

// SaveOpportunity records a newly opened opportunity.
func (s *RedisStore) SaveOpportunity(ctx context.Context, opp market.Opportunity) error {
	return s.writeOpportunity(ctx, "store.SaveOpportunity", opp)
}

// UpdateOpportunity overwrites the live state of an active opportunity.
func (s *RedisStore) UpdateOpportunity(ctx context.Context, opp market.Opportunity) error {
	return s.writeOpportunity(ctx, "store.UpdateOpportunity", opp)
}

func (s *RedisStore) writeOpportunity(ctx context.Context, op string, opp market.Opportunity) error {
	data, err := json.Marshal(opp)
	if err != nil {
		return wrap(op, err)
	}

	if err := s.client.Set(ctx, activeKeyPrefix+opp.Symbol, data, 0).Err(); err != nil {
		return wrap(op, err)
	}
	if err := s.append(ctx, eventStream, data, 10000); err != nil {
		return wrap(op, err)
	}
	return wrap(op, s.client.Publish(ctx, channelPrefix+opp.Symbol, data).Err())
}

// SaveHistory appends the closing record and clears the live key.
func (s *RedisStore) SaveHistory(ctx context.Context, h market.OpportunityHistory) error {
	data, err := json.Marshal(h)
	if err != nil {
		return wrap("store.SaveHistory", err)
	}

	if err := s.client.Del(ctx, activeKeyPrefix+h.Symbol).Err(); err != nil {
		return wrap("store.SaveHistory", err)
	}
	if err := s.append(ctx, historyStream, data, 10000); err != nil {
		return wrap("store.SaveHistory", err)
	}
	return wrap("store.SaveHistory", s.client.Publish(ctx, channelPrefix+h.Symbol, data).Err())
}

// SaveNotification appends one delivery record.
func (s *RedisStore) SaveNotification(ctx context.Context, rec market.NotificationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return wrap("store.SaveNotification", err)
	}
	return wrap("store.SaveNotification", s.append(ctx, notificationStream, data, 10000))
}

// PublishHealth pushes the report to subscribers and keeps the latest
// copy readable.
func (s *RedisStore) PublishHealth(ctx context.Context, report market.HealthReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return wrap("store.PublishHealth", err)
	}

	if err := s.client.Set(ctx, healthKey, data, 0).Err(); err != nil {
		return wrap("store.PublishHealth", err)
	}
	return wrap("store.PublishHealth", s.client.Publish(ctx, healthChannel, data).Err())
}

func (s *RedisStore) append(ctx context.Context, stream string, data []byte, maxLen int64) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &market.Error{Kind: market.KindPersistenceUnavailable, Op: op, Err: err}
}
