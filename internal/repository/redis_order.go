package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/olympic/session-gateway/internal/clock"
	"github.com/olympic/session-gateway/internal/model"
)

const orderKeyPrefix = "order:"

func orderKey(id string) string {
	return orderKeyPrefix + id
}

type redisOrderRepo struct {
	client    *redis.Client
	clock     clock.Clock
	retention time.Duration
}

// NewRedisOrderRepository keeps each order for retention after creation.
func NewRedisOrderRepository(client *redis.Client, clk clock.Clock, retention time.Duration) OrderRepository {
	return &redisOrderRepo{client: client, clock: clk, retention: retention}
}

func (r *redisOrderRepo) Create(ctx context.Context, order *model.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	created, err := r.client.SetNX(ctx, orderKey(order.ID), data, r.retention).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrAlreadyExists
	}
	return nil
}

func (r *redisOrderRepo) FindByID(ctx context.Context, id string) (*model.Order, error) {
	return getJSON[model.Order](ctx, r.client, orderKey(id))
}

func (r *redisOrderRepo) CompareAndUpdate(
	ctx context.Context,
	id string,
	pred model.OrderPredicate,
	mut model.OrderMutation,
) (*model.Order, error) {
	key := orderKey(id)
	var updated *model.Order

	err := watchKey(ctx, r.client, key, func(tx *redis.Tx) error {
		updated = nil

		order, err := getJSON[model.Order](ctx, tx, key)
		if err != nil {
			return err
		}

		if pred != nil {
			if err := pred(order); err != nil {
				return predicateFailed(err)
			}
		}

		next := *order
		mut(&next)
		next.ID = order.ID
		next.CreatedAt = order.CreatedAt
		next.PriceAmount = order.PriceAmount
		next.PriceCurrency = order.PriceCurrency
		next.UpdatedAt = r.clock.Now()

		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal order: %w", err)
		}

		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, data, redis.SetArgs{KeepTTL: true})
			return nil
		}); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *redisOrderRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	iter := r.client.Scan(ctx, 0, orderKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		order, err := getJSON[model.Order](ctx, r.client, iter.Val())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if !order.CreatedAt.Before(before) {
			continue
		}
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, iter.Err()
}
