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
	"github.com/olympic/session-gateway/internal/util"
)

const (
	sessionKeyPrefix = "session:"
	maxCASRetries    = 100
	scanBatchSize    = 200
)

func sessionKey(token string) string {
	return sessionKeyPrefix + token
}

type redisSessionRepo struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRedisSessionRepository stores sessions as JSON values whose native TTL
// matches expires_at, so redis evicts rows nobody revisits.
func NewRedisSessionRepository(client *redis.Client, clk clock.Clock) SessionRepository {
	return &redisSessionRepo{client: client, clock: clk}
}

func (r *redisSessionRepo) Create(ctx context.Context, session *model.Session) error {
	ttl := session.ExpiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		return fmt.Errorf("session %s already past its deadline", util.MaskToken(session.Token))
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	created, err := r.client.SetNX(ctx, sessionKey(session.Token), data, ttl).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrAlreadyExists
	}
	return nil
}

func (r *redisSessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	session, err := getJSON[model.Session](ctx, r.client, sessionKey(token))
	if err != nil {
		return nil, err
	}

	if now := r.clock.Now(); session.ExpiredAt(now) {
		if _, err := r.deleteIfExpired(ctx, token, now); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}
	return session, nil
}

func (r *redisSessionRepo) CompareAndUpdate(
	ctx context.Context,
	token string,
	pred model.SessionPredicate,
	mut model.SessionMutation,
) (*model.Session, error) {
	key := sessionKey(token)
	var updated *model.Session

	err := watchKey(ctx, r.client, key, func(tx *redis.Tx) error {
		updated = nil

		session, err := getJSON[model.Session](ctx, tx, key)
		if err != nil {
			return err
		}

		now := r.clock.Now()
		if session.ExpiredAt(now) {
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			}); err != nil {
				return err
			}
			return ErrSessionExpired
		}

		if pred != nil {
			if err := pred(session); err != nil {
				return predicateFailed(err)
			}
		}

		next := *session
		mut(&next)
		next.Token = session.Token
		next.OrderID = session.OrderID
		next.CreatedAt = session.CreatedAt
		next.ExpiresAt = session.ExpiresAt
		next.UpdatedAt = now

		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
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

func (r *redisSessionRepo) Delete(ctx context.Context, token string) error {
	return r.client.Del(ctx, sessionKey(token)).Err()
}

func (r *redisSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	iter := r.client.Scan(ctx, 0, sessionKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		session, err := getJSON[model.Session](ctx, r.client, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if !session.ExpiredAt(now) {
			continue
		}
		removed, err := r.deleteIfExpired(ctx, session.Token, now)
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted++
		}
	}
	return deleted, iter.Err()
}

func (r *redisSessionRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// deleteIfExpired removes the row only while it is still past its deadline;
// a trial row recreated under the same key in the meantime survives.
func (r *redisSessionRepo) deleteIfExpired(ctx context.Context, token string, now time.Time) (bool, error) {
	key := sessionKey(token)
	removed := false
	err := watchKey(ctx, r.client, key, func(tx *redis.Tx) error {
		removed = false
		session, err := getJSON[model.Session](ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !session.ExpiredAt(now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		removed = err == nil
		return err
	})
	return removed, err
}

// watchKey runs fn under WATCH, retrying when another client modified key
// between the read and EXEC.
func watchKey(ctx context.Context, client *redis.Client, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		err := client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrContention
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, cmd stringGetter, key string) (*T, error) {
	data, err := cmd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return &value, nil
}
